package models

import (
	"database/sql"
	"time"
)

// GitHubRepo records a synced repository, linked to the item that holds its
// README content.
type GitHubRepo struct {
	ID            int64           `db:"id" json:"id"`
	ItemID        string          `db:"item_id" json:"item_id"`
	FullName      string          `db:"full_name" json:"full_name"`
	Description   sql.NullString  `db:"description" json:"description,omitempty"`
	Language      sql.NullString  `db:"language" json:"language,omitempty"`
	Stars         int             `db:"stars" json:"stars"`
	Topics        JSONStringArray `db:"topics" json:"topics,omitempty"`
	DefaultBranch string          `db:"default_branch" json:"default_branch"`
	PushedAt      sql.NullTime    `db:"pushed_at" json:"pushed_at,omitempty"`
	SyncedAt      time.Time       `db:"synced_at" json:"synced_at"`
}
