package models

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ItemType represents the kind of content an item holds.
type ItemType string

const (
	ItemTypeArticle      ItemType = "article"
	ItemTypeNote         ItemType = "note"
	ItemTypeConversation ItemType = "conversation"
	ItemTypeRepository   ItemType = "repository"
	ItemTypeDocument     ItemType = "document"
)

// AllItemTypes lists the valid item types.
var AllItemTypes = []ItemType{
	ItemTypeArticle,
	ItemTypeNote,
	ItemTypeConversation,
	ItemTypeRepository,
	ItemTypeDocument,
}

// Valid reports whether t is a known item type.
func (t ItemType) Valid() bool {
	for _, v := range AllItemTypes {
		if t == v {
			return true
		}
	}
	return false
}

// ItemStatus represents the processing state of an item.
type ItemStatus string

const (
	ItemStatusPending    ItemStatus = "pending"
	ItemStatusProcessing ItemStatus = "processing"
	ItemStatusCompleted  ItemStatus = "completed"
	ItemStatusFailed     ItemStatus = "failed"
)

// Valid reports whether s is a known item status.
func (s ItemStatus) Valid() bool {
	switch s {
	case ItemStatusPending, ItemStatusProcessing, ItemStatusCompleted, ItemStatusFailed:
		return true
	}
	return false
}

// Item is a captured piece of knowledge: an article, note, conversation,
// repository, or document.
type Item struct {
	ID                 string          `db:"id" json:"id"`
	Type               ItemType        `db:"type" json:"type"`
	Status             ItemStatus      `db:"status" json:"status"`
	Title              string          `db:"title" json:"title"`
	Summary            sql.NullString  `db:"summary" json:"summary,omitempty"`
	Content            sql.NullString  `db:"content" json:"content,omitempty"`
	RawContent         sql.NullString  `db:"raw_content" json:"raw_content,omitempty"`
	URL                sql.NullString  `db:"url" json:"url,omitempty"`
	ContentFingerprint sql.NullString  `db:"content_fingerprint" json:"content_fingerprint,omitempty"`
	Metadata           JSONMap         `db:"metadata" json:"metadata,omitempty"`
	Tags               []string        `db:"-" json:"tags,omitempty"`
	AccessCount        int             `db:"access_count" json:"access_count"`
	AccessedAt         sql.NullTime    `db:"accessed_at" json:"accessed_at,omitempty"`
	CreatedAt          time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time       `db:"updated_at" json:"updated_at"`
}

// Tag is a label attached to items.
type Tag struct {
	ID        int64     `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// NewItem creates a pending item with a fresh UUID.
func NewItem(itemType ItemType, title string) *Item {
	now := time.Now().UTC()
	return &Item{
		ID:        uuid.NewString(),
		Type:      itemType,
		Status:    ItemStatusPending,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// itemJSON is a JSON-friendly representation of Item.
// It converts sql.Null* fields to plain values for clean output.
type itemJSON struct {
	ID                 string     `json:"id"`
	Type               ItemType   `json:"type"`
	Status             ItemStatus `json:"status"`
	Title              string     `json:"title"`
	Summary            string     `json:"summary,omitempty"`
	Content            string     `json:"content,omitempty"`
	URL                string     `json:"url,omitempty"`
	ContentFingerprint string     `json:"content_fingerprint,omitempty"`
	Metadata           JSONMap    `json:"metadata,omitempty"`
	Tags               []string   `json:"tags,omitempty"`
	AccessCount        int        `json:"access_count"`
	AccessedAt         string     `json:"accessed_at,omitempty"`
	CreatedAt          string     `json:"created_at"`
	UpdatedAt          string     `json:"updated_at"`
}

// MarshalJSON implements json.Marshaler for Item.
// Raw content is intentionally omitted from API responses.
func (i *Item) MarshalJSON() ([]byte, error) {
	j := itemJSON{
		ID:          i.ID,
		Type:        i.Type,
		Status:      i.Status,
		Title:       i.Title,
		Metadata:    i.Metadata,
		Tags:        i.Tags,
		AccessCount: i.AccessCount,
		CreatedAt:   i.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:   i.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if i.Summary.Valid {
		j.Summary = i.Summary.String
	}
	if i.Content.Valid {
		j.Content = i.Content.String
	}
	if i.URL.Valid {
		j.URL = i.URL.String
	}
	if i.ContentFingerprint.Valid {
		j.ContentFingerprint = i.ContentFingerprint.String
	}
	if i.AccessedAt.Valid {
		j.AccessedAt = i.AccessedAt.Time.UTC().Format(time.RFC3339)
	}
	return json.Marshal(j)
}

// UnmarshalJSON implements json.Unmarshaler as the inverse of MarshalJSON,
// so marshalled items (cached search responses in particular) round-trip.
func (i *Item) UnmarshalJSON(data []byte) error {
	var j itemJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	*i = Item{
		ID:                 j.ID,
		Type:               j.Type,
		Status:             j.Status,
		Title:              j.Title,
		Summary:            NullString(j.Summary),
		Content:            NullString(j.Content),
		URL:                NullString(j.URL),
		ContentFingerprint: NullString(j.ContentFingerprint),
		Metadata:           j.Metadata,
		Tags:               j.Tags,
		AccessCount:        j.AccessCount,
	}
	if j.AccessedAt != "" {
		ts, err := time.Parse(time.RFC3339, j.AccessedAt)
		if err != nil {
			return fmt.Errorf("parse accessed_at: %w", err)
		}
		i.AccessedAt = NullTime(ts)
	}
	if j.CreatedAt != "" {
		ts, err := time.Parse(time.RFC3339, j.CreatedAt)
		if err != nil {
			return fmt.Errorf("parse created_at: %w", err)
		}
		i.CreatedAt = ts
	}
	if j.UpdatedAt != "" {
		ts, err := time.Parse(time.RFC3339, j.UpdatedAt)
		if err != nil {
			return fmt.Errorf("parse updated_at: %w", err)
		}
		i.UpdatedAt = ts
	}
	return nil
}
