package models

import (
	"fmt"
	"strings"
	"time"
)

// ConversationPlatform identifies the chat product an export came from.
type ConversationPlatform string

const (
	PlatformChatGPT ConversationPlatform = "chatgpt"
	PlatformClaude  ConversationPlatform = "claude"
	PlatformGeneric ConversationPlatform = "generic"
)

// ConversationMessage is a single turn in an imported conversation.
type ConversationMessage struct {
	ID             int64     `db:"id" json:"id"`
	ConversationID string    `db:"conversation_id" json:"conversation_id"`
	Role           string    `db:"role" json:"role"`
	Content        string    `db:"content" json:"content"`
	Sequence       int       `db:"sequence" json:"sequence"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// ConversationImport records one imported chat export, linked to the item
// that holds its rendered transcript.
type ConversationImport struct {
	ID           string               `db:"id" json:"id"`
	ItemID       string               `db:"item_id" json:"item_id"`
	Platform     ConversationPlatform `db:"platform" json:"platform"`
	Title        string               `db:"title" json:"title"`
	MessageCount int                  `db:"message_count" json:"message_count"`
	Metadata     JSONMap              `db:"metadata" json:"metadata,omitempty"`
	ImportedAt   time.Time            `db:"imported_at" json:"imported_at"`
}

// RenderTranscript flattens messages into the text stored on the item.
// The format is stable: search and embeddings both run over it.
func RenderTranscript(messages []ConversationMessage) string {
	var b strings.Builder
	for i, m := range messages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%s]\n%s", m.Role, strings.TrimSpace(m.Content))
	}
	return b.String()
}
