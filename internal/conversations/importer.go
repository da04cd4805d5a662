package conversations

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/prsnl-app/prsnl/internal/db"
	"github.com/prsnl-app/prsnl/internal/dedupe"
	"github.com/prsnl-app/prsnl/pkg/models"
)

// Embedder persists a vector for the transcript item. Optional.
type Embedder interface {
	EmbedItem(ctx context.Context, item *models.Item) error
}

type store interface {
	db.ItemReader
	db.ItemWriter
	db.ConversationStore
}

// Importer stores parsed conversations as transcript items.
type Importer struct {
	store    store
	embedder Embedder
}

// NewImporter builds an importer. Embedder may be nil.
func NewImporter(s store, embedder Embedder) (*Importer, error) {
	if s == nil {
		return nil, errors.New("store is required")
	}
	return &Importer{store: s, embedder: embedder}, nil
}

// ImportResult reports one import.
type ImportResult struct {
	ItemID         string `json:"item_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	MessageCount   int    `json:"message_count"`
	Skipped        bool   `json:"skipped"`
}

// Import parses the payload and persists it. Re-importing the same
// transcript is detected by content fingerprint and skipped.
func (im *Importer) Import(ctx context.Context, platform models.ConversationPlatform, payload []byte, tags []string) (*ImportResult, error) {
	parsed, err := Parse(platform, payload)
	if err != nil {
		return nil, err
	}

	transcript := models.RenderTranscript(parsed.Messages)
	fingerprint := dedupe.Fingerprint(transcript)

	if existing, err := im.store.GetItemByFingerprint(ctx, fingerprint); err == nil {
		log.Info().Str("item_id", existing.ID).Msg("conversation already imported")
		return &ImportResult{ItemID: existing.ID, Skipped: true}, nil
	} else if !errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("check transcript fingerprint: %w", err)
	}

	item := models.NewItem(models.ItemTypeConversation, parsed.Title)
	item.Content = models.NullString(transcript)
	item.ContentFingerprint = models.NullString(fingerprint)
	item.Tags = tags
	item.Metadata = models.JSONMap{
		"platform":      string(parsed.Platform),
		"message_count": len(parsed.Messages),
	}
	if err := im.store.CreateItem(ctx, item); err != nil {
		return nil, fmt.Errorf("persist transcript item: %w", err)
	}

	conv := &models.ConversationImport{
		ID:           uuid.NewString(),
		ItemID:       item.ID,
		Platform:     parsed.Platform,
		Title:        parsed.Title,
		MessageCount: len(parsed.Messages),
	}
	if err := im.store.CreateConversation(ctx, conv, parsed.Messages); err != nil {
		return nil, fmt.Errorf("persist conversation: %w", err)
	}

	if im.embedder != nil {
		if err := im.embedder.EmbedItem(ctx, item); err != nil {
			log.Warn().Err(err).Str("item_id", item.ID).Msg("embedding failed, deferring to backfill")
		}
	}

	if err := im.store.SetItemStatus(ctx, item.ID, models.ItemStatusCompleted); err != nil {
		return nil, fmt.Errorf("mark transcript item completed: %w", err)
	}

	return &ImportResult{
		ItemID:         item.ID,
		ConversationID: conv.ID,
		MessageCount:   len(parsed.Messages),
	}, nil
}
