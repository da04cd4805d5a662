package gorm

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/prsnl-app/prsnl/internal/db"
	"github.com/prsnl-app/prsnl/pkg/models"
)

// ConversationStore persists imported chat conversations.
type ConversationStore struct {
	gdb *gorm.DB
}

// NewConversationStore creates a new conversation store.
func NewConversationStore(store *Store) *ConversationStore {
	return &ConversationStore{gdb: store.DB}
}

// CreateConversation stores the import record and its messages atomically.
func (s *ConversationStore) CreateConversation(ctx context.Context, conv *models.ConversationImport, messages []models.ConversationMessage) error {
	dbConv := &ConversationImport{
		ID:           conv.ID,
		ItemID:       conv.ItemID,
		Platform:     string(conv.Platform),
		Title:        conv.Title,
		MessageCount: len(messages),
		Metadata:     conv.Metadata,
		ImportedAt:   conv.ImportedAt,
	}

	err := s.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(dbConv).Error; err != nil {
			return err
		}

		now := time.Now().UTC()
		dbMessages := make([]ConversationMessage, len(messages))
		for i, m := range messages {
			dbMessages[i] = ConversationMessage{
				ConversationID: dbConv.ID,
				Role:           m.Role,
				Content:        m.Content,
				Sequence:       i,
				CreatedAt:      now,
			}
		}
		if len(dbMessages) == 0 {
			return nil
		}
		return tx.CreateInBatches(dbMessages, 200).Error
	})
	if err != nil {
		return err
	}

	conv.ID = dbConv.ID
	conv.MessageCount = dbConv.MessageCount
	conv.ImportedAt = dbConv.ImportedAt
	return nil
}

// GetConversationByItemID retrieves the import record and ordered messages
// for an item.
func (s *ConversationStore) GetConversationByItemID(ctx context.Context, itemID string) (*models.ConversationImport, []models.ConversationMessage, error) {
	var dbConv ConversationImport
	err := s.gdb.WithContext(ctx).First(&dbConv, "item_id = ?", itemID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, db.ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}

	var dbMessages []ConversationMessage
	err = s.gdb.WithContext(ctx).
		Where("conversation_id = ?", dbConv.ID).
		Order("sequence ASC").
		Find(&dbMessages).Error
	if err != nil {
		return nil, nil, err
	}

	conv := &models.ConversationImport{
		ID:           dbConv.ID,
		ItemID:       dbConv.ItemID,
		Platform:     models.ConversationPlatform(dbConv.Platform),
		Title:        dbConv.Title,
		MessageCount: dbConv.MessageCount,
		Metadata:     dbConv.Metadata,
		ImportedAt:   dbConv.ImportedAt,
	}

	messages := make([]models.ConversationMessage, len(dbMessages))
	for i, m := range dbMessages {
		messages[i] = models.ConversationMessage{
			ID:             m.ID,
			ConversationID: m.ConversationID,
			Role:           m.Role,
			Content:        m.Content,
			Sequence:       m.Sequence,
			CreatedAt:      m.CreatedAt,
		}
	}
	return conv, messages, nil
}
