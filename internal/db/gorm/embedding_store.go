package gorm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/prsnl-app/prsnl/internal/db"
)

// EmbeddingStore persists item embeddings in the pgvector-backed table.
type EmbeddingStore struct {
	gdb   *gorm.DB
	rawDB *sql.DB
}

// NewEmbeddingStore creates a new embedding store.
func NewEmbeddingStore(store *Store) *EmbeddingStore {
	return &EmbeddingStore{
		gdb:   store.DB,
		rawDB: store.GetRawDB(),
	}
}

// UpsertEmbedding stores a vector keyed on (item_id, model_name,
// model_version), replacing any previous vector for that key.
func (s *EmbeddingStore) UpsertEmbedding(ctx context.Context, itemID, modelName, modelVersion string, vector []float32) error {
	if len(vector) == 0 {
		return fmt.Errorf("empty vector for item %s", itemID)
	}

	now := time.Now().UTC()
	emb := &Embedding{
		ItemID:       itemID,
		ModelName:    modelName,
		ModelVersion: modelVersion,
		Vector:       pgvector.NewVector(vector),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	return s.gdb.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "item_id"}, {Name: "model_name"}, {Name: "model_version"},
			},
			DoUpdates: clause.AssignmentColumns([]string{"vector", "updated_at"}),
		}).
		Create(emb).Error
}

// GetEmbedding retrieves the stored vector for an item under one model key.
func (s *EmbeddingStore) GetEmbedding(ctx context.Context, itemID, modelName, modelVersion string) ([]float32, error) {
	var emb Embedding
	err := s.gdb.WithContext(ctx).
		Where("item_id = ? AND model_name = ? AND model_version = ?", itemID, modelName, modelVersion).
		First(&emb).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, db.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return emb.Vector.Slice(), nil
}

// DeleteEmbeddingsForItem removes all vectors for an item, across models.
func (s *EmbeddingStore) DeleteEmbeddingsForItem(ctx context.Context, itemID string) error {
	return s.gdb.WithContext(ctx).Where("item_id = ?", itemID).Delete(&Embedding{}).Error
}

// ListItemsMissingEmbedding returns IDs of completed items with no embedding
// for the given model key. Drives the nightly backfill and model migrations.
func (s *EmbeddingStore) ListItemsMissingEmbedding(ctx context.Context, modelName, modelVersion string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}

	var ids []string
	err := s.gdb.WithContext(ctx).
		Model(&Item{}).
		Where("items.status = ?", "completed").
		Where(`NOT EXISTS (
			SELECT 1 FROM embeddings e
			WHERE e.item_id = items.id AND e.model_name = ? AND e.model_version = ?
		)`, modelName, modelVersion).
		Order("items.created_at ASC").
		Limit(limit).
		Pluck("items.id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// CountEmbeddings returns the total number of stored vectors.
func (s *EmbeddingStore) CountEmbeddings(ctx context.Context) (int64, error) {
	var count int64
	err := s.gdb.WithContext(ctx).Model(&Embedding{}).Count(&count).Error
	return count, err
}
