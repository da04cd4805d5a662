package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/prsnl-app/prsnl/internal/cache"
	"github.com/prsnl-app/prsnl/internal/db"
	"github.com/prsnl-app/prsnl/pkg/models"
)

// ModelVersion tags stored vectors so a model upgrade can re-embed
// incrementally instead of wiping the table.
const ModelVersion = "v1"

const (
	cacheTTL         = 24 * time.Hour
	defaultBatchSize = 64
	defaultMaxTokens = 8000
)

// Manager coordinates the embedding client, the token budget, the Redis
// cache, and vector persistence.
type Manager struct {
	client    *Client
	tok       *Tokenizer
	cache     *cache.Cache
	store     db.EmbeddingStore
	items     db.ItemReader
	batchSize int
	maxTokens int
}

// ManagerConfig wires the manager's collaborators.
type ManagerConfig struct {
	Client    *Client
	Cache     *cache.Cache
	Store     db.EmbeddingStore
	Items     db.ItemReader
	BatchSize int
	MaxTokens int
}

// NewManager builds a manager. Client and Store are required.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Client == nil {
		return nil, errors.New("embedding client is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("embedding store is required")
	}
	tok, err := NewTokenizer()
	if err != nil {
		return nil, err
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.Cache == nil {
		cfg.Cache = cache.New("")
	}
	return &Manager{
		client:    cfg.Client,
		tok:       tok,
		cache:     cfg.Cache,
		store:     cfg.Store,
		items:     cfg.Items,
		batchSize: cfg.BatchSize,
		maxTokens: cfg.MaxTokens,
	}, nil
}

// ModelName returns the configured embedding model.
func (m *Manager) ModelName() string { return m.client.Model() }

// EmbedText returns the embedding for text, consulting the fingerprint cache
// before calling the API.
func (m *Manager) EmbedText(ctx context.Context, text string) ([]float32, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return make([]float32, m.client.Dimensions()), nil
	}

	key := m.cacheKey(text)
	var cached []float32
	if err := m.cache.GetJSON(ctx, key, &cached); err == nil && len(cached) == m.client.Dimensions() {
		return cached, nil
	}

	truncated, err := m.tok.Truncate(text, m.maxTokens)
	if err != nil {
		return nil, err
	}
	vector, err := m.client.Embed(ctx, truncated)
	if err != nil {
		return nil, err
	}
	if err := m.cache.SetJSON(ctx, key, vector, cacheTTL); err != nil {
		log.Warn().Err(err).Msg("failed to cache embedding")
	}
	return vector, nil
}

// EmbedItem embeds the item's searchable text and upserts the vector under
// (item_id, model_name, model_version).
func (m *Manager) EmbedItem(ctx context.Context, item *models.Item) error {
	text := ItemText(item)
	if text == "" {
		return fmt.Errorf("item %s has no embeddable text", item.ID)
	}
	vector, err := m.EmbedText(ctx, text)
	if err != nil {
		return fmt.Errorf("embed item %s: %w", item.ID, err)
	}
	if err := m.store.UpsertEmbedding(ctx, item.ID, m.client.Model(), ModelVersion, vector); err != nil {
		return fmt.Errorf("store embedding for item %s: %w", item.ID, err)
	}
	return nil
}

// Backfill embeds up to limit completed items that lack a vector for the
// current model. Returns how many items were embedded. Items are batched to
// respect the token budget per request.
func (m *Manager) Backfill(ctx context.Context, limit int) (int, error) {
	if m.items == nil {
		return 0, errors.New("item reader not configured for backfill")
	}
	ids, err := m.store.ListItemsMissingEmbedding(ctx, m.client.Model(), ModelVersion, limit)
	if err != nil {
		return 0, fmt.Errorf("list items missing embedding: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	items, err := m.items.GetItemsByIDs(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("load backfill items: %w", err)
	}

	texts := make([]string, 0, len(items))
	kept := make([]*models.Item, 0, len(items))
	for _, item := range items {
		if text := ItemText(item); text != "" {
			texts = append(texts, text)
			kept = append(kept, item)
		}
	}

	batches, err := m.tok.SplitBatches(texts, m.batchSize, m.maxTokens)
	if err != nil {
		return 0, err
	}

	done := 0
	offset := 0
	for _, batch := range batches {
		vectors, err := m.client.EmbedBatch(ctx, batch)
		if err != nil {
			return done, fmt.Errorf("embed backfill batch: %w", err)
		}
		for i, vector := range vectors {
			item := kept[offset+i]
			if err := m.store.UpsertEmbedding(ctx, item.ID, m.client.Model(), ModelVersion, vector); err != nil {
				return done, fmt.Errorf("store embedding for item %s: %w", item.ID, err)
			}
			done++
		}
		offset += len(batch)
	}
	log.Info().Int("embedded", done).Str("model", m.client.Model()).Msg("embedding backfill pass complete")
	return done, nil
}

func (m *Manager) cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return cache.Key("embed", m.client.Model(), ModelVersion, hex.EncodeToString(sum[:16]))
}

// ItemText builds the text embedded for an item: title plus summary or, when
// no summary exists, the content body.
func ItemText(item *models.Item) string {
	parts := []string{strings.TrimSpace(item.Title)}
	if item.Summary.Valid && strings.TrimSpace(item.Summary.String) != "" {
		parts = append(parts, strings.TrimSpace(item.Summary.String))
	} else if item.Content.Valid {
		parts = append(parts, strings.TrimSpace(item.Content.String))
	}
	out := strings.TrimSpace(strings.Join(parts, "\n\n"))
	return out
}
