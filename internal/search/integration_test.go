package search

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"

	gormdb "github.com/prsnl-app/prsnl/internal/db/gorm"
	"github.com/prsnl-app/prsnl/internal/embedding"
	"github.com/prsnl-app/prsnl/pkg/models"
)

// pgStores connects to the database named by PRSNL_TEST_DATABASE_URL and
// truncates it. Skipped when the variable is unset so the unit suite stays
// runnable without PostgreSQL.
func pgStores(t *testing.T) (*gormdb.Stores, *gormdb.Store) {
	t.Helper()

	dsn := os.Getenv("PRSNL_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("PRSNL_TEST_DATABASE_URL not set; skipping database integration test")
	}

	store, err := gormdb.NewStore(gormdb.Config{
		DSN:           dsn,
		MaxConns:      4,
		EmbeddingDims: 8,
		LogLevel:      logger.Silent,
	})
	require.NoError(t, err)

	require.NoError(t, store.DB.Exec(
		`TRUNCATE item_tags, tags, embeddings, conversation_messages,
		 conversation_imports, github_repos, processing_jobs, items CASCADE`,
	).Error)

	t.Cleanup(func() { _ = store.Close() })
	return gormdb.NewStores(store), store
}

// axisEmbedder maps every text to a fixed 8-dim unit vector.
type axisEmbedder struct {
	vec []float32
}

func (e *axisEmbedder) EmbedText(context.Context, string) ([]float32, error) {
	return e.vec, nil
}

func (e *axisEmbedder) ModelName() string { return "axis-model" }

func axisVec(axis int) []float32 {
	v := make([]float32, 8)
	v[axis%8] = 1
	return v
}

func seedItem(t *testing.T, stores *gormdb.Stores, title, content string, axis int) *models.Item {
	t.Helper()
	ctx := context.Background()

	item := models.NewItem(models.ItemTypeArticle, title)
	item.Content = models.NullString(content)
	require.NoError(t, stores.CreateItem(ctx, item))
	require.NoError(t, stores.SetItemStatus(ctx, item.ID, models.ItemStatusCompleted))
	require.NoError(t, stores.UpsertEmbedding(ctx, item.ID, "axis-model", embedding.ModelVersion, axisVec(axis)))
	return item
}

func TestManager_KeywordSearch_Postgres(t *testing.T) {
	stores, store := pgStores(t)
	ctx := context.Background()

	match := seedItem(t, stores, "Go channel patterns", "Fan-in merges several channels into one.", 0)
	seedItem(t, stores, "Gardening notes", "Tomatoes want full sun and deep watering.", 1)

	m, err := NewManager(Config{SQLDB: store.GetRawDB(), Items: stores})
	require.NoError(t, err)

	results, err := m.Search(ctx, Request{Query: "channels", Mode: models.SearchModeKeyword})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, match.ID, results[0].Item.ID)
	assert.True(t, results[0].MatchedByText)
}

func TestManager_SemanticSearch_Postgres(t *testing.T) {
	stores, store := pgStores(t)
	ctx := context.Background()

	near := seedItem(t, stores, "Go channel patterns", "Fan-in merges several channels into one.", 0)
	seedItem(t, stores, "Gardening notes", "Tomatoes want full sun and deep watering.", 1)

	m, err := NewManager(Config{
		SQLDB:             store.GetRawDB(),
		Items:             stores,
		Embedder:          &axisEmbedder{vec: axisVec(0)},
		SemanticThreshold: 0.5,
	})
	require.NoError(t, err)

	results, err := m.Search(ctx, Request{Query: "merging channels", Mode: models.SearchModeSemantic})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, near.ID, results[0].Item.ID)
	assert.InDelta(t, 1.0, results[0].Similarity, 0.001)
	assert.True(t, results[0].MatchedByVec)
}

func TestManager_HybridSearch_Postgres(t *testing.T) {
	stores, store := pgStores(t)
	ctx := context.Background()

	// Matches both legs: keyword on "channels" and the query vector.
	both := seedItem(t, stores, "Go channel patterns", "Fan-in merges several channels into one.", 0)
	// Matches only the semantic leg.
	vecOnly := seedItem(t, stores, "Pipelines", "Stage one feeds stage two.", 0)

	m, err := NewManager(Config{
		SQLDB:             store.GetRawDB(),
		Items:             stores,
		Embedder:          &axisEmbedder{vec: axisVec(0)},
		SemanticThreshold: 0.5,
	})
	require.NoError(t, err)

	results, err := m.Search(ctx, Request{Query: "channels", Mode: models.SearchModeHybrid})
	require.NoError(t, err)
	require.Len(t, results, 2)
	// The item in both rankings fuses the higher score.
	assert.Equal(t, both.ID, results[0].Item.ID)
	assert.Equal(t, vecOnly.ID, results[1].Item.ID)
	assert.Greater(t, results[0].Score, results[1].Score)
}
