package gorm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prsnl-app/prsnl/internal/db"
	"github.com/prsnl-app/prsnl/pkg/models"
)

func TestItemStore_CreateAndGet(t *testing.T) {
	stores, _ := testStores(t)
	ctx := context.Background()

	item := models.NewItem(models.ItemTypeArticle, "Understanding goroutine leaks")
	item.URL = models.NullString(uniqueURL("goroutine-leaks"))
	item.Content = models.NullString("Long-running goroutines that never exit...")
	item.Tags = []string{"Go", "concurrency", "go"}

	require.NoError(t, stores.CreateItem(ctx, item))

	got, err := stores.GetItemByID(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, item.Title, got.Title)
	assert.Equal(t, models.ItemStatusPending, got.Status)
	// Tags are lowercased and deduped
	assert.Equal(t, []string{"concurrency", "go"}, got.Tags)
}

func TestItemStore_CreateDuplicateURL(t *testing.T) {
	stores, _ := testStores(t)
	ctx := context.Background()

	url := uniqueURL("dup")
	first := models.NewItem(models.ItemTypeArticle, "First")
	first.URL = models.NullString(url)
	require.NoError(t, stores.CreateItem(ctx, first))

	second := models.NewItem(models.ItemTypeArticle, "Second")
	second.URL = models.NullString(url)
	err := stores.CreateItem(ctx, second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, db.ErrConflict))
}

func TestItemStore_GetByFingerprint(t *testing.T) {
	stores, _ := testStores(t)
	ctx := context.Background()

	item := models.NewItem(models.ItemTypeNote, "Note")
	item.ContentFingerprint = models.NullString("abc123fingerprint")
	require.NoError(t, stores.CreateItem(ctx, item))

	got, err := stores.GetItemByFingerprint(ctx, "abc123fingerprint")
	require.NoError(t, err)
	assert.Equal(t, item.ID, got.ID)

	_, err = stores.GetItemByFingerprint(ctx, "no-such-fingerprint")
	assert.True(t, errors.Is(err, db.ErrNotFound))
}

func TestItemStore_TouchItem(t *testing.T) {
	stores, _ := testStores(t)
	ctx := context.Background()

	item := models.NewItem(models.ItemTypeNote, "Touched")
	require.NoError(t, stores.CreateItem(ctx, item))

	require.NoError(t, stores.TouchItem(ctx, item.ID))
	require.NoError(t, stores.TouchItem(ctx, item.ID))

	got, err := stores.GetItemByID(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.AccessCount)
	assert.True(t, got.AccessedAt.Valid)
}

func TestItemStore_ListItems_Filters(t *testing.T) {
	stores, _ := testStores(t)
	ctx := context.Background()

	article := models.NewItem(models.ItemTypeArticle, "Article")
	article.Tags = []string{"reading"}
	require.NoError(t, stores.CreateItem(ctx, article))

	note := models.NewItem(models.ItemTypeNote, "Note")
	require.NoError(t, stores.CreateItem(ctx, note))

	items, total, err := stores.ListItems(ctx, db.ItemFilter{Type: models.ItemTypeArticle})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, items, 1)
	assert.Equal(t, article.ID, items[0].ID)

	items, total, err = stores.ListItems(ctx, db.ItemFilter{Tag: "READING"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, items, 1)
	assert.Equal(t, article.ID, items[0].ID)

	_, total, err = stores.ListItems(ctx, db.ItemFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
}

func TestItemStore_UpdateItem_PartialFields(t *testing.T) {
	stores, _ := testStores(t)
	ctx := context.Background()

	item := models.NewItem(models.ItemTypeNote, "Old title")
	item.Content = models.NullString("old content")
	require.NoError(t, stores.CreateItem(ctx, item))

	newTitle := "New title"
	updated, err := stores.UpdateItem(ctx, item.ID, &db.ItemUpdate{Title: &newTitle})
	require.NoError(t, err)
	assert.Equal(t, "New title", updated.Title)
	// Untouched fields survive
	assert.Equal(t, "old content", updated.Content.String)

	_, err = stores.UpdateItem(ctx, "00000000-0000-0000-0000-000000000000", &db.ItemUpdate{Title: &newTitle})
	assert.True(t, errors.Is(err, db.ErrNotFound))
}

func TestItemStore_DeleteItem_CleansUp(t *testing.T) {
	stores, _ := testStores(t)
	ctx := context.Background()

	item := models.NewItem(models.ItemTypeArticle, "Doomed")
	item.Tags = []string{"gone"}
	require.NoError(t, stores.CreateItem(ctx, item))
	require.NoError(t, stores.UpsertEmbedding(ctx, item.ID, "test-model", "v1", testVector(0)))

	require.NoError(t, stores.DeleteItem(ctx, item.ID))

	_, err := stores.GetItemByID(ctx, item.ID)
	assert.True(t, errors.Is(err, db.ErrNotFound))

	// Embeddings cascade with the item
	count, err := stores.CountEmbeddings(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestItemStore_ReplaceTags(t *testing.T) {
	stores, _ := testStores(t)
	ctx := context.Background()

	item := models.NewItem(models.ItemTypeNote, "Tagged")
	item.Tags = []string{"one", "two"}
	require.NoError(t, stores.CreateItem(ctx, item))

	require.NoError(t, stores.ReplaceTags(ctx, item.ID, []string{"three"}))

	tags, err := stores.GetItemTags(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"three"}, tags)

	// Tag rows themselves are shared and survive unlinking
	all, err := stores.ListTags(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
