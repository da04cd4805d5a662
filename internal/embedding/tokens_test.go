package embedding

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prsnl-app/prsnl/pkg/models"
)

func newTestTokenizer(t *testing.T) *Tokenizer {
	t.Helper()
	tok, err := NewTokenizer()
	require.NoError(t, err)
	return tok
}

func TestTokenizer_Count(t *testing.T) {
	tok := newTestTokenizer(t)

	n, err := tok.Count("hello world")
	require.NoError(t, err)
	assert.Greater(t, n, 0)

	empty, err := tok.Count("")
	require.NoError(t, err)
	assert.Zero(t, empty)
}

func TestTokenizer_Truncate(t *testing.T) {
	tok := newTestTokenizer(t)

	short := "short text"
	out, err := tok.Truncate(short, 100)
	require.NoError(t, err)
	assert.Equal(t, short, out)

	long := strings.Repeat("the quick brown fox jumps over the lazy dog ", 50)
	out, err = tok.Truncate(long, 10)
	require.NoError(t, err)
	n, err := tok.Count(out)
	require.NoError(t, err)
	assert.LessOrEqual(t, n, 10)
	assert.True(t, strings.HasPrefix(long, out))
}

func TestTokenizer_SplitBatches(t *testing.T) {
	tok := newTestTokenizer(t)

	texts := []string{"one", "two", "three", "four", "five"}
	batches, err := tok.SplitBatches(texts, 2, 0)
	require.NoError(t, err)
	require.Len(t, batches, 3)
	assert.Equal(t, []string{"one", "two"}, batches[0])
	assert.Equal(t, []string{"five"}, batches[2])

	// Token budget forces smaller batches than the size limit
	long := strings.Repeat("word ", 40)
	batches, err = tok.SplitBatches([]string{long, long, long}, 10, 50)
	require.NoError(t, err)
	assert.Len(t, batches, 3)
}

func TestTokenizer_Chunk(t *testing.T) {
	tok := newTestTokenizer(t)

	short := "fits in one chunk"
	chunks, err := tok.Chunk(short, 100, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{short}, chunks)

	long := strings.Repeat("sentence about interesting things. ", 60)
	chunks, err = tok.Chunk(long, 50, 10)
	require.NoError(t, err)
	assert.Greater(t, len(chunks), 1)
	for _, chunk := range chunks {
		n, err := tok.Count(chunk)
		require.NoError(t, err)
		assert.LessOrEqual(t, n, 50)
	}
	// Overlap means consecutive chunks share a suffix/prefix of text
	assert.Contains(t, long, chunks[0])
}

func TestItemText(t *testing.T) {
	item := models.NewItem(models.ItemTypeArticle, "A Title")
	item.Summary = models.NullString("A summary.")
	item.Content = models.NullString("Full content body.")
	assert.Equal(t, "A Title\n\nA summary.", ItemText(item))

	noSummary := models.NewItem(models.ItemTypeArticle, "A Title")
	noSummary.Content = models.NullString("Full content body.")
	assert.Equal(t, "A Title\n\nFull content body.", ItemText(noSummary))

	bare := models.NewItem(models.ItemTypeNote, "Just a title")
	assert.Equal(t, "Just a title", ItemText(bare))
}
