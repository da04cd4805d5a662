package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFuseRRF_BothListsBoost(t *testing.T) {
	kw := []rankedHit{
		{itemID: "a", rank: 1, score: 0.9},
		{itemID: "b", rank: 2, score: 0.5},
	}
	sem := []rankedHit{
		{itemID: "b", rank: 1, score: 0.8},
		{itemID: "c", rank: 2, score: 0.6},
	}

	fused := fuseRRF(kw, sem, 10)
	require.Len(t, fused, 3)

	// b appears in both lists so it outranks a (keyword #1 only)
	assert.Equal(t, "b", fused[0].itemID)
	assert.True(t, fused[0].byText)
	assert.True(t, fused[0].byVec)
	assert.Equal(t, 0.5, fused[0].kwScore)
	assert.Equal(t, 0.8, fused[0].simScore)
	assert.InDelta(t, 1.0/62+1.0/61, fused[0].score, 1e-9)

	assert.Equal(t, "a", fused[1].itemID)
	assert.True(t, fused[1].byText)
	assert.False(t, fused[1].byVec)

	assert.Equal(t, "c", fused[2].itemID)
	assert.False(t, fused[2].byText)
	assert.True(t, fused[2].byVec)
}

func TestFuseRRF_LimitAndTies(t *testing.T) {
	kw := []rankedHit{
		{itemID: "z", rank: 1},
		{itemID: "a", rank: 1},
	}
	// Identical rank 1 in a single list is impossible in practice, but score
	// ties across different items happen; order must be deterministic.
	fused := fuseRRF(kw, nil, 10)
	require.Len(t, fused, 2)
	assert.Equal(t, "a", fused[0].itemID)
	assert.Equal(t, "z", fused[1].itemID)

	fused = fuseRRF(kw, nil, 1)
	assert.Len(t, fused, 1)
}

func TestFuseRRF_EmptyLists(t *testing.T) {
	assert.Empty(t, fuseRRF(nil, nil, 10))

	sem := []rankedHit{{itemID: "x", rank: 1, score: 0.7}}
	fused := fuseRRF(nil, sem, 10)
	require.Len(t, fused, 1)
	assert.Equal(t, "x", fused[0].itemID)
	assert.InDelta(t, 1.0/61, fused[0].score, 1e-9)
}

func TestSearchRequestValidation(t *testing.T) {
	m := &Manager{}

	_, err := m.Search(t.Context(), Request{Query: "   "})
	assert.Error(t, err)

	_, err = m.Search(t.Context(), Request{Query: "go", Mode: "fuzzy"})
	assert.Error(t, err)
}
