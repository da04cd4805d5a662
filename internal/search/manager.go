// Package search implements keyword, semantic, and hybrid retrieval over
// captured items. Keyword search runs against the generated tsvector column,
// semantic search against pgvector embeddings; hybrid mode fuses both with
// reciprocal rank fusion.
package search

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	pgvec "github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog/log"

	"github.com/prsnl-app/prsnl/internal/cache"
	"github.com/prsnl-app/prsnl/internal/db"
	"github.com/prsnl-app/prsnl/internal/embedding"
	"github.com/prsnl-app/prsnl/pkg/models"
)

// rrfK is the reciprocal rank fusion constant. 60 is the value from the
// original RRF paper and keeps low-ranked matches from dominating.
const rrfK = 60

const defaultLimit = 20

// Embedder turns query text into a vector. Satisfied by *embedding.Manager.
type Embedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
	ModelName() string
}

// Request is one search invocation.
type Request struct {
	Query string
	Mode  models.SearchMode
	Type  models.ItemType
	Tag   string
	Limit int
}

// Config wires the manager's collaborators.
type Config struct {
	SQLDB    *sql.DB
	Items    db.ItemReader
	Embedder Embedder
	Cache    *cache.Cache
	// SemanticThreshold drops semantic matches below this cosine similarity.
	SemanticThreshold float64
	CacheTTL          time.Duration
}

// Manager executes searches. Raw SQL is used for both retrieval legs since
// tsvector and pgvector operators have no ORM equivalent.
type Manager struct {
	sqlDB     *sql.DB
	items     db.ItemReader
	embedder  Embedder
	cache     *cache.Cache
	threshold float64
	cacheTTL  time.Duration
}

// NewManager builds a search manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.SQLDB == nil {
		return nil, errors.New("sql db is required")
	}
	if cfg.Items == nil {
		return nil, errors.New("item reader is required")
	}
	if cfg.SemanticThreshold <= 0 {
		cfg.SemanticThreshold = 0.3
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Minute
	}
	if cfg.Cache == nil {
		cfg.Cache = cache.New("")
	}
	return &Manager{
		sqlDB:     cfg.SQLDB,
		items:     cfg.Items,
		embedder:  cfg.Embedder,
		cache:     cfg.Cache,
		threshold: cfg.SemanticThreshold,
		cacheTTL:  cfg.CacheTTL,
	}, nil
}

// Search runs the request, consulting the response cache first.
func (m *Manager) Search(ctx context.Context, req Request) ([]*models.SearchResult, error) {
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return nil, errors.New("search query is empty")
	}
	if req.Mode == "" {
		req.Mode = models.SearchModeHybrid
	}
	if !req.Mode.Valid() {
		return nil, fmt.Errorf("unknown search mode %q", req.Mode)
	}
	if req.Limit <= 0 || req.Limit > 100 {
		req.Limit = defaultLimit
	}

	key := m.cacheKey(req)
	var cached []*models.SearchResult
	if err := m.cache.GetJSON(ctx, key, &cached); err == nil {
		return cached, nil
	}

	var (
		results []*models.SearchResult
		err     error
	)
	switch req.Mode {
	case models.SearchModeKeyword:
		results, err = m.keywordSearch(ctx, req)
	case models.SearchModeSemantic:
		results, err = m.semanticSearch(ctx, req)
	case models.SearchModeHybrid:
		results, err = m.hybridSearch(ctx, req)
	}
	if err != nil {
		return nil, err
	}

	if err := m.cache.SetJSON(ctx, key, results, m.cacheTTL); err != nil {
		log.Warn().Err(err).Msg("failed to cache search results")
	}
	return results, nil
}

// InvalidateCache drops all cached search responses. Called after writes
// that change the corpus.
func (m *Manager) InvalidateCache(ctx context.Context) {
	if _, err := m.cache.DeleteByPrefix(ctx, cache.Key("search")); err != nil {
		log.Warn().Err(err).Msg("failed to invalidate search cache")
	}
}

type rankedHit struct {
	itemID string
	rank   int
	score  float64
}

type fusedHit struct {
	itemID   string
	score    float64
	kwScore  float64
	simScore float64
	byText   bool
	byVec    bool
}

// fuseRRF merges two rankings with reciprocal rank fusion: each item scores
// the sum of 1/(k+rank) over the lists it appears in. Ties break on item ID
// so results are stable across runs.
func fuseRRF(kwHits, semHits []rankedHit, limit int) []fusedHit {
	scores := make(map[string]*fusedHit)
	for _, h := range kwHits {
		scores[h.itemID] = &fusedHit{
			itemID:  h.itemID,
			score:   1.0 / float64(rrfK+h.rank),
			kwScore: h.score,
			byText:  true,
		}
	}
	for _, h := range semHits {
		if f, ok := scores[h.itemID]; ok {
			f.score += 1.0 / float64(rrfK+h.rank)
			f.simScore = h.score
			f.byVec = true
		} else {
			scores[h.itemID] = &fusedHit{
				itemID:   h.itemID,
				score:    1.0 / float64(rrfK+h.rank),
				simScore: h.score,
				byVec:    true,
			}
		}
	}

	ordered := make([]fusedHit, 0, len(scores))
	for _, f := range scores {
		ordered = append(ordered, *f)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].score != ordered[j].score {
			return ordered[i].score > ordered[j].score
		}
		return ordered[i].itemID < ordered[j].itemID
	})
	if limit > 0 && len(ordered) > limit {
		ordered = ordered[:limit]
	}
	return ordered
}

func (m *Manager) keywordSearch(ctx context.Context, req Request) ([]*models.SearchResult, error) {
	hits, err := m.keywordHits(ctx, req, req.Limit)
	if err != nil {
		return nil, err
	}
	return m.hydrate(ctx, hits, func(r *models.SearchResult, h rankedHit) {
		r.Score = h.score
		r.KeywordRank = h.score
		r.MatchedByText = true
	})
}

func (m *Manager) semanticSearch(ctx context.Context, req Request) ([]*models.SearchResult, error) {
	hits, err := m.semanticHits(ctx, req, req.Limit)
	if err != nil {
		return nil, err
	}
	return m.hydrate(ctx, hits, func(r *models.SearchResult, h rankedHit) {
		r.Score = h.score
		r.Similarity = h.score
		r.MatchedByVec = true
	})
}

// hybridSearch fuses keyword and semantic rankings with RRF. Either leg may
// fail soft: keyword-only results are still useful when no embedder is
// configured, and vice versa.
func (m *Manager) hybridSearch(ctx context.Context, req Request) ([]*models.SearchResult, error) {
	fetch := req.Limit * 2

	kwHits, kwErr := m.keywordHits(ctx, req, fetch)
	semHits, semErr := m.semanticHits(ctx, req, fetch)
	if kwErr != nil && semErr != nil {
		return nil, fmt.Errorf("hybrid search failed: keyword: %v; semantic: %w", kwErr, semErr)
	}
	if kwErr != nil {
		log.Warn().Err(kwErr).Msg("hybrid search: keyword leg failed, using semantic only")
	}
	if semErr != nil {
		log.Debug().Err(semErr).Msg("hybrid search: semantic leg unavailable, using keyword only")
	}

	fused := fuseRRF(kwHits, semHits, req.Limit)
	ordered := make([]rankedHit, len(fused))
	byID := make(map[string]fusedHit, len(fused))
	for i, f := range fused {
		ordered[i] = rankedHit{itemID: f.itemID, score: f.score}
		byID[f.itemID] = f
	}

	return m.hydrate(ctx, ordered, func(r *models.SearchResult, h rankedHit) {
		f := byID[h.itemID]
		r.Score = f.score
		r.KeywordRank = f.kwScore
		r.Similarity = f.simScore
		r.MatchedByText = f.byText
		r.MatchedByVec = f.byVec
	})
}

// keywordHits ranks items with ts_rank_cd over the generated search_vector.
// websearch_to_tsquery accepts free-form user input safely (quotes, OR, -).
func (m *Manager) keywordHits(ctx context.Context, req Request, limit int) ([]rankedHit, error) {
	var (
		conds = []string{"i.search_vector @@ q", "i.status = 'completed'"}
		args  = []any{req.Query}
		arg   = 2
	)
	if req.Type != "" {
		conds = append(conds, fmt.Sprintf("i.type = $%d", arg))
		args = append(args, string(req.Type))
		arg++
	}
	if req.Tag != "" {
		conds = append(conds, fmt.Sprintf(
			`EXISTS (SELECT 1 FROM item_tags it JOIN tags t ON t.id = it.tag_id
			         WHERE it.item_id = i.id AND t.name = $%d)`, arg))
		args = append(args, strings.ToLower(strings.TrimSpace(req.Tag)))
		arg++
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT i.id, ts_rank_cd(i.search_vector, q) AS rank
		FROM items i, websearch_to_tsquery('english', $1) q
		WHERE %s
		ORDER BY rank DESC, i.created_at DESC
		LIMIT $%d`, strings.Join(conds, " AND "), arg)

	rows, err := m.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	defer rows.Close()

	var hits []rankedHit
	for rows.Next() {
		var (
			id   string
			rank float64
		)
		if err := rows.Scan(&id, &rank); err != nil {
			return nil, fmt.Errorf("scan keyword hit: %w", err)
		}
		hits = append(hits, rankedHit{itemID: id, rank: len(hits) + 1, score: rank})
	}
	return hits, rows.Err()
}

// semanticHits ranks items by cosine similarity against stored embeddings.
func (m *Manager) semanticHits(ctx context.Context, req Request, limit int) ([]rankedHit, error) {
	if m.embedder == nil {
		return nil, errors.New("no embedder configured")
	}
	queryVec, err := m.embedder.EmbedText(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	var (
		conds = []string{
			"e.model_name = $2", "e.model_version = $3",
			"i.status = 'completed'",
			"1 - (e.vector <=> $1) >= $4",
		}
		args = []any{pgvec.NewVector(queryVec), m.embedder.ModelName(), embedding.ModelVersion, m.threshold}
		arg  = 5
	)
	if req.Type != "" {
		conds = append(conds, fmt.Sprintf("i.type = $%d", arg))
		args = append(args, string(req.Type))
		arg++
	}
	if req.Tag != "" {
		conds = append(conds, fmt.Sprintf(
			`EXISTS (SELECT 1 FROM item_tags it JOIN tags t ON t.id = it.tag_id
			         WHERE it.item_id = i.id AND t.name = $%d)`, arg))
		args = append(args, strings.ToLower(strings.TrimSpace(req.Tag)))
		arg++
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT i.id, 1 - (e.vector <=> $1) AS similarity
		FROM embeddings e
		JOIN items i ON i.id = e.item_id
		WHERE %s
		ORDER BY e.vector <=> $1
		LIMIT $%d`, strings.Join(conds, " AND "), arg)

	rows, err := m.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("semantic search: %w", err)
	}
	defer rows.Close()

	var hits []rankedHit
	for rows.Next() {
		var (
			id  string
			sim float64
		)
		if err := rows.Scan(&id, &sim); err != nil {
			return nil, fmt.Errorf("scan semantic hit: %w", err)
		}
		hits = append(hits, rankedHit{itemID: id, rank: len(hits) + 1, score: sim})
	}
	return hits, rows.Err()
}

// hydrate loads the full items for the ranked hits, preserving rank order.
// Items deleted between ranking and hydration are silently dropped.
func (m *Manager) hydrate(ctx context.Context, hits []rankedHit, fill func(*models.SearchResult, rankedHit)) ([]*models.SearchResult, error) {
	if len(hits) == 0 {
		return []*models.SearchResult{}, nil
	}
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.itemID
	}
	items, err := m.items.GetItemsByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("hydrate search results: %w", err)
	}
	byID := make(map[string]*models.Item, len(items))
	for _, item := range items {
		byID[item.ID] = item
	}

	results := make([]*models.SearchResult, 0, len(hits))
	for _, h := range hits {
		item, ok := byID[h.itemID]
		if !ok {
			continue
		}
		r := &models.SearchResult{Item: item}
		fill(r, h)
		results = append(results, r)
	}
	return results, nil
}

func (m *Manager) cacheKey(req Request) string {
	raw := fmt.Sprintf("%s|%s|%s|%s|%d", req.Mode, req.Query, req.Type, req.Tag, req.Limit)
	sum := sha256.Sum256([]byte(raw))
	return cache.Key("search", string(req.Mode), hex.EncodeToString(sum[:12]))
}
