// Package dedupe detects and resolves duplicate items. Detection layers
// from cheap to expensive: normalized-URL equality, content fingerprint
// equality, then embedding similarity.
package dedupe

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	pgvec "github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog/log"

	"github.com/prsnl-app/prsnl/internal/db"
	"github.com/prsnl-app/prsnl/internal/embedding"
	"github.com/prsnl-app/prsnl/pkg/models"
)

// Thresholds map similarity to a recommendation.
type Thresholds struct {
	// Possible is the floor below which matches are ignored.
	Possible float64
	// Review marks likely duplicates that need a human decision.
	Review float64
	// Skip marks near-certain duplicates that should not be captured.
	Skip float64
}

// DefaultThresholds returns the standard cutoffs.
func DefaultThresholds() Thresholds {
	return Thresholds{Possible: 0.80, Review: 0.85, Skip: 0.95}
}

// Embedder turns text into a vector. Satisfied by *embedding.Manager.
type Embedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
	ModelName() string
}

// itemAccess is the slice of the store dedupe needs.
type itemAccess interface {
	db.ItemReader
	db.ItemWriter
	db.TagReader
}

// Service runs duplicate detection and merging.
type Service struct {
	sqlDB      *sql.DB
	store      itemAccess
	embedder   Embedder
	thresholds Thresholds
}

// Config wires the service.
type Config struct {
	SQLDB      *sql.DB
	Store      itemAccess
	Embedder   Embedder
	Thresholds Thresholds
}

// NewService builds a dedupe service.
func NewService(cfg Config) (*Service, error) {
	if cfg.SQLDB == nil {
		return nil, errors.New("sql db is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("item store is required")
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds()
	}
	return &Service{
		sqlDB:      cfg.SQLDB,
		store:      cfg.Store,
		embedder:   cfg.Embedder,
		thresholds: cfg.Thresholds,
	}, nil
}

// trackingParams are query parameters stripped during URL normalization.
// Anything prefixed utm_ is stripped as well.
var trackingParams = map[string]bool{
	"ref":    true,
	"source": true,
	"fbclid": true,
	"gclid":  true,
}

// NormalizeURL canonicalizes a URL for equality comparison: lowercases the
// scheme and host, drops fragments, default ports, tracking parameters, and
// the trailing slash. Remaining query parameters are sorted.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("empty URL")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("URL %q has no scheme or host", raw)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.User = nil

	if (u.Scheme == "http" && strings.HasSuffix(u.Host, ":80")) ||
		(u.Scheme == "https" && strings.HasSuffix(u.Host, ":443")) {
		u.Host = u.Host[:strings.LastIndex(u.Host, ":")]
	}

	q := u.Query()
	for key := range q {
		if trackingParams[strings.ToLower(key)] || strings.HasPrefix(strings.ToLower(key), "utm_") {
			q.Del(key)
		}
	}
	u.RawQuery = q.Encode() // Encode sorts keys

	u.Path = strings.TrimRight(u.Path, "/")
	return u.String(), nil
}

// Fingerprint hashes content for exact-duplicate detection. Whitespace is
// collapsed and case folded first so formatting differences don't defeat it.
func Fingerprint(content string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(content), " "))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// effectiveHost strips the www prefix for domain comparison.
func effectiveHost(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

// CheckDuplicate reports whether new content duplicates an existing item.
// Exact URL and fingerprint matches carry confidence 1.0; semantic matches
// carry their cosine similarity, boosted 10% (capped at 1.0) when both URLs
// share a domain.
func (s *Service) CheckDuplicate(ctx context.Context, rawURL, title, content string) (*models.DuplicateReport, error) {
	report := &models.DuplicateReport{Recommendation: models.RecommendationKeep}

	if rawURL != "" {
		normalized, err := NormalizeURL(rawURL)
		if err == nil {
			existing, err := s.store.GetItemByURL(ctx, normalized)
			if err == nil {
				report.Matches = append(report.Matches, models.DuplicateMatch{
					ItemID:     existing.ID,
					Title:      existing.Title,
					URL:        existing.URL.String,
					Confidence: 1.0,
					Reason:     "exact URL match",
				})
			} else if !errors.Is(err, db.ErrNotFound) {
				return nil, fmt.Errorf("check URL duplicate: %w", err)
			}
		}
	}

	if content != "" && len(report.Matches) == 0 {
		existing, err := s.store.GetItemByFingerprint(ctx, Fingerprint(content))
		if err == nil {
			report.Matches = append(report.Matches, models.DuplicateMatch{
				ItemID:     existing.ID,
				Title:      existing.Title,
				URL:        existing.URL.String,
				Confidence: 1.0,
				Reason:     "identical content",
			})
		} else if !errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("check fingerprint duplicate: %w", err)
		}
	}

	if len(report.Matches) == 0 && s.embedder != nil {
		semantic, err := s.semanticMatches(ctx, rawURL, title, content)
		if err != nil {
			// Semantic layer failing soft keeps capture working without
			// an embedding backend.
			log.Warn().Err(err).Msg("semantic duplicate check unavailable")
		} else {
			report.Matches = append(report.Matches, semantic...)
		}
	}

	report.Recommendation = s.recommend(report.Matches)
	report.IsDuplicate = report.Recommendation != models.RecommendationKeep
	return report, nil
}

func (s *Service) recommend(matches []models.DuplicateMatch) models.DuplicateRecommendation {
	best := 0.0
	for _, m := range matches {
		if m.Confidence > best {
			best = m.Confidence
		}
	}
	switch {
	case best >= s.thresholds.Skip:
		return models.RecommendationSkip
	case best >= s.thresholds.Review:
		return models.RecommendationReview
	case best >= s.thresholds.Possible:
		return models.RecommendationPossible
	default:
		return models.RecommendationKeep
	}
}

func (s *Service) semanticMatches(ctx context.Context, rawURL, title, content string) ([]models.DuplicateMatch, error) {
	text := strings.TrimSpace(title)
	if content != "" {
		text = strings.TrimSpace(text + "\n\n" + content)
	}
	if text == "" {
		return nil, nil
	}

	vec, err := s.embedder.EmbedText(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed candidate: %w", err)
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
		SELECT i.id, i.title, COALESCE(i.url, ''), 1 - (e.vector <=> $1) AS similarity
		FROM embeddings e
		JOIN items i ON i.id = e.item_id
		WHERE e.model_name = $2 AND e.model_version = $3
		  AND 1 - (e.vector <=> $1) >= $4
		ORDER BY e.vector <=> $1
		LIMIT 5`,
		pgvec.NewVector(vec), s.embedder.ModelName(), embedding.ModelVersion, s.thresholds.Possible)
	if err != nil {
		return nil, fmt.Errorf("query similar embeddings: %w", err)
	}
	defer rows.Close()

	host := effectiveHost(rawURL)
	var matches []models.DuplicateMatch
	for rows.Next() {
		var (
			id, title, itemURL string
			sim                float64
		)
		if err := rows.Scan(&id, &title, &itemURL, &sim); err != nil {
			return nil, fmt.Errorf("scan similar item: %w", err)
		}
		confidence := sim
		reason := "similar content"
		if host != "" && effectiveHost(itemURL) == host {
			confidence = boostConfidence(confidence)
			reason = "similar content from the same site"
		}
		matches = append(matches, models.DuplicateMatch{
			ItemID:     id,
			Title:      title,
			URL:        itemURL,
			Confidence: confidence,
			Reason:     reason,
		})
	}
	return matches, rows.Err()
}

// boostConfidence applies the same-domain boost, capped at certainty.
func boostConfidence(c float64) float64 {
	c *= 1.1
	if c > 1.0 {
		c = 1.0
	}
	return c
}

// FindAllDuplicates scans the whole corpus for groups of near-duplicate
// items using pairwise embedding similarity.
func (s *Service) FindAllDuplicates(ctx context.Context) ([]models.DuplicateGroup, error) {
	if s.embedder == nil {
		return nil, errors.New("no embedder configured")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
		SELECT a.item_id, b.item_id, 1 - (a.vector <=> b.vector) AS similarity
		FROM embeddings a
		JOIN embeddings b
		  ON a.item_id < b.item_id
		 AND a.model_name = b.model_name
		 AND a.model_version = b.model_version
		WHERE a.model_name = $1 AND a.model_version = $2
		  AND 1 - (a.vector <=> b.vector) >= $3`,
		s.embedder.ModelName(), embedding.ModelVersion, s.thresholds.Possible)
	if err != nil {
		return nil, fmt.Errorf("pairwise similarity scan: %w", err)
	}
	defer rows.Close()

	var pairs []simPair
	for rows.Next() {
		var p simPair
		if err := rows.Scan(&p.a, &p.b, &p.sim); err != nil {
			return nil, fmt.Errorf("scan similarity pair: %w", err)
		}
		pairs = append(pairs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(pairs) == 0 {
		return []models.DuplicateGroup{}, nil
	}

	groups := groupPairs(pairs)

	out := make([]models.DuplicateGroup, 0, len(groups))
	for _, g := range groups {
		items, err := s.store.GetItemsByIDs(ctx, g.ids)
		if err != nil {
			return nil, fmt.Errorf("load duplicate group items: %w", err)
		}
		titleByID := make(map[string]string, len(items))
		for _, item := range items {
			titleByID[item.ID] = item.Title
		}
		titles := make([]string, len(g.ids))
		for i, id := range g.ids {
			titles[i] = titleByID[id]
		}
		out = append(out, models.DuplicateGroup{
			ItemIDs:       g.ids,
			Titles:        titles,
			MinSimilarity: g.minSim,
		})
	}
	return out, nil
}

type simPair struct {
	a, b string
	sim  float64
}

type group struct {
	ids    []string
	minSim float64
}

// groupPairs merges similarity pairs into connected components with
// union-find. Each group's minSim is the weakest link inside it.
func groupPairs(pairs []simPair) []group {
	parent := make(map[string]string)
	var find func(string) string
	find = func(x string) string {
		if parent[x] == x {
			return x
		}
		parent[x] = find(parent[x])
		return parent[x]
	}
	union := func(a, b string) {
		if _, ok := parent[a]; !ok {
			parent[a] = a
		}
		if _, ok := parent[b]; !ok {
			parent[b] = b
		}
		parent[find(a)] = find(b)
	}

	for _, p := range pairs {
		union(p.a, p.b)
	}

	members := make(map[string][]string)
	for id := range parent {
		root := find(id)
		members[root] = append(members[root], id)
	}
	minSim := make(map[string]float64)
	for _, p := range pairs {
		root := find(p.a)
		if cur, ok := minSim[root]; !ok || p.sim < cur {
			minSim[root] = p.sim
		}
	}

	out := make([]group, 0, len(members))
	for root, ids := range members {
		sort.Strings(ids)
		out = append(out, group{ids: ids, minSim: minSim[root]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ids[0] < out[j].ids[0] })
	return out
}

// MergeDuplicates folds dupeIDs into keepID: tags are unioned onto the kept
// item, the removed IDs are recorded under metadata key "merged_from", and
// the duplicates are deleted.
func (s *Service) MergeDuplicates(ctx context.Context, keepID string, dupeIDs []string) error {
	if len(dupeIDs) == 0 {
		return errors.New("no duplicates to merge")
	}
	for _, id := range dupeIDs {
		if id == keepID {
			return fmt.Errorf("cannot merge item %s into itself", keepID)
		}
	}

	kept, err := s.store.GetItemByID(ctx, keepID)
	if err != nil {
		return fmt.Errorf("load kept item: %w", err)
	}

	tagSet := make(map[string]bool)
	for _, id := range dupeIDs {
		tags, err := s.store.GetItemTags(ctx, id)
		if err != nil {
			return fmt.Errorf("load tags of duplicate %s: %w", id, err)
		}
		for _, tag := range tags {
			tagSet[tag] = true
		}
	}
	if len(tagSet) > 0 {
		union := make([]string, 0, len(tagSet))
		for tag := range tagSet {
			union = append(union, tag)
		}
		sort.Strings(union)
		if err := s.store.AddTags(ctx, keepID, union); err != nil {
			return fmt.Errorf("union tags onto kept item: %w", err)
		}
	}

	meta := kept.Metadata
	if meta == nil {
		meta = models.JSONMap{}
	}
	merged, _ := meta["merged_from"].([]any)
	for _, id := range dupeIDs {
		merged = append(merged, id)
	}
	meta["merged_from"] = merged
	if _, err := s.store.UpdateItem(ctx, keepID, &db.ItemUpdate{Metadata: &meta}); err != nil {
		return fmt.Errorf("record merge on kept item: %w", err)
	}

	for _, id := range dupeIDs {
		if err := s.store.DeleteItem(ctx, id); err != nil && !errors.Is(err, db.ErrNotFound) {
			return fmt.Errorf("delete duplicate %s: %w", id, err)
		}
	}
	log.Info().Str("kept", keepID).Int("merged", len(dupeIDs)).Msg("merged duplicate items")
	return nil
}
