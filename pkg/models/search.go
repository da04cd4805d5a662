package models

// SearchMode selects the retrieval strategy.
type SearchMode string

const (
	SearchModeKeyword  SearchMode = "keyword"
	SearchModeSemantic SearchMode = "semantic"
	SearchModeHybrid   SearchMode = "hybrid"
)

// Valid reports whether m is a known search mode.
func (m SearchMode) Valid() bool {
	switch m {
	case SearchModeKeyword, SearchModeSemantic, SearchModeHybrid:
		return true
	}
	return false
}

// SearchResult is one ranked item from a search. Score carries the fused
// score in hybrid mode; the per-mode scores are populated when available.
type SearchResult struct {
	Item          *Item   `json:"item"`
	Score         float64 `json:"score"`
	KeywordRank   float64 `json:"keyword_rank,omitempty"`
	Similarity    float64 `json:"similarity,omitempty"`
	MatchedByText bool    `json:"matched_by_text,omitempty"`
	MatchedByVec  bool    `json:"matched_by_vector,omitempty"`
}

// DuplicateRecommendation tells the caller what to do with new content.
type DuplicateRecommendation string

const (
	// RecommendationKeep means no duplicate was found.
	RecommendationKeep DuplicateRecommendation = "keep"
	// RecommendationSkip means the content is a near-certain duplicate.
	RecommendationSkip DuplicateRecommendation = "skip_duplicate"
	// RecommendationReview means a likely duplicate needs user review.
	RecommendationReview DuplicateRecommendation = "review_duplicate"
	// RecommendationPossible flags a weak semantic match.
	RecommendationPossible DuplicateRecommendation = "possible_duplicate"
)

// DuplicateMatch is a single candidate duplicate of new content.
type DuplicateMatch struct {
	ItemID     string  `json:"item_id"`
	Title      string  `json:"title"`
	URL        string  `json:"url,omitempty"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// DuplicateReport is the outcome of a duplicate check.
type DuplicateReport struct {
	IsDuplicate    bool                    `json:"is_duplicate"`
	Recommendation DuplicateRecommendation `json:"recommendation"`
	Matches        []DuplicateMatch        `json:"matches,omitempty"`
}

// DuplicateGroup is a set of items detected as near-duplicates of each other.
type DuplicateGroup struct {
	ItemIDs       []string `json:"item_ids"`
	Titles        []string `json:"titles"`
	MinSimilarity float64  `json:"min_similarity"`
}
