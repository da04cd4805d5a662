package server

import (
	"net/http"

	"github.com/rs/zerolog/log"

	gormdb "github.com/prsnl-app/prsnl/internal/db/gorm"
	"github.com/prsnl-app/prsnl/internal/search"
	"github.com/prsnl-app/prsnl/pkg/models"
)

func (s *Service) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := search.Request{
		Query: q.Get("q"),
		Mode:  models.SearchMode(q.Get("mode")),
		Type:  models.ItemType(q.Get("type")),
		Tag:   q.Get("tag"),
		Limit: gormdb.ParseLimitParam(r, 0),
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query parameter q is required")
		return
	}
	if req.Mode != "" && !req.Mode.Valid() {
		writeError(w, http.StatusBadRequest, "mode must be keyword, semantic or hybrid")
		return
	}

	results, err := s.searcher.Search(r.Context(), req)
	if err != nil {
		log.Error().Err(err).Str("query", req.Query).Msg("search failed")
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results": results,
		"count":   len(results),
		"mode":    req.Mode,
		"query":   req.Query,
	})
}

type checkDuplicateRequest struct {
	URL     string `json:"url,omitempty" validate:"omitempty,url"`
	Title   string `json:"title,omitempty" validate:"omitempty,max=500"`
	Content string `json:"content,omitempty"`
}

func (s *Service) handleCheckDuplicate(w http.ResponseWriter, r *http.Request) {
	var req checkDuplicateRequest
	if err := s.decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.URL == "" && req.Title == "" && req.Content == "" {
		writeError(w, http.StatusBadRequest, "provide url, title or content to check")
		return
	}

	report, err := s.deduper.CheckDuplicate(r.Context(), req.URL, req.Title, req.Content)
	if err != nil {
		log.Error().Err(err).Msg("duplicate check failed")
		writeError(w, http.StatusInternalServerError, "duplicate check failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleListDuplicates scans the whole corpus for near-duplicate groups.
// Pairwise over stored vectors, so it can take a while on large corpora;
// the duplicate_scan job runs the same scan asynchronously.
func (s *Service) handleListDuplicates(w http.ResponseWriter, r *http.Request) {
	groups, err := s.deduper.FindAllDuplicates(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("duplicate scan failed")
		writeError(w, http.StatusInternalServerError, "duplicate scan failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": groups, "count": len(groups)})
}

type mergeDuplicatesRequest struct {
	KeepID       string   `json:"keep_id" validate:"required,uuid4"`
	DuplicateIDs []string `json:"duplicate_ids" validate:"required,min=1,dive,uuid4"`
}

func (s *Service) handleMergeDuplicates(w http.ResponseWriter, r *http.Request) {
	var req mergeDuplicatesRequest
	if err := s.decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	for _, id := range req.DuplicateIDs {
		if id == req.KeepID {
			writeError(w, http.StatusBadRequest, "keep_id cannot appear in duplicate_ids")
			return
		}
	}

	if err := s.deduper.MergeDuplicates(r.Context(), req.KeepID, req.DuplicateIDs); err != nil {
		log.Error().Err(err).Str("keep_id", req.KeepID).Msg("merge failed")
		writeError(w, http.StatusInternalServerError, "merge failed")
		return
	}
	s.searcher.InvalidateCache(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"keep_id": req.KeepID,
		"merged":  len(req.DuplicateIDs),
	})
}
