package server

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/prsnl-app/prsnl/internal/db"
	gormdb "github.com/prsnl-app/prsnl/internal/db/gorm"
	"github.com/prsnl-app/prsnl/pkg/models"
)

func (s *Service) handleListItems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := db.ItemFilter{
		Type:   models.ItemType(q.Get("type")),
		Status: models.ItemStatus(q.Get("status")),
		Tag:    q.Get("tag"),
		Limit:  gormdb.ParseLimitParam(r, 50),
		Offset: gormdb.ParseOffsetParam(r),
	}
	if filter.Limit > 200 {
		filter.Limit = 200
	}

	items, total, err := s.stores.ListItems(r.Context(), filter)
	if err != nil {
		log.Error().Err(err).Msg("item listing failed")
		writeError(w, http.StatusInternalServerError, "failed to list items")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":  items,
		"total":  total,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

func (s *Service) handleGetItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	item, err := s.stores.GetItemByID(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "item not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load item")
		return
	}
	// Reads count as retrievals for access tracking.
	if terr := s.stores.TouchItem(r.Context(), id); terr != nil {
		log.Debug().Err(terr).Str("item_id", id).Msg("access tracking update failed")
	}
	writeJSON(w, http.StatusOK, item)
}

type updateItemRequest struct {
	Title    *string         `json:"title,omitempty" validate:"omitempty,min=1,max=500"`
	Summary  *string         `json:"summary,omitempty"`
	Content  *string         `json:"content,omitempty"`
	Metadata *models.JSONMap `json:"metadata,omitempty"`
	Tags     []string        `json:"tags,omitempty" validate:"omitempty,dive,min=1,max=100"`
}

func (s *Service) handleUpdateItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req updateItemRequest
	if err := s.decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	update := &db.ItemUpdate{
		Title:    req.Title,
		Summary:  req.Summary,
		Content:  req.Content,
		Metadata: req.Metadata,
	}
	item, err := s.stores.UpdateItem(r.Context(), id, update)
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "item not found")
		return
	}
	if err != nil {
		log.Error().Err(err).Str("item_id", id).Msg("item update failed")
		writeError(w, http.StatusInternalServerError, "failed to update item")
		return
	}

	if req.Tags != nil {
		if err := s.stores.ReplaceTags(r.Context(), id, req.Tags); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to update tags")
			return
		}
		item.Tags = req.Tags
	}

	// Content changed; the old vector is stale until re-embedded.
	if req.Content != nil && s.embedder != nil {
		if err := s.embedder.EmbedItem(r.Context(), item); err != nil {
			log.Warn().Err(err).Str("item_id", id).Msg("re-embedding failed, deferring to backfill")
		}
	}
	s.searcher.InvalidateCache(r.Context())

	writeJSON(w, http.StatusOK, item)
}

func (s *Service) handleDeleteItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.stores.DeleteItem(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "item not found")
		return
	}
	if err != nil {
		log.Error().Err(err).Str("item_id", id).Msg("item delete failed")
		writeError(w, http.StatusInternalServerError, "failed to delete item")
		return
	}
	s.searcher.InvalidateCache(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

type addTagsRequest struct {
	Tags []string `json:"tags" validate:"required,min=1,dive,min=1,max=100"`
}

func (s *Service) handleAddTags(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req addTagsRequest
	if err := s.decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := s.stores.GetItemByID(r.Context(), id); errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "item not found")
		return
	}
	if err := s.stores.AddTags(r.Context(), id, req.Tags); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to add tags")
		return
	}
	tags, err := s.stores.GetItemTags(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load tags")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item_id": id, "tags": tags})
}
