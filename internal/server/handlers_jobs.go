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

func (s *Service) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := db.JobFilter{
		Status: models.JobStatus(q.Get("status")),
		Type:   models.JobType(q.Get("type")),
		ItemID: q.Get("item_id"),
		Limit:  gormdb.ParseLimitParam(r, 50),
	}
	if filter.Limit > 200 {
		filter.Limit = 200
	}

	list, err := s.stores.ListJobs(r.Context(), filter)
	if err != nil {
		log.Error().Err(err).Msg("job listing failed")
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": list, "count": len(list)})
}

func (s *Service) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.stores.GetJob(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleRetryJob puts a failed job back in the queue, provided it still
// has retry budget.
func (s *Service) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := s.stores.MarkJobRetrying(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	s.events.NotifyJob(models.ProgressEvent{
		JobID:        job.JobID,
		JobType:      job.JobType,
		Status:       models.JobStatusRetrying,
		StageMessage: "manual retry",
		Timestamp:    job.LastUpdated,
	})
	writeJSON(w, http.StatusOK, job)
}

func (s *Service) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := s.runner.Cancel(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	job, err := s.stores.GetJob(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]string{"job_id": id, "status": string(models.JobStatusCancelled)})
		return
	}
	writeJSON(w, http.StatusOK, job)
}
