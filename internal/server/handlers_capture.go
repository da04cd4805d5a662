package server

import (
	"net/http"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/prsnl-app/prsnl/pkg/models"
)

type captureRequest struct {
	URL     string   `json:"url,omitempty" validate:"omitempty,url"`
	Title   string   `json:"title,omitempty" validate:"omitempty,max=500"`
	Content string   `json:"content,omitempty"`
	Tags    []string `json:"tags,omitempty" validate:"omitempty,dive,min=1,max=100"`
	Force   bool     `json:"force,omitempty"`
}

// handleCapture checks for duplicates up front, then enqueues the capture
// job. A near-certain duplicate is rejected with the report unless the
// caller forces it. Either a URL (fetched as an article) or raw content
// (saved as a note) is required.
func (s *Service) handleCapture(w http.ResponseWriter, r *http.Request) {
	var req captureRequest
	if err := s.decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.URL) == "" && strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "either url or content is required")
		return
	}

	report, err := s.deduper.CheckDuplicate(r.Context(), req.URL, req.Title, req.Content)
	if err != nil {
		log.Error().Err(err).Str("url", req.URL).Msg("duplicate check failed")
		writeError(w, http.StatusInternalServerError, "duplicate check failed")
		return
	}
	if report.Recommendation == models.RecommendationSkip && !req.Force {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":            "duplicate content",
			"duplicate_report": report,
		})
		return
	}

	input := models.JSONMap{"force": req.Force}
	if req.URL != "" {
		input["url"] = req.URL
	}
	if req.Content != "" {
		input["content"] = req.Content
	}
	if req.Title != "" {
		input["title"] = req.Title
	}
	if len(req.Tags) > 0 {
		input["tags"] = toAnySlice(req.Tags)
	}
	job := models.NewProcessingJob(models.JobTypeCapture, "", input)
	if err := s.runner.Enqueue(r.Context(), job); err != nil {
		log.Error().Err(err).Msg("capture enqueue failed")
		writeError(w, http.StatusInternalServerError, "failed to enqueue capture")
		return
	}

	resp := map[string]any{"job_id": job.JobID, "status": job.Status}
	if len(report.Matches) > 0 {
		resp["duplicate_report"] = report
	}
	writeJSON(w, http.StatusAccepted, resp)
}

type importConversationsRequest struct {
	Platform string          `json:"platform" validate:"omitempty,oneof=chatgpt claude generic"`
	Data     json.RawMessage `json:"data" validate:"required"`
	Tags     []string        `json:"tags,omitempty" validate:"omitempty,dive,min=1,max=100"`
}

// handleImportConversations enqueues a chat-export import job. The export
// payload rides along in the job input so retries re-parse the original.
func (s *Service) handleImportConversations(w http.ResponseWriter, r *http.Request) {
	var req importConversationsRequest
	if err := s.decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	input := models.JSONMap{
		"platform": req.Platform,
		"payload":  string(req.Data),
	}
	if len(req.Tags) > 0 {
		input["tags"] = toAnySlice(req.Tags)
	}
	job := models.NewProcessingJob(models.JobTypeConversationImport, "", input)
	if err := s.runner.Enqueue(r.Context(), job); err != nil {
		log.Error().Err(err).Msg("conversation import enqueue failed")
		writeError(w, http.StatusInternalServerError, "failed to enqueue import")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": job.JobID, "status": job.Status})
}

type githubSyncRequest struct {
	MaxRepos int `json:"max_repos,omitempty" validate:"omitempty,min=0,max=10000"`
}

func (s *Service) handleGitHubSync(w http.ResponseWriter, r *http.Request) {
	if s.ghub == nil {
		writeError(w, http.StatusBadRequest, "github token is not configured")
		return
	}

	var req githubSyncRequest
	if r.ContentLength > 0 {
		if err := s.decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	job := models.NewProcessingJob(models.JobTypeGitHubSync, "", models.JSONMap{"max_repos": req.MaxRepos})
	if err := s.runner.Enqueue(r.Context(), job); err != nil {
		log.Error().Err(err).Msg("github sync enqueue failed")
		writeError(w, http.StatusInternalServerError, "failed to enqueue sync")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": job.JobID, "status": job.Status})
}

// toAnySlice converts tags for storage in JSONMap job input, which round-
// trips through jsonb as []any.
func toAnySlice(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
