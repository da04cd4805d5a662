package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
)

// writeJSON writes a JSON response with proper error handling.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes a JSON error body.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// decodeJSON parses and validates a request body into dest.
func (s *Service) decodeJSON(r *http.Request, dest any) error {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := s.validate.Struct(dest); err != nil {
		var verr validator.ValidationErrors
		if errors.As(err, &verr) && len(verr) > 0 {
			f := verr[0]
			return fmt.Errorf("field %q fails %q validation", f.Field(), f.Tag())
		}
		return err
	}
	return nil
}

// handleHealth responds immediately, even during initialization, so
// supervisors can probe the process. Once the service is up it also reports
// the cached database health.
func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "starting"
	if s.ready.Load() {
		status = "ready"
	} else if s.GetInitError() != nil {
		status = "error"
	}
	resp := map[string]any{
		"status":  status,
		"version": s.version,
	}
	if s.ready.Load() && s.store != nil {
		dbHealth := s.store.HealthCheck(r.Context())
		resp["database"] = dbHealth.Status
		if dbHealth.Warning != "" {
			resp["database_warning"] = dbHealth.Warning
		}
		if dbHealth.Status == "unhealthy" {
			resp["status"] = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleReady returns 200 only when initialization finished.
func (s *Service) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready.Load() {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	if err := s.GetInitError(); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeError(w, http.StatusServiceUnavailable, "service is starting")
}

// handleStats reports corpus and runtime counters.
func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	items, err := s.stores.CountItems(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to count items")
		return
	}
	embeddings, err := s.stores.CountEmbeddings(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to count embeddings")
		return
	}

	stats := map[string]any{
		"items":          items,
		"embeddings":     embeddings,
		"sse_clients":    s.events.SSE.ClientCount(),
		"ws_clients":     s.events.WS.ClientCount(),
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"version":        s.version,
		"cache_enabled":  s.cache.Enabled(),
	}
	if s.maint != nil {
		stats["maintenance"] = s.maint.Stats()
	}
	if s.store != nil {
		// HealthCheck caches its result, so stats polling stays cheap.
		dbHealth := s.store.HealthCheck(ctx)
		stats["database"] = map[string]any{
			"status":           dbHealth.Status,
			"query_latency_ms": dbHealth.QueryLatency.Milliseconds(),
			"pool":             dbHealth.PoolStats,
			"metrics":          s.store.GetMetrics(),
		}
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleListTags returns all known tags.
func (s *Service) handleListTags(w http.ResponseWriter, r *http.Request) {
	tags, err := s.stores.ListTags(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list tags")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tags": tags, "count": len(tags)})
}
