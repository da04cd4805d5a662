// Package maintenance schedules recurring housekeeping: terminal-job
// cleanup, embedding backfill, and database statistics refresh.
package maintenance

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/prsnl-app/prsnl/internal/cache"
	"github.com/prsnl-app/prsnl/internal/db"
)

// Optimizer refreshes query planner statistics.
type Optimizer interface {
	Optimize(ctx context.Context) error
}

// Backfiller embeds items that have no vector yet.
type Backfiller interface {
	Backfill(ctx context.Context, limit int) (int, error)
}

// Config tunes the maintenance schedules.
type Config struct {
	// JobRetention is how long terminal jobs are kept. Default 7 days.
	JobRetention time.Duration
	// BackfillLimit caps items embedded per nightly run. Default 500.
	BackfillLimit int
	// ModelKey identifies the active embedding model (name + version).
	// When it changes between runs, cached search and embedding entries
	// are flushed.
	ModelKey string
}

// Service owns the cron schedule.
type Service struct {
	cron       *cron.Cron
	jobs       db.JobStore
	optimizer  Optimizer
	backfiller Backfiller
	cache      *cache.Cache
	cfg        Config

	jobsDeleted   atomic.Int64
	itemsEmbedded atomic.Int64
	optimizeRuns  atomic.Int64
}

// NewService builds the maintenance service. Optimizer, backfiller and
// cache may be nil; their tasks are skipped.
func NewService(jobs db.JobStore, optimizer Optimizer, backfiller Backfiller, c *cache.Cache, cfg Config) (*Service, error) {
	if jobs == nil {
		return nil, fmt.Errorf("job store is required")
	}
	if cfg.JobRetention <= 0 {
		cfg.JobRetention = 7 * 24 * time.Hour
	}
	if cfg.BackfillLimit <= 0 {
		cfg.BackfillLimit = 500
	}
	return &Service{
		cron:       cron.New(),
		jobs:       jobs,
		optimizer:  optimizer,
		backfiller: backfiller,
		cache:      c,
		cfg:        cfg,
	}, nil
}

// Start registers the schedules and starts the cron loop. The hourly job
// cleanup and the nightly backfill/optimize run off-peak.
func (s *Service) Start(ctx context.Context) error {
	schedules := []struct {
		spec string
		name string
		task func(context.Context)
	}{
		{"@hourly", "job_cleanup", s.cleanupJobs},
		{"0 3 * * *", "embedding_backfill", s.runBackfill},
		{"30 3 * * *", "db_optimize", s.runOptimize},
	}
	for _, sched := range schedules {
		name, task := sched.name, sched.task
		if _, err := s.cron.AddFunc(sched.spec, func() {
			runCtx, cancel := context.WithTimeout(ctx, 30*time.Minute)
			defer cancel()
			task(runCtx)
		}); err != nil {
			return fmt.Errorf("schedule %s: %w", name, err)
		}
	}

	s.flushStaleCache(ctx)
	s.cron.Start()
	log.Info().Dur("job_retention", s.cfg.JobRetention).Msg("maintenance service started")
	return nil
}

// Stop halts the schedule and waits for running tasks.
func (s *Service) Stop() {
	<-s.cron.Stop().Done()
	log.Info().Msg("maintenance service stopped")
}

// RunNow executes every task once, outside the schedule.
func (s *Service) RunNow(ctx context.Context) {
	s.cleanupJobs(ctx)
	s.runBackfill(ctx)
	s.runOptimize(ctx)
}

// Stats reports lifetime task counters.
func (s *Service) Stats() map[string]any {
	return map[string]any{
		"jobs_deleted":   s.jobsDeleted.Load(),
		"items_embedded": s.itemsEmbedded.Load(),
		"optimize_runs":  s.optimizeRuns.Load(),
	}
}

func (s *Service) cleanupJobs(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.cfg.JobRetention)
	deleted, err := s.jobs.DeleteJobsOlderThan(ctx, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("job cleanup failed")
		return
	}
	s.jobsDeleted.Add(deleted)
	if deleted > 0 {
		log.Info().Int64("deleted", deleted).Time("cutoff", cutoff).Msg("removed old jobs")
	}
}

func (s *Service) runBackfill(ctx context.Context) {
	if s.backfiller == nil {
		return
	}
	embedded, err := s.backfiller.Backfill(ctx, s.cfg.BackfillLimit)
	s.itemsEmbedded.Add(int64(embedded))
	if err != nil {
		log.Error().Err(err).Int("embedded", embedded).Msg("embedding backfill failed")
		return
	}
	if embedded > 0 {
		log.Info().Int("embedded", embedded).Msg("embedding backfill complete")
	}
}

func (s *Service) runOptimize(ctx context.Context) {
	if s.optimizer == nil {
		return
	}
	if err := s.optimizer.Optimize(ctx); err != nil {
		log.Error().Err(err).Msg("database optimization failed")
		return
	}
	s.optimizeRuns.Add(1)
}

// flushStaleCache drops cached entries when the embedding model changed,
// since cached vectors and search results are keyed to the old model.
func (s *Service) flushStaleCache(ctx context.Context) {
	if s.cache == nil || !s.cache.Enabled() || s.cfg.ModelKey == "" {
		return
	}
	markerKey := cache.Key("embedding", "model")

	var previous string
	err := s.cache.GetJSON(ctx, markerKey, &previous)
	if err == nil && previous == s.cfg.ModelKey {
		return
	}
	if err == nil && previous != "" {
		log.Info().Str("previous", previous).Str("current", s.cfg.ModelKey).Msg("embedding model changed, flushing cache")
		if _, derr := s.cache.DeleteByPrefix(ctx, cache.Key()); derr != nil {
			log.Warn().Err(derr).Msg("cache flush failed")
		}
	}
	if serr := s.cache.SetJSON(ctx, markerKey, s.cfg.ModelKey, 0); serr != nil {
		log.Warn().Err(serr).Msg("failed to record embedding model marker")
	}
}
