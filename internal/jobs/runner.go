// Package jobs runs background work in-process: a bounded worker pool claims
// persisted jobs, executes registered handlers, and broadcasts progress.
// Claims go through FOR UPDATE SKIP LOCKED so multiple instances sharing a
// database never run the same job twice.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/prsnl-app/prsnl/internal/db"
	"github.com/prsnl-app/prsnl/pkg/models"
)

// ProgressFunc reports handler progress. Percentages are clamped and never
// move backwards.
type ProgressFunc func(stage string, percent int, message string)

// Handler executes one job. The returned map is stored as the job result.
type Handler func(ctx context.Context, job *models.ProcessingJob, progress ProgressFunc) (models.JSONMap, error)

// Notifier receives progress events for fan-out to SSE and WebSocket
// subscribers.
type Notifier interface {
	NotifyJob(event models.ProgressEvent)
}

// Config tunes the runner.
type Config struct {
	Workers      int
	PollInterval time.Duration
	// RetryBase is the backoff unit: a job that has failed n times waits
	// RetryBase * 2^n before becoming claimable again.
	RetryBase time.Duration
	// StaleAfter is the lease timeout: a processing job untouched for this
	// long is assumed stranded by a dead worker and requeued.
	StaleAfter time.Duration
}

// Runner owns the worker pool.
type Runner struct {
	store    db.JobStore
	notifier Notifier
	cfg      Config

	mu       sync.Mutex
	handlers map[models.JobType]Handler
	running  map[string]context.CancelFunc
}

// NewRunner builds a runner over the given job store. Notifier may be nil.
func NewRunner(store db.JobStore, notifier Notifier, cfg Config) (*Runner, error) {
	if store == nil {
		return nil, errors.New("job store is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 5 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	return &Runner{
		store:    store,
		notifier: notifier,
		cfg:      cfg,
		handlers: make(map[models.JobType]Handler),
		running:  make(map[string]context.CancelFunc),
	}, nil
}

// Register installs the handler for a job type. Registering twice panics:
// it is always a wiring bug.
func (r *Runner) Register(jobType models.JobType, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[jobType]; exists {
		panic(fmt.Sprintf("handler for job type %q registered twice", jobType))
	}
	r.handlers[jobType] = handler
}

// Enqueue persists a new pending job and announces it.
func (r *Runner) Enqueue(ctx context.Context, job *models.ProcessingJob) error {
	r.mu.Lock()
	_, known := r.handlers[job.JobType]
	r.mu.Unlock()
	if !known {
		return fmt.Errorf("no handler registered for job type %q", job.JobType)
	}
	if err := r.store.SaveJob(ctx, job); err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.JobID, err)
	}
	r.notify(job.JobID, job.JobType, models.JobStatusPending, 0, "", "queued", "")
	return nil
}

// Cancel cancels a job: running handlers get their context cancelled,
// pending jobs are simply marked.
func (r *Runner) Cancel(ctx context.Context, jobID string) error {
	if err := r.store.CancelJob(ctx, jobID); err != nil {
		return err
	}
	r.mu.Lock()
	if cancel, ok := r.running[jobID]; ok {
		cancel()
	}
	r.mu.Unlock()

	if job, err := r.store.GetJob(ctx, jobID); err == nil {
		r.notify(job.JobID, job.JobType, models.JobStatusCancelled, job.ProgressPercentage, "", "cancelled", "")
	}
	return nil
}

// Run blocks executing jobs until ctx is cancelled. Each worker loops
// claim-execute-repeat; an empty queue sleeps for the poll interval.
func (r *Runner) Run(ctx context.Context) error {
	types := r.registeredTypes()
	if len(types) == 0 {
		return errors.New("no job handlers registered")
	}
	log.Info().Int("workers", r.cfg.Workers).Interface("types", types).Msg("job runner starting")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.reclaimLoop(ctx) })
	for i := 0; i < r.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				job, err := r.store.ClaimNextPending(ctx, types)
				switch {
				case errors.Is(err, db.ErrNotFound):
					select {
					case <-time.After(r.cfg.PollInterval):
						continue
					case <-ctx.Done():
						return ctx.Err()
					}
				case err != nil:
					if ctx.Err() != nil {
						return ctx.Err()
					}
					log.Error().Err(err).Msg("job claim failed")
					select {
					case <-time.After(r.cfg.PollInterval):
						continue
					case <-ctx.Done():
						return ctx.Err()
					}
				}
				r.execute(ctx, job)
			}
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// reclaimLoop requeues jobs stranded in processing by a crashed worker, once
// at startup and then on every lease interval.
func (r *Runner) reclaimLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.StaleAfter)
	defer ticker.Stop()
	for {
		cutoff := time.Now().UTC().Add(-r.cfg.StaleAfter)
		if _, err := r.store.RequeueStaleJobs(ctx, cutoff); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("stale job requeue failed")
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Runner) registeredTypes() []models.JobType {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]models.JobType, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}

// execute runs one claimed job to a terminal state (or to retrying).
func (r *Runner) execute(ctx context.Context, job *models.ProcessingJob) {
	r.mu.Lock()
	handler := r.handlers[job.JobType]
	r.mu.Unlock()
	if handler == nil {
		// Claimed a type another instance handles; put it back as failed
		// so it surfaces instead of vanishing.
		_ = r.store.UpdateJobStatus(ctx, job.JobID, models.JobStatusFailed, "no handler for job type")
		return
	}

	jobCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.running[job.JobID] = cancel
	r.mu.Unlock()
	defer func() {
		cancel()
		r.mu.Lock()
		delete(r.running, job.JobID)
		r.mu.Unlock()
	}()

	r.notify(job.JobID, job.JobType, models.JobStatusProcessing, job.ProgressPercentage, "", "started", "")

	progress := func(stage string, percent int, message string) {
		if err := r.store.UpdateJobProgress(jobCtx, job.JobID, percent, stage, message); err != nil {
			log.Debug().Err(err).Str("job_id", job.JobID).Msg("progress update failed")
		}
		r.notify(job.JobID, job.JobType, models.JobStatusProcessing, percent, stage, message, "")
	}

	result, err := r.runHandler(jobCtx, handler, job, progress)
	switch {
	case err == nil:
		if len(result) > 0 {
			if serr := r.store.SetJobResult(ctx, job.JobID, result); serr != nil {
				log.Warn().Err(serr).Str("job_id", job.JobID).Msg("failed to store job result")
			}
		}
		serr := r.store.UpdateJobStatus(ctx, job.JobID, models.JobStatusCompleted, "")
		switch {
		case errors.Is(serr, db.ErrConflict):
			// The job reached a terminal state while the handler was
			// finishing (cancel won the race); leave the row alone.
			log.Info().Str("job_id", job.JobID).Msg("job finished after cancellation, result discarded")
			return
		case serr != nil:
			log.Error().Err(serr).Str("job_id", job.JobID).Msg("failed to mark job completed")
			return
		}
		r.notify(job.JobID, job.JobType, models.JobStatusCompleted, 100, "", "completed", "")

	case jobCtx.Err() != nil && ctx.Err() == nil:
		// Job-level cancellation; CancelJob already stamped the row.
		log.Info().Str("job_id", job.JobID).Msg("job cancelled while running")

	default:
		r.fail(ctx, job, err)
	}
}

// runHandler isolates handler panics so one bad job can't kill a worker.
func (r *Runner) runHandler(ctx context.Context, handler Handler, job *models.ProcessingJob, progress ProgressFunc) (result models.JSONMap, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Str("job_id", job.JobID).Interface("panic", rec).
				Bytes("stack", debug.Stack()).Msg("job handler panicked")
			err = fmt.Errorf("handler panicked: %v", rec)
		}
	}()
	return handler(ctx, job, progress)
}

// fail marks the job failed and, when the retry budget allows, schedules it
// to become claimable again after exponential backoff.
func (r *Runner) fail(ctx context.Context, job *models.ProcessingJob, cause error) {
	serr := r.store.UpdateJobStatus(ctx, job.JobID, models.JobStatusFailed, cause.Error())
	switch {
	case errors.Is(serr, db.ErrConflict):
		log.Info().Str("job_id", job.JobID).Msg("job already terminal, failure discarded")
		return
	case serr != nil:
		log.Error().Err(serr).Str("job_id", job.JobID).Msg("failed to mark job failed")
		return
	}
	r.notify(job.JobID, job.JobType, models.JobStatusFailed, job.ProgressPercentage, "", "", cause.Error())

	if job.RetryCount >= job.MaxRetries {
		log.Warn().Str("job_id", job.JobID).Int("retries", job.RetryCount).Err(cause).Msg("job failed permanently")
		return
	}

	backoff := r.cfg.RetryBase * (1 << job.RetryCount)
	log.Info().Str("job_id", job.JobID).Dur("backoff", backoff).Err(cause).Msg("scheduling job retry")
	time.AfterFunc(backoff, func() {
		retried, err := r.store.MarkJobRetrying(context.Background(), job.JobID)
		if err != nil {
			// Cancelled or already retried elsewhere; nothing to do.
			log.Debug().Err(err).Str("job_id", job.JobID).Msg("retry not applied")
			return
		}
		r.notify(retried.JobID, retried.JobType, models.JobStatusRetrying, 0, "", fmt.Sprintf("retry %d of %d", retried.RetryCount, retried.MaxRetries), "")
	})
}

func (r *Runner) notify(jobID string, jobType models.JobType, status models.JobStatus, percent int, stage, message, errMsg string) {
	if r.notifier == nil {
		return
	}
	r.notifier.NotifyJob(models.ProgressEvent{
		JobID:              jobID,
		JobType:            jobType,
		Status:             status,
		ProgressPercentage: percent,
		CurrentStage:       stage,
		StageMessage:       message,
		ErrorMessage:       errMsg,
		Timestamp:          time.Now().UTC(),
	})
}
