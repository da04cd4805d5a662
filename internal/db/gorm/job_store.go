package gorm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/prsnl-app/prsnl/internal/db"
	"github.com/prsnl-app/prsnl/pkg/models"
)

// JobStore provides processing-job persistence using GORM.
type JobStore struct {
	gdb *gorm.DB
}

// NewJobStore creates a new job store.
func NewJobStore(store *Store) *JobStore {
	return &JobStore{gdb: store.DB}
}

// SaveJob creates the job, or updates the mutable columns when job_id
// already exists. Idempotent so callers can re-submit safely.
func (s *JobStore) SaveJob(ctx context.Context, job *models.ProcessingJob) error {
	dbJob := fromModelJob(job)
	dbJob.LastUpdated = time.Now().UTC()

	err := s.gdb.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "job_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"status", "input_data", "item_id", "tag", "max_retries", "last_updated",
			}),
		}).
		Create(dbJob).Error
	if err != nil {
		return fmt.Errorf("save job %s: %w", job.JobID, err)
	}
	return nil
}

// GetJob retrieves a job by its ID.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (*models.ProcessingJob, error) {
	var dbJob ProcessingJob
	err := s.gdb.WithContext(ctx).First(&dbJob, "job_id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, db.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return toModelJob(&dbJob), nil
}

// ListJobs retrieves jobs matching the filter, newest first.
func (s *JobStore) ListJobs(ctx context.Context, filter db.JobFilter) ([]*models.ProcessingJob, error) {
	query := s.gdb.WithContext(ctx).Model(&ProcessingJob{})

	if filter.Status != "" {
		query = query.Where("status = ?", string(filter.Status))
	}
	if filter.Type != "" {
		query = query.Where("job_type = ?", string(filter.Type))
	}
	if filter.ItemID != "" {
		query = query.Where("item_id = ?", filter.ItemID)
	}

	limit := filter.Limit
	if limit <= 0 || limit > MaxPaginationLimit {
		limit = 50
	}

	var dbJobs []ProcessingJob
	err := query.Order("created_at DESC").Limit(limit).Find(&dbJobs).Error
	if err != nil {
		return nil, err
	}
	return toModelJobs(dbJobs), nil
}

// UpdateJobStatus moves a job between states, stamping started_at when it
// enters processing and completed_at when it reaches a terminal state.
func (s *JobStore) UpdateJobStatus(ctx context.Context, jobID string, status models.JobStatus, errorMessage string) error {
	if !status.Valid() {
		return fmt.Errorf("invalid job status %q", status)
	}

	now := time.Now().UTC()
	updates := map[string]any{
		"status":       string(status),
		"last_updated": now,
	}
	if errorMessage != "" {
		updates["error_message"] = sql.NullString{String: errorMessage, Valid: true}
	}
	if status == models.JobStatusProcessing {
		updates["started_at"] = sql.NullTime{Time: now, Valid: true}
	}
	if status.Terminal() {
		updates["completed_at"] = sql.NullTime{Time: now, Valid: true}
		if status == models.JobStatusCompleted {
			updates["progress_percentage"] = 100
		}
	}

	query := s.gdb.WithContext(ctx).
		Model(&ProcessingJob{}).
		Where("job_id = ?", jobID)
	if status.Terminal() {
		// Terminal states are absorbing: a handler finishing after the job
		// was cancelled must not flip the row back. Losing this race is
		// reported as ErrConflict so callers can tell it from a missing job.
		query = query.Where("status NOT IN ?", []string{
			string(models.JobStatusCompleted),
			string(models.JobStatusFailed),
			string(models.JobStatusCancelled),
		})
	}
	result := query.Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := s.gdb.WithContext(ctx).Model(&ProcessingJob{}).Where("job_id = ?", jobID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return db.ErrNotFound
		}
		return db.ErrConflict
	}
	return nil
}

// UpdateJobProgress records stage progress. The percentage is clamped to
// [0,100] and regressions are ignored so late out-of-order updates from a
// finishing stage can't roll the bar backwards.
func (s *JobStore) UpdateJobProgress(ctx context.Context, jobID string, percentage int, stage, message string) error {
	if percentage < 0 {
		percentage = 0
	}
	if percentage > 100 {
		percentage = 100
	}

	updates := map[string]any{
		"progress_percentage": percentage,
		"last_updated":        time.Now().UTC(),
	}
	if stage != "" {
		updates["current_stage"] = sql.NullString{String: stage, Valid: true}
	}
	if message != "" {
		updates["stage_message"] = sql.NullString{String: message, Valid: true}
	}

	result := s.gdb.WithContext(ctx).
		Model(&ProcessingJob{}).
		Where("job_id = ? AND progress_percentage <= ?", jobID, percentage).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		// Either the job is unknown or the update regressed; distinguish them
		var count int64
		if err := s.gdb.WithContext(ctx).Model(&ProcessingJob{}).Where("job_id = ?", jobID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return db.ErrNotFound
		}
		log.Debug().Str("jobId", jobID).Int("percentage", percentage).Msg("Ignoring regressing progress update")
	}
	return nil
}

// SetJobResult stores the job's result payload.
func (s *JobStore) SetJobResult(ctx context.Context, jobID string, result models.JSONMap) error {
	res := s.gdb.WithContext(ctx).
		Model(&ProcessingJob{}).
		Where("job_id = ?", jobID).
		Updates(map[string]any{
			"result_data":  result,
			"last_updated": time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return db.ErrNotFound
	}
	return nil
}

// MarkJobRetrying transitions failed -> retrying and increments retry_count,
// guarded in SQL so concurrent retries can't exceed the budget.
func (s *JobStore) MarkJobRetrying(ctx context.Context, jobID string) (*models.ProcessingJob, error) {
	result := s.gdb.WithContext(ctx).
		Model(&ProcessingJob{}).
		Where("job_id = ? AND status = ? AND retry_count < max_retries", jobID, string(models.JobStatusFailed)).
		Updates(map[string]any{
			"status":        string(models.JobStatusRetrying),
			"retry_count":   gorm.Expr("retry_count + 1"),
			"error_message": nil,
			"completed_at":  nil,
			"last_updated":  time.Now().UTC(),
		})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		job, err := s.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("job %s cannot be retried (status=%s, retries=%d/%d)",
			jobID, job.Status, job.RetryCount, job.MaxRetries)
	}
	return s.GetJob(ctx, jobID)
}

// CancelJob cancels a pending or processing job. The status guard makes the
// cancel/complete race resolve deterministically: whichever lands first wins.
func (s *JobStore) CancelJob(ctx context.Context, jobID string) error {
	now := time.Now().UTC()
	result := s.gdb.WithContext(ctx).
		Model(&ProcessingJob{}).
		Where("job_id = ? AND status IN ?", jobID, []string{
			string(models.JobStatusPending),
			string(models.JobStatusProcessing),
		}).
		Updates(map[string]any{
			"status":       string(models.JobStatusCancelled),
			"completed_at": sql.NullTime{Time: now, Valid: true},
			"last_updated": now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		job, err := s.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		return fmt.Errorf("job %s cannot be cancelled (status=%s)", jobID, job.Status)
	}
	return nil
}

// DeleteJobsOlderThan removes terminal jobs whose completion predates cutoff.
func (s *JobStore) DeleteJobsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.gdb.WithContext(ctx).
		Where("status IN ? AND completed_at < ?", []string{
			string(models.JobStatusCompleted),
			string(models.JobStatusFailed),
			string(models.JobStatusCancelled),
		}, cutoff).
		Delete(&ProcessingJob{})
	return result.RowsAffected, result.Error
}

// RequeueStaleJobs returns processing jobs that have not been updated since
// the cutoff to the pending state. A worker that crashed mid-job never stamps
// a terminal status; its jobs become claimable again once they go stale.
func (s *JobStore) RequeueStaleJobs(ctx context.Context, cutoff time.Time) (int64, error) {
	now := time.Now().UTC()
	result := s.gdb.WithContext(ctx).
		Model(&ProcessingJob{}).
		Where("status = ? AND last_updated < ?", string(models.JobStatusProcessing), cutoff).
		Updates(map[string]any{
			"status":       string(models.JobStatusPending),
			"started_at":   nil,
			"last_updated": now,
		})
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		log.Info().Int64("jobs", result.RowsAffected).Msg("Requeued jobs stranded in processing")
	}
	return result.RowsAffected, nil
}

// ClaimNextPending atomically claims the oldest pending (or retrying) job of
// the given types. SKIP LOCKED lets multiple workers poll without contending.
func (s *JobStore) ClaimNextPending(ctx context.Context, types []models.JobType) (*models.ProcessingJob, error) {
	typeNames := make([]string, len(types))
	for i, t := range types {
		typeNames[i] = string(t)
	}

	var dbJob ProcessingJob
	err := s.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status IN ?", []string{
				string(models.JobStatusPending),
				string(models.JobStatusRetrying),
			}).
			Order("created_at ASC")
		if len(typeNames) > 0 {
			query = query.Where("job_type IN ?", typeNames)
		}

		if err := query.First(&dbJob).Error; err != nil {
			return err
		}

		now := time.Now().UTC()
		return tx.Model(&ProcessingJob{}).
			Where("job_id = ?", dbJob.JobID).
			Updates(map[string]any{
				"status":       string(models.JobStatusProcessing),
				"started_at":   sql.NullTime{Time: now, Valid: true},
				"last_updated": now,
			}).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, db.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	dbJob.Status = string(models.JobStatusProcessing)
	return toModelJob(&dbJob), nil
}
