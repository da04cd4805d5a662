package models

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobType identifies the kind of background work a job performs.
type JobType string

const (
	JobTypeCapture            JobType = "capture"
	JobTypeEmbed              JobType = "embed"
	JobTypeConversationImport JobType = "conversation_import"
	JobTypeGitHubSync         JobType = "github_sync"
	JobTypeDuplicateScan      JobType = "duplicate_scan"
)

// JobStatus represents the lifecycle state of a processing job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
	JobStatusRetrying   JobStatus = "retrying"
)

// Valid reports whether s is a known job status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted,
		JobStatusFailed, JobStatusCancelled, JobStatusRetrying:
		return true
	}
	return false
}

// Terminal reports whether the status is final. Failed jobs may still be
// retried explicitly, but no further automatic transitions happen.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// ProcessingJob tracks one unit of background work from enqueue to completion.
type ProcessingJob struct {
	JobID              string         `db:"job_id" json:"job_id"`
	JobType            JobType        `db:"job_type" json:"job_type"`
	Status             JobStatus      `db:"status" json:"status"`
	ItemID             sql.NullString `db:"item_id" json:"item_id,omitempty"`
	Tag                sql.NullString `db:"tag" json:"tag,omitempty"`
	InputData          JSONMap        `db:"input_data" json:"input_data,omitempty"`
	ResultData         JSONMap        `db:"result_data" json:"result_data,omitempty"`
	ProgressPercentage int            `db:"progress_percentage" json:"progress_percentage"`
	CurrentStage       sql.NullString `db:"current_stage" json:"current_stage,omitempty"`
	StageMessage       sql.NullString `db:"stage_message" json:"stage_message,omitempty"`
	ErrorMessage       sql.NullString `db:"error_message" json:"error_message,omitempty"`
	RetryCount         int            `db:"retry_count" json:"retry_count"`
	MaxRetries         int            `db:"max_retries" json:"max_retries"`
	CreatedAt          time.Time      `db:"created_at" json:"created_at"`
	StartedAt          sql.NullTime   `db:"started_at" json:"started_at,omitempty"`
	CompletedAt        sql.NullTime   `db:"completed_at" json:"completed_at,omitempty"`
	LastUpdated        time.Time      `db:"last_updated" json:"last_updated"`
}

// NewJobID generates a job identifier of the form
// {type}_{YYYYMMDD_HHMMSS}_{uuid8}, readable in logs and unique.
func NewJobID(jobType JobType) string {
	ts := time.Now().UTC().Format("20060102_150405")
	short := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s_%s_%s", jobType, ts, short)
}

// NewProcessingJob creates a pending job with a generated ID.
func NewProcessingJob(jobType JobType, itemID string, input JSONMap) *ProcessingJob {
	now := time.Now().UTC()
	return &ProcessingJob{
		JobID:       NewJobID(jobType),
		JobType:     jobType,
		Status:      JobStatusPending,
		ItemID:      NullString(itemID),
		InputData:   input,
		MaxRetries:  3,
		CreatedAt:   now,
		LastUpdated: now,
	}
}

// CanRetry reports whether the job may be retried.
func (j *ProcessingJob) CanRetry() bool {
	return j.Status == JobStatusFailed && j.RetryCount < j.MaxRetries
}

// CanCancel reports whether the job may be cancelled.
func (j *ProcessingJob) CanCancel() bool {
	return j.Status == JobStatusPending || j.Status == JobStatusProcessing
}

// jobJSON is a JSON-friendly representation of ProcessingJob.
type jobJSON struct {
	JobID              string    `json:"job_id"`
	JobType            JobType   `json:"job_type"`
	Status             JobStatus `json:"status"`
	ItemID             string    `json:"item_id,omitempty"`
	Tag                string    `json:"tag,omitempty"`
	InputData          JSONMap   `json:"input_data,omitempty"`
	ResultData         JSONMap   `json:"result_data,omitempty"`
	ProgressPercentage int       `json:"progress_percentage"`
	CurrentStage       string    `json:"current_stage,omitempty"`
	StageMessage       string    `json:"stage_message,omitempty"`
	ErrorMessage       string    `json:"error_message,omitempty"`
	RetryCount         int       `json:"retry_count"`
	MaxRetries         int       `json:"max_retries"`
	CreatedAt          string    `json:"created_at"`
	StartedAt          string    `json:"started_at,omitempty"`
	CompletedAt        string    `json:"completed_at,omitempty"`
	LastUpdated        string    `json:"last_updated"`
}

// MarshalJSON implements json.Marshaler for ProcessingJob.
func (j *ProcessingJob) MarshalJSON() ([]byte, error) {
	out := jobJSON{
		JobID:              j.JobID,
		JobType:            j.JobType,
		Status:             j.Status,
		InputData:          j.InputData,
		ResultData:         j.ResultData,
		ProgressPercentage: j.ProgressPercentage,
		RetryCount:         j.RetryCount,
		MaxRetries:         j.MaxRetries,
		CreatedAt:          j.CreatedAt.UTC().Format(time.RFC3339),
		LastUpdated:        j.LastUpdated.UTC().Format(time.RFC3339),
	}
	if j.ItemID.Valid {
		out.ItemID = j.ItemID.String
	}
	if j.Tag.Valid {
		out.Tag = j.Tag.String
	}
	if j.CurrentStage.Valid {
		out.CurrentStage = j.CurrentStage.String
	}
	if j.StageMessage.Valid {
		out.StageMessage = j.StageMessage.String
	}
	if j.ErrorMessage.Valid {
		out.ErrorMessage = j.ErrorMessage.String
	}
	if j.StartedAt.Valid {
		out.StartedAt = j.StartedAt.Time.UTC().Format(time.RFC3339)
	}
	if j.CompletedAt.Valid {
		out.CompletedAt = j.CompletedAt.Time.UTC().Format(time.RFC3339)
	}
	return json.Marshal(out)
}

// ProgressEvent is the payload broadcast to SSE and WebSocket subscribers
// whenever a job's progress changes.
type ProgressEvent struct {
	JobID              string    `json:"job_id"`
	JobType            JobType   `json:"job_type"`
	Status             JobStatus `json:"status"`
	ProgressPercentage int       `json:"progress_percentage"`
	CurrentStage       string    `json:"current_stage,omitempty"`
	StageMessage       string    `json:"stage_message,omitempty"`
	ErrorMessage       string    `json:"error_message,omitempty"`
	Timestamp          time.Time `json:"timestamp"`
}
