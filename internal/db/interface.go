// Package db defines database interfaces for the prsnl stores.
package db

import (
	"context"
	"errors"
	"time"

	"github.com/prsnl-app/prsnl/pkg/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when a write collides with an existing record,
// e.g. creating an item whose URL is already stored.
var ErrConflict = errors.New("record already exists")

// ItemFilter narrows item listings.
type ItemFilter struct {
	Type   models.ItemType
	Status models.ItemStatus
	Tag    string
	Limit  int
	Offset int
}

// ItemReader defines read operations for items.
type ItemReader interface {
	GetItemByID(ctx context.Context, id string) (*models.Item, error)
	// TouchItem bumps access_count and accessed_at for retrieval tracking.
	TouchItem(ctx context.Context, id string) error
	GetItemByURL(ctx context.Context, normalizedURL string) (*models.Item, error)
	GetItemByFingerprint(ctx context.Context, fingerprint string) (*models.Item, error)
	ListItems(ctx context.Context, filter ItemFilter) ([]*models.Item, int64, error)
	GetItemsByIDs(ctx context.Context, ids []string) ([]*models.Item, error)
	CountItems(ctx context.Context) (int64, error)
}

// ItemWriter defines write operations for items.
type ItemWriter interface {
	CreateItem(ctx context.Context, item *models.Item) error
	UpdateItem(ctx context.Context, id string, update *ItemUpdate) (*models.Item, error)
	DeleteItem(ctx context.Context, id string) error
	SetItemStatus(ctx context.Context, id string, status models.ItemStatus) error
	// ReplaceTags sets the item's tag set, creating missing tags.
	ReplaceTags(ctx context.Context, itemID string, tags []string) error
	AddTags(ctx context.Context, itemID string, tags []string) error
}

// ItemUpdate contains fields that can be updated on an item.
// Only non-nil fields will be applied.
type ItemUpdate struct {
	Title    *string
	Summary  *string
	Content  *string
	Metadata *models.JSONMap
	Status   *models.ItemStatus
}

// ItemStore combines read and write operations for items.
type ItemStore interface {
	ItemReader
	ItemWriter
}

// TagReader defines read operations for tags.
type TagReader interface {
	ListTags(ctx context.Context) ([]*models.Tag, error)
	GetItemTags(ctx context.Context, itemID string) ([]string, error)
}

// JobStore defines operations over processing jobs.
type JobStore interface {
	// SaveJob creates the job, or updates it if job_id already exists.
	SaveJob(ctx context.Context, job *models.ProcessingJob) error
	GetJob(ctx context.Context, jobID string) (*models.ProcessingJob, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.ProcessingJob, error)
	// UpdateJobStatus moves a job between states, stamping started_at /
	// completed_at as appropriate.
	UpdateJobStatus(ctx context.Context, jobID string, status models.JobStatus, errorMessage string) error
	// UpdateJobProgress records stage progress. Regressing percentages for a
	// running job are ignored.
	UpdateJobProgress(ctx context.Context, jobID string, percentage int, stage, message string) error
	SetJobResult(ctx context.Context, jobID string, result models.JSONMap) error
	// MarkJobRetrying transitions failed -> retrying and increments
	// retry_count. Fails when the retry budget is exhausted.
	MarkJobRetrying(ctx context.Context, jobID string) (*models.ProcessingJob, error)
	// CancelJob cancels a pending or processing job.
	CancelJob(ctx context.Context, jobID string) error
	// DeleteJobsOlderThan removes terminal jobs whose completion predates the
	// cutoff. Returns the number of rows removed.
	DeleteJobsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	// ClaimNextPending atomically claims the oldest pending job of the given
	// types and marks it processing. Returns ErrNotFound when none is ready.
	ClaimNextPending(ctx context.Context, types []models.JobType) (*models.ProcessingJob, error)
	// RequeueStaleJobs resets processing jobs whose last update predates the
	// cutoff back to pending, reclaiming work stranded by a crashed worker.
	// Returns the number of jobs requeued.
	RequeueStaleJobs(ctx context.Context, cutoff time.Time) (int64, error)
}

// JobFilter narrows job listings.
type JobFilter struct {
	Status models.JobStatus
	Type   models.JobType
	ItemID string
	Limit  int
}

// EmbeddingStore defines operations over stored embeddings.
type EmbeddingStore interface {
	// UpsertEmbedding stores a vector keyed on (item_id, model_name,
	// model_version), replacing any previous vector for that key.
	UpsertEmbedding(ctx context.Context, itemID, modelName, modelVersion string, vector []float32) error
	GetEmbedding(ctx context.Context, itemID, modelName, modelVersion string) ([]float32, error)
	DeleteEmbeddingsForItem(ctx context.Context, itemID string) error
	// ListItemsMissingEmbedding returns item IDs that have no embedding for
	// the given model name+version (backfill candidates).
	ListItemsMissingEmbedding(ctx context.Context, modelName, modelVersion string, limit int) ([]string, error)
	CountEmbeddings(ctx context.Context) (int64, error)
}

// ConversationStore defines operations over imported conversations.
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv *models.ConversationImport, messages []models.ConversationMessage) error
	GetConversationByItemID(ctx context.Context, itemID string) (*models.ConversationImport, []models.ConversationMessage, error)
}

// RepoStore defines operations over synced GitHub repositories.
type RepoStore interface {
	UpsertRepo(ctx context.Context, repo *models.GitHubRepo) error
	GetRepoByFullName(ctx context.Context, fullName string) (*models.GitHubRepo, error)
	ListRepos(ctx context.Context, limit int) ([]*models.GitHubRepo, error)
}

// Store aggregates all store interfaces backed by one database.
type Store interface {
	ItemStore
	TagReader
	JobStore
	EmbeddingStore
	ConversationStore
	RepoStore
}
