// Package gorm provides GORM-based database operations for prsnl.
package gorm

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"

	"github.com/prsnl-app/prsnl/pkg/models"
)

// GORM Models

// Note: JSON types (JSONStringArray, JSONMap) are imported from pkg/models
// and already implement sql.Scanner and driver.Valuer interfaces.

// Item is the persisted form of a captured knowledge item.
type Item struct {
	ID                 string         `gorm:"type:uuid;primaryKey"`
	Type               string         `gorm:"type:text;check:type IN ('article', 'note', 'conversation', 'repository', 'document');index;not null"`
	Status             string         `gorm:"type:text;check:status IN ('pending', 'processing', 'completed', 'failed');default:'pending';index"`
	Title              string         `gorm:"type:text;not null"`
	Summary            sql.NullString `gorm:"type:text"`
	Content            sql.NullString `gorm:"type:text"`
	RawContent         sql.NullString `gorm:"type:text"`
	URL                sql.NullString `gorm:"type:text;uniqueIndex:idx_items_url"`
	ContentFingerprint sql.NullString `gorm:"type:text;index:idx_items_fingerprint"`
	Metadata           models.JSONMap `gorm:"type:jsonb"`
	AccessCount        int            `gorm:"default:0"`
	AccessedAt         sql.NullTime
	CreatedAt          time.Time `gorm:"index:idx_items_created,sort:desc;not null"`
	UpdatedAt          time.Time `gorm:"not null"`
}

func (Item) TableName() string { return "items" }

// BeforeCreate hook to ensure ID and timestamps are set.
func (i *Item) BeforeCreate(tx *gorm.DB) error {
	if i.ID == "" {
		i.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if i.CreatedAt.IsZero() {
		i.CreatedAt = now
	}
	if i.UpdatedAt.IsZero() {
		i.UpdatedAt = now
	}
	if i.Status == "" {
		i.Status = string(models.ItemStatusPending)
	}
	return nil
}

// Tag is a label shared across items.
type Tag struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	Name      string    `gorm:"type:text;uniqueIndex:idx_tags_name;not null"`
	CreatedAt time.Time `gorm:"not null"`
}

func (Tag) TableName() string { return "tags" }

// BeforeCreate hook to ensure timestamps are set.
func (t *Tag) BeforeCreate(tx *gorm.DB) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	return nil
}

// ItemTag joins items to tags.
type ItemTag struct {
	ItemID string `gorm:"type:uuid;primaryKey;index:idx_item_tags_item"`
	TagID  int64  `gorm:"primaryKey;index:idx_item_tags_tag"`
}

func (ItemTag) TableName() string { return "item_tags" }

// ProcessingJob is the persisted form of a background job.
type ProcessingJob struct {
	JobID              string         `gorm:"type:text;primaryKey"`
	JobType            string         `gorm:"type:text;index:idx_jobs_type;not null"`
	Status             string         `gorm:"type:text;check:status IN ('pending', 'processing', 'completed', 'failed', 'cancelled', 'retrying');default:'pending';index:idx_jobs_status;index:idx_jobs_status_created,priority:1"`
	ItemID             sql.NullString `gorm:"type:uuid;index:idx_jobs_item"`
	Tag                sql.NullString `gorm:"type:text"`
	InputData          models.JSONMap `gorm:"type:jsonb"`
	ResultData         models.JSONMap `gorm:"type:jsonb"`
	ProgressPercentage int            `gorm:"default:0;check:progress_percentage >= 0 AND progress_percentage <= 100"`
	CurrentStage       sql.NullString `gorm:"type:text"`
	StageMessage       sql.NullString `gorm:"type:text"`
	ErrorMessage       sql.NullString `gorm:"type:text"`
	RetryCount         int            `gorm:"default:0"`
	MaxRetries         int            `gorm:"default:3"`
	CreatedAt          time.Time      `gorm:"index:idx_jobs_created,sort:desc;index:idx_jobs_status_created,priority:2,sort:asc;not null"`
	StartedAt          sql.NullTime
	CompletedAt        sql.NullTime `gorm:"index:idx_jobs_completed"`
	LastUpdated        time.Time    `gorm:"not null"`
}

func (ProcessingJob) TableName() string { return "processing_jobs" }

// BeforeCreate hook to ensure timestamps are set.
func (j *ProcessingJob) BeforeCreate(tx *gorm.DB) error {
	now := time.Now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	if j.LastUpdated.IsZero() {
		j.LastUpdated = now
	}
	if j.Status == "" {
		j.Status = string(models.JobStatusPending)
	}
	return nil
}

// Embedding stores one vector per (item, model, version).
// The table itself is created by a raw-SQL migration because the vector
// column dimensions come from configuration.
type Embedding struct {
	ID           int64           `gorm:"primaryKey;autoIncrement"`
	ItemID       string          `gorm:"type:uuid;not null"`
	ModelName    string          `gorm:"type:text;not null"`
	ModelVersion string          `gorm:"type:text;not null"`
	Vector       pgvector.Vector `gorm:"type:vector"`
	CreatedAt    time.Time       `gorm:"not null"`
	UpdatedAt    time.Time       `gorm:"not null"`
}

func (Embedding) TableName() string { return "embeddings" }

// ConversationImport records one imported chat export.
type ConversationImport struct {
	ID           string         `gorm:"type:uuid;primaryKey"`
	ItemID       string         `gorm:"type:uuid;index:idx_conversations_item;not null"`
	Platform     string         `gorm:"type:text;check:platform IN ('chatgpt', 'claude', 'generic');not null"`
	Title        string         `gorm:"type:text;not null"`
	MessageCount int            `gorm:"default:0"`
	Metadata     models.JSONMap `gorm:"type:jsonb"`
	ImportedAt   time.Time      `gorm:"not null"`
}

func (ConversationImport) TableName() string { return "conversation_imports" }

// BeforeCreate hook to ensure ID and timestamps are set.
func (c *ConversationImport) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.ImportedAt.IsZero() {
		c.ImportedAt = time.Now().UTC()
	}
	return nil
}

// ConversationMessage is one turn of an imported conversation.
type ConversationMessage struct {
	ID             int64     `gorm:"primaryKey;autoIncrement"`
	ConversationID string    `gorm:"type:uuid;index:idx_messages_conversation;uniqueIndex:idx_messages_conversation_seq,priority:1;not null"`
	Role           string    `gorm:"type:text;not null"`
	Content        string    `gorm:"type:text;not null"`
	Sequence       int       `gorm:"uniqueIndex:idx_messages_conversation_seq,priority:2;not null"`
	CreatedAt      time.Time `gorm:"not null"`
}

func (ConversationMessage) TableName() string { return "conversation_messages" }

// GitHubRepo records a synced repository.
type GitHubRepo struct {
	ID            int64                  `gorm:"primaryKey;autoIncrement"`
	ItemID        string                 `gorm:"type:uuid;index:idx_repos_item;not null"`
	FullName      string                 `gorm:"type:text;uniqueIndex:idx_repos_full_name;not null"`
	Description   sql.NullString         `gorm:"type:text"`
	Language      sql.NullString         `gorm:"type:text"`
	Stars         int                    `gorm:"default:0;index:idx_repos_stars,sort:desc"`
	Topics        models.JSONStringArray `gorm:"type:jsonb"`
	DefaultBranch string                 `gorm:"type:text;default:'main'"`
	PushedAt      sql.NullTime
	SyncedAt      time.Time `gorm:"not null"`
}

func (GitHubRepo) TableName() string { return "github_repos" }

// ====================
// Model Converters
// ====================

// toModelItem converts a GORM Item to pkg/models.Item.
func toModelItem(i *Item) *models.Item {
	return &models.Item{
		ID:                 i.ID,
		Type:               models.ItemType(i.Type),
		Status:             models.ItemStatus(i.Status),
		Title:              i.Title,
		Summary:            i.Summary,
		Content:            i.Content,
		RawContent:         i.RawContent,
		URL:                i.URL,
		ContentFingerprint: i.ContentFingerprint,
		Metadata:           i.Metadata,
		AccessCount:        i.AccessCount,
		AccessedAt:         i.AccessedAt,
		CreatedAt:          i.CreatedAt,
		UpdatedAt:          i.UpdatedAt,
	}
}

// toModelItems converts a slice of GORM Item to pkg/models.Item.
func toModelItems(items []Item) []*models.Item {
	result := make([]*models.Item, len(items))
	for i := range items {
		result[i] = toModelItem(&items[i])
	}
	return result
}

// toModelJob converts a GORM ProcessingJob to pkg/models.ProcessingJob.
func toModelJob(j *ProcessingJob) *models.ProcessingJob {
	return &models.ProcessingJob{
		JobID:              j.JobID,
		JobType:            models.JobType(j.JobType),
		Status:             models.JobStatus(j.Status),
		ItemID:             j.ItemID,
		Tag:                j.Tag,
		InputData:          j.InputData,
		ResultData:         j.ResultData,
		ProgressPercentage: j.ProgressPercentage,
		CurrentStage:       j.CurrentStage,
		StageMessage:       j.StageMessage,
		ErrorMessage:       j.ErrorMessage,
		RetryCount:         j.RetryCount,
		MaxRetries:         j.MaxRetries,
		CreatedAt:          j.CreatedAt,
		StartedAt:          j.StartedAt,
		CompletedAt:        j.CompletedAt,
		LastUpdated:        j.LastUpdated,
	}
}

// toModelJobs converts a slice of GORM ProcessingJob to pkg/models.ProcessingJob.
func toModelJobs(jobs []ProcessingJob) []*models.ProcessingJob {
	result := make([]*models.ProcessingJob, len(jobs))
	for i := range jobs {
		result[i] = toModelJob(&jobs[i])
	}
	return result
}

// fromModelJob converts a pkg/models.ProcessingJob to its GORM form.
func fromModelJob(j *models.ProcessingJob) *ProcessingJob {
	return &ProcessingJob{
		JobID:              j.JobID,
		JobType:            string(j.JobType),
		Status:             string(j.Status),
		ItemID:             j.ItemID,
		Tag:                j.Tag,
		InputData:          j.InputData,
		ResultData:         j.ResultData,
		ProgressPercentage: j.ProgressPercentage,
		CurrentStage:       j.CurrentStage,
		StageMessage:       j.StageMessage,
		ErrorMessage:       j.ErrorMessage,
		RetryCount:         j.RetryCount,
		MaxRetries:         j.MaxRetries,
		CreatedAt:          j.CreatedAt,
		StartedAt:          j.StartedAt,
		CompletedAt:        j.CompletedAt,
		LastUpdated:        j.LastUpdated,
	}
}

// toModelRepo converts a GORM GitHubRepo to pkg/models.GitHubRepo.
func toModelRepo(r *GitHubRepo) *models.GitHubRepo {
	return &models.GitHubRepo{
		ID:            r.ID,
		ItemID:        r.ItemID,
		FullName:      r.FullName,
		Description:   r.Description,
		Language:      r.Language,
		Stars:         r.Stars,
		Topics:        r.Topics,
		DefaultBranch: r.DefaultBranch,
		PushedAt:      r.PushedAt,
		SyncedAt:      r.SyncedAt,
	}
}
