package server

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/prsnl-app/prsnl/internal/config"
	"github.com/prsnl-app/prsnl/internal/db"
	"github.com/prsnl-app/prsnl/internal/dedupe"
	"github.com/prsnl-app/prsnl/internal/jobs"
	"github.com/prsnl-app/prsnl/internal/search"
	"github.com/prsnl-app/prsnl/pkg/models"
)

// fakeStore is an in-memory db.Store for handler tests.
type fakeStore struct {
	mu         sync.Mutex
	items      map[string]*models.Item
	itemTags   map[string][]string
	jobs       map[string]*models.ProcessingJob
	embeddings map[string][]float32
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		items:      make(map[string]*models.Item),
		itemTags:   make(map[string][]string),
		jobs:       make(map[string]*models.ProcessingJob),
		embeddings: make(map[string][]float32),
	}
}

// --- ItemReader ---

func (f *fakeStore) GetItemByID(_ context.Context, id string) (*models.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if item, ok := f.items[id]; ok {
		return item, nil
	}
	return nil, db.ErrNotFound
}

func (f *fakeStore) TouchItem(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if item, ok := f.items[id]; ok {
		item.AccessCount++
		return nil
	}
	return db.ErrNotFound
}

func (f *fakeStore) GetItemByURL(_ context.Context, normalizedURL string) (*models.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, item := range f.items {
		if item.URL.Valid && item.URL.String == normalizedURL {
			return item, nil
		}
	}
	return nil, db.ErrNotFound
}

func (f *fakeStore) GetItemByFingerprint(_ context.Context, fp string) (*models.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, item := range f.items {
		if item.ContentFingerprint.Valid && item.ContentFingerprint.String == fp {
			return item, nil
		}
	}
	return nil, db.ErrNotFound
}

func (f *fakeStore) ListItems(_ context.Context, filter db.ItemFilter) ([]*models.Item, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Item
	for _, item := range f.items {
		if filter.Type != "" && item.Type != filter.Type {
			continue
		}
		if filter.Status != "" && item.Status != filter.Status {
			continue
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, int64(len(out)), nil
}

func (f *fakeStore) GetItemsByIDs(_ context.Context, ids []string) ([]*models.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Item
	for _, id := range ids {
		if item, ok := f.items[id]; ok {
			out = append(out, item)
		}
	}
	return out, nil
}

func (f *fakeStore) CountItems(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.items)), nil
}

// --- ItemWriter ---

func (f *fakeStore) CreateItem(_ context.Context, item *models.Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.items {
		if item.URL.Valid && existing.URL.Valid && existing.URL.String == item.URL.String {
			return db.ErrConflict
		}
	}
	f.items[item.ID] = item
	f.itemTags[item.ID] = append([]string(nil), item.Tags...)
	return nil
}

func (f *fakeStore) UpdateItem(_ context.Context, id string, update *db.ItemUpdate) (*models.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	if update.Title != nil {
		item.Title = *update.Title
	}
	if update.Summary != nil {
		item.Summary = models.NullString(*update.Summary)
	}
	if update.Content != nil {
		item.Content = models.NullString(*update.Content)
	}
	if update.Metadata != nil {
		item.Metadata = *update.Metadata
	}
	if update.Status != nil {
		item.Status = *update.Status
	}
	item.UpdatedAt = time.Now().UTC()
	return item, nil
}

func (f *fakeStore) DeleteItem(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.items[id]; !ok {
		return db.ErrNotFound
	}
	delete(f.items, id)
	delete(f.itemTags, id)
	return nil
}

func (f *fakeStore) SetItemStatus(_ context.Context, id string, status models.ItemStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if item, ok := f.items[id]; ok {
		item.Status = status
		return nil
	}
	return db.ErrNotFound
}

func (f *fakeStore) ReplaceTags(_ context.Context, itemID string, tags []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.itemTags[itemID] = append([]string(nil), tags...)
	return nil
}

func (f *fakeStore) AddTags(_ context.Context, itemID string, tags []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing := f.itemTags[itemID]
	for _, tag := range tags {
		found := false
		for _, have := range existing {
			if have == tag {
				found = true
				break
			}
		}
		if !found {
			existing = append(existing, tag)
		}
	}
	f.itemTags[itemID] = existing
	return nil
}

// --- TagReader ---

func (f *fakeStore) ListTags(context.Context) ([]*models.Tag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[string]bool)
	var out []*models.Tag
	for _, tags := range f.itemTags {
		for _, tag := range tags {
			if !seen[tag] {
				seen[tag] = true
				out = append(out, &models.Tag{Name: tag})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *fakeStore) GetItemTags(_ context.Context, itemID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.itemTags[itemID]...), nil
}

// --- JobStore ---

func (f *fakeStore) SaveJob(_ context.Context, job *models.ProcessingJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *job
	f.jobs[job.JobID] = &copied
	return nil
}

func (f *fakeStore) GetJob(_ context.Context, jobID string) (*models.ProcessingJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if job, ok := f.jobs[jobID]; ok {
		copied := *job
		return &copied, nil
	}
	return nil, db.ErrNotFound
}

func (f *fakeStore) ListJobs(_ context.Context, filter db.JobFilter) ([]*models.ProcessingJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.ProcessingJob
	for _, job := range f.jobs {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.Type != "" && job.JobType != filter.Type {
			continue
		}
		copied := *job
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out, nil
}

func (f *fakeStore) UpdateJobStatus(_ context.Context, jobID string, status models.JobStatus, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return db.ErrNotFound
	}
	if status.Terminal() && job.Status.Terminal() {
		return db.ErrConflict
	}
	job.Status = status
	job.ErrorMessage = models.NullString(errMsg)
	return nil
}

func (f *fakeStore) RequeueStaleJobs(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, job := range f.jobs {
		if job.Status == models.JobStatusProcessing && job.LastUpdated.Before(cutoff) {
			job.Status = models.JobStatusPending
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) UpdateJobProgress(_ context.Context, jobID string, percent int, stage, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return db.ErrNotFound
	}
	if percent > job.ProgressPercentage {
		job.ProgressPercentage = percent
	}
	job.CurrentStage = models.NullString(stage)
	job.StageMessage = models.NullString(message)
	return nil
}

func (f *fakeStore) SetJobResult(_ context.Context, jobID string, result models.JSONMap) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if job, ok := f.jobs[jobID]; ok {
		job.ResultData = result
		return nil
	}
	return db.ErrNotFound
}

func (f *fakeStore) MarkJobRetrying(_ context.Context, jobID string) (*models.ProcessingJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, db.ErrNotFound
	}
	if job.Status != models.JobStatusFailed || job.RetryCount >= job.MaxRetries {
		return nil, errors.New("job cannot be retried")
	}
	job.Status = models.JobStatusRetrying
	job.RetryCount++
	job.LastUpdated = time.Now().UTC()
	copied := *job
	return &copied, nil
}

func (f *fakeStore) CancelJob(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return db.ErrNotFound
	}
	if job.Status != models.JobStatusPending && job.Status != models.JobStatusProcessing {
		return errors.New("job cannot be cancelled")
	}
	job.Status = models.JobStatusCancelled
	return nil
}

func (f *fakeStore) DeleteJobsOlderThan(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeStore) ClaimNextPending(context.Context, []models.JobType) (*models.ProcessingJob, error) {
	return nil, db.ErrNotFound
}

// --- EmbeddingStore ---

func (f *fakeStore) UpsertEmbedding(_ context.Context, itemID, modelName, modelVersion string, vector []float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.embeddings[itemID+"/"+modelName+"/"+modelVersion] = vector
	return nil
}

func (f *fakeStore) GetEmbedding(_ context.Context, itemID, modelName, modelVersion string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if vec, ok := f.embeddings[itemID+"/"+modelName+"/"+modelVersion]; ok {
		return vec, nil
	}
	return nil, db.ErrNotFound
}

func (f *fakeStore) DeleteEmbeddingsForItem(context.Context, string) error { return nil }

func (f *fakeStore) ListItemsMissingEmbedding(context.Context, string, string, int) ([]string, error) {
	return nil, nil
}

func (f *fakeStore) CountEmbeddings(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.embeddings)), nil
}

// --- ConversationStore ---

func (f *fakeStore) CreateConversation(context.Context, *models.ConversationImport, []models.ConversationMessage) error {
	return nil
}

func (f *fakeStore) GetConversationByItemID(context.Context, string) (*models.ConversationImport, []models.ConversationMessage, error) {
	return nil, nil, db.ErrNotFound
}

// --- RepoStore ---

func (f *fakeStore) UpsertRepo(context.Context, *models.GitHubRepo) error { return nil }

func (f *fakeStore) GetRepoByFullName(context.Context, string) (*models.GitHubRepo, error) {
	return nil, db.ErrNotFound
}

func (f *fakeStore) ListRepos(context.Context, int) ([]*models.GitHubRepo, error) {
	return nil, nil
}

// newTestService assembles a ready Service over the fake store without
// running async initialization. The *sql.DB is never queried in these
// tests; sql.Open connects lazily.
func newTestService(t *testing.T, store db.Store) *Service {
	t.Helper()

	sqlDB, err := sql.Open("postgres", "postgres://localhost:1/unused?sslmode=disable")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	searcher, err := search.NewManager(search.Config{SQLDB: sqlDB, Items: store})
	require.NoError(t, err)
	deduper, err := dedupe.NewService(dedupe.Config{SQLDB: sqlDB, Store: store})
	require.NoError(t, err)

	runner, err := jobs.NewRunner(store, nil, jobs.Config{})
	require.NoError(t, err)
	noop := func(context.Context, *models.ProcessingJob, jobs.ProgressFunc) (models.JSONMap, error) {
		return nil, nil
	}
	runner.Register(models.JobTypeCapture, noop)
	runner.Register(models.JobTypeConversationImport, noop)
	runner.Register(models.JobTypeGitHubSync, noop)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	s := &Service{
		version:   "test",
		cfg:       config.Default(),
		router:    chi.NewRouter(),
		events:    NewEvents(),
		validate:  validator.New(),
		startTime: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		stores:    store,
		searcher:  searcher,
		deduper:   deduper,
		runner:    runner,
	}
	s.setupMiddleware()
	s.setupRoutes()
	s.ready.Store(true)
	return s
}
