package gorm

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/prsnl-app/prsnl/internal/db"
	"github.com/prsnl-app/prsnl/pkg/models"
)

// RepoStore persists synced GitHub repositories.
type RepoStore struct {
	gdb *gorm.DB
}

// NewRepoStore creates a new repo store.
func NewRepoStore(store *Store) *RepoStore {
	return &RepoStore{gdb: store.DB}
}

// UpsertRepo stores the repo, updating sync fields when full_name exists.
func (s *RepoStore) UpsertRepo(ctx context.Context, repo *models.GitHubRepo) error {
	dbRepo := &GitHubRepo{
		ItemID:        repo.ItemID,
		FullName:      repo.FullName,
		Description:   repo.Description,
		Language:      repo.Language,
		Stars:         repo.Stars,
		Topics:        repo.Topics,
		DefaultBranch: repo.DefaultBranch,
		PushedAt:      repo.PushedAt,
		SyncedAt:      time.Now().UTC(),
	}

	err := s.gdb.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "full_name"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"description", "language", "stars", "topics",
				"default_branch", "pushed_at", "synced_at",
			}),
		}).
		Create(dbRepo).Error
	if err != nil {
		return err
	}

	repo.ID = dbRepo.ID
	repo.SyncedAt = dbRepo.SyncedAt
	return nil
}

// GetRepoByFullName retrieves a synced repo by owner/name.
func (s *RepoStore) GetRepoByFullName(ctx context.Context, fullName string) (*models.GitHubRepo, error) {
	var dbRepo GitHubRepo
	err := s.gdb.WithContext(ctx).First(&dbRepo, "full_name = ?", fullName).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, db.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return toModelRepo(&dbRepo), nil
}

// ListRepos returns synced repos by star count.
func (s *RepoStore) ListRepos(ctx context.Context, limit int) ([]*models.GitHubRepo, error) {
	if limit <= 0 || limit > MaxPaginationLimit {
		limit = 100
	}

	var dbRepos []GitHubRepo
	err := s.gdb.WithContext(ctx).
		Order("stars DESC, full_name ASC").
		Limit(limit).
		Find(&dbRepos).Error
	if err != nil {
		return nil, err
	}

	result := make([]*models.GitHubRepo, len(dbRepos))
	for i := range dbRepos {
		result[i] = toModelRepo(&dbRepos[i])
	}
	return result, nil
}
