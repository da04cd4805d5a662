// Package github syncs the user's starred repositories into the knowledge
// base. Each repo becomes an item carrying its README, so repos show up in
// search next to articles and notes.
package github

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	gh "github.com/google/go-github/v57/github"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"github.com/prsnl-app/prsnl/internal/db"
	"github.com/prsnl-app/prsnl/internal/dedupe"
	"github.com/prsnl-app/prsnl/pkg/models"
)

// Embedder persists a vector for the repo item. Optional.
type Embedder interface {
	EmbedItem(ctx context.Context, item *models.Item) error
}

type store interface {
	db.ItemReader
	db.ItemWriter
	db.RepoStore
}

// Service syncs starred repositories.
type Service struct {
	client   *gh.Client
	store    store
	embedder Embedder
}

// NewService builds a GitHub sync service authenticated with token.
func NewService(ctx context.Context, token string, s store, embedder Embedder) (*Service, error) {
	if token == "" {
		return nil, errors.New("github token is required")
	}
	if s == nil {
		return nil, errors.New("store is required")
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return &Service{
		client:   gh.NewClient(oauth2.NewClient(ctx, ts)),
		store:    s,
		embedder: embedder,
	}, nil
}

// SyncResult summarizes one sync run.
type SyncResult struct {
	Synced  int `json:"synced"`
	Created int `json:"created"`
	Updated int `json:"updated"`
}

// Progress receives per-page updates during a sync.
type Progress func(percent int, message string)

// SyncStarred pulls the authenticated user's starred repos, newest stars
// first, and upserts each one. maxRepos caps the run; <= 0 means all.
func (s *Service) SyncStarred(ctx context.Context, maxRepos int, progress Progress) (*SyncResult, error) {
	if progress == nil {
		progress = func(int, string) {}
	}

	result := &SyncResult{}
	opts := &gh.ActivityListStarredOptions{
		Sort:        "created",
		Direction:   "desc",
		ListOptions: gh.ListOptions{PerPage: 50},
	}

	for {
		starred, resp, err := s.client.Activity.ListStarred(ctx, "", opts)
		if err != nil {
			return result, fmt.Errorf("list starred repos: %w", err)
		}
		for _, star := range starred {
			if maxRepos > 0 && result.Synced >= maxRepos {
				progress(100, "sync complete")
				return result, nil
			}
			created, err := s.syncRepo(ctx, star.GetRepository())
			if err != nil {
				log.Warn().Err(err).Str("repo", star.GetRepository().GetFullName()).Msg("repo sync failed, continuing")
				continue
			}
			result.Synced++
			if created {
				result.Created++
			} else {
				result.Updated++
			}
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
		if maxRepos > 0 {
			progress(min(95, result.Synced*100/maxRepos), fmt.Sprintf("synced %d repositories", result.Synced))
		} else {
			progress(50, fmt.Sprintf("synced %d repositories", result.Synced))
		}
	}

	progress(100, "sync complete")
	return result, nil
}

// syncRepo upserts one repository and its README item. Returns true when a
// new item was created.
func (s *Service) syncRepo(ctx context.Context, repo *gh.Repository) (bool, error) {
	fullName := repo.GetFullName()
	if fullName == "" {
		return false, errors.New("repository has no full name")
	}

	readme := s.fetchReadme(ctx, repo)
	content := repoContent(repo, readme)

	created := false
	existing, err := s.store.GetRepoByFullName(ctx, fullName)
	var item *models.Item
	switch {
	case err == nil:
		item, err = s.store.GetItemByID(ctx, existing.ItemID)
		if err != nil {
			return false, fmt.Errorf("load item of synced repo %s: %w", fullName, err)
		}
		update := &db.ItemUpdate{Content: &content}
		if desc := repo.GetDescription(); desc != "" {
			update.Summary = &desc
		}
		if _, err := s.store.UpdateItem(ctx, item.ID, update); err != nil {
			return false, fmt.Errorf("update repo item %s: %w", fullName, err)
		}
	case errors.Is(err, db.ErrNotFound):
		item = models.NewItem(models.ItemTypeRepository, fullName)
		item.URL = models.NullString(repo.GetHTMLURL())
		item.Content = models.NullString(content)
		item.ContentFingerprint = models.NullString(dedupe.Fingerprint(content))
		if desc := repo.GetDescription(); desc != "" {
			item.Summary = models.NullString(desc)
		}
		item.Tags = repoTags(repo)
		if err := s.store.CreateItem(ctx, item); err != nil && !errors.Is(err, db.ErrConflict) {
			return false, fmt.Errorf("create repo item %s: %w", fullName, err)
		}
		created = true
	default:
		return false, fmt.Errorf("look up synced repo %s: %w", fullName, err)
	}

	record := &models.GitHubRepo{
		ItemID:        item.ID,
		FullName:      fullName,
		Stars:         repo.GetStargazersCount(),
		Topics:        models.JSONStringArray(repo.Topics),
		DefaultBranch: repo.GetDefaultBranch(),
	}
	if desc := repo.GetDescription(); desc != "" {
		record.Description = models.NullString(desc)
	}
	if lang := repo.GetLanguage(); lang != "" {
		record.Language = models.NullString(lang)
	}
	if pushed := repo.GetPushedAt(); !pushed.IsZero() {
		record.PushedAt = models.NullTime(pushed.Time)
	}
	if err := s.store.UpsertRepo(ctx, record); err != nil {
		return created, fmt.Errorf("upsert repo %s: %w", fullName, err)
	}

	if s.embedder != nil {
		if err := s.embedder.EmbedItem(ctx, item); err != nil {
			log.Warn().Err(err).Str("repo", fullName).Msg("embedding failed, deferring to backfill")
		}
	}
	if err := s.store.SetItemStatus(ctx, item.ID, models.ItemStatusCompleted); err != nil {
		return created, fmt.Errorf("mark repo item completed: %w", err)
	}
	return created, nil
}

// fetchReadme downloads and decodes the repo README. Missing READMEs are
// not an error.
func (s *Service) fetchReadme(ctx context.Context, repo *gh.Repository) string {
	readme, _, err := s.client.Repositories.GetReadme(ctx, repo.GetOwner().GetLogin(), repo.GetName(), nil)
	if err != nil {
		return ""
	}
	content, err := readme.GetContent()
	if err != nil {
		// GetContent only understands the base64 and none encodings; try
		// decoding the raw payload before giving up.
		if readme.Content == nil {
			return ""
		}
		raw, decErr := base64.StdEncoding.DecodeString(*readme.Content)
		if decErr != nil {
			return ""
		}
		content = string(raw)
	}
	return content
}

// repoContent builds the searchable text for a repo item: a header with the
// description followed by the README, truncated to keep rows bounded.
func repoContent(repo *gh.Repository, readme string) string {
	const maxReadme = 64 << 10

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", repo.GetFullName())
	if desc := repo.GetDescription(); desc != "" {
		b.WriteString(desc + "\n\n")
	}
	if lang := repo.GetLanguage(); lang != "" {
		fmt.Fprintf(&b, "Language: %s\n\n", lang)
	}
	if readme != "" {
		if len(readme) > maxReadme {
			readme = readme[:maxReadme]
		}
		b.WriteString(readme)
	}
	return strings.TrimSpace(b.String())
}

// repoTags derives item tags from language and topics.
func repoTags(repo *gh.Repository) []string {
	var tags []string
	if lang := repo.GetLanguage(); lang != "" {
		tags = append(tags, strings.ToLower(lang))
	}
	for _, topic := range repo.Topics {
		tags = append(tags, strings.ToLower(topic))
		if len(tags) >= 8 {
			break
		}
	}
	return tags
}
