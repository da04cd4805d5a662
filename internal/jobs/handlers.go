package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/prsnl-app/prsnl/internal/capture"
	"github.com/prsnl-app/prsnl/internal/conversations"
	"github.com/prsnl-app/prsnl/internal/dedupe"
	"github.com/prsnl-app/prsnl/internal/embedding"
	"github.com/prsnl-app/prsnl/internal/github"
	"github.com/prsnl-app/prsnl/internal/search"
	"github.com/prsnl-app/prsnl/pkg/models"
)

// Services carries the domain services the standard handlers dispatch to.
// Nil services leave their job type unregistered.
type Services struct {
	Capture  *capture.Pipeline
	Embedder *embedding.Manager
	Importer *conversations.Importer
	GitHub   *github.Service
	Dedupe   *dedupe.Service
	Search   *search.Manager
}

// RegisterHandlers installs handlers for every service present.
func RegisterHandlers(r *Runner, svc Services) {
	if svc.Capture != nil {
		r.Register(models.JobTypeCapture, captureHandler(svc.Capture, svc.Search))
	}
	if svc.Embedder != nil {
		r.Register(models.JobTypeEmbed, embedHandler(svc.Embedder))
	}
	if svc.Importer != nil {
		r.Register(models.JobTypeConversationImport, importHandler(svc.Importer, svc.Search))
	}
	if svc.GitHub != nil {
		r.Register(models.JobTypeGitHubSync, githubHandler(svc.GitHub, svc.Search))
	}
	if svc.Dedupe != nil {
		r.Register(models.JobTypeDuplicateScan, duplicateScanHandler(svc.Dedupe))
	}
}

func captureHandler(pipeline *capture.Pipeline, searcher *search.Manager) Handler {
	return func(ctx context.Context, job *models.ProcessingJob, progress ProgressFunc) (models.JSONMap, error) {
		url, _ := job.InputData["url"].(string)
		content, _ := job.InputData["content"].(string)
		if url == "" && content == "" {
			return nil, errors.New("capture job has no url or content")
		}
		req := capture.Request{URL: url, Content: content, Tags: inputTags(job.InputData)}
		req.Title, _ = job.InputData["title"].(string)
		req.Force, _ = job.InputData["force"].(bool)

		result, err := pipeline.Run(ctx, req, capture.Progress(progress))
		if err != nil {
			return nil, err
		}
		invalidate(ctx, searcher)

		out := models.JSONMap{"skipped": result.Skipped}
		if result.ItemID != "" {
			out["item_id"] = result.ItemID
		}
		if result.Report != nil && len(result.Report.Matches) > 0 {
			out["duplicate_report"] = result.Report
		}
		return out, nil
	}
}

func embedHandler(embedder *embedding.Manager) Handler {
	return func(ctx context.Context, job *models.ProcessingJob, progress ProgressFunc) (models.JSONMap, error) {
		limit := intInput(job.InputData, "limit", 200)
		progress("backfill", 10, "embedding items without vectors")
		done, err := embedder.Backfill(ctx, limit)
		if err != nil {
			return models.JSONMap{"embedded": done}, err
		}
		progress("backfill", 100, fmt.Sprintf("embedded %d items", done))
		return models.JSONMap{"embedded": done}, nil
	}
}

func importHandler(importer *conversations.Importer, searcher *search.Manager) Handler {
	return func(ctx context.Context, job *models.ProcessingJob, progress ProgressFunc) (models.JSONMap, error) {
		payload, _ := job.InputData["payload"].(string)
		if payload == "" {
			return nil, errors.New("conversation import job has no payload")
		}
		platform, _ := job.InputData["platform"].(string)

		progress("parse", 20, "parsing export")
		result, err := importer.Import(ctx, models.ConversationPlatform(platform), []byte(payload), inputTags(job.InputData))
		if err != nil {
			return nil, err
		}
		invalidate(ctx, searcher)
		progress("done", 100, "import complete")
		return models.JSONMap{
			"item_id":       result.ItemID,
			"message_count": result.MessageCount,
			"skipped":       result.Skipped,
		}, nil
	}
}

func githubHandler(svc *github.Service, searcher *search.Manager) Handler {
	return func(ctx context.Context, job *models.ProcessingJob, progress ProgressFunc) (models.JSONMap, error) {
		maxRepos := intInput(job.InputData, "max_repos", 0)
		result, err := svc.SyncStarred(ctx, maxRepos, func(percent int, message string) {
			progress("sync", percent, message)
		})
		if err != nil {
			return nil, err
		}
		invalidate(ctx, searcher)
		return models.JSONMap{
			"synced":  result.Synced,
			"created": result.Created,
			"updated": result.Updated,
		}, nil
	}
}

func duplicateScanHandler(svc *dedupe.Service) Handler {
	return func(ctx context.Context, job *models.ProcessingJob, progress ProgressFunc) (models.JSONMap, error) {
		progress("scan", 10, "scanning for duplicate groups")
		groups, err := svc.FindAllDuplicates(ctx)
		if err != nil {
			return nil, err
		}
		progress("scan", 100, fmt.Sprintf("found %d duplicate groups", len(groups)))
		return models.JSONMap{
			"group_count": len(groups),
			"groups":      groups,
		}, nil
	}
}

func invalidate(ctx context.Context, searcher *search.Manager) {
	if searcher != nil {
		searcher.InvalidateCache(ctx)
	}
}

// inputTags pulls a string list out of loosely-typed job input.
func inputTags(input models.JSONMap) []string {
	raw, ok := input["tags"].([]any)
	if !ok {
		return nil
	}
	var tags []string
	for _, t := range raw {
		if s, ok := t.(string); ok && s != "" {
			tags = append(tags, s)
		}
	}
	return tags
}

func intInput(input models.JSONMap, key string, fallback int) int {
	switch v := input[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	if _, present := input[key]; present {
		log.Debug().Str("key", key).Msg("ignoring non-numeric job input")
	}
	return fallback
}
