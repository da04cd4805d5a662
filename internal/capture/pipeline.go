package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/prsnl-app/prsnl/internal/db"
	"github.com/prsnl-app/prsnl/internal/dedupe"
	"github.com/prsnl-app/prsnl/pkg/models"
)

// Embedder persists a vector for the captured item. Optional; capture
// succeeds without one and backfill picks the item up later.
type Embedder interface {
	EmbedItem(ctx context.Context, item *models.Item) error
}

// Deduper checks new content against the existing corpus. Satisfied by
// *dedupe.Service.
type Deduper interface {
	CheckDuplicate(ctx context.Context, rawURL, title, content string) (*models.DuplicateReport, error)
}

// Progress receives stage updates as the pipeline advances. Percentages
// only move forward.
type Progress func(stage string, percent int, message string)

// Request is one capture invocation: a URL to fetch, or pasted content
// saved as a note.
type Request struct {
	URL     string   `json:"url,omitempty" validate:"omitempty,url"`
	Title   string   `json:"title,omitempty"`
	Content string   `json:"content,omitempty"`
	Tags    []string `json:"tags,omitempty"`
	// Force captures even when the duplicate check recommends skipping.
	Force bool `json:"force,omitempty"`
}

// Result reports what the pipeline did.
type Result struct {
	ItemID  string                  `json:"item_id,omitempty"`
	Skipped bool                    `json:"skipped"`
	Report  *models.DuplicateReport `json:"duplicate_report,omitempty"`
}

type itemStore interface {
	db.ItemReader
	db.ItemWriter
}

// Pipeline executes captures end to end.
type Pipeline struct {
	fetcher  *Fetcher
	store    itemStore
	deduper  Deduper
	embedder Embedder
}

// NewPipeline wires the pipeline. Fetcher and store are required; deduper
// and embedder are optional.
func NewPipeline(fetcher *Fetcher, store itemStore, deduper Deduper, embedder Embedder) (*Pipeline, error) {
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if store == nil {
		return nil, errors.New("item store is required")
	}
	return &Pipeline{fetcher: fetcher, store: store, deduper: deduper, embedder: embedder}, nil
}

// Run captures the request. URLs go through the full fetch/extract flow;
// content without a URL is saved directly as a note.
func (p *Pipeline) Run(ctx context.Context, req Request, progress Progress) (*Result, error) {
	if progress == nil {
		progress = func(string, int, string) {}
	}
	rawURL := strings.TrimSpace(req.URL)
	if rawURL == "" {
		if content := strings.TrimSpace(req.Content); content != "" {
			return p.runNote(ctx, req, content, progress)
		}
		return nil, errors.New("capture needs a url or content")
	}

	normalized, err := dedupe.NormalizeURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid capture URL: %w", err)
	}

	progress("dedupe", 5, "checking for duplicates")
	var report *models.DuplicateReport
	if p.deduper != nil {
		report, err = p.deduper.CheckDuplicate(ctx, normalized, "", "")
		if err != nil {
			return nil, fmt.Errorf("duplicate check: %w", err)
		}
		if report.Recommendation == models.RecommendationSkip && !req.Force {
			log.Info().Str("url", normalized).Msg("capture skipped as duplicate")
			return &Result{Skipped: true, Report: report}, nil
		}
	}

	progress("fetch", 20, "downloading page")
	page, err := p.fetcher.Fetch(ctx, normalized)
	if err != nil {
		return nil, err
	}

	progress("extract", 50, "extracting article")
	extracted, err := Extract(page)
	if err != nil {
		return nil, err
	}

	progress("persist", 75, "saving item")
	item := models.NewItem(models.ItemTypeArticle, extracted.Title)
	item.URL = models.NullString(normalized)
	item.Content = models.NullString(extracted.Markdown)
	item.RawContent = models.NullString(extracted.HTML)
	item.ContentFingerprint = models.NullString(dedupe.Fingerprint(extracted.Markdown))
	if extracted.Excerpt != "" {
		item.Summary = models.NullString(extracted.Excerpt)
	}
	item.Tags = req.Tags
	item.Metadata = captureMetadata(extracted, page)

	if err := p.store.CreateItem(ctx, item); err != nil {
		if errors.Is(err, db.ErrConflict) {
			// Raced another capture of the same URL; treat as a skip.
			existing, lookupErr := p.store.GetItemByURL(ctx, normalized)
			if lookupErr == nil {
				return &Result{ItemID: existing.ID, Skipped: true, Report: report}, nil
			}
		}
		return nil, fmt.Errorf("persist captured item: %w", err)
	}

	progress("embed", 90, "generating embedding")
	if p.embedder != nil {
		if err := p.embedder.EmbedItem(ctx, item); err != nil {
			// Embedding failure doesn't fail the capture; the nightly
			// backfill retries missing vectors.
			log.Warn().Err(err).Str("item_id", item.ID).Msg("embedding failed, deferring to backfill")
		}
	}

	if err := p.store.SetItemStatus(ctx, item.ID, models.ItemStatusCompleted); err != nil {
		return nil, fmt.Errorf("mark item completed: %w", err)
	}

	progress("done", 100, "capture complete")
	return &Result{ItemID: item.ID, Report: report}, nil
}

// runNote persists pasted content as a note item: no fetch or extraction,
// just dedupe, persist, embed.
func (p *Pipeline) runNote(ctx context.Context, req Request, content string, progress Progress) (*Result, error) {
	progress("dedupe", 10, "checking for duplicates")
	var report *models.DuplicateReport
	if p.deduper != nil {
		var err error
		report, err = p.deduper.CheckDuplicate(ctx, "", req.Title, content)
		if err != nil {
			return nil, fmt.Errorf("duplicate check: %w", err)
		}
		if report.Recommendation == models.RecommendationSkip && !req.Force {
			log.Info().Msg("note capture skipped as duplicate")
			return &Result{Skipped: true, Report: report}, nil
		}
	}

	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = noteTitle(content)
	}

	progress("persist", 60, "saving note")
	item := models.NewItem(models.ItemTypeNote, title)
	item.Content = models.NullString(content)
	item.ContentFingerprint = models.NullString(dedupe.Fingerprint(content))
	item.Tags = req.Tags

	if err := p.store.CreateItem(ctx, item); err != nil {
		return nil, fmt.Errorf("persist note: %w", err)
	}

	progress("embed", 90, "generating embedding")
	if p.embedder != nil {
		if err := p.embedder.EmbedItem(ctx, item); err != nil {
			log.Warn().Err(err).Str("item_id", item.ID).Msg("embedding failed, deferring to backfill")
		}
	}
	if err := p.store.SetItemStatus(ctx, item.ID, models.ItemStatusCompleted); err != nil {
		return nil, fmt.Errorf("mark note completed: %w", err)
	}

	progress("done", 100, "capture complete")
	return &Result{ItemID: item.ID, Report: report}, nil
}

// noteTitle derives a title from the first line of pasted content.
func noteTitle(content string) string {
	line := content
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	line = strings.TrimSpace(strings.TrimLeft(line, "# "))
	if len(line) > 120 {
		line = strings.TrimSpace(line[:120])
	}
	if line == "" {
		return "Untitled note"
	}
	return line
}

func captureMetadata(extracted *Extracted, page *Page) models.JSONMap {
	meta := models.JSONMap{}
	if extracted.Byline != "" {
		meta["byline"] = extracted.Byline
	}
	if extracted.SiteName != "" {
		meta["site_name"] = extracted.SiteName
	}
	if extracted.Image != "" {
		meta["image"] = extracted.Image
	}
	if page.ContentType != "" {
		meta["content_type"] = page.ContentType
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}
