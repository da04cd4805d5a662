// Package capture turns a URL into a stored, searchable item: fetch,
// extract the readable article, convert to markdown, fingerprint, persist.
package capture

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultUserAgent = "prsnl/1.0 (+https://github.com/prsnl-app/prsnl)"
	DefaultMaxBody   = 10 << 20 // 10 MiB
	DefaultTimeout   = 30 * time.Second
)

// Fetcher downloads pages with a size cap and timeout.
type Fetcher struct {
	http      *http.Client
	userAgent string
	maxBody   int64
}

// FetcherConfig tunes the fetcher; zero values take defaults.
type FetcherConfig struct {
	Timeout   time.Duration
	UserAgent string
	MaxBody   int64
}

// NewFetcher builds a fetcher.
func NewFetcher(cfg FetcherConfig) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = DefaultMaxBody
	}
	return &Fetcher{
		http:      &http.Client{Timeout: cfg.Timeout},
		userAgent: cfg.UserAgent,
		maxBody:   cfg.MaxBody,
	}
}

// Page is a fetched document.
type Page struct {
	URL         string // final URL after redirects
	ContentType string
	Body        string
}

// Fetch downloads the URL. Non-HTML content types are rejected since the
// pipeline only processes articles.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create fetch request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType != "" && !strings.Contains(contentType, "html") && !strings.Contains(contentType, "text/plain") {
		return nil, fmt.Errorf("fetch %s: unsupported content type %q", rawURL, contentType)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("read body of %s: %w", rawURL, err)
	}
	if int64(len(body)) > f.maxBody {
		return nil, fmt.Errorf("fetch %s: body exceeds %d byte limit", rawURL, f.maxBody)
	}

	return &Page{
		URL:         resp.Request.URL.String(),
		ContentType: contentType,
		Body:        string(body),
	}, nil
}
