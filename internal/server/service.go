// Package server exposes the HTTP API: capture, items, search, duplicate
// management, job control, imports, and live progress streams. The listener
// comes up immediately; database-backed routes 503 until async
// initialization finishes.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	gormlogger "gorm.io/gorm/logger"

	"github.com/prsnl-app/prsnl/internal/cache"
	"github.com/prsnl-app/prsnl/internal/capture"
	"github.com/prsnl-app/prsnl/internal/config"
	"github.com/prsnl-app/prsnl/internal/conversations"
	"github.com/prsnl-app/prsnl/internal/db"
	gormdb "github.com/prsnl-app/prsnl/internal/db/gorm"
	"github.com/prsnl-app/prsnl/internal/dedupe"
	"github.com/prsnl-app/prsnl/internal/embedding"
	"github.com/prsnl-app/prsnl/internal/github"
	"github.com/prsnl-app/prsnl/internal/jobs"
	"github.com/prsnl-app/prsnl/internal/maintenance"
	"github.com/prsnl-app/prsnl/internal/search"
)

// DefaultHTTPTimeout bounds request handling; the SSE and WebSocket routes
// opt out of it.
const DefaultHTTPTimeout = 60 * time.Second

// Service is the HTTP API plus the background machinery behind it.
type Service struct {
	version   string
	cfg       *config.Config
	router    *chi.Mux
	events    *Events
	validate  *validator.Validate
	server    *http.Server
	startTime time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	ready   atomic.Bool
	initMu  sync.Mutex
	initErr error

	// Populated by initializeAsync; read through the initMu-guarded
	// accessors until ready flips.
	store    *gormdb.Store
	stores   db.Store
	cache    *cache.Cache
	embedder *embedding.Manager
	searcher *search.Manager
	deduper  *dedupe.Service
	pipeline *capture.Pipeline
	importer *conversations.Importer
	ghub     *github.Service
	runner   *jobs.Runner
	maint    *maintenance.Service
}

// NewService builds the service and kicks off background initialization.
// The router is ready to serve /health immediately.
func NewService(cfg *config.Config, version string) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	ctx, cancel := context.WithCancel(context.Background())

	s := &Service{
		version:   version,
		cfg:       cfg,
		router:    chi.NewRouter(),
		events:    NewEvents(),
		validate:  validator.New(),
		startTime: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.setupMiddleware()
	s.setupRoutes()

	go s.initializeAsync()
	return s, nil
}

func (s *Service) setupMiddleware() {
	s.router.Use(middleware.RealIP)
	s.router.Use(RequestID)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(SecurityHeaders([]string{
		"http://localhost:3000",
		fmt.Sprintf("http://localhost:%d", s.cfg.HTTPPort),
	}))
	s.router.Use(Metrics)
	s.router.Use(NewRateLimiter(50, 100).Middleware)
	s.router.Use(MaxBodySize(32 << 20))

	auth := &TokenAuth{
		TokenHash:   s.cfg.APITokenHash,
		ExemptPaths: []string{"/health", "/ready"},
	}
	s.router.Use(auth.Middleware)
}

func (s *Service) setupRoutes() {
	// Health works during init so supervisors can probe early.
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/ready", s.handleReady)

	// Live streams connect before the database is up; events only flow
	// once jobs run.
	s.router.Get("/api/events", s.events.SSE.HandleSSE)
	s.router.Get("/ws/jobs", s.events.WS.HandleWS)

	s.router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(DefaultHTTPTimeout))
		r.Use(RequireJSONContentType)
		r.Use(s.requireReady)

		r.Post("/api/capture", s.handleCapture)

		r.Get("/api/items", s.handleListItems)
		r.Get("/api/items/{id}", s.handleGetItem)
		r.Patch("/api/items/{id}", s.handleUpdateItem)
		r.Delete("/api/items/{id}", s.handleDeleteItem)
		r.Post("/api/items/{id}/tags", s.handleAddTags)

		r.Get("/api/search", s.handleSearch)

		r.Post("/api/duplicates/check", s.handleCheckDuplicate)
		r.Get("/api/duplicates", s.handleListDuplicates)
		r.Post("/api/duplicates/merge", s.handleMergeDuplicates)

		r.Get("/api/jobs", s.handleListJobs)
		r.Get("/api/jobs/{id}", s.handleGetJob)
		r.Post("/api/jobs/{id}/retry", s.handleRetryJob)
		r.Post("/api/jobs/{id}/cancel", s.handleCancelJob)

		r.Post("/api/import/conversations", s.handleImportConversations)
		r.Post("/api/github/sync", s.handleGitHubSync)

		r.Get("/api/stats", s.handleStats)
		r.Get("/api/tags", s.handleListTags)
	})
}

// initializeAsync opens the database, wires the domain services and starts
// the job runner and maintenance schedule.
func (s *Service) initializeAsync() {
	log.Info().Msg("Starting async initialization...")

	if err := config.EnsureDataDir(); err != nil {
		s.setInitError(fmt.Errorf("ensure data dir: %w", err))
		return
	}

	store, err := gormdb.NewStore(gormdb.Config{
		DSN:           s.cfg.DatabaseURL,
		MaxConns:      s.cfg.MaxConns,
		EmbeddingDims: s.cfg.EmbeddingDimensions,
		LogLevel:      gormlogger.Silent,
	})
	if err != nil {
		s.setInitError(fmt.Errorf("init database: %w", err))
		return
	}
	stores := gormdb.NewStores(store)

	cacheClient := cache.New(s.cfg.RedisAddr)
	if cacheClient.Enabled() {
		if err := cacheClient.Ping(s.ctx); err != nil {
			// Cache is an accelerator, not a dependency.
			log.Warn().Err(err).Msg("Redis unreachable, requests proceed uncached")
		}
	}

	var embedder *embedding.Manager
	if s.cfg.EmbeddingAPIKey != "" {
		client, cerr := embedding.NewClient(embedding.ClientConfig{
			BaseURL:    s.cfg.EmbeddingBaseURL,
			APIKey:     s.cfg.EmbeddingAPIKey,
			Model:      s.cfg.EmbeddingModel,
			Dimensions: s.cfg.EmbeddingDimensions,
			RPS:        s.cfg.EmbeddingRPS,
		})
		if cerr != nil {
			s.setInitError(fmt.Errorf("init embedding client: %w", cerr))
			return
		}
		embedder, err = embedding.NewManager(embedding.ManagerConfig{
			Client:    client,
			Cache:     cacheClient,
			Store:     stores,
			Items:     stores,
			BatchSize: s.cfg.EmbeddingBatchSize,
			MaxTokens: s.cfg.EmbeddingMaxTokens,
		})
		if err != nil {
			s.setInitError(fmt.Errorf("init embedding manager: %w", err))
			return
		}
	} else {
		log.Warn().Msg("No embedding API key configured; semantic search and dedupe run degraded")
	}

	searchCfg := search.Config{
		SQLDB:             store.GetRawDB(),
		Items:             stores,
		Cache:             cacheClient,
		SemanticThreshold: s.cfg.SearchSemanticThreshold,
		CacheTTL:          time.Duration(s.cfg.SearchCacheTTLSeconds) * time.Second,
	}
	if embedder != nil {
		searchCfg.Embedder = embedder
	}
	searcher, err := search.NewManager(searchCfg)
	if err != nil {
		s.setInitError(fmt.Errorf("init search: %w", err))
		return
	}

	dedupeCfg := dedupe.Config{
		SQLDB: store.GetRawDB(),
		Store: stores,
		Thresholds: dedupe.Thresholds{
			Possible: s.cfg.DedupeSemanticThreshold,
			Review:   s.cfg.DedupeReviewThreshold,
			Skip:     s.cfg.DedupeSkipThreshold,
		},
	}
	if embedder != nil {
		dedupeCfg.Embedder = embedder
	}
	deduper, err := dedupe.NewService(dedupeCfg)
	if err != nil {
		s.setInitError(fmt.Errorf("init dedupe: %w", err))
		return
	}

	fetcher := capture.NewFetcher(capture.FetcherConfig{
		Timeout:   time.Duration(s.cfg.CaptureTimeoutSeconds) * time.Second,
		UserAgent: s.cfg.CaptureUserAgent,
		MaxBody:   s.cfg.CaptureMaxBodyBytes,
	})
	var pipelineEmbedder capture.Embedder
	if embedder != nil {
		pipelineEmbedder = embedder
	}
	pipeline, err := capture.NewPipeline(fetcher, stores, deduper, pipelineEmbedder)
	if err != nil {
		s.setInitError(fmt.Errorf("init capture pipeline: %w", err))
		return
	}

	var importerEmbedder conversations.Embedder
	if embedder != nil {
		importerEmbedder = embedder
	}
	importer, err := conversations.NewImporter(stores, importerEmbedder)
	if err != nil {
		s.setInitError(fmt.Errorf("init conversation importer: %w", err))
		return
	}

	var ghub *github.Service
	if s.cfg.GitHubToken != "" {
		var ghEmbedder github.Embedder
		if embedder != nil {
			ghEmbedder = embedder
		}
		ghub, err = github.NewService(s.ctx, s.cfg.GitHubToken, stores, ghEmbedder)
		if err != nil {
			s.setInitError(fmt.Errorf("init github sync: %w", err))
			return
		}
	}

	runner, err := jobs.NewRunner(stores, s.events, jobs.Config{
		Workers:   s.cfg.JobWorkers,
		RetryBase: time.Duration(s.cfg.JobRetryBaseSeconds) * time.Second,
	})
	if err != nil {
		s.setInitError(fmt.Errorf("init job runner: %w", err))
		return
	}
	jobs.RegisterHandlers(runner, jobs.Services{
		Capture:  pipeline,
		Embedder: embedder,
		Importer: importer,
		GitHub:   ghub,
		Dedupe:   deduper,
		Search:   searcher,
	})

	maintCfg := maintenance.Config{
		JobRetention:  time.Duration(s.cfg.JobRetentionDays) * 24 * time.Hour,
		BackfillLimit: 500,
	}
	var backfiller maintenance.Backfiller
	if embedder != nil {
		backfiller = embedder
		maintCfg.ModelKey = embedder.ModelName() + "/" + embedding.ModelVersion
	}
	maint, err := maintenance.NewService(stores, store, backfiller, cacheClient, maintCfg)
	if err != nil {
		s.setInitError(fmt.Errorf("init maintenance: %w", err))
		return
	}

	s.initMu.Lock()
	s.store = store
	s.stores = stores
	s.cache = cacheClient
	s.embedder = embedder
	s.searcher = searcher
	s.deduper = deduper
	s.pipeline = pipeline
	s.importer = importer
	s.ghub = ghub
	s.runner = runner
	s.maint = maint
	s.initErr = nil
	s.initMu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := runner.Run(s.ctx); err != nil {
			log.Error().Err(err).Msg("job runner stopped")
		}
	}()

	if err := maint.Start(s.ctx); err != nil {
		log.Warn().Err(err).Msg("maintenance schedule failed to start")
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := config.Watch(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn().Err(err).Msg("settings watcher stopped")
		}
	}()

	s.ready.Store(true)
	log.Info().Msg("Initialization complete, all routes available")
}

// setInitError records an initialization error.
func (s *Service) setInitError(err error) {
	log.Error().Err(err).Msg("Initialization failed")
	s.initMu.Lock()
	s.initErr = err
	s.initMu.Unlock()
}

// GetInitError returns any initialization error.
func (s *Service) GetInitError() error {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	return s.initErr
}

// requireReady gates database-backed routes until initialization finished.
func (s *Service) requireReady(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			if err := s.GetInitError(); err != nil {
				writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("initialization failed: %v", err))
				return
			}
			writeError(w, http.StatusServiceUnavailable, "service is starting")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Router exposes the handler tree, mostly for tests.
func (s *Service) Router() http.Handler { return s.router }

// Start begins serving HTTP. Non-blocking; the returned error channel gets
// the listener result.
func (s *Service) Start() <-chan error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.HTTPPort),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		log.Info().Int("port", s.cfg.HTTPPort).Msg("HTTP server starting")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()
	return errCh
}

// Shutdown stops the server, the job runner and maintenance, then closes
// the stores.
func (s *Service) Shutdown(ctx context.Context) error {
	s.cancel()

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
	}

	s.initMu.Lock()
	maint := s.maint
	store := s.store
	cacheClient := s.cache
	s.initMu.Unlock()

	if maint != nil {
		maint.Stop()
	}
	s.wg.Wait()

	if cacheClient != nil {
		if err := cacheClient.Close(); err != nil {
			log.Warn().Err(err).Msg("cache close error")
		}
	}
	if store != nil {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("database close error")
		}
	}

	log.Info().Msg("Service shutdown complete")
	return nil
}
