// Shiori - Multi-Source Chapter Discovery and Tracking Engine
// Copyright 2026 M. Kojima (mkojima)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkojima/shiori

// Package api is the ops HTTP surface: health and readiness probes,
// Prometheus metrics, the user search intake, queue introspection and
// the admin poll/cancel controls. It is an operational surface, not a
// reader-facing catalog API.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/mkojima/shiori/internal/logging"
	"github.com/mkojima/shiori/internal/middleware"
	"github.com/mkojima/shiori/internal/models"
	"github.com/mkojima/shiori/internal/queue"
	"github.com/mkojima/shiori/internal/search"
)

// Store is the persistence surface the handlers need.
type Store interface {
	Ping(ctx context.Context) error
	GetSeries(ctx context.Context, id int64) (*models.Series, error)
	ListSeries(ctx context.Context, afterID int64, limit int) ([]models.Series, error)
	ListSeriesSources(ctx context.Context, seriesID int64) ([]models.SeriesSource, error)
	GetSeriesSource(ctx context.Context, id int64) (*models.SeriesSource, error)
	ListChapters(ctx context.Context, seriesID int64, limit int) ([]models.LogicalChapter, map[int64][]models.ChapterSource, error)
}

// SearchGate accepts user search events.
type SearchGate interface {
	RecordSearch(ctx context.Context, rawQuery, userID string) (search.Decision, error)
}

// PollEnqueuer forces an immediate poll for one (series, source) pair.
type PollEnqueuer interface {
	ForcePoll(ctx context.Context, seriesID, seriesSourceID int64) error
}

// QueueInspector reads queue depths.
type QueueInspector interface {
	All(ctx context.Context) ([]queue.Depth, error)
}

// JobCanceller removes queued poll work for a series.
type JobCanceller interface {
	CancelSeries(ctx context.Context, seriesID int64) (uint64, error)
}

// ReadyCheck reports whether one dependency is ready. Registered
// checks run on every /readyz request.
type ReadyCheck func(ctx context.Context) error

// Config tunes the HTTP server.
type Config struct {
	Host    string
	Port    int
	Timeout time.Duration

	// SearchRateLimit bounds POST /v1/search per client IP per window.
	SearchRateLimit  int
	SearchRateWindow time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Host:             "0.0.0.0",
		Port:             8460,
		Timeout:          30 * time.Second,
		SearchRateLimit:  60,
		SearchRateWindow: time.Minute,
	}
}

// Server is the ops HTTP server.
type Server struct {
	store     Store
	gate      SearchGate
	scheduler PollEnqueuer
	depths    QueueInspector
	canceller JobCanceller
	ready     map[string]ReadyCheck

	cfg      Config
	router   chi.Router
	validate *validator.Validate
	log      zerolog.Logger
}

// New creates the server. gate, scheduler, depths and canceller may be
// nil; the corresponding endpoints then answer 503.
func New(st Store, gate SearchGate, sched PollEnqueuer, depths QueueInspector, canc JobCanceller, cfg Config) *Server {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.SearchRateLimit <= 0 {
		cfg.SearchRateLimit = 60
	}
	if cfg.SearchRateWindow <= 0 {
		cfg.SearchRateWindow = time.Minute
	}

	s := &Server{
		store:     st,
		gate:      gate,
		scheduler: sched,
		depths:    depths,
		canceller: canc,
		ready:     make(map[string]ReadyCheck),
		cfg:       cfg,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		log:       logging.With().Str("component", "api").Logger(),
	}
	s.router = s.buildRouter()
	return s
}

// RegisterReadyCheck adds a named dependency to /readyz. The store
// ping is registered implicitly; use this for NATS and friends.
func (s *Server) RegisterReadyCheck(name string, check ReadyCheck) {
	s.ready[name] = check
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Prometheus)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(s.cfg.Timeout))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.With(s.searchRateLimiter()).Post("/search", s.handleSearch)

		r.Get("/queues", s.handleQueues)

		r.Route("/series", func(r chi.Router) {
			r.Get("/", s.handleListSeries)
			r.Route("/{seriesID}", func(r chi.Router) {
				r.Get("/", s.handleGetSeries)
				r.Get("/chapters", s.handleListChapters)
				r.Delete("/jobs", s.handleCancelSeriesJobs)
			})
		})

		r.Post("/admin/sources/{sourceID}/poll", s.handleForcePoll)
	})

	return r
}

// searchRateLimiter bounds the search intake per client IP. The limit
// response uses the standard envelope instead of httprate's plain
// text.
func (s *Server) searchRateLimiter() func(http.Handler) http.Handler {
	return httprate.Limit(
		s.cfg.SearchRateLimit,
		s.cfg.SearchRateWindow,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			NewResponseWriter(w, r).Error(http.StatusTooManyRequests,
				ErrCodeTooManyRequests, "search rate limit exceeded")
		}),
	)
}

// Serve runs the server until ctx is cancelled, then drains with the
// configured timeout. The signature fits a suture service.
func (s *Server) Serve(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.cfg.Timeout,
		WriteTimeout:      s.cfg.Timeout + 5*time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.log.Info().Str("addr", addr).Msg("Ops API listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Timeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown ops api: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops api: %w", err)
		}
		return nil
	}
}
