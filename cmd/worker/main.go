// Shiori - Multi-Source Chapter Discovery and Tracking Engine
// Copyright 2026 M. Kojima (mkojima)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkojima/shiori

// Package main is the Shiori worker entry point.
//
// Shiori tracks serialized titles (manga, manhwa, webtoons) across
// external chapter sources and reconciles multi-source chapter
// reports into one canonical timeline per series. Every worker
// instance is identical; scale-out is adding instances, and the
// fleet coordinates through Postgres (leases, rate buckets) and NATS
// JetStream (queue groups, message-id dedup).
//
// Startup order:
//
//  1. Configuration (koanf: defaults, YAML file, SHIORI_* env)
//  2. Logging (zerolog)
//  3. Embedded NATS server, when nats.embedded_server is set
//  4. Postgres store + schema migration
//  5. JetStream streams (idempotent ensure)
//  6. Source clients, rate limiter, circuit breakers
//  7. Consumers (poll, ingest, discovery) on the watermill router
//  8. Control loops (scheduler, tier maintenance), search gate
//  9. Ops HTTP server
// 10. Supervisor tree runs everything until SIGINT/SIGTERM
//
// Configuration is file plus environment; see internal/config. The
// sources list is file-only:
//
//	sources:
//	  - name: comiket-api
//	    kind: api
//	    base_url: https://api.comiket.example
//	    api_key: ...
//	    trust_score: 0.9
//	  - name: scanfeed
//	    kind: scraped
//	    base_url: https://scanfeed.example
//	    min_interval: 2s
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/mkojima/shiori/internal/api"
	"github.com/mkojima/shiori/internal/backpressure"
	"github.com/mkojima/shiori/internal/chapter"
	"github.com/mkojima/shiori/internal/config"
	"github.com/mkojima/shiori/internal/lock"
	"github.com/mkojima/shiori/internal/logging"
	"github.com/mkojima/shiori/internal/poller"
	"github.com/mkojima/shiori/internal/queue"
	"github.com/mkojima/shiori/internal/ratelimit"
	"github.com/mkojima/shiori/internal/scheduler"
	"github.com/mkojima/shiori/internal/search"
	"github.com/mkojima/shiori/internal/source"
	"github.com/mkojima/shiori/internal/store"
	"github.com/mkojima/shiori/internal/supervisor"
	"github.com/mkojima/shiori/internal/tier"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	logging.Info().
		Int("sources", len(cfg.Sources)).
		Bool("embedded_nats", cfg.NATS.EmbeddedServer).
		Msg("Starting Shiori worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Embedded NATS for standalone deployments; fleets point at an
	// external cluster via nats.url.
	natsURL := cfg.NATS.URL
	if cfg.NATS.EmbeddedServer {
		embedded, err := queue.NewEmbeddedServer(queue.ServerConfig{
			Host:     "127.0.0.1",
			Port:     -1,
			StoreDir: cfg.NATS.StoreDir,
		})
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to start embedded NATS server")
		}
		defer func() {
			if err := embedded.Shutdown(context.Background()); err != nil {
				logging.Error().Err(err).Msg("Embedded NATS shutdown failed")
			}
		}()
		natsURL = embedded.ClientURL()
		logging.Info().Str("url", natsURL).Msg("Embedded NATS server running")
	}

	st, err := store.Open(ctx, store.Config{
		URL:             cfg.Database.URL,
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
		ConnectTimeout:  cfg.Database.ConnectTimeout,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open store")
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		logging.Fatal().Err(err).Msg("Failed to migrate schema")
	}
	logging.Info().Msg("Store ready")

	qcfg := queueConfig(cfg, natsURL)

	// Admin JetStream handle for stream setup, depth reads and
	// cancellation purges; the watermill layer holds its own
	// connections.
	nc, err := nats.Connect(qcfg.URL,
		nats.MaxReconnects(qcfg.MaxReconnects),
		nats.ReconnectWait(qcfg.ReconnectWait),
	)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to connect to NATS")
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create JetStream context")
	}

	streams, err := queue.NewStreamInitializer(js, qcfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create stream initializer")
	}
	if err := streams.EnsureStreams(ctx); err != nil {
		logging.Fatal().Err(err).Msg("Failed to ensure JetStream streams")
	}

	wmLogger := queue.NewWatermillLogger()
	pub, err := queue.NewPublisher(qcfg, wmLogger)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create publisher")
	}
	defer func() {
		if err := pub.Close(); err != nil {
			logging.Error().Err(err).Msg("Publisher close failed")
		}
	}()
	events := queue.NewEventPublisher(pub)

	depths := queue.NewDepthInspector(js)
	guard := backpressure.New(depths, backpressure.DefaultThresholds())
	canceller := queue.NewCanceller(js)

	registry, limiter, err := buildSources(cfg, st)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to build source clients")
	}

	seen, err := poller.NewSeenCache(cfg.Poller.SeenCacheDir, cfg.Poller.SeenCacheTTL)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open seen cache")
	}
	defer func() {
		if err := seen.Close(); err != nil {
			logging.Error().Err(err).Msg("Seen cache close failed")
		}
	}()

	pol := poller.New(st, registry, limiter, pub, events, seen, poller.Config{
		FetchTimeout: cfg.Poller.FetchTimeout,
		DisableAfter: cfg.Poller.DisableAfter,
	})
	rec := chapter.NewReconciler(st, events, guard)
	disc := search.NewDiscoverer(st, registry, limiter, pub, search.DiscoveryConfig{
		SearchTimeout:     cfg.Discovery.SearchTimeout,
		MaxHitsPerSource:  cfg.Discovery.MaxHitsPerSource,
		DefaultTrustScore: cfg.Discovery.DefaultTrustScore,
	})

	router, err := buildRouter(cfg, qcfg, pub, pol, rec, disc)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to build job router")
	}

	schedCfg := scheduler.Config{
		TickInterval: cfg.Scheduler.TickInterval,
		BatchLimit:   cfg.Scheduler.BatchLimit,
		LeaseTTL:     cfg.Scheduler.LeaseTTL,
	}
	sched := scheduler.New(st, pub, guard, scheduler.NewLock(st, schedCfg), schedCfg)

	classifier := tier.NewClassifier(tierConfig(cfg))
	maintainer := tier.NewMaintainer(st, classifier,
		lock.New(st, "tier-maintenance", 5*time.Minute), tierConfig(cfg))

	gate := search.New(st, pub, guard, search.Config{
		Cooldown:          cfg.Search.Cooldown,
		MinSearches:       cfg.Search.MinSearches,
		MinUniqueUsers:    cfg.Search.MinUniqueUsers,
		UserCacheSize:     cfg.Search.UserCacheSize,
		PendingStaleAfter: cfg.Search.PendingStaleAfter,
	})

	ops := api.New(st, gate, sched, depths, canceller, api.Config{
		Host:             cfg.Server.Host,
		Port:             cfg.Server.Port,
		Timeout:          cfg.Server.Timeout,
		SearchRateLimit:  cfg.Server.SearchRateLimit,
		SearchRateWindow: cfg.Server.SearchRateWindow,
	})
	ops.RegisterReadyCheck("nats", func(context.Context) error {
		if !nc.IsConnected() {
			return errors.New("nats disconnected")
		}
		return nil
	})

	tree := supervisor.NewTree(supervisor.DefaultTreeConfig())
	tree.AddPipelineService(supervisor.ServiceFunc{Name: "job-router", Run: router.Run})
	tree.AddControlService(supervisor.NewStartStopService("scheduler", sched.Start, sched.Stop))
	tree.AddControlService(supervisor.NewStartStopService("tier-maintainer", maintainer.Start, maintainer.Stop))
	tree.AddAPIService(ops)

	logging.Info().Msg("Supervisor tree starting")
	err = tree.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("Supervisor tree exited")
	}

	if unstopped, reportErr := tree.UnstoppedServiceReport(); reportErr == nil && len(unstopped) > 0 {
		for _, svc := range unstopped {
			logging.Warn().Str("service", svc.Name).Msg("Service did not stop within timeout")
		}
	}
	logging.Info().Msg("Shiori worker stopped")
}

// queueConfig maps the worker configuration onto the queue layer's.
func queueConfig(cfg *config.Config, natsURL string) queue.Config {
	qcfg := queue.DefaultConfig()
	qcfg.URL = natsURL
	if cfg.NATS.SubscribersCount > 0 {
		qcfg.SubscribersCount = cfg.NATS.SubscribersCount
	}
	if cfg.NATS.AckWait > 0 {
		qcfg.AckWait = cfg.NATS.AckWait
	}
	if cfg.NATS.MaxDeliver > 0 {
		qcfg.MaxDeliver = cfg.NATS.MaxDeliver
	}
	if cfg.NATS.MaxAckPending > 0 {
		qcfg.MaxAckPending = cfg.NATS.MaxAckPending
	}
	if cfg.NATS.DedupWindow > 0 {
		qcfg.DedupWindow = cfg.NATS.DedupWindow
	}
	if cfg.NATS.CloseTimeout > 0 {
		qcfg.CloseTimeout = cfg.NATS.CloseTimeout
	}
	if cfg.NATS.StreamMaxAge > 0 {
		qcfg.StreamMaxAge = cfg.NATS.StreamMaxAge
	}
	if cfg.NATS.StreamMaxMsgs > 0 {
		qcfg.StreamMaxMsgs = cfg.NATS.StreamMaxMsgs
	}
	if cfg.NATS.StreamReplicas > 0 {
		qcfg.StreamReplicas = cfg.NATS.StreamReplicas
	}
	return qcfg
}

// buildSources constructs the registry of circuit-wrapped source
// clients and the shared rate limiter, one profile per source. The
// rate buckets live in Postgres so the whole fleet shares each
// source's budget.
func buildSources(cfg *config.Config, st *store.Store) (*source.Registry, *ratelimit.Limiter, error) {
	registry := source.NewRegistry()
	profiles := make(map[string]ratelimit.Profile, len(cfg.Sources))

	for _, sc := range cfg.Sources {
		var client source.Client
		var err error
		var profile ratelimit.Profile

		switch sc.Kind {
		case "api":
			client, err = source.NewAPIClient(source.APIClientConfig{
				Name:    sc.Name,
				BaseURL: sc.BaseURL,
				APIKey:  sc.APIKey,
				Timeout: sc.Timeout,
			})
			profile = ratelimit.DefaultAPIProfile()
		case "scraped":
			client, err = source.NewScrapeClient(source.ScrapeClientConfig{
				Name:        sc.Name,
				BaseURL:     sc.BaseURL,
				ChapterAttr: sc.ChapterAttr,
				UserAgent:   sc.UserAgent,
				Timeout:     sc.Timeout,
			})
			profile = ratelimit.DefaultScrapedProfile()
		default:
			return nil, nil, fmt.Errorf("source %s: unknown kind %q", sc.Name, sc.Kind)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("source %s: %w", sc.Name, err)
		}

		if sc.RatePerSec > 0 {
			profile.RatePerSec = sc.RatePerSec
		}
		if sc.Burst > 0 {
			profile.Burst = sc.Burst
		}
		if sc.MinInterval > 0 {
			profile.MinInterval = sc.MinInterval
		}
		profiles[sc.Name] = profile

		breaker := source.NewBreaker(client, source.DefaultBreakerConfig())
		if err := registry.Register(breaker); err != nil {
			return nil, nil, err
		}
		logging.Info().
			Str("source", sc.Name).
			Str("kind", sc.Kind).
			Float64("rate_per_sec", profile.RatePerSec).
			Msg("Source registered")
	}

	limiter := ratelimit.New(st, ratelimit.DefaultConfig(), profiles)
	return registry, limiter, nil
}

// buildRouter assembles the watermill router with one durable
// consumer per queue. Poison routing keys off each consumer's
// permanent-error classifier so malformed jobs skip the retry loop.
func buildRouter(
	cfg *config.Config,
	qcfg queue.Config,
	pub *queue.Publisher,
	pol *poller.Poller,
	rec *chapter.Reconciler,
	disc *search.Discoverer,
) (*queue.Router, error) {
	logger := queue.NewWatermillLogger()

	rcfg := queue.DefaultRouterConfig()
	if cfg.NATS.RetryMaxRetries > 0 {
		rcfg.RetryMaxRetries = cfg.NATS.RetryMaxRetries
	}
	if cfg.NATS.CloseTimeout > 0 {
		rcfg.CloseTimeout = cfg.NATS.CloseTimeout
	}
	rcfg.IsPermanent = func(err error) bool {
		return poller.IsPermanent(err) || chapter.IsValidation(err) || search.IsPermanent(err)
	}

	router, err := queue.NewRouter(rcfg, pub.WatermillPublisher(), logger)
	if err != nil {
		return nil, err
	}

	pollSub, err := queue.NewSubscriber(qcfg, queue.StreamJobs, queue.DurablePoll, logger)
	if err != nil {
		return nil, fmt.Errorf("poll subscriber: %w", err)
	}
	ingestSub, err := queue.NewSubscriber(qcfg, queue.StreamJobs, queue.DurableIngest, logger)
	if err != nil {
		return nil, fmt.Errorf("ingest subscriber: %w", err)
	}
	discSub, err := queue.NewSubscriber(qcfg, queue.StreamJobs, queue.DurableDiscovery, logger)
	if err != nil {
		return nil, fmt.Errorf("discovery subscriber: %w", err)
	}

	router.AddConsumerHandler("poll-consumer", queue.TopicPollWildcard, pollSub.WatermillSubscriber(), pol.Handle)
	router.AddConsumerHandler("ingest-consumer", queue.TopicIngest, ingestSub.WatermillSubscriber(), rec.Handle)
	router.AddConsumerHandler("discovery-consumer", queue.TopicDiscovery, discSub.WatermillSubscriber(), disc.Handle)
	return router, nil
}

// tierConfig maps the worker tier settings to the classifier's,
// keeping the classifier's defaults for the weights and heat ratios.
func tierConfig(cfg *config.Config) tier.Config {
	tc := tier.DefaultConfig()
	if cfg.Tier.Interval > 0 {
		tc.Interval = cfg.Tier.Interval
	}
	if cfg.Tier.PromoteA > 0 {
		tc.PromoteA = float64(cfg.Tier.PromoteA)
	}
	if cfg.Tier.DemoteA > 0 {
		tc.DemoteA = float64(cfg.Tier.DemoteA)
	}
	if cfg.Tier.PromoteB > 0 {
		tc.PromoteB = float64(cfg.Tier.PromoteB)
	}
	if cfg.Tier.DemoteB > 0 {
		tc.DemoteB = float64(cfg.Tier.DemoteB)
	}
	if cfg.Tier.DemotionPasses > 0 {
		tc.DemotionPasses = cfg.Tier.DemotionPasses
	}
	return tc
}
