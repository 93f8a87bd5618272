package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bashSunny101/VulnServer/internal/alerting"
	"github.com/bashSunny101/VulnServer/internal/api"
	"github.com/bashSunny101/VulnServer/internal/catalog"
	"github.com/bashSunny101/VulnServer/internal/config"
	"github.com/bashSunny101/VulnServer/internal/correlation"
	"github.com/bashSunny101/VulnServer/internal/metrics"
	"github.com/bashSunny101/VulnServer/internal/mitre"
	"github.com/bashSunny101/VulnServer/internal/scoring"
	"github.com/bashSunny101/VulnServer/internal/store"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
)

// eventStore is what the analyzer needs from its backing event store
type eventStore interface {
	correlation.EventStore
	alerting.EventSink
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	logger.Info("Starting honeynet analyzer")
	logger.Info("Configuration loaded",
		"http_addr", cfg.HTTPAddr,
		"nats_url", cfg.NATSURL,
		"nats_enabled", cfg.NATSEnabled,
		"event_subject", cfg.EventSubject,
		"postgres", cfg.UsePostgres(),
		"catalog_file", cfg.CatalogFile,
		"scoring_policy_file", cfg.ScoringPolicyFile,
		"correlation_file", cfg.CorrelationFile,
		"alert_window", cfg.AlertWindow,
		"max_alerts", cfg.MaxAlerts)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Technique catalog
	techniques := catalog.Default()
	if cfg.CatalogFile != "" {
		techniques, err = catalog.LoadFile(cfg.CatalogFile)
		if err != nil {
			logger.Error("Failed to load technique catalog", "path", cfg.CatalogFile, "error", err)
			os.Exit(1)
		}
	}
	mapper := mitre.NewMapper(techniques)
	logger.Info("Technique catalog loaded",
		"version", techniques.Version(),
		"techniques", len(techniques.Techniques()),
		"tactics", techniques.DistinctTactics())

	// Scoring policy
	policy := scoring.DefaultPolicy()
	if cfg.ScoringPolicyFile != "" {
		policy, err = scoring.LoadPolicy(cfg.ScoringPolicyFile)
		if err != nil {
			logger.Error("Failed to load scoring policy", "path", cfg.ScoringPolicyFile, "error", err)
			os.Exit(1)
		}
	}
	scorer, err := scoring.NewEngine(policy)
	if err != nil {
		logger.Error("Invalid scoring policy", "error", err)
		os.Exit(1)
	}

	// Correlation policy
	thresholds := correlation.DefaultThresholds()
	phases := correlation.DefaultPhaseRules()
	if cfg.CorrelationFile != "" {
		file, err := correlation.LoadFile(cfg.CorrelationFile)
		if err != nil {
			logger.Error("Failed to load correlation policy", "path", cfg.CorrelationFile, "error", err)
			os.Exit(1)
		}
		thresholds, phases = file.Thresholds, file.Phases
	}
	thresholds = cfg.ApplyThresholds(thresholds)

	// Create metrics
	prometheusMetrics := metrics.NewMetrics(prometheus.DefaultRegisterer)

	// Event store
	var events eventStore
	var storeCheck api.HealthChecker
	if cfg.UsePostgres() {
		pg, err := store.NewPostgresEventStore(ctx, cfg.PostgresDSN, logger)
		if err != nil {
			logger.Error("Failed to connect to PostgreSQL", "error", err)
			os.Exit(1)
		}
		defer pg.Close()

		if err := pg.EnsureSchema(ctx); err != nil {
			logger.Error("Failed to create event schema", "error", err)
			os.Exit(1)
		}
		events, storeCheck = pg, pg
		logger.Info("PostgreSQL event store initialized")
	} else {
		events = store.NewMemoryEventStore()
		logger.Warn("ANALYZER_POSTGRES_DSN not set, using in-memory event store")
	}

	correlator, err := correlation.NewEngine(events,
		correlation.WithLogger(logger),
		correlation.WithThresholds(thresholds),
		correlation.WithPhasePolicy(phases),
		correlation.WithScorer(scorer),
		correlation.WithMapper(mapper),
		correlation.WithMetrics(prometheusMetrics),
	)
	if err != nil {
		logger.Error("Failed to create correlation engine", "error", err)
		os.Exit(1)
	}

	alertStore := store.NewAlertStore(cfg.MaxAlerts, cfg.DedupeSize)
	logger.Info("Alert store initialized", "max_alerts", cfg.MaxAlerts, "seen_cap", cfg.DedupeSize)

	// Connect to NATS
	var nc *nats.Conn
	workerDone := make(chan struct{})
	if cfg.NATSEnabled {
		nc, err = nats.Connect(cfg.NATSURL,
			nats.Name("honeynet-analyzer"),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				logger.Warn("Disconnected from NATS", "error", err)
				prometheusMetrics.SetNatsConnected(false)
			}),
			nats.ReconnectHandler(func(c *nats.Conn) {
				logger.Info("Reconnected to NATS", "url", c.ConnectedUrl())
				prometheusMetrics.SetNatsConnected(true)
			}),
		)
		if err != nil {
			logger.Error("Failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer nc.Close()

		prometheusMetrics.SetNatsConnected(true)
		logger.Info("Connected to NATS")

		routerCfg := alerting.DefaultRouterConfig()
		routerCfg.Window = cfg.AlertWindow
		routerCfg.DedupeSize = cfg.DedupeSize

		router, err := alerting.NewRouter(routerCfg, alerting.NewNATSNotifier(nc, logger), prometheusMetrics, logger)
		if err != nil {
			logger.Error("Failed to create alert router", "error", err)
			os.Exit(1)
		}

		worker := alerting.NewWorker(nc, cfg.EventSubject, cfg.QueueGroup, mapper, scorer, router, alertStore, events, prometheusMetrics, logger)

		// Start NATS worker
		go func() {
			defer close(workerDone)
			logger.Info("Starting NATS worker")
			if err := worker.Subscribe(ctx); err != nil {
				logger.Error("NATS worker error", "error", err)
			}
		}()
	} else {
		close(workerDone)
		logger.Warn("NATS disabled, events are not ingested and alerts are not routed")
	}

	// Create HTTP API
	httpAPI := api.NewHTTPAPI(mapper, scorer, correlator, alertStore, prometheusMetrics, prometheus.DefaultGatherer, nc, storeCheck, logger)
	mux := http.NewServeMux()
	httpAPI.SetupRoutes(mux)

	// Create HTTP server
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start HTTP server
	go func() {
		logger.Info("Starting HTTP server", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Analyzer started successfully")
	<-sigChan

	logger.Info("Shutting down analyzer...")

	// Cancel context to stop the NATS worker
	cancel()

	// Shutdown HTTP server
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	// Wait for the worker to drain buffered events
	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		logger.Warn("NATS worker did not drain before shutdown timeout")
	}

	logger.Info("Analyzer stopped")
}
