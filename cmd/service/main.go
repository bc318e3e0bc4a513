// cmd/service/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github-payout-service/internal/analysis"
	"github-payout-service/internal/api"
	"github-payout-service/internal/config"
	"github-payout-service/internal/database"
	"github-payout-service/internal/evaluator"
	"github-payout-service/internal/github"
	"github-payout-service/internal/ledger"
	"github-payout-service/internal/metrics"
	"github-payout-service/internal/payout"
	"github-payout-service/internal/queue"
	"github-payout-service/internal/reconciler"
	"github-payout-service/internal/webhook"
	"github-payout-service/internal/workflow"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Application startup error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Initialize structured logger
	logLevel := new(slog.LevelVar)
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(handler)
	slog.SetDefault(logger)

	// 2. Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	setLogLevel(cfg.LogLevel, logLevel)
	logger.Info("Configuration loaded successfully")
	if !cfg.WebhookEnforceSig {
		logger.Warn("Webhook signature verification is disabled")
	}

	// 3. Setup context for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 4. Initialize database connection and run migrations
	dbpool, err := pgxpool.New(ctx, cfg.DBURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer dbpool.Close()
	logger.Info("Database connection established")

	if err := runMigrations(cfg.MigrationsURL, cfg.DBURL); err != nil {
		return fmt.Errorf("failed to run database migrations: %w", err)
	}
	logger.Info("Database migrations applied successfully")

	// 5. Initialize application components
	m, err := metrics.New()
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}
	application, err := newApp(cfg, dbpool, m, logger)
	if err != nil {
		return err
	}
	dispatcher := application.dispatcher

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           application.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 6. Start background workers and the HTTP server
	dispatcher.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		application.reconciler.Start(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownDrainTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	// 7. Wait for shutdown signal
	logger.Info("Application started. Waiting for shutdown signal...")
	err = g.Wait()
	logger.Info("Shutdown signal received. Draining background tasks.", "in_flight", len(dispatcher.InFlight()))

	if stopErr := dispatcher.Stop(cfg.ShutdownDrainTimeout); stopErr != nil {
		logger.Warn("Background tasks did not finish in time", "error", stopErr)
	}
	return err
}

// app holds the wired components of the service.
type app struct {
	handler    http.Handler
	dispatcher *queue.Dispatcher
	reconciler *reconciler.Reconciler
}

func newApp(cfg *config.Config, dbpool *pgxpool.Pool, m *metrics.Metrics, logger *slog.Logger) (*app, error) {
	store := database.NewStore(dbpool)

	var (
		fetcher   workflow.CommitFetcher
		appClient api.AppClient
	)
	if cfg.GithubAppID != "" {
		ghClient, err := newGitHubClient(cfg, logger)
		if err != nil {
			return nil, err
		}
		fetcher, appClient = ghClient, ghClient
	} else {
		logger.Warn("GitHub App is not configured, commits will not be enriched")
	}

	eval := evaluator.NewOpenAIEvaluator(evaluator.OpenAIConfig{
		BaseURL:           cfg.LLMBaseURL,
		APIKey:            cfg.LLMAPIKey,
		GamingModel:       cfg.LLMGamingModel,
		HolisticModel:     cfg.LLMHolisticModel,
		Timeout:           cfg.LLMTimeout,
		RequestsPerSecond: cfg.LLMRequestsPerSecond,
	}, nil, logger)
	if cfg.LLMAPIKey == "" {
		logger.Warn("LLM_API_KEY is not set, pushes will be scored with the fallback formula")
	}

	var executor payout.Executor = payout.NewLogExecutor(logger)
	if cfg.PayoutWebhookURL != "" {
		executor = payout.NewHTTPExecutor(cfg.PayoutWebhookURL, nil, logger)
	}

	var orchestrator *workflow.Orchestrator
	dispatcher := queue.New(func(ctx context.Context, t queue.Task) error {
		return orchestrator.Process(ctx, t.PushID)
	}, queue.Options{
		Shards:    cfg.WorkerShards,
		QueueSize: cfg.WorkerQueueSize,
	}, queue.LogSink{Logger: logger}, logger, m)

	orchestrator = workflow.New(workflow.Deps{
		Store:      store,
		Deliveries: webhook.NewDeliveryTracker(cfg.WebhookDeliveryTTL),
		Enricher:   workflow.NewEnricher(fetcher, cfg.EnrichConcurrency, logger),
		Pipeline:   analysis.NewPipeline(eval, cfg.LLMHolisticModel, logger, m),
		Ledger:     ledger.NewAccountant(logger, m),
		Payouts:    executor,
		Queue:      dispatcher,
		Logger:     logger,
		Metrics:    m,
	}, workflow.Options{
		WebhookSecret:    cfg.WebhookSecret,
		EnforceSignature: cfg.WebhookEnforceSig,
	})

	handler := api.NewRouter(api.Deps{
		Store:              store,
		Pushes:             orchestrator,
		Queue:              dispatcher,
		GitHub:             appClient,
		Metrics:            m,
		WebhookCallbackURL: cfg.WebhookCallbackURL,
		WebhookSecret:      cfg.WebhookSecret,
		Logger:             logger,
	})

	return &app{
		handler:    handler,
		dispatcher: dispatcher,
		reconciler: reconciler.New(store, dispatcher, logger, m, reconciler.Options{
			Interval:    cfg.ReconcileInterval,
			StaleAfter:  cfg.ReconcileStaleAfter,
			MaxAttempts: cfg.ReconcileMaxAttempts,
		}),
	}, nil
}

func newGitHubClient(cfg *config.Config, logger *slog.Logger) (*github.AppClient, error) {
	key, err := github.LoadPrivateKey(cfg.GithubPrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load GitHub App private key: %w", err)
	}
	client, err := github.NewAppClient(github.AppConfig{
		AppID:      cfg.GithubAppID,
		PrivateKey: key,
		BaseURL:    cfg.GithubAPIURL,
	}, github.NewTokenCache(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create GitHub App client: %w", err)
	}
	return client, nil
}

func runMigrations(sourceURL, dbURL string) error {
	m, err := migrate.New(sourceURL, dbURL)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func setLogLevel(level string, v *slog.LevelVar) {
	switch level {
	case "debug":
		v.Set(slog.LevelDebug)
	case "warn":
		v.Set(slog.LevelWarn)
	case "error":
		v.Set(slog.LevelError)
	default:
		v.Set(slog.LevelInfo)
	}
}
