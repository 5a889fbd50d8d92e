package main

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/brojonat/stagehop/service/batch"
	"github.com/brojonat/stagehop/service/config"
	"github.com/brojonat/stagehop/service/db"
	"github.com/brojonat/stagehop/service/metrics"
	natspkg "github.com/brojonat/stagehop/service/nats"
	"github.com/brojonat/stagehop/service/retry"
	"github.com/brojonat/stagehop/service/solana"
	"github.com/brojonat/stagehop/service/staging"
	"github.com/brojonat/stagehop/service/sweeper"
	"github.com/brojonat/stagehop/service/temporal"
	"github.com/brojonat/stagehop/service/transfer"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// Load and validate configuration from environment
	cfg := config.MustLoad()

	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting temporal worker",
		"temporal_host", cfg.TemporalHost,
		"namespace", cfg.TemporalNamespace,
		"task_queue", cfg.TemporalTaskQueue,
		"program_id", cfg.ProgramID.String(),
		"log_level", cfg.LogLevel,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The operator key funds transfers and pays for sweeps
	operator, err := cfg.OperatorKey()
	if err != nil {
		logger.Error("failed to load operator key", "error", err)
		os.Exit(1)
	}
	logger.Info("loaded operator key", "operator", operator.PublicKey().String())

	dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()

	if err := dbPool.Ping(ctx); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	metricsCollector := metrics.NewMetrics(nil) // nil uses default registry

	store := db.NewStore(dbPool).WithMetrics(metricsCollector)
	if err := store.Migrate(ctx); err != nil {
		logger.Error("failed to apply schema", "error", err)
		os.Exit(1)
	}

	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: promhttp.Handler(),
	}
	go func() {
		logger.Info("starting metrics HTTP server", "addr", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown metrics server", "error", err)
		}
	}()

	// Pick one RPC endpoint per process so load spreads across restarts
	rpcURL, err := solana.SelectRandomEndpoint(cfg.SolanaRPCURLs)
	if err != nil {
		logger.Error("failed to select RPC endpoint", "error", err)
		os.Exit(1)
	}
	policy := retry.DefaultPolicy()
	policy.MaxAttempts = cfg.RPCMaxAttempts
	policy.InitialBackoff = cfg.RPCInitialBackoff
	policy.MaxBackoff = cfg.RPCMaxBackoff

	solanaClient := solana.NewClient(
		solana.NewRPCClient(rpcURL),
		extractEndpointFromURL(rpcURL),
		metricsCollector,
		logger,
		solana.WithRetryPolicy(policy),
		solana.WithPollInterval(cfg.ConfirmPollInterval),
	)
	logger.Info("initialized solana RPC client",
		"endpoint", extractEndpointFromURL(rpcURL),
		"total_endpoints", len(cfg.SolanaRPCURLs),
	)

	submitOpts := solana.DefaultSubmitOptions()
	submitOpts.ConfirmTimeout = cfg.ConfirmTimeout
	submitter := solana.NewSubmitter(solanaClient, submitOpts, metricsCollector, logger)

	deriver := staging.NewDeriver(cfg.ProgramID)

	transferOpts := transfer.DefaultOptions()
	transferOpts.FeeBuffer = cfg.FeeBufferLamports
	orchestrator := transfer.NewOrchestrator(solanaClient, submitter, deriver, transferOpts, metricsCollector, logger)

	batchOpts := batch.DefaultOptions()
	batchOpts.Concurrency = cfg.BatchConcurrency
	batchOpts.Cooldown = cfg.BatchCooldown
	batchOpts.Preflight = true
	batches := batch.NewScheduler(orchestrator, solanaClient, batchOpts, metricsCollector, logger)

	// An enhanced history endpoint, when configured, serves the sweep's
	// history reads; the regular endpoint serves everything else.
	var feed sweeper.HistoryFeed = solana.NewSignatureFeed(solanaClient)
	if cfg.HistoryRPCURL != "" {
		historyClient := solana.NewClient(
			solana.NewRPCClient(cfg.HistoryRPCURL),
			extractEndpointFromURL(cfg.HistoryRPCURL),
			metricsCollector,
			logger,
			solana.WithRetryPolicy(policy),
		)
		feed = solana.NewIndexerFeed(historyClient)
	}
	logger.Info("configured history feed", "feed", feed.Name())

	sweepOpts := sweeper.DefaultOptions()
	sweepOpts.PageSize = cfg.SweepPageSize
	sweepOpts.MaxClosesPerTx = cfg.SweepMaxClosesPerTx
	sweep := sweeper.New(feed, solanaClient, submitter, deriver, operator, sweepOpts, metricsCollector, logger)

	natsPublisher, err := natspkg.NewPublisher(cfg.NATSURL, metricsCollector, logger)
	if err != nil {
		logger.Error("failed to create NATS publisher", "error", err)
		os.Exit(1)
	}
	defer natsPublisher.Close()
	logger.Info("connected to NATS", "url", cfg.NATSURL)

	// Temporal client for schedule management
	temporalClient, err := temporal.NewClient(
		cfg.TemporalHost,
		cfg.TemporalNamespace,
		cfg.TemporalTaskQueue,
		logger,
	)
	if err != nil {
		logger.Error("failed to create temporal client", "error", err)
		os.Exit(1)
	}
	defer temporalClient.Close()

	if err := temporalClient.UpsertSweepSchedule(ctx, cfg.SweepInterval, cfg.SweepLookback); err != nil {
		logger.Error("failed to upsert sweep schedule", "error", err)
		os.Exit(1)
	}
	logger.Info("sweep schedule ready",
		"schedule_id", temporal.SweepScheduleID,
		"interval", cfg.SweepInterval,
		"lookback", cfg.SweepLookback,
	)

	pacing := temporal.BatchPacing{
		Concurrency:    cfg.BatchConcurrency,
		Cooldown:       cfg.BatchCooldown,
		ConfirmTimeout: cfg.ConfirmTimeout,
	}
	worker, err := temporal.NewWorker(temporal.WorkerConfig{
		TemporalHost:      cfg.TemporalHost,
		TemporalNamespace: cfg.TemporalNamespace,
		TaskQueue:         cfg.TemporalTaskQueue,
		BatchPacing:       pacing,
		Batches:           batches,
		Sweeper:           sweep,
		Funder:            operator,
		Store:             store,
		Publisher:         natsPublisher,
		Metrics:           metricsCollector,
		Logger:            logger,
	})
	if err != nil {
		logger.Error("failed to create temporal worker", "error", err)
		os.Exit(1)
	}

	logger.Info("temporal worker initialized, all dependencies ready",
		"rpc_endpoint", extractEndpointFromURL(rpcURL),
		"batch_concurrency", cfg.BatchConcurrency,
		"task_queue", cfg.TemporalTaskQueue,
	)

	workerErrors := make(chan error, 1)
	go func() {
		workerErrors <- worker.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-workerErrors:
		logger.Error("temporal worker error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
		worker.Stop()
		logger.Info("shutdown complete")
	}
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// extractEndpointFromURL extracts a short identifier from the Solana RPC URL
// for metrics labeling, so API keys in the URL never reach a label.
// Examples:
//   - "https://api.mainnet-beta.solana.com" -> "mainnet"
//   - "https://mainnet.helius-rpc.com/?api-key=..." -> "helius"
func extractEndpointFromURL(rpcURL string) string {
	parsed, err := url.Parse(rpcURL)
	if err != nil {
		return "unknown"
	}
	host := parsed.Hostname()

	for _, provider := range []string{"helius", "quiknode", "alchemy", "triton", "rpcpool"} {
		if strings.Contains(host, provider) {
			return provider
		}
	}
	if strings.Contains(host, "quicknode") {
		return "quiknode"
	}
	for _, cluster := range []string{"mainnet", "devnet", "testnet"} {
		if strings.Contains(host, cluster) {
			return cluster
		}
	}
	if host == "localhost" || host == "127.0.0.1" {
		return "local"
	}
	return host
}
