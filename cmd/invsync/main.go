// invsync - unified inventory synchronizer.
//
// Ingests inventory updates from marketplace webhooks and polled delta APIs,
// normalizes them, and commits them to Postgres with per-product
// linearizability. Coordination (queue, locks, poll cursor) runs through
// Redis.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/adrianmcphee/invsync"
	"github.com/adrianmcphee/invsync/internal/httpapi"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "invsync: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := invsync.LoadConfig()
	if err := cfg.Validate(); err != nil {
		return err
	}

	zapLogger, err := invsync.NewProductionZapLogger()
	if err != nil {
		return err
	}
	defer zapLogger.Sync() //nolint:errcheck
	logger := invsync.Logger(zapLogger)

	registry := prometheus.NewRegistry()
	metrics := invsync.NewPrometheusMetrics(registry)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// One Redis client per subsystem so blocking queue commands cannot starve
	// lock or cursor traffic.
	queueRedis := redis.NewClient(cfg.RedisOptions())
	lockRedis := redis.NewClient(cfg.RedisOptions())
	cursorRedis := redis.NewClient(cfg.RedisOptions())
	defer queueRedis.Close()
	defer lockRedis.Close()
	defer cursorRedis.Close()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL())
	if err != nil {
		return fmt.Errorf("database pool: %w", err)
	}
	defer pool.Close()

	repo := invsync.NewRepository(pool, logger, metrics)
	if err := repo.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("schema bootstrap: %w", err)
	}

	queue := invsync.NewQueue(queueRedis, invsync.DefaultQueueConfig(), logger, metrics)
	locks := invsync.NewLockManager(lockRedis, invsync.DefaultLockConfig(), logger, metrics)
	cursor := invsync.NewCursorStore(cursorRedis)

	worker := invsync.NewWorker(queue, locks, repo, invsync.DefaultWorkerConfig(), logger, metrics)
	go worker.Start(ctx)

	var poller *invsync.Poller
	if cfg.MarketplaceBAPI != "" {
		poller = invsync.NewPoller(
			invsync.DefaultPollerConfig(cfg.MarketplaceBAPI, cfg.MarketplaceBAPIKey),
			invsync.NewMarketplaceBAdapter(logger),
			queue, cursor, logger, metrics,
		)
		go poller.Start(ctx)
	} else {
		logger.Warn("MARKETPLACE_B_API not set, polling disabled")
	}

	archiver, err := buildArchiver(ctx, cfg, pool, logger, metrics)
	if err != nil {
		return err
	}

	serverCfg := httpapi.Config{
		Queue:    queue,
		Repo:     repo,
		Adapter:  invsync.NewMarketplaceAAdapter(logger),
		Secret:   cfg.MarketplaceASecret,
		Logger:   logger,
		Metrics:  metrics,
		Registry: registry,
	}
	if poller != nil {
		serverCfg.Poller = poller
	}
	if archiver != nil {
		serverCfg.Archiver = archiver
		go runArchiveLoop(ctx, archiver, logger)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: httpapi.NewServer(serverCfg).Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// Graceful shutdown: stop accepting requests, then drain in-flight jobs.
	// Jobs that miss the drain window are redelivered by the stall reaper.
	logger.Info("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 35*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err.Error())
	}

	worker.Stop()
	logger.Info("shutdown complete")
	return nil
}

func buildArchiver(ctx context.Context, cfg *invsync.Config, pool *pgxpool.Pool, logger invsync.Logger, metrics invsync.Metrics) (*invsync.Archiver, error) {
	var backend invsync.ArchiveBackend
	switch cfg.ArchiveBackend {
	case "":
		return nil, nil
	case "s3":
		b, err := invsync.NewS3ArchiveBackendFromEnv(ctx, cfg.ArchiveBucket)
		if err != nil {
			return nil, fmt.Errorf("s3 archive backend: %w", err)
		}
		backend = b
	case "gcs":
		b, err := invsync.NewGCSArchiveBackend(ctx, invsync.GCSArchiveConfig{
			Bucket:          cfg.ArchiveBucket,
			CredentialsFile: os.Getenv("GCS_CREDENTIALS_FILE"),
		})
		if err != nil {
			return nil, fmt.Errorf("gcs archive backend: %w", err)
		}
		backend = b
	}
	return invsync.NewArchiver(pool, backend, invsync.DefaultArchiverConfig(), logger, metrics), nil
}

// runArchiveLoop runs one archival pass per day.
func runArchiveLoop(ctx context.Context, archiver *invsync.Archiver, logger invsync.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := archiver.Run(ctx); err != nil {
				logger.Error("audit archive pass failed", "error", err.Error())
			}
		}
	}
}
