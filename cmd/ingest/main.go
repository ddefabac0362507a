package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/V4T54L/subwatch/internal/adapter/api"
	"github.com/V4T54L/subwatch/internal/adapter/api/handler"
	"github.com/V4T54L/subwatch/internal/adapter/api/middleware"
	"github.com/V4T54L/subwatch/internal/adapter/metrics"
	"github.com/V4T54L/subwatch/internal/adapter/repository/postgres"
	redisrepo "github.com/V4T54L/subwatch/internal/adapter/repository/redis"
	"github.com/V4T54L/subwatch/internal/adapter/repository/wal"
	"github.com/V4T54L/subwatch/internal/pkg/config"
	"github.com/V4T54L/subwatch/internal/pkg/logger"
	"github.com/V4T54L/subwatch/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("ingest exited", "error", err)
		os.Exit(1)
	}
	log.Info("servers shut down gracefully")
}

// run serves event intake and exports on the ingest address and stream
// administration on the admin address until ctx is done or a server fails.
func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	m := metrics.New(prometheus.DefaultRegisterer)

	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer db.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Warn("redis unreachable, spooling to WAL until it recovers", "error", err)
	}

	walRepo, err := wal.NewWALRepository(cfg.WALPath, cfg.WALSegmentSize, cfg.WALMaxDiskSize, log)
	if err != nil {
		return fmt.Errorf("open WAL: %w", err)
	}
	defer walRepo.Close()

	eventStream := redisrepo.NewEventStreamRepository(redisClient, log, redisrepo.StreamConfig{
		Stream:    cfg.EventStream,
		DLQStream: cfg.EventDLQStream,
		Group:     cfg.ConsumerGroup,
	}, walRepo, m)
	go eventStream.StartHealthCheck(ctx, cfg.RedisHealthInterval)

	limiter := middleware.NewRateLimiter(cfg.IngestRateLimit, cfg.IngestRateBurst, log)
	limiter.StartCleanup(ctx, time.Minute)

	exporter := usecase.NewSubscriptionExporter(postgres.NewCapacityViewRepository(db, log), log, m)
	ingestServer := &http.Server{
		Addr: cfg.IngestServerAddr,
		Handler: api.NewRouter(log,
			handler.NewIngestHandler(eventStream, log, cfg.MaxBatchSize, m),
			handler.NewExportHandler(log, m, exporter),
			limiter,
		),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	adminUseCase := usecase.NewAdminStreamUseCase(redisrepo.NewAdminRepository(redisClient, log), cfg.EventStream, cfg.EventDLQStream, log)
	adminServer := &http.Server{
		Addr:    cfg.AdminServerAddr,
		Handler: api.NewAdminRouter(adminUseCase, log),
	}

	errCh := make(chan error, 2)
	for name, srv := range map[string]*http.Server{"ingest": ingestServer, "admin": adminServer} {
		go func() {
			log.Info("starting server", "server", name, "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("%s server: %w", name, err)
			}
		}()
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}
	log.Info("shutting down servers")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return errors.Join(serveErr, ingestServer.Shutdown(shutdownCtx), adminServer.Shutdown(shutdownCtx))
}
