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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/V4T54L/subwatch/internal/adapter/metrics"
	"github.com/V4T54L/subwatch/internal/adapter/repository/postgres"
	redisrepo "github.com/V4T54L/subwatch/internal/adapter/repository/redis"
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("consumer exited", "error", err)
		os.Exit(1)
	}
	log.Info("consumer worker shut down gracefully")
}

// run wires the stream consumer: Redis in, Postgres out.
func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	m := metrics.New(prometheus.DefaultRegisterer)

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis unreachable: %w", err)
	}

	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres unreachable: %w", err)
	}
	if err := postgres.EnsureSchema(ctx, db); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	consumerName, err := os.Hostname()
	if err != nil {
		log.Warn("hostname unavailable, using default consumer name", "error", err)
		consumerName = "consumer-default"
	}

	eventStream := redisrepo.NewEventStreamRepository(redisClient, log, redisrepo.StreamConfig{
		Stream:       cfg.EventStream,
		DLQStream:    cfg.EventDLQStream,
		Group:        cfg.ConsumerGroup,
		ClaimMinIdle: cfg.ConsumerClaimMinIdle,
	}, nil, m)
	eventService := usecase.NewEventService(
		postgres.NewEventRepository(db, log),
		postgres.NewOptInRepository(db, log, cfg.OptInCacheTTL, m),
		log, m,
	)
	processor := usecase.NewProcessEventsUseCase(
		eventStream, eventService, log, m,
		cfg.ConsumerGroup, consumerName,
		cfg.ConsumerBatchSize, cfg.ConsumerRetryCount, cfg.ConsumerRetryBackoff,
	)

	metricsServer := &http.Server{Addr: cfg.ConsumerMetricsAddr, Handler: promhttp.Handler()}
	go func() {
		log.Info("starting metrics server", "addr", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", "error", err)
		}
	}()

	processor.Run(ctx, cfg.ConsumerPollInterval)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return metricsServer.Shutdown(shutdownCtx)
}
