package config

import (
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
	MaxBatchSize int64  `env:"MAX_BATCH_SIZE_BYTES" envDefault:"5242880"` // 5MB
	RedisAddr    string `env:"REDIS_ADDR,required"`
	PostgresURL  string `env:"POSTGRES_URL,required"`

	IngestServerAddr string  `env:"INGEST_SERVER_ADDR" envDefault:":8080"`
	AdminServerAddr  string  `env:"ADMIN_SERVER_ADDR" envDefault:":9091"`
	IngestRateLimit  float64 `env:"INGEST_RATE_LIMIT" envDefault:"100"`
	IngestRateBurst  int     `env:"INGEST_RATE_BURST" envDefault:"200"`

	EventStream          string        `env:"EVENT_STREAM" envDefault:"service_instances"`
	EventDLQStream       string        `env:"EVENT_DLQ_STREAM" envDefault:"service_instances_dlq"`
	ConsumerGroup        string        `env:"CONSUMER_GROUP" envDefault:"service-instance-processors"`
	ConsumerBatchSize    int           `env:"CONSUMER_BATCH_SIZE" envDefault:"1000"`
	ConsumerRetryCount   int           `env:"CONSUMER_RETRY_COUNT" envDefault:"3"`
	ConsumerRetryBackoff time.Duration `env:"CONSUMER_RETRY_BACKOFF" envDefault:"1s"`
	ConsumerPollInterval time.Duration `env:"CONSUMER_POLL_INTERVAL" envDefault:"1s"`
	ConsumerMetricsAddr  string        `env:"CONSUMER_METRICS_ADDR" envDefault:":9092"`
	ConsumerClaimMinIdle time.Duration `env:"CONSUMER_CLAIM_MIN_IDLE" envDefault:"1m"`

	OptInCacheTTL time.Duration `env:"OPT_IN_CACHE_TTL" envDefault:"5m"`

	WALPath             string        `env:"WAL_PATH" envDefault:"/var/lib/subwatch/wal"`
	WALSegmentSize      int64         `env:"WAL_SEGMENT_SIZE_BYTES" envDefault:"104857600"`   // 100MB
	WALMaxDiskSize      int64         `env:"WAL_MAX_DISK_SIZE_BYTES" envDefault:"1073741824"` // 1GB
	RedisHealthInterval time.Duration `env:"REDIS_HEALTH_INTERVAL" envDefault:"5s"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	// Attempt to load .env file for local development.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}
