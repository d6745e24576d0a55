package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the ATS scoring gateway.
type Config struct {
	Server  ServerConfig
	Redis   RedisConfig
	Queue   QueueConfig
	Storage StorageConfig
	Scorer  ScorerConfig
	Worker  WorkerConfig
}

type ServerConfig struct {
	Port            int
	Env             string
	RateLimitPerMin int
	TrustProxy      bool
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
}

// Addr returns the host:port pair for the Redis client.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type QueueConfig struct {
	Backend      string
	DatabaseURL  string
	MaxAttempts  int
	BackoffBase  time.Duration
	LeaseTimeout time.Duration
	Retention    time.Duration
}

type StorageConfig struct {
	UseS3         bool
	Region        string
	AccessKeyID   string
	SecretKey     string
	Bucket        string
	Endpoint      string
	LocalPath     string
	MaxAge        time.Duration
	SweepSchedule string
}

type ScorerConfig struct {
	BaseURL string
	Timeout time.Duration
}

type WorkerConfig struct {
	Embedded     bool
	Concurrency  int
	PollInterval time.Duration
}

const (
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

var validBackends = map[string]bool{
	BackendRedis:    true,
	BackendPostgres: true,
	BackendMemory:   true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:            envInt("PORT", 8000),
			Env:             envString("APP_ENV", "development"),
			RateLimitPerMin: envInt("RATE_LIMIT_PER_MIN", 60),
			TrustProxy:      envBool("TRUST_PROXY_HEADERS", false),
		},
		Redis: RedisConfig{
			Host:     envString("REDIS_HOST", "localhost"),
			Port:     envInt("REDIS_PORT", 6379),
			Password: os.Getenv("REDIS_PASSWORD"),
		},
		Queue: QueueConfig{
			Backend:      envString("QUEUE_BACKEND", BackendRedis),
			DatabaseURL:  os.Getenv("DATABASE_URL"),
			MaxAttempts:  envInt("QUEUE_MAX_ATTEMPTS", 3),
			BackoffBase:  envDuration("QUEUE_BACKOFF_BASE", 2*time.Second),
			LeaseTimeout: envDuration("QUEUE_LEASE_TIMEOUT", 2*time.Minute),
			Retention:    envDuration("QUEUE_RETENTION", 0),
		},
		Storage: StorageConfig{
			UseS3:         envBool("USE_S3", false),
			Region:        envString("AWS_REGION", "us-east-1"),
			AccessKeyID:   os.Getenv("AWS_ACCESS_KEY_ID"),
			SecretKey:     os.Getenv("AWS_SECRET_ACCESS_KEY"),
			Bucket:        envString("S3_BUCKET_NAME", "ats-scoring-dev"),
			Endpoint:      os.Getenv("S3_ENDPOINT"),
			LocalPath:     envString("LOCAL_STORAGE_PATH", "./uploads"),
			MaxAge:        time.Duration(envInt("STORAGE_MAX_AGE_DAYS", 7)) * 24 * time.Hour,
			SweepSchedule: envString("STORAGE_SWEEP_SCHEDULE", "@daily"),
		},
		Scorer: ScorerConfig{
			BaseURL: strings.TrimRight(envString("ML_SERVICE_URL", "http://ats-model:8001"), "/"),
			Timeout: envDuration("SCORER_TIMEOUT", 30*time.Second),
		},
		Worker: WorkerConfig{
			Embedded:     envBool("WORKER_EMBEDDED", true),
			Concurrency:  envInt("WORKER_CONCURRENCY", 1),
			PollInterval: envDuration("WORKER_POLL_INTERVAL", time.Second),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.RateLimitPerMin < 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MIN must not be negative, got %d", c.Server.RateLimitPerMin)
	}

	if !validBackends[c.Queue.Backend] {
		return fmt.Errorf("QUEUE_BACKEND must be one of redis, postgres, memory; got %q", c.Queue.Backend)
	}
	if c.Queue.Backend == BackendPostgres && c.Queue.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required when QUEUE_BACKEND is postgres")
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("QUEUE_MAX_ATTEMPTS must be at least 1, got %d", c.Queue.MaxAttempts)
	}
	if c.Queue.BackoffBase <= 0 {
		return fmt.Errorf("QUEUE_BACKOFF_BASE must be positive")
	}

	if c.Scorer.BaseURL == "" {
		return fmt.Errorf("ML_SERVICE_URL is required")
	}
	if !strings.HasPrefix(c.Scorer.BaseURL, "http://") && !strings.HasPrefix(c.Scorer.BaseURL, "https://") {
		return fmt.Errorf("ML_SERVICE_URL must start with http:// or https://, got %q", c.Scorer.BaseURL)
	}
	if c.Scorer.Timeout <= 0 {
		return fmt.Errorf("SCORER_TIMEOUT must be positive")
	}
	if c.Queue.LeaseTimeout <= c.Scorer.Timeout {
		return fmt.Errorf("QUEUE_LEASE_TIMEOUT (%s) must exceed SCORER_TIMEOUT (%s)", c.Queue.LeaseTimeout, c.Scorer.Timeout)
	}

	if c.Storage.UseS3 && c.Storage.Bucket == "" {
		return fmt.Errorf("S3_BUCKET_NAME is required when USE_S3 is true")
	}
	if !c.Storage.UseS3 && c.Storage.LocalPath == "" {
		return fmt.Errorf("LOCAL_STORAGE_PATH is required when USE_S3 is false")
	}
	if c.Storage.MaxAge <= 0 {
		return fmt.Errorf("STORAGE_MAX_AGE_DAYS must be positive")
	}

	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1, got %d", c.Worker.Concurrency)
	}
	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("WORKER_POLL_INTERVAL must be positive")
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
