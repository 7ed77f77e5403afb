// Package config loads the engine configuration from environment variables.
// Broker connectivity itself is configured through the standard RABBITMQ_
// variables consumed by the client library; everything here is engine
// behavior.
package config

import (
	"fmt"
	"time"

	"github.com/cloudresty/go-env"
)

// Config holds all tunables of the compensation engine.
type Config struct {
	// Topology
	Exchange           string `env:"COMPENSATION_EXCHANGE,default=marketplace.events"`
	DeadLetterExchange string `env:"COMPENSATION_DEAD_LETTER_EXCHANGE,default=marketplace.events.dlx"`
	FailureQueue       string `env:"COMPENSATION_FAILURE_QUEUE,default=compensation.failures"`
	LifecycleQueue     string `env:"COMPENSATION_LIFECYCLE_QUEUE,default=compensation.lifecycle"`
	DeadLetterQueue    string `env:"COMPENSATION_DEAD_LETTER_QUEUE,default=compensation.deadletter"`

	// Consumer behavior
	PrefetchCount int `env:"COMPENSATION_PREFETCH_COUNT,default=32"`
	Concurrency   int `env:"COMPENSATION_CONCURRENCY,default=8"`

	// Retry schedule for transient handler failures
	RetryBaseDelay   time.Duration `env:"COMPENSATION_RETRY_BASE_DELAY,default=500ms"`
	RetryMaxDelay    time.Duration `env:"COMPENSATION_RETRY_MAX_DELAY,default=30s"`
	RetryMaxAttempts int           `env:"COMPENSATION_RETRY_MAX_ATTEMPTS,default=3"`

	// AggregationWindow is how long the orchestrator waits after the first
	// compensable failure so sibling failures join the same cycle. Zero
	// flushes synchronously.
	AggregationWindow time.Duration `env:"COMPENSATION_AGGREGATION_WINDOW,default=2s"`

	// Stuck saga detection
	StuckThreshold    time.Duration `env:"COMPENSATION_STUCK_THRESHOLD,default=15m"`
	StuckScanInterval time.Duration `env:"COMPENSATION_STUCK_SCAN_INTERVAL,default=1m"`
	Retention         time.Duration `env:"COMPENSATION_RETENTION,default=168h"`
	RetentionInterval time.Duration `env:"COMPENSATION_RETENTION_INTERVAL,default=1h"`

	// Storage. An empty DSN selects the in-memory store.
	PostgresDSN string `env:"COMPENSATION_POSTGRES_DSN"`

	// Dispatch ledger. An empty address selects the in-process ledger.
	RedisAddr      string        `env:"COMPENSATION_REDIS_ADDR"`
	RedisKeyPrefix string        `env:"COMPENSATION_REDIS_KEY_PREFIX,default=compensation:dispatch"`
	LedgerTTL      time.Duration `env:"COMPENSATION_LEDGER_TTL,default=24h"`

	// Observability
	MetricsAddr string `env:"COMPENSATION_METRICS_ADDR,default=:9464"`
	ServiceName string `env:"COMPENSATION_SERVICE_NAME,default=compensation-engine"`

	ShutdownTimeout time.Duration `env:"COMPENSATION_SHUTDOWN_TIMEOUT,default=30s"`
}

// Load binds the configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Bind(&cfg, env.DefaultBindingOptions()); err != nil {
		return nil, fmt.Errorf("bind environment configuration: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.PrefetchCount < 1 {
		return fmt.Errorf("prefetch count must be at least 1, got %d", c.PrefetchCount)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("retry max attempts must be at least 1, got %d", c.RetryMaxAttempts)
	}
	if c.AggregationWindow < 0 {
		return fmt.Errorf("aggregation window must not be negative, got %s", c.AggregationWindow)
	}
	return nil
}
