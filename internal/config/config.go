// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/listing-pipeline/internal/backpressure"
	"github.com/JakeFAU/listing-pipeline/internal/browser"
	"github.com/JakeFAU/listing-pipeline/internal/policy/ratelimit"
	"github.com/JakeFAU/listing-pipeline/internal/stage"
)

// EnvPrefix is prepended to every environment override, e.g. PIPELINE_SERVER_PORT.
const EnvPrefix = "PIPELINE"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Logging    LoggingConfig                      `mapstructure:"logging"`
	Server     ServerConfig                       `mapstructure:"server"`
	Queue      QueueConfig                        `mapstructure:"queue"`
	Thresholds map[string]backpressure.Thresholds `mapstructure:"thresholds"`
	Stages     StagesConfig                       `mapstructure:"stages"`
	Browser    BrowserConfig                      `mapstructure:"browser"`
	Health     HealthConfig                       `mapstructure:"health"`
	Collector  CollectorConfig                    `mapstructure:"collector"`
	RateLimit  ratelimit.Config                   `mapstructure:"rate_limit"`
	Storage    StorageConfig                      `mapstructure:"storage"`
	PubSub     PubSubConfig                       `mapstructure:"pubsub"`
	Database   DatabaseConfig                     `mapstructure:"database"`
	Telemetry  TelemetryConfig                    `mapstructure:"telemetry"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ServerConfig controls the HTTP surface.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	// APIKey, when set, guards the /v1 routes via the X-API-Key header.
	APIKey string `mapstructure:"api_key"`
}

// QueueConfig selects the queue store and names the stage boundaries.
type QueueConfig struct {
	Backend      string         `mapstructure:"backend"`
	PollInterval time.Duration  `mapstructure:"poll_interval"`
	Keys         QueueKeys      `mapstructure:"keys"`
	Postgres     PostgresConfig `mapstructure:"postgres"`
	SQLite       SQLiteConfig   `mapstructure:"sqlite"`
}

// QueueKeys are the stable names of every queue the pipeline touches.
// Failed is optional; when set, failed contexts are parked there.
type QueueKeys struct {
	Collection     string `mapstructure:"collection"`
	Dynamic        string `mapstructure:"dynamic"`
	Transformation string `mapstructure:"transformation"`
	Processing     string `mapstructure:"processing"`
	Failed         string `mapstructure:"failed"`
}

// All returns the configured keys that carry stage traffic, in pipeline order.
func (k QueueKeys) All() []string {
	keys := []string{k.Dynamic, k.Collection, k.Transformation, k.Processing}
	out := keys[:0]
	for _, key := range keys {
		if key != "" {
			out = append(out, key)
		}
	}
	return out
}

// PostgresConfig configures a pgx pool.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// SQLiteConfig points at the queue database file.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// StagesConfig carries the tuning of each stage.
type StagesConfig struct {
	Collection     stage.Settings `mapstructure:"collection"`
	Transformation stage.Settings `mapstructure:"transformation"`
	Processing     stage.Settings `mapstructure:"processing"`
}

// BrowserConfig sizes the browser pool.
type BrowserConfig struct {
	Instances          int            `mapstructure:"instances"`
	ContextConcurrency int            `mapstructure:"context_concurrency"`
	Strategy           string         `mapstructure:"strategy"`
	Headless           bool           `mapstructure:"headless"`
	ExecPath           string         `mapstructure:"exec_path"`
	NavigationTimeout  time.Duration  `mapstructure:"navigation_timeout"`
	Flags              map[string]any `mapstructure:"flags"`
}

// HealthConfig controls the in-memory queue metrics.
type HealthConfig struct {
	Retention time.Duration `mapstructure:"retention"`
}

// CollectorConfig chooses how each sku is fetched.
type CollectorConfig struct {
	Default       string            `mapstructure:"default"`
	Skus          map[string]string `mapstructure:"skus"`
	UserAgent     string            `mapstructure:"user_agent"`
	RespectRobots bool              `mapstructure:"respect_robots"`
	HTTPTimeout   time.Duration     `mapstructure:"http_timeout"`
	WaitSelector  string            `mapstructure:"wait_selector"`
	Settle        time.Duration     `mapstructure:"settle"`
	Headers       map[string]string `mapstructure:"headers"`
	// PromotionThreshold is the body size below which a script-heavy probe is
	// re-collected in the browser by the auto collector.
	PromotionThreshold int `mapstructure:"promotion_threshold"`
	// Blocklist holds hosts ("example.org") or suffixes ("*.example.org")
	// that are refused at seed time.
	Blocklist []string    `mapstructure:"blocklist"`
	Retry     RetryConfig `mapstructure:"retry"`
}

// RetryConfig bounds how often a transient collection failure is retried
// before the context is failed.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// StorageConfig selects where raw payloads are archived.
type StorageConfig struct {
	Backend     string `mapstructure:"backend"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
	LocalDir    string `mapstructure:"local_dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
}

// PubSubConfig holds where completion events are published.
type PubSubConfig struct {
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// DatabaseConfig selects the entity store.
type DatabaseConfig struct {
	Backend  string         `mapstructure:"backend"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// TelemetryConfig toggles OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// Load builds a Config from defaults, an optional file and the environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("server.api_key", "")

	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.poll_interval", "100ms")
	v.SetDefault("queue.keys.collection", "listings:collection")
	v.SetDefault("queue.keys.dynamic", "listings:collection:dynamic")
	v.SetDefault("queue.keys.transformation", "listings:transformation")
	v.SetDefault("queue.keys.processing", "listings:processing")
	v.SetDefault("queue.keys.failed", "")
	v.SetDefault("queue.postgres.table", "queue_items")
	v.SetDefault("queue.sqlite.path", "data/queue.db")

	v.SetDefault("thresholds", map[string]any{
		"listings:collection":         map[string]any{"normal": 500, "warning": 1000, "critical": 2000},
		"listings:collection:dynamic": map[string]any{"normal": 100, "warning": 250, "critical": 500},
		"listings:transformation":     map[string]any{"normal": 200, "warning": 500, "critical": 1000},
		"listings:processing":         map[string]any{"normal": 200, "warning": 500, "critical": 1000},
	})

	v.SetDefault("stages.collection.workers", 2)
	v.SetDefault("stages.collection.base_delay", "1s")
	v.SetDefault("stages.collection.min_batch", 1)
	v.SetDefault("stages.collection.max_batch", 1)
	v.SetDefault("stages.collection.dequeue_timeout", "2s")
	v.SetDefault("stages.transformation.workers", 2)
	v.SetDefault("stages.transformation.base_delay", "500ms")
	v.SetDefault("stages.transformation.min_batch", 5)
	v.SetDefault("stages.transformation.max_batch", 50)
	v.SetDefault("stages.transformation.dequeue_timeout", "2s")
	v.SetDefault("stages.processing.workers", 1)
	v.SetDefault("stages.processing.base_delay", "500ms")
	v.SetDefault("stages.processing.min_batch", 5)
	v.SetDefault("stages.processing.max_batch", 100)
	v.SetDefault("stages.processing.dequeue_timeout", "2s")

	v.SetDefault("browser.instances", 1)
	v.SetDefault("browser.context_concurrency", 2)
	v.SetDefault("browser.strategy", "reuse")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.navigation_timeout", "45s")

	v.SetDefault("health.retention", "1h")

	v.SetDefault("collector.default", "browser")
	v.SetDefault("collector.user_agent", "listing-pipeline/0.1")
	v.SetDefault("collector.respect_robots", true)
	v.SetDefault("collector.http_timeout", "15s")
	v.SetDefault("collector.wait_selector", "body")
	v.SetDefault("collector.promotion_threshold", 2048)
	v.SetDefault("collector.retry.max_attempts", 3)
	v.SetDefault("collector.retry.base_delay", "250ms")
	v.SetDefault("collector.retry.max_delay", "5s")

	v.SetDefault("rate_limit.default_rps", 2)
	v.SetDefault("rate_limit.default_burst", 1)

	v.SetDefault("storage.backend", "none")
	v.SetDefault("storage.prefix", "raw")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
	v.SetDefault("storage.local_dir", "data/raw")

	v.SetDefault("pubsub.backend", "none")
	v.SetDefault("pubsub.topic", "listings-completed")

	v.SetDefault("database.backend", "memory")
	v.SetDefault("database.postgres.table", "entities")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "listing-pipeline")
}

var (
	queueBackends     = []string{"memory", "postgres", "sqlite"}
	storageBackends   = []string{"none", "memory", "local", "gcs"}
	publisherBackends = []string{"none", "memory", "pubsub"}
	databaseBackends  = []string{"memory", "postgres"}
	collectorKinds    = []string{"browser", "http", "auto"}
)

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Port > 0, "server.port must be > 0")
	check(slices.Contains(queueBackends, c.Queue.Backend), "queue.backend must be one of %v", queueBackends)
	check(c.Queue.Backend != "postgres" || c.Queue.Postgres.DSN != "", "queue.postgres.dsn is required for the postgres backend")
	check(c.Queue.Backend != "sqlite" || c.Queue.SQLite.Path != "", "queue.sqlite.path is required for the sqlite backend")

	keys := c.Queue.Keys
	check(keys.Collection != "", "queue.keys.collection is required")
	check(keys.Transformation != "", "queue.keys.transformation is required")
	check(keys.Processing != "", "queue.keys.processing is required")
	for _, key := range c.ReferencedQueues() {
		th, ok := c.Thresholds[key]
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %s", backpressure.ErrMissingThresholds, key))
			continue
		}
		if err := th.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("thresholds.%s: %w", key, err))
		}
	}

	for name, s := range map[string]stage.Settings{
		"collection":     c.Stages.Collection,
		"transformation": c.Stages.Transformation,
		"processing":     c.Stages.Processing,
	} {
		check(s.Workers > 0, "stages.%s.workers must be > 0", name)
		check(s.MinBatch <= s.MaxBatch || s.MaxBatch == 0, "stages.%s.min_batch must not exceed max_batch", name)
	}

	check(c.Browser.Instances > 0, "browser.instances must be > 0")
	check(c.Browser.ContextConcurrency > 0, "browser.context_concurrency must be > 0")
	if _, err := browser.ParseStrategy(c.Browser.Strategy); err != nil {
		errs = append(errs, err)
	}

	check(slices.Contains(collectorKinds, c.Collector.Default), "collector.default must be one of %v", collectorKinds)
	for sku, kind := range c.Collector.Skus {
		check(slices.Contains(collectorKinds, kind), "collector.skus.%s must be one of %v", sku, collectorKinds)
	}
	check(c.Collector.Retry.MaxAttempts > 0, "collector.retry.max_attempts must be > 0")

	check(slices.Contains(storageBackends, c.Storage.Backend), "storage.backend must be one of %v", storageBackends)
	check(c.Storage.Backend != "gcs" || c.Storage.GCSBucket != "", "storage.gcs_bucket is required for the gcs backend")
	check(c.Storage.Backend != "local" || c.Storage.LocalDir != "", "storage.local_dir is required for the local backend")

	check(slices.Contains(publisherBackends, c.PubSub.Backend), "pubsub.backend must be one of %v", publisherBackends)
	check(c.PubSub.Backend == "none" || c.PubSub.Topic != "", "pubsub.topic is required when publishing")
	check(c.PubSub.Backend != "pubsub" || c.PubSub.ProjectID != "", "pubsub.project_id is required for the pubsub backend")

	check(slices.Contains(databaseBackends, c.Database.Backend), "database.backend must be one of %v", databaseBackends)
	check(c.Database.Backend != "postgres" || c.Database.Postgres.DSN != "", "database.postgres.dsn is required for the postgres backend")

	check(!c.Telemetry.Enabled || c.Telemetry.ServiceName != "", "telemetry.service_name is required when telemetry is enabled")

	return errors.Join(errs...)
}

// ReferencedQueues lists the queues a stage throttles against, sorted.
func (c Config) ReferencedQueues() []string {
	keys := []string{c.Queue.Keys.Transformation, c.Queue.Keys.Processing}
	out := keys[:0]
	for _, key := range keys {
		if key != "" {
			out = append(out, key)
		}
	}
	slices.Sort(out)
	return out
}

// BrowserPool converts the browser section into pool options.
func (c Config) BrowserPool() (browser.Config, error) {
	strategy, err := browser.ParseStrategy(c.Browser.Strategy)
	if err != nil {
		return browser.Config{}, err
	}
	return browser.Config{
		Instances:          c.Browser.Instances,
		ContextConcurrency: c.Browser.ContextConcurrency,
		Strategy:           strategy,
		Headless:           c.Browser.Headless,
		UserAgent:          c.Collector.UserAgent,
		ExecPath:           c.Browser.ExecPath,
		NavigationTimeout:  c.Browser.NavigationTimeout,
		Flags:              c.Browser.Flags,
	}, nil
}
