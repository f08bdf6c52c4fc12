// Package config loads and validates search service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Backend names accepted by frontier.backend, cache.backend, and storage.backend.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendNone     = "none"
	BackendGCS      = "gcs"
	BackendLocal    = "local"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Frontier  FrontierConfig  `mapstructure:"frontier"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Dedup     DedupConfig     `mapstructure:"dedup"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Search    SearchConfig    `mapstructure:"search"`
	Storage   StorageConfig   `mapstructure:"storage"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// CrawlerConfig governs the worker pool and crawl pipeline.
type CrawlerConfig struct {
	Concurrency     int           `mapstructure:"concurrency"`
	MaxDepth        int           `mapstructure:"max_depth"`
	UserAgent       string        `mapstructure:"user_agent"`
	PolitenessDelay time.Duration `mapstructure:"politeness_delay"`
	FetchTimeout    time.Duration `mapstructure:"fetch_timeout"`
	FetchRetries    int           `mapstructure:"fetch_retries"`
	FetchBackoff    time.Duration `mapstructure:"fetch_backoff"`
	RobotsTimeout   time.Duration `mapstructure:"robots_timeout"`
	IgnoreRobots    bool          `mapstructure:"ignore_robots"`
	MaxChildren     int           `mapstructure:"max_children"`
	MaxLinksStored  int           `mapstructure:"max_links_stored"`
	MaxContentBytes int           `mapstructure:"max_content_bytes"`
	JobTimeout      time.Duration `mapstructure:"job_timeout"`
	PerHostRPS      float64       `mapstructure:"per_host_rps"`

	// BlockedHosts holds exact hosts or "*.suffix" patterns never crawled.
	BlockedHosts       []string `mapstructure:"blocked_hosts"`
	ForbiddenThreshold int      `mapstructure:"forbidden_threshold"`
}

// FrontierConfig selects and tunes the crawl frontier.
type FrontierConfig struct {
	Backend      string        `mapstructure:"backend"`
	Capacity     int           `mapstructure:"capacity"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	BackoffBase  time.Duration `mapstructure:"backoff_base"`
	Lease        time.Duration `mapstructure:"lease"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// RateLimitConfig bounds how many jobs start per window across all workers.
type RateLimitConfig struct {
	MaxJobs int           `mapstructure:"max_jobs"`
	Window  time.Duration `mapstructure:"window"`
}

// DatabaseConfig controls access to Postgres.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// CacheConfig selects the search result cache.
type CacheConfig struct {
	Backend string        `mapstructure:"backend"`
	TTL     time.Duration `mapstructure:"ttl"`
}

// DedupConfig sizes the URL bloom filter.
type DedupConfig struct {
	ExpectedItems     uint    `mapstructure:"expected_items"`
	FalsePositiveRate float64 `mapstructure:"false_positive_rate"`
}

// SchedulerConfig drives the periodic re-crawl of unprocessed documents.
type SchedulerConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Interval  time.Duration `mapstructure:"interval"`
	BatchSize int           `mapstructure:"batch_size"`
}

// SearchConfig tunes the query orchestrator.
type SearchConfig struct {
	Limit         int           `mapstructure:"limit"`
	RecheckWait   time.Duration `mapstructure:"recheck_wait"`
	SeedTemplates []string      `mapstructure:"seed_templates"`
}

// StorageConfig sets where raw page bodies are archived.
type StorageConfig struct {
	Backend     string `mapstructure:"backend"`
	Bucket      string `mapstructure:"bucket"`
	BaseDir     string `mapstructure:"base_dir"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// PubSubConfig holds metadata for document event notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// TracingConfig controls OpenTelemetry span export to Cloud Trace.
type TracingConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	ProjectID      string  `mapstructure:"project_id"`
	SampleRatio    float64 `mapstructure:"sample_ratio"`
	ServiceVersion string  `mapstructure:"service_version"`
}

// DefaultSeedTemplates are expanded with the escaped query when the index
// has no answer.
var DefaultSeedTemplates = []string{
	"https://www.google.com/search?q={query}",
	"https://en.wikipedia.org/wiki/{query}",
	"https://www.reddit.com/search/?q={query}",
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SEARCH")
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("crawler.concurrency", 5)
	v.SetDefault("crawler.max_depth", 2)
	v.SetDefault("crawler.user_agent", "selfsearch-bot/0.1")
	v.SetDefault("crawler.politeness_delay", time.Second)
	v.SetDefault("crawler.fetch_timeout", 10*time.Second)
	v.SetDefault("crawler.fetch_retries", 3)
	v.SetDefault("crawler.fetch_backoff", 500*time.Millisecond)
	v.SetDefault("crawler.robots_timeout", 3*time.Second)
	v.SetDefault("crawler.ignore_robots", false)
	v.SetDefault("crawler.max_children", 10)
	v.SetDefault("crawler.max_links_stored", 50)
	v.SetDefault("crawler.max_content_bytes", 10000)
	v.SetDefault("crawler.job_timeout", time.Minute)
	v.SetDefault("crawler.per_host_rps", 0)
	v.SetDefault("crawler.blocked_hosts", []string{})
	v.SetDefault("crawler.forbidden_threshold", 3)
	v.SetDefault("frontier.backend", BackendMemory)
	v.SetDefault("frontier.capacity", 0)
	v.SetDefault("frontier.max_attempts", 3)
	v.SetDefault("frontier.backoff_base", time.Second)
	v.SetDefault("frontier.lease", 5*time.Minute)
	v.SetDefault("frontier.poll_interval", 500*time.Millisecond)
	v.SetDefault("rate_limit.max_jobs", 10)
	v.SetDefault("rate_limit.window", time.Second)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.max_conn_lifetime", time.Hour)
	v.SetDefault("database.migrate", true)
	v.SetDefault("cache.backend", BackendMemory)
	v.SetDefault("cache.ttl", time.Hour)
	v.SetDefault("dedup.expected_items", 1_000_000)
	v.SetDefault("dedup.false_positive_rate", 0.01)
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", 30*time.Minute)
	v.SetDefault("scheduler.batch_size", 10)
	v.SetDefault("search.limit", 20)
	v.SetDefault("search.recheck_wait", 0)
	v.SetDefault("search.seed_templates", DefaultSeedTemplates)
	v.SetDefault("storage.backend", BackendNone)
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.base_dir", "")
	v.SetDefault("storage.prefix", "pages")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.project_id", "")
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("tracing.service_version", "dev")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.Crawler.MaxDepth < 0 {
		return fmt.Errorf("crawler.max_depth must be >= 0")
	}
	if c.Crawler.FetchTimeout <= 0 {
		return fmt.Errorf("crawler.fetch_timeout must be > 0")
	}
	if c.RateLimit.MaxJobs < 0 {
		return fmt.Errorf("rate_limit.max_jobs must be >= 0")
	}
	if c.RateLimit.MaxJobs > 0 && c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate_limit.window must be > 0")
	}
	if c.Dedup.FalsePositiveRate <= 0 || c.Dedup.FalsePositiveRate >= 1 {
		return fmt.Errorf("dedup.false_positive_rate must be between 0 and 1")
	}
	if err := checkBackend("frontier.backend", c.Frontier.Backend, BackendMemory, BackendPostgres); err != nil {
		return err
	}
	if err := checkBackend("cache.backend", c.Cache.Backend, BackendMemory, BackendPostgres); err != nil {
		return err
	}
	if err := checkBackend("storage.backend", c.Storage.Backend, BackendNone, BackendMemory, BackendGCS, BackendLocal); err != nil {
		return err
	}
	if c.NeedsDatabase() && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required for postgres backends")
	}
	if c.Storage.Backend == BackendGCS && c.Storage.Bucket == "" {
		return fmt.Errorf("storage.bucket is required for the gcs backend")
	}
	if c.Storage.Backend == BackendLocal && c.Storage.BaseDir == "" {
		return fmt.Errorf("storage.base_dir is required for the local backend")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id is required when pubsub.topic_name is set")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be between 0 and 1")
	}
	if c.Scheduler.Enabled && c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be > 0")
	}
	return nil
}

// NeedsDatabase reports whether any selected backend lives in Postgres. The
// document store always does when a DSN is configured.
func (c Config) NeedsDatabase() bool {
	return c.Frontier.Backend == BackendPostgres || c.Cache.Backend == BackendPostgres
}

func checkBackend(key, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", key, strings.Join(allowed, ", "), value)
}
