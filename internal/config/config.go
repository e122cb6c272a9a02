// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/scheme-crawler/internal/crawler"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	DB        DBConfig        `mapstructure:"db"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Source    SourceConfig    `mapstructure:"source"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                 int    `mapstructure:"port"`
	ShutdownSeconds      int    `mapstructure:"shutdown_seconds"`
	ControlRatePerMinute int    `mapstructure:"control_rate_per_minute"`
	AdminAPIKey          string `mapstructure:"admin_api_key"`
}

// DBConfig selects and configures the job/record store.
type DBConfig struct {
	Backend  string `mapstructure:"backend"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// CrawlerConfig governs a single crawl run.
type CrawlerConfig struct {
	BatchSize      int      `mapstructure:"batch_size"`
	DelayMs        int      `mapstructure:"delay_ms"`
	Locale         string   `mapstructure:"locale"`
	FallbackLocale string   `mapstructure:"fallback_locale"`
	Seeds          []string `mapstructure:"seeds"`
	RecoverStale   bool     `mapstructure:"recover_stale"`
}

// SourceConfig describes the upstream item API and listing pages.
type SourceConfig struct {
	APIBaseURL string `mapstructure:"api_base_url"`
	APIKey     string `mapstructure:"api_key"`
	Origin     string `mapstructure:"origin"`
	Referer    string `mapstructure:"referer"`
	ListingURL string `mapstructure:"listing_url"`
	Collection string `mapstructure:"collection"`
	SitemapURL string `mapstructure:"sitemap_url"`
}

// HTTPConfig configures HTTP client retry behavior.
type HTTPConfig struct {
	TimeoutSeconds   int      `mapstructure:"timeout_seconds"`
	MaxRetries       int      `mapstructure:"max_retries"`
	BackoffInitialMs int      `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int      `mapstructure:"backoff_max_ms"`
	Proxies          []string `mapstructure:"proxies"`
}

// DiscoveryConfig selects how slugs are discovered.
type DiscoveryConfig struct {
	Mode              string `mapstructure:"mode"`
	MaxScrolls        int    `mapstructure:"max_scrolls"`
	SettleMs          int    `mapstructure:"settle_ms"`
	NavTimeoutSeconds int    `mapstructure:"nav_timeout_seconds"`
	WaitSelectorSec   int    `mapstructure:"wait_selector_seconds"`
}

// SchedulerConfig controls cron-triggered runs.
type SchedulerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Cron    string `mapstructure:"cron"`
}

// ArchiveConfig selects where raw source documents are kept.
type ArchiveConfig struct {
	Backend string `mapstructure:"backend"`
	Dir     string `mapstructure:"dir"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for lifecycle notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig controls tracing.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Discovery modes.
const (
	DiscoveryBrowser = "browser"
	DiscoverySitemap = "sitemap"
	DiscoveryStatic  = "static"
)

// Backend names shared by db and archive.
const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
	BackendNone     = "none"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
)

// DefaultSeeds are crawled when discovery returns nothing.
var DefaultSeeds = []string{
	"pmmy", "sui", "pmjdy", "pmay", "pmksy", "pmjjby", "pmsby", "apy", "pmegp",
	"nsap", "ayushman-bharat", "swachh-bharat", "skill-india", "make-in-india",
	"digital-india", "startup-india", "kisan-vikas-patra", "sukanya-samriddhi-yojana",
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
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
	cfg.HTTP.Proxies = splitList(cfg.HTTP.Proxies)
	cfg.Crawler.Seeds = splitList(cfg.Crawler.Seeds)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_seconds", 15)
	v.SetDefault("server.control_rate_per_minute", 30)
	v.SetDefault("server.admin_api_key", "")
	v.SetDefault("db.backend", BackendPostgres)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("crawler.batch_size", 50)
	v.SetDefault("crawler.delay_ms", 2000)
	v.SetDefault("crawler.locale", "en")
	v.SetDefault("crawler.fallback_locale", "hi")
	v.SetDefault("crawler.seeds", DefaultSeeds)
	v.SetDefault("crawler.recover_stale", true)
	v.SetDefault("source.api_base_url", "https://api.myscheme.gov.in/schemes/v6/public/schemes")
	v.SetDefault("source.api_key", "")
	v.SetDefault("source.origin", "https://www.myscheme.gov.in")
	v.SetDefault("source.referer", "https://www.myscheme.gov.in/")
	v.SetDefault("source.listing_url", "https://www.myscheme.gov.in/search")
	v.SetDefault("source.collection", "schemes")
	v.SetDefault("source.sitemap_url", "https://www.myscheme.gov.in/sitemap.xml")
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.max_retries", 3)
	v.SetDefault("http.backoff_initial_ms", 1000)
	v.SetDefault("http.backoff_max_ms", 0)
	v.SetDefault("http.proxies", []string{})
	v.SetDefault("discovery.mode", DiscoveryBrowser)
	v.SetDefault("discovery.max_scrolls", 30)
	v.SetDefault("discovery.settle_ms", 2000)
	v.SetDefault("discovery.nav_timeout_seconds", 60)
	v.SetDefault("discovery.wait_selector_seconds", 10)
	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.cron", "0 */12 * * *")
	v.SetDefault("archive.backend", BackendNone)
	v.SetDefault("archive.dir", "")
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.prefix", "raw")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("telemetry.service_name", "scheme-crawler")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// splitList flattens comma-delimited entries so CRAWLER_HTTP_PROXIES="a, b"
// and YAML lists behave the same.
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.DB.Backend {
	case BackendPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set for the postgres backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("db.backend must be %q or %q", BackendPostgres, BackendMemory)
	}
	if c.Crawler.BatchSize < crawler.MinBatchSize || c.Crawler.BatchSize > crawler.MaxBatchSize {
		return fmt.Errorf("crawler.batch_size must be between %d and %d", crawler.MinBatchSize, crawler.MaxBatchSize)
	}
	if c.Crawler.DelayMs < 0 {
		return fmt.Errorf("crawler.delay_ms must be >= 0")
	}
	if c.Crawler.Locale == "" {
		return fmt.Errorf("crawler.locale is required")
	}
	if c.Source.APIBaseURL == "" {
		return fmt.Errorf("source.api_base_url is required")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxRetries <= 0 {
		return fmt.Errorf("http.max_retries must be > 0")
	}
	if c.HTTP.BackoffInitialMs < 0 || c.HTTP.BackoffMaxMs < 0 {
		return fmt.Errorf("http backoff values must be >= 0")
	}
	switch c.Discovery.Mode {
	case DiscoveryBrowser:
		if c.Source.ListingURL == "" {
			return fmt.Errorf("source.listing_url is required for browser discovery")
		}
	case DiscoverySitemap:
		if c.Source.SitemapURL == "" {
			return fmt.Errorf("source.sitemap_url is required for sitemap discovery")
		}
	case DiscoveryStatic:
	default:
		return fmt.Errorf("discovery.mode must be one of browser, sitemap, static")
	}
	if c.Scheduler.Enabled && c.Scheduler.Cron == "" {
		return fmt.Errorf("scheduler.cron must be set when the scheduler is enabled")
	}
	switch c.Archive.Backend {
	case BackendNone, BackendMemory:
	case BackendLocal:
		if c.Archive.Dir == "" {
			return fmt.Errorf("archive.dir must be set for the local archive")
		}
	case BackendGCS:
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket must be set for the gcs archive")
		}
	default:
		return fmt.Errorf("archive.backend must be one of none, memory, local, gcs")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be between 0 and 1")
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set together")
	}
	return nil
}

// Timeout is the per-attempt HTTP timeout.
func (c HTTPConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// BackoffBase is the retry backoff base.
func (c HTTPConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffInitialMs) * time.Millisecond
}

// BackoffMax caps a single retry wait; zero means uncapped.
func (c HTTPConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxMs) * time.Millisecond
}

// Delay is the politeness pause between items.
func (c CrawlerConfig) Delay() time.Duration {
	return time.Duration(c.DelayMs) * time.Millisecond
}

// Settle is the pause after each scroll during browser discovery.
func (c DiscoveryConfig) Settle() time.Duration {
	return time.Duration(c.SettleMs) * time.Millisecond
}

// NavTimeout bounds a full browser discovery pass.
func (c DiscoveryConfig) NavTimeout() time.Duration {
	return time.Duration(c.NavTimeoutSeconds) * time.Second
}

// WaitSelector bounds the wait for the first listing anchor.
func (c DiscoveryConfig) WaitSelector() time.Duration {
	return time.Duration(c.WaitSelectorSec) * time.Second
}

// ShutdownTimeout bounds graceful shutdown.
func (c ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownSeconds) * time.Second
}
