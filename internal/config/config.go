// Package config loads and validates census configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/repo-census/internal/crawler"
	"github.com/JakeFAU/repo-census/internal/output"
)

// EnvPrefix namespaces environment overrides, e.g. CENSUS_GITHUB_TOKEN.
const EnvPrefix = "CENSUS"

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	GitHub  GitHubConfig  `mapstructure:"github"`
	Crawl   CrawlConfig   `mapstructure:"crawl"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Logging LoggingConfig `mapstructure:"logging"`
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	PubSub  PubSubConfig  `mapstructure:"pubsub"`
	DB      DBConfig      `mapstructure:"db"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

// GitHubConfig points at the GraphQL API.
type GitHubConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	Token     string `mapstructure:"token"`
	TokenFile string `mapstructure:"token_file"`
	UserAgent string `mapstructure:"user_agent"`
}

// CrawlConfig bounds the search space and names the run files.
type CrawlConfig struct {
	StarMin     int64  `mapstructure:"star_min"`
	StarMax     int64  `mapstructure:"star_max"`
	DateMin     string `mapstructure:"date_min"`
	DateMax     string `mapstructure:"date_max"`
	PageLimit   int    `mapstructure:"page_limit"`
	PageSize    int    `mapstructure:"page_size"`
	PageRetries int    `mapstructure:"page_retries"`
	OutputDir   string `mapstructure:"output_dir"`
	Output      string `mapstructure:"output"`
	Checkpoint  string `mapstructure:"checkpoint"`
}

// HTTPConfig configures request timeouts, retries and pacing.
type HTTPConfig struct {
	TimeoutSeconds          int     `mapstructure:"timeout_seconds"`
	MaxRetries              int     `mapstructure:"max_retries"`
	BackoffSeconds          int     `mapstructure:"backoff_seconds"`
	RequestsPerSecond       float64 `mapstructure:"requests_per_second"`
	Burst                   int     `mapstructure:"burst"`
	MaxRateLimitWaitSeconds int     `mapstructure:"max_rate_limit_wait_seconds"`
	RateLimitSlackMillis    int     `mapstructure:"rate_limit_slack_ms"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ServerConfig controls the optional status server. Port 0 disables it.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// StorageConfig selects where the merged output is uploaded.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for the completion notification.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// DBConfig controls access to the Postgres run ledger.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	RunsTable    string `mapstructure:"runs_table"`
	RegionsTable string `mapstructure:"regions_table"`
	MaxConns     int32  `mapstructure:"max_conns"`
}

// TracingConfig toggles OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Storage backends.
const (
	BackendNone   = ""
	BackendLocal  = "local"
	BackendGCS    = "gcs"
	BackendMemory = "memory"
)

// Load builds a Config from disk/environment.
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
	v.SetDefault("github.endpoint", "https://api.github.com/graphql")
	v.SetDefault("github.token", "")
	v.SetDefault("github.token_file", "")
	v.SetDefault("github.user_agent", "repo-census/0.1")
	v.SetDefault("crawl.star_min", 5)
	v.SetDefault("crawl.star_max", 1000000)
	v.SetDefault("crawl.date_min", "2009-01-01")
	v.SetDefault("crawl.date_max", "")
	v.SetDefault("crawl.page_limit", 1000)
	v.SetDefault("crawl.page_size", 24)
	v.SetDefault("crawl.page_retries", 1)
	v.SetDefault("crawl.output_dir", ".")
	v.SetDefault("crawl.output", "")
	v.SetDefault("crawl.checkpoint", "regions.ckpt")
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.max_retries", 5)
	v.SetDefault("http.backoff_seconds", 5)
	v.SetDefault("http.requests_per_second", 0)
	v.SetDefault("http.burst", 1)
	v.SetDefault("http.max_rate_limit_wait_seconds", 0)
	v.SetDefault("http.rate_limit_slack_ms", 500)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("server.port", 0)
	v.SetDefault("storage.backend", BackendNone)
	v.SetDefault("storage.local_dir", "")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.prefix", "census")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.runs_table", "census_runs")
	v.SetDefault("db.regions_table", "census_regions")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "repo-census")
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.insecure", false)
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits. The token is
// checked by ResolveToken because the merge command runs without one.
func (c Config) Validate() error {
	if c.Crawl.StarMin < 0 {
		return fmt.Errorf("crawl.star_min must be >= 0")
	}
	if c.Crawl.StarMax < c.Crawl.StarMin {
		return fmt.Errorf("crawl.star_max must be >= crawl.star_min")
	}
	if _, err := c.Filter(time.Now()); err != nil {
		return err
	}
	if c.Crawl.PageSize <= 0 {
		return fmt.Errorf("crawl.page_size must be > 0")
	}
	if c.Crawl.PageLimit <= 0 {
		return fmt.Errorf("crawl.page_limit must be > 0")
	}
	if c.Crawl.PageRetries < 0 {
		return fmt.Errorf("crawl.page_retries must be >= 0")
	}
	if c.Crawl.Checkpoint == "" {
		return fmt.Errorf("crawl.checkpoint must be set")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxRetries < 0 {
		return fmt.Errorf("http.max_retries must be >= 0")
	}
	if c.HTTP.BackoffSeconds < 0 {
		return fmt.Errorf("http.backoff_seconds must be >= 0")
	}
	if c.HTTP.RequestsPerSecond < 0 {
		return fmt.Errorf("http.requests_per_second must be >= 0")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 0 and 65535")
	}
	switch c.Storage.Backend {
	case BackendNone, BackendMemory:
	case BackendLocal:
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set for the local backend")
		}
	case BackendGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be between 0 and 1")
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set together")
	}
	return nil
}

// Filter returns the configured initial search space. An empty date_max
// means today in UTC.
func (c Config) Filter(now time.Time) (crawler.RangeFilter, error) {
	dateMin, err := crawler.ParseDay(c.Crawl.DateMin)
	if err != nil {
		return crawler.RangeFilter{}, fmt.Errorf("crawl.date_min: %w", err)
	}
	dateMax := now.UTC()
	if c.Crawl.DateMax != "" {
		dateMax, err = crawler.ParseDay(c.Crawl.DateMax)
		if err != nil {
			return crawler.RangeFilter{}, fmt.Errorf("crawl.date_max: %w", err)
		}
	}
	f, err := crawler.NewRangeFilter(c.Crawl.StarMin, c.Crawl.StarMax, dateMin, dateMax)
	if err != nil {
		return crawler.RangeFilter{}, fmt.Errorf("crawl bounds: %w", err)
	}
	return f, nil
}

// OutputPath returns crawl.output, or a name derived from the bounds, joined
// to crawl.output_dir.
func (c Config) OutputPath(f crawler.RangeFilter) string {
	name := c.Crawl.Output
	if name == "" {
		name = output.FileName(f)
	}
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.Crawl.OutputDir, name)
}

// CheckpointPath returns crawl.checkpoint resolved against crawl.output_dir.
func (c Config) CheckpointPath() string {
	if filepath.IsAbs(c.Crawl.Checkpoint) {
		return c.Crawl.Checkpoint
	}
	return filepath.Join(c.Crawl.OutputDir, c.Crawl.Checkpoint)
}

// ResolveToken returns github.token, or the trimmed contents of
// github.token_file.
func (c Config) ResolveToken() (string, error) {
	if tok := strings.TrimSpace(c.GitHub.Token); tok != "" {
		return tok, nil
	}
	if c.GitHub.TokenFile != "" {
		raw, err := os.ReadFile(c.GitHub.TokenFile)
		if err != nil {
			return "", fmt.Errorf("read github.token_file: %w", err)
		}
		if tok := strings.TrimSpace(string(raw)); tok != "" {
			return tok, nil
		}
	}
	return "", errors.New("github.token or github.token_file must be set")
}

// RequestTimeout converts http.timeout_seconds.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// Backoff converts http.backoff_seconds.
func (c Config) Backoff() time.Duration {
	return time.Duration(c.HTTP.BackoffSeconds) * time.Second
}

// MaxRateLimitWait converts http.max_rate_limit_wait_seconds; zero is
// unbounded.
func (c Config) MaxRateLimitWait() time.Duration {
	return time.Duration(c.HTTP.MaxRateLimitWaitSeconds) * time.Second
}

// RateLimitSlack converts http.rate_limit_slack_ms.
func (c Config) RateLimitSlack() time.Duration {
	return time.Duration(c.HTTP.RateLimitSlackMillis) * time.Millisecond
}
