package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Crawl.StarMin != 5 || cfg.Crawl.StarMax != 1000000 {
		t.Fatalf("unexpected star defaults: %+v", cfg.Crawl)
	}
	if cfg.Crawl.PageSize != 24 || cfg.Crawl.PageLimit != 1000 || cfg.Crawl.PageRetries != 1 {
		t.Fatalf("unexpected paging defaults: %+v", cfg.Crawl)
	}
	if cfg.HTTP.MaxRetries != 5 || cfg.Backoff() != 5*time.Second {
		t.Fatalf("unexpected retry defaults: %+v", cfg.HTTP)
	}
	if cfg.MaxRateLimitWait() != 0 {
		t.Fatalf("rate limit waits must be unbounded by default")
	}
	if cfg.Server.Port != 0 {
		t.Fatalf("status server must be off by default")
	}
	if cfg.DB.RunsTable != "census_runs" || cfg.DB.RegionsTable != "census_regions" {
		t.Fatalf("unexpected table defaults: %+v", cfg.DB)
	}
	if got := cfg.CheckpointPath(); got != "regions.ckpt" {
		t.Fatalf("unexpected checkpoint path %q", got)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
github:
  token: file-token
crawl:
  star_min: 100
  star_max: 200
  date_min: "2015-01-01"
  date_max: "2015-12-31"
  page_size: 50
  output_dir: /data
  checkpoint: run.ckpt
http:
  timeout_seconds: 45
  max_retries: 3
  backoff_seconds: 2
  requests_per_second: 1.5
  max_rate_limit_wait_seconds: 3600
server:
  port: 9090
storage:
  backend: gcs
  gcs_bucket: census-artifacts
pubsub:
  project_id: proj
  topic_name: census-done
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Crawl.PageSize != 50 || cfg.HTTP.RequestsPerSecond != 1.5 {
		t.Fatalf("expected crawl/http overrides to apply: %+v %+v", cfg.Crawl, cfg.HTTP)
	}
	if got := cfg.RequestTimeout(); got != 45*time.Second {
		t.Fatalf("expected timeout 45s, got %v", got)
	}
	if got := cfg.MaxRateLimitWait(); got != time.Hour {
		t.Fatalf("expected rate limit cap 1h, got %v", got)
	}
	if cfg.Logging.Development {
		t.Fatalf("expected production logging")
	}

	f, err := cfg.Filter(time.Now())
	if err != nil {
		t.Fatalf("Filter() error = %v", err)
	}
	if f.String() != "stars:100..200 created:2015-01-01..2015-12-31" {
		t.Fatalf("unexpected filter %s", f)
	}
	if got := cfg.OutputPath(f); got != "/data/repos_2015-01-01_2015-12-31_stars_100_200.json" {
		t.Fatalf("unexpected output path %q", got)
	}
	if got := cfg.CheckpointPath(); got != "/data/run.ckpt" {
		t.Fatalf("unexpected checkpoint path %q", got)
	}
	tok, err := cfg.ResolveToken()
	if err != nil || tok != "file-token" {
		t.Fatalf("ResolveToken() = %q, %v", tok, err)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CENSUS_GITHUB_TOKEN", "env-token")
	t.Setenv("CENSUS_CRAWL_STAR_MIN", "42")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.GitHub.Token != "env-token" || cfg.Crawl.StarMin != 42 {
		t.Fatalf("expected env overrides, got token=%q star_min=%d", cfg.GitHub.Token, cfg.Crawl.StarMin)
	}
}

func TestFilterDefaultsDateMaxToToday(t *testing.T) {
	t.Parallel()

	cfg := validBase()
	now := time.Date(2024, 6, 30, 23, 59, 0, 0, time.UTC)
	f, err := cfg.Filter(now)
	if err != nil {
		t.Fatalf("Filter() error = %v", err)
	}
	if f.DatesQualifier() != "2009-01-01..2024-06-30" {
		t.Fatalf("unexpected dates %s", f.DatesQualifier())
	}
}

func TestResolveTokenFromFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("  ghp_secret\n"), 0o600); err != nil {
		t.Fatalf("write token: %v", err)
	}
	cfg := validBase()
	cfg.GitHub.TokenFile = path
	tok, err := cfg.ResolveToken()
	if err != nil || tok != "ghp_secret" {
		t.Fatalf("ResolveToken() = %q, %v", tok, err)
	}

	cfg.GitHub.TokenFile = ""
	if _, err := cfg.ResolveToken(); err == nil {
		t.Fatal("expected missing token error")
	}
}

func validBase() Config {
	return Config{
		Crawl: CrawlConfig{
			StarMin: 5, StarMax: 1000000, DateMin: "2009-01-01",
			PageLimit: 1000, PageSize: 24, PageRetries: 1,
			OutputDir: ".", Checkpoint: "regions.ckpt",
		},
		HTTP: HTTPConfig{TimeoutSeconds: 30, MaxRetries: 5, BackoffSeconds: 5, Burst: 1},
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := validBase()

	tests := []struct {
		name string
		mut  func(*Config)
		want string
	}{
		{name: "inverted stars", mut: func(c *Config) { c.Crawl.StarMax = 1 }, want: "crawl.star_max"},
		{name: "negative stars", mut: func(c *Config) { c.Crawl.StarMin = -1 }, want: "crawl.star_min"},
		{name: "bad date", mut: func(c *Config) { c.Crawl.DateMin = "2009/01/01" }, want: "crawl.date_min"},
		{name: "inverted dates", mut: func(c *Config) { c.Crawl.DateMax = "2008-01-01" }, want: "crawl bounds"},
		{name: "page size", mut: func(c *Config) { c.Crawl.PageSize = 0 }, want: "crawl.page_size"},
		{name: "page retries", mut: func(c *Config) { c.Crawl.PageRetries = -1 }, want: "crawl.page_retries"},
		{name: "timeout", mut: func(c *Config) { c.HTTP.TimeoutSeconds = 0 }, want: "http.timeout_seconds"},
		{name: "port", mut: func(c *Config) { c.Server.Port = 70000 }, want: "server.port"},
		{name: "local dir", mut: func(c *Config) { c.Storage.Backend = BackendLocal }, want: "storage.local_dir"},
		{name: "gcs bucket", mut: func(c *Config) { c.Storage.Backend = BackendGCS }, want: "storage.gcs_bucket"},
		{name: "unknown backend", mut: func(c *Config) { c.Storage.Backend = "s3" }, want: "storage.backend"},
		{name: "sample ratio", mut: func(c *Config) { c.Tracing.SampleRatio = 1.5 }, want: "tracing.sample_ratio"},
		{name: "half pubsub", mut: func(c *Config) { c.PubSub.ProjectID = "p" }, want: "pubsub"},
	}

	if err := base.Validate(); err != nil {
		t.Fatalf("base config must validate: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mut(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
