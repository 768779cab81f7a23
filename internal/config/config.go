package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the full configuration for the crawl and ingest stages.
type Config struct {
	Crawl      CrawlConfig      `yaml:"crawl"`
	Browser    BrowserConfig    `yaml:"browser"`
	Retry      RetryConfig      `yaml:"retry"`
	Output     OutputConfig     `yaml:"output"`
	DB         SQLConfig        `yaml:"db"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// CrawlConfig controls pagination traversal and pacing.
type CrawlConfig struct {
	// BaseURL is the listing index with a trailing page-number parameter,
	// e.g. "https://jiji.ng/cars?page=".
	BaseURL string `yaml:"base_url"`
	// SiteRoot resolves relative detail links found on the index.
	SiteRoot string `yaml:"site_root"`

	MaxPages           int `yaml:"max_pages"`
	EmptyPageThreshold int `yaml:"empty_page_threshold"`

	// SessionRestartEvery recreates the browser session every N pages as a
	// proactive anti-detection measure. 0 disables.
	SessionRestartEvery int `yaml:"session_restart_every"`

	MinItemDelay Duration `yaml:"min_item_delay"`
	MaxItemDelay Duration `yaml:"max_item_delay"`

	// Workers splits the page range across independent sessions, one output
	// file each.
	Workers int `yaml:"workers"`

	// RequestsPerSecond caps detail-page navigation globally. 0 = unlimited.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

// BrowserConfig controls the headless browser sessions.
type BrowserConfig struct {
	Headless          bool     `yaml:"headless"`
	NavigationTimeout Duration `yaml:"navigation_timeout"`
	ProxyURL          string   `yaml:"proxy_url"`
	// UserAgents is the identity pool; each new session picks one at random.
	UserAgents []string `yaml:"user_agents"`
}

// RetryConfig bounds retries around network operations.
type RetryConfig struct {
	MaxAttempts int      `yaml:"max_attempts"`
	Backoff     Duration `yaml:"backoff"`
}

// OutputConfig locates the intermediate record store.
type OutputConfig struct {
	DataDir    string `yaml:"data_dir"`
	ArchiveDir string `yaml:"archive_dir"`
}

// SQLConfig describes the relational sink for the ingestion stage.
type SQLConfig struct {
	Driver          string   `yaml:"driver"`
	DSN             string   `yaml:"dsn"`
	Table           string   `yaml:"table"`
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool     `yaml:"auto_migrate"`
}

// Enabled reports whether an ingestion sink is configured.
func (s SQLConfig) Enabled() bool {
	return s.DSN != ""
}

// CheckpointConfig controls optional resume-point tracking.
type CheckpointConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// MetricsConfig exposes Prometheus metrics when Addr is set, e.g. ":6060".
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// LoggingConfig selects log verbosity and format.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Structured bool   `yaml:"structured"`
}

// Default returns a Config populated with the target site's defaults.
func Default() Config {
	return Config{
		Crawl: CrawlConfig{
			BaseURL:             "https://jiji.ng/cars?page=",
			SiteRoot:            "https://jiji.ng",
			MaxPages:            1000,
			EmptyPageThreshold:  500,
			SessionRestartEvery: 4,
			MinItemDelay:        DurationFrom(2 * time.Second),
			MaxItemDelay:        DurationFrom(5 * time.Second),
			Workers:             1,
		},
		Browser: BrowserConfig{
			Headless:          true,
			NavigationTimeout: DurationFrom(120 * time.Second),
			UserAgents:        defaultUserAgents(),
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			Backoff:     DurationFrom(time.Second),
		},
		Output: OutputConfig{
			DataDir:    "data",
			ArchiveDir: "data/archive",
		},
		DB: SQLConfig{
			Driver:      "postgres",
			Table:       "src_cars_information",
			AutoMigrate: true,
		},
		Checkpoint: CheckpointConfig{
			Path: "data/checkpoint.json",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Structured: true,
		},
	}
}

func defaultUserAgents() []string {
	return []string{
		"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:127.0) Gecko/20100101 Firefox/127.0",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
	}
}

// Load reads, merges, and validates configuration from a YAML file.
func Load(path string) (*Config, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer fh.Close()
	return LoadFromReader(fh)
}

// LoadFromReader decodes configuration from an arbitrary reader.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces required invariants.
func (c Config) Validate() error {
	if c.Crawl.BaseURL == "" {
		return errors.New("crawl.base_url must be set")
	}
	parsed, err := url.Parse(c.Crawl.BaseURL)
	if err != nil || parsed.Host == "" {
		return fmt.Errorf("crawl.base_url %q must be an absolute URL", c.Crawl.BaseURL)
	}
	if c.Crawl.SiteRoot == "" {
		return errors.New("crawl.site_root must be set")
	}
	if c.Crawl.MaxPages <= 0 {
		return fmt.Errorf("crawl.max_pages must be > 0 (got %d)", c.Crawl.MaxPages)
	}
	if c.Crawl.EmptyPageThreshold <= 0 {
		return fmt.Errorf("crawl.empty_page_threshold must be > 0 (got %d)", c.Crawl.EmptyPageThreshold)
	}
	if c.Crawl.SessionRestartEvery < 0 {
		return fmt.Errorf("crawl.session_restart_every must be >= 0 (got %d)", c.Crawl.SessionRestartEvery)
	}
	if c.Crawl.Workers <= 0 {
		return fmt.Errorf("crawl.workers must be > 0 (got %d)", c.Crawl.Workers)
	}
	if c.Crawl.MinItemDelay.Duration < 0 || c.Crawl.MaxItemDelay.Duration < c.Crawl.MinItemDelay.Duration {
		return fmt.Errorf("crawl item delays invalid: min=%s max=%s",
			c.Crawl.MinItemDelay, c.Crawl.MaxItemDelay)
	}
	if c.Crawl.RequestsPerSecond < 0 {
		return fmt.Errorf("crawl.requests_per_second must be >= 0 (got %v)", c.Crawl.RequestsPerSecond)
	}
	if c.Browser.NavigationTimeout.Duration <= 0 {
		return errors.New("browser.navigation_timeout must be > 0")
	}
	if len(c.Browser.UserAgents) == 0 {
		return errors.New("browser.user_agents must include at least one value")
	}
	if c.Browser.ProxyURL != "" {
		if _, err := url.Parse(c.Browser.ProxyURL); err != nil {
			return fmt.Errorf("browser.proxy_url: %w", err)
		}
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0 (got %d)", c.Retry.MaxAttempts)
	}
	if c.Retry.Backoff.Duration <= 0 {
		return errors.New("retry.backoff must be > 0")
	}
	if c.Output.DataDir == "" {
		return errors.New("output.data_dir must be set")
	}
	if c.Output.ArchiveDir == "" {
		return errors.New("output.archive_dir must be set")
	}
	if c.DB.Enabled() {
		if c.DB.Driver == "" {
			return errors.New("db.driver must be set when db.dsn is configured")
		}
		if c.DB.Table == "" {
			return errors.New("db.table must be set when db.dsn is configured")
		}
	}
	if c.Checkpoint.Enabled && c.Checkpoint.Path == "" {
		return errors.New("checkpoint.path must be set when checkpoint.enabled is true")
	}
	return nil
}

func (c *Config) normalise() {
	c.Crawl.BaseURL = strings.TrimSpace(c.Crawl.BaseURL)
	c.Crawl.SiteRoot = strings.TrimRight(strings.TrimSpace(c.Crawl.SiteRoot), "/")
	c.Browser.ProxyURL = strings.TrimSpace(c.Browser.ProxyURL)
	c.Output.DataDir = strings.TrimSpace(c.Output.DataDir)
	c.Output.ArchiveDir = strings.TrimSpace(c.Output.ArchiveDir)
	c.DB.DSN = strings.TrimSpace(c.DB.DSN)
	c.DB.Table = strings.TrimSpace(c.DB.Table)
	c.Checkpoint.Path = strings.TrimSpace(c.Checkpoint.Path)
	c.Metrics.Addr = strings.TrimSpace(c.Metrics.Addr)

	if len(c.Browser.UserAgents) > 0 {
		unique := make(map[string]struct{}, len(c.Browser.UserAgents))
		cleaned := make([]string, 0, len(c.Browser.UserAgents))
		for _, raw := range c.Browser.UserAgents {
			ua := strings.TrimSpace(raw)
			if ua == "" {
				continue
			}
			if _, exists := unique[ua]; exists {
				continue
			}
			unique[ua] = struct{}{}
			cleaned = append(cleaned, ua)
		}
		c.Browser.UserAgents = cleaned
	}
}
