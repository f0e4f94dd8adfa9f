package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/cuemby/fieldsync/pkg/health"
	"github.com/cuemby/fieldsync/pkg/interceptor"
	"github.com/cuemby/fieldsync/pkg/log"
	"gopkg.in/yaml.v3"
)

// Scheduler kinds
const (
	SchedulerDeferred = "deferred"
	SchedulerInterval = "interval"
)

// Config is the full fieldsync configuration
type Config struct {
	// DataDir holds the bbolt database
	DataDir string `yaml:"data_dir"`

	// Version names the cache generation; activating a new one purges the
	// cache of every other version
	Version string `yaml:"version"`

	// Listen is the address of the local proxy, control endpoint and metrics
	Listen string `yaml:"listen"`

	Backend  BackendConfig            `yaml:"backend"`
	Probe    ProbeConfig              `yaml:"probe"`
	Sync     SyncConfig               `yaml:"sync"`
	Autosave AutosaveConfig           `yaml:"autosave"`
	Routes   interceptor.RouterConfig `yaml:"routes"`
	Log      LogConfig                `yaml:"log"`

	// Reference backend used by the "backend" command
	Reference ReferenceConfig `yaml:"reference"`
}

// BackendConfig locates the hosted repository
type BackendConfig struct {
	URL        string        `yaml:"url"`
	HealthPath string        `yaml:"health_path"`
	APIKey     string        `yaml:"api_key"`
	Timeout    time.Duration `yaml:"timeout"`
}

// ProbeConfig controls connectivity detection
type ProbeConfig struct {
	Type     health.CheckType `yaml:"type"`
	Interval time.Duration    `yaml:"interval"`
	Timeout  time.Duration    `yaml:"timeout"`
	Retries  int              `yaml:"retries"`
}

// SyncConfig controls replay of queued writes
type SyncConfig struct {
	Scheduler      string        `yaml:"scheduler"`
	Interval       time.Duration `yaml:"interval"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	RateLimit      float64       `yaml:"rate_limit"` // requests per second, 0 = unlimited
	Burst          int           `yaml:"burst"`
	Coalesce       bool          `yaml:"coalesce_checkpoints"`
}

// AutosaveConfig controls the in-progress timer
type AutosaveConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// LogConfig mirrors log.Config
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// ReferenceConfig configures the development backend
type ReferenceConfig struct {
	Listen string `yaml:"listen"`
	DBPath string `yaml:"db_path"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		DataDir: "./fieldsync-data",
		Version: "dev",
		Listen:  "127.0.0.1:8787",
		Backend: BackendConfig{
			URL:        "http://127.0.0.1:8788",
			HealthPath: "/health",
			Timeout:    30 * time.Second,
		},
		Probe: ProbeConfig{
			Type:     health.CheckTypeHTTP,
			Interval: 30 * time.Second,
			Timeout:  5 * time.Second,
			Retries:  1,
		},
		Sync: SyncConfig{
			Scheduler:      SchedulerDeferred,
			Interval:       time.Minute,
			InitialBackoff: time.Second,
			MaxBackoff:     5 * time.Minute,
			RateLimit:      10,
			Burst:          5,
		},
		Autosave: AutosaveConfig{
			Interval: 30 * time.Second,
		},
		Routes: interceptor.DefaultRouterConfig(),
		Log: LogConfig{
			Level: string(log.InfoLevel),
		},
		Reference: ReferenceConfig{
			Listen: "127.0.0.1:8788",
			DBPath: "./fieldsync-backend.db",
		},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks required fields and value ranges
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Version == "" {
		return fmt.Errorf("version is required")
	}
	u, err := url.Parse(c.Backend.URL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("backend.url must be an absolute URL, got %q", c.Backend.URL)
	}
	switch c.Probe.Type {
	case health.CheckTypeHTTP, health.CheckTypeTCP:
	default:
		return fmt.Errorf("probe.type %q is not supported (use http or tcp)", c.Probe.Type)
	}
	switch c.Sync.Scheduler {
	case SchedulerDeferred, SchedulerInterval:
	default:
		return fmt.Errorf("sync.scheduler %q is not supported (use deferred or interval)", c.Sync.Scheduler)
	}
	if c.Sync.Scheduler == SchedulerInterval && c.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be > 0")
	}
	if c.Sync.InitialBackoff <= 0 || c.Sync.MaxBackoff < c.Sync.InitialBackoff {
		return fmt.Errorf("sync backoff must satisfy 0 < initial_backoff <= max_backoff")
	}
	if c.Sync.RateLimit < 0 {
		return fmt.Errorf("sync.rate_limit must be >= 0")
	}
	if c.Autosave.Interval <= 0 {
		return fmt.Errorf("autosave.interval must be > 0")
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Probe.Interval <= 0 || c.Probe.Timeout <= 0 {
		return fmt.Errorf("probe.interval and probe.timeout must be > 0")
	}
	return nil
}

// HealthURL is the probe target on the backend
func (c *Config) HealthURL() string {
	return strings.TrimRight(c.Backend.URL, "/") + "/" + strings.TrimLeft(c.Backend.HealthPath, "/")
}

// BackendURL returns the parsed backend base URL
func (c *Config) BackendURL() *url.URL {
	u, _ := url.Parse(c.Backend.URL)
	return u
}

// LoggerConfig converts the log section for log.Init
func (c *Config) LoggerConfig() log.Config {
	level, _ := log.ParseLevel(c.Log.Level)
	return log.Config{
		Level:      level,
		JSONOutput: c.Log.JSON,
	}
}

// HealthConfig converts the probe section for health.NewMonitor
func (c *Config) HealthConfig() health.Config {
	return health.Config{
		Interval: c.Probe.Interval,
		Timeout:  c.Probe.Timeout,
		Retries:  c.Probe.Retries,
	}
}
