package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// APIKeyEntry is one accepted API key for the gateway's AuthMiddleware.
type APIKeyEntry struct {
	Key         string   `yaml:"key"`
	Description string   `yaml:"description,omitempty"`
	AgentIDs    []string `yaml:"agent_ids,omitempty"`
}

// AuthConfig controls gateway API key authentication.
type AuthConfig struct {
	Enabled bool          `yaml:"enabled"`
	Keys    []APIKeyEntry `yaml:"keys"`
}

// CORSConfig controls the gateway's cross-origin policy.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// RateLimitConfig controls the gateway's per-key token bucket limiter.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// OTelConfig controls the observability provider.
type OTelConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Exporter   string  `yaml:"exporter"` // "otlp-http", "stdout", "none"
	Endpoint   string  `yaml:"endpoint"`
	SampleRate float64 `yaml:"sample_rate"`
}

// RetryConfig controls the TaskRunner's backoff on retryable errors.
type RetryConfig struct {
	BaseMs int    `yaml:"base_ms"`
	CapMs  int    `yaml:"cap_ms"`
	Jitter string `yaml:"jitter"` // "full", "none"
}

// PagePoolConfig controls the BrowserDriver's page pool.
type PagePoolConfig struct {
	Max         int    `yaml:"max"`
	ResetPolicy string `yaml:"reset_policy"` // "full", "fast"
}

// Config is the orchestrator's single typed configuration value, loaded
// from defaults, then orchestrator.yaml, then environment overrides.
type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// Engine tunables.
	GlobalParallelism              int    `yaml:"global_parallelism"`
	ParallelismPerExecution        int    `yaml:"parallelism_per_execution"`
	DefaultTaskTimeoutSeconds      int    `yaml:"default_task_timeout_seconds"`
	DefaultExecutionTimeoutSeconds int    `yaml:"default_execution_timeout_seconds"`
	DefaultRetryCount              int    `yaml:"default_retry_count"`
	CancellationGraceSeconds       int    `yaml:"cancellation_grace_seconds"`
	OrphanPolicy                   string `yaml:"orphan_policy"` // "fail" or "resume"

	Retry    RetryConfig    `yaml:"retry"`
	PagePool PagePoolConfig `yaml:"page_pool"`

	EventSubscriberQueueDepth int    `yaml:"event_subscriber_queue_depth"`
	EventOverflowPolicy       string `yaml:"event_overflow_policy"`

	SQLitePath          string `yaml:"sqlite_path"`
	SQLiteBusyTimeoutMs int    `yaml:"sqlite_busy_timeout_ms"`

	OTel OTelConfig `yaml:"otel"`

	// AllowOrigins controls which Origin headers are accepted for the
	// WebSocket subscribe endpoint.
	AllowOrigins []string `yaml:"allow_origins"`

	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`
	RetentionEventsDays int `yaml:"retention_events_days"`

	Auth      AuthConfig      `yaml:"auth"`
	CORS      CORSConfig      `yaml:"cors"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	NeedsGenesis bool `yaml:"-"`
}

// ConfigPath returns the path to orchestrator.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "orchestrator.yaml")
}

func defaultConfig() Config {
	return Config{
		BindAddr:                       "127.0.0.1:18080",
		LogLevel:                       "info",
		GlobalParallelism:              16,
		ParallelismPerExecution:        1,
		DefaultTaskTimeoutSeconds:      30,
		DefaultExecutionTimeoutSeconds: 0,
		DefaultRetryCount:              3,
		CancellationGraceSeconds:       5,
		OrphanPolicy:                   "fail",
		Retry: RetryConfig{
			BaseMs: 1000,
			CapMs:  30000,
			Jitter: "full",
		},
		PagePool: PagePoolConfig{
			Max:         5,
			ResetPolicy: "full",
		},
		EventSubscriberQueueDepth: 256,
		EventOverflowPolicy:       "slow-consumer-drop",
		SQLiteBusyTimeoutMs:       5000,
		OTel: OTelConfig{
			Exporter:   "none",
			SampleRate: 1.0,
		},
		DrainTimeoutSeconds: 5,
		RetentionEventsDays: 90,
	}
}

func HomeDir() string {
	if override := os.Getenv("ORCH_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".orchestrator")
}

// Load reads orchestrator.yaml from HomeDir (or defaults + NeedsGenesis if
// absent), applies environment overrides, and normalizes every tunable.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()
	cfg.SQLitePath = filepath.Join(cfg.HomeDir, "orchestrator.db")

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create orchestrator home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read orchestrator.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse orchestrator.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.GlobalParallelism <= 0 {
		cfg.GlobalParallelism = 16
	}
	if cfg.ParallelismPerExecution <= 0 {
		cfg.ParallelismPerExecution = 1
	}
	if cfg.DefaultTaskTimeoutSeconds <= 0 {
		cfg.DefaultTaskTimeoutSeconds = 30
	}
	if cfg.DefaultRetryCount <= 0 {
		cfg.DefaultRetryCount = 3
	}
	if cfg.CancellationGraceSeconds <= 0 {
		cfg.CancellationGraceSeconds = 5
	}
	if cfg.OrphanPolicy == "" {
		cfg.OrphanPolicy = "fail"
	}
	if cfg.Retry.BaseMs <= 0 {
		cfg.Retry.BaseMs = 1000
	}
	if cfg.Retry.CapMs <= 0 {
		cfg.Retry.CapMs = 30000
	}
	if cfg.Retry.Jitter == "" {
		cfg.Retry.Jitter = "full"
	}
	if cfg.PagePool.Max <= 0 {
		cfg.PagePool.Max = 5
	}
	if cfg.PagePool.ResetPolicy == "" {
		cfg.PagePool.ResetPolicy = "full"
	}
	if cfg.EventSubscriberQueueDepth <= 0 {
		cfg.EventSubscriberQueueDepth = 256
	}
	if cfg.EventOverflowPolicy == "" {
		cfg.EventOverflowPolicy = "slow-consumer-drop"
	}
	if cfg.SQLitePath == "" {
		cfg.SQLitePath = filepath.Join(cfg.HomeDir, "orchestrator.db")
	}
	if cfg.SQLiteBusyTimeoutMs <= 0 {
		cfg.SQLiteBusyTimeoutMs = 5000
	}
	if cfg.OTel.Exporter == "" {
		cfg.OTel.Exporter = "none"
	}
	if cfg.OTel.SampleRate <= 0 {
		cfg.OTel.SampleRate = 1.0
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("ORCH_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("ORCH_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("ORCH_GLOBAL_PARALLELISM"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.GlobalParallelism = v
		}
	}
	if raw := os.Getenv("ORCH_PARALLELISM_PER_EXECUTION"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.ParallelismPerExecution = v
		}
	}
	if raw := os.Getenv("ORCH_SQLITE_PATH"); raw != "" {
		cfg.SQLitePath = raw
	}
	if raw := os.Getenv("ORCH_DEFAULT_EXECUTION_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DefaultExecutionTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("ORCH_ORPHAN_POLICY"); raw != "" {
		cfg.OrphanPolicy = raw
	}
	if raw := os.Getenv("ORCH_OTEL_ENABLED"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.OTel.Enabled = v
		}
	}
	if raw := os.Getenv("ORCH_OTEL_EXPORTER"); raw != "" {
		cfg.OTel.Exporter = raw
	}
	if raw := os.Getenv("ORCH_OTEL_ENDPOINT"); raw != "" {
		cfg.OTel.Endpoint = raw
	}
}

// Fingerprint returns a stable hash of the active config for audit/log correlation.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|global=%d|per_exec=%d|task_timeout=%d|exec_timeout=%d|retries=%d|orphan=%s|sqlite=%s|origins=%v",
		c.BindAddr, c.LogLevel, c.GlobalParallelism, c.ParallelismPerExecution,
		c.DefaultTaskTimeoutSeconds, c.DefaultExecutionTimeoutSeconds, c.DefaultRetryCount,
		c.OrphanPolicy, c.SQLitePath, c.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// DefaultExecutionTimeout returns the configured execution timeout, or 0
// (no deadline) when unset.
func (c Config) DefaultExecutionTimeout() time.Duration {
	if c.DefaultExecutionTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.DefaultExecutionTimeoutSeconds) * time.Second
}

// DefaultTaskTimeout returns the configured per-task default deadline.
func (c Config) DefaultTaskTimeout() time.Duration {
	return time.Duration(c.DefaultTaskTimeoutSeconds) * time.Second
}

// CancellationGrace returns the configured grace period for cancel convergence.
func (c Config) CancellationGrace() time.Duration {
	return time.Duration(c.CancellationGraceSeconds) * time.Second
}
