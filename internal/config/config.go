package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/example/gpupool/pkg/poolapi"
)

// TierConfig describes one GPU tier: its capacity, economics, and the backend
// that executes requests routed to it.
type TierConfig struct {
	Name           string  `yaml:"name"`
	MaxConcurrency int     `yaml:"max_concurrency"`
	CostPerHour    float64 `yaml:"cost_per_hour"`
	EstDurationSec float64 `yaml:"est_duration_seconds"`
	ExecTimeoutSec float64 `yaml:"exec_timeout_seconds"`

	// Backend selects the execution transport: "sim" (in-process, default)
	// or "http" (remote endpoint).
	Backend    string   `yaml:"backend"`
	BaseURL    string   `yaml:"base_url"`
	APIKey     string   `yaml:"api_key"`
	MaxRetries int      `yaml:"max_retries"`
	BatchKinds []string `yaml:"batch_kinds"`
}

type Config struct {
	ListenAddr string `yaml:"listen_addr"`

	TickMillis       int  `yaml:"tick_millis"`
	QueueTimeoutSec  int  `yaml:"queue_timeout_seconds"`
	SubmitMarginSec  int  `yaml:"submit_margin_seconds"`
	FailFastOnHealth bool `yaml:"fail_fast_on_health"`
	DedupeInFlight   bool `yaml:"dedupe_in_flight"`

	CacheEnabled    bool `yaml:"cache_enabled"`
	CacheTTLSec     int  `yaml:"cache_ttl_seconds"`
	CacheMaxEntries int  `yaml:"cache_max_entries"`

	// HistoryBackend is "memory" or "sqlite".
	HistoryBackend string `yaml:"history_backend"`
	HistoryPath    string `yaml:"history_path"`
	HistoryLimit   int    `yaml:"history_limit"`

	// ArtifactBackend is "none" or "minio".
	ArtifactBackend string `yaml:"artifact_backend"`
	MinIOEndpoint   string `yaml:"minio_endpoint"`
	MinIOAccessKey  string `yaml:"minio_access_key"`
	MinIOSecretKey  string `yaml:"minio_secret_key"`
	MinIOBucket     string `yaml:"minio_bucket"`
	MinIOUseSSL     bool   `yaml:"minio_use_ssl"`

	Tiers []TierConfig `yaml:"tiers"`
}

func (c Config) TickInterval() time.Duration {
	return time.Duration(c.TickMillis) * time.Millisecond
}

func (c Config) QueueTimeout() time.Duration {
	return time.Duration(c.QueueTimeoutSec) * time.Second
}

func (c Config) SubmitMargin() time.Duration {
	return time.Duration(c.SubmitMarginSec) * time.Second
}

func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSec) * time.Second
}

// DefaultTiers mirrors the production tier table: a T4 class for cheap
// vectorized work, an A10G class for sweeps, and an A100 class for full
// physics validation.
func DefaultTiers() []TierConfig {
	return []TierConfig{
		{
			Name:           string(poolapi.TierLow),
			MaxConcurrency: 10,
			CostPerHour:    0.40,
			EstDurationSec: 30,
			ExecTimeoutSec: 300,
			Backend:        "sim",
			BatchKinds:     []string{string(poolapi.KindMonteCarlo), string(poolapi.KindBatchValidation)},
		},
		{
			Name:           string(poolapi.TierMid),
			MaxConcurrency: 4,
			CostPerHour:    1.10,
			EstDurationSec: 120,
			ExecTimeoutSec: 600,
			Backend:        "sim",
			BatchKinds:     []string{string(poolapi.KindBatchValidation)},
		},
		{
			Name:           string(poolapi.TierHigh),
			MaxConcurrency: 2,
			CostPerHour:    3.00,
			EstDurationSec: 600,
			ExecTimeoutSec: 1800,
			Backend:        "sim",
			BatchKinds:     []string{string(poolapi.KindPhysicsValidation), string(poolapi.KindBatchValidation)},
		},
	}
}

func Default() Config {
	return Config{
		ListenAddr:       ":8080",
		TickMillis:       25,
		QueueTimeoutSec:  300,
		SubmitMarginSec:  30,
		FailFastOnHealth: false,
		DedupeInFlight:   false,
		CacheEnabled:     true,
		CacheTTLSec:      3600,
		CacheMaxEntries:  1000,
		HistoryBackend:   "memory",
		HistoryLimit:     1000,
		ArtifactBackend:  "none",
		MinIOBucket:      "gpupool-results",
		Tiers:            DefaultTiers(),
	}
}

// FromEnv builds the configuration from defaults, an optional YAML file named
// by POOL_CONFIG_FILE, and POOL_* environment overrides, in that order.
func FromEnv() (Config, error) {
	cfg := Default()

	if path := strings.TrimSpace(os.Getenv("POOL_CONFIG_FILE")); path != "" {
		loaded, err := LoadFile(path)
		if err != nil {
			return Config{}, err
		}
		cfg = loaded
	}

	cfg.ListenAddr = getenv("POOL_LISTEN_ADDR", cfg.ListenAddr)
	cfg.TickMillis = getenvInt("POOL_TICK_MILLIS", cfg.TickMillis)
	cfg.QueueTimeoutSec = getenvInt("POOL_QUEUE_TIMEOUT_SECONDS", cfg.QueueTimeoutSec)
	cfg.SubmitMarginSec = getenvInt("POOL_SUBMIT_MARGIN_SECONDS", cfg.SubmitMarginSec)
	cfg.FailFastOnHealth = getenvBool("POOL_FAIL_FAST_ON_HEALTH", cfg.FailFastOnHealth)
	cfg.DedupeInFlight = getenvBool("POOL_DEDUPE_IN_FLIGHT", cfg.DedupeInFlight)
	cfg.CacheEnabled = getenvBool("POOL_CACHE_ENABLED", cfg.CacheEnabled)
	cfg.CacheTTLSec = getenvInt("POOL_CACHE_TTL_SECONDS", cfg.CacheTTLSec)
	cfg.CacheMaxEntries = getenvInt("POOL_CACHE_MAX_ENTRIES", cfg.CacheMaxEntries)
	cfg.HistoryBackend = getenv("POOL_HISTORY_BACKEND", cfg.HistoryBackend)
	cfg.HistoryPath = getenv("POOL_HISTORY_PATH", cfg.HistoryPath)
	cfg.HistoryLimit = getenvInt("POOL_HISTORY_LIMIT", cfg.HistoryLimit)
	cfg.ArtifactBackend = getenv("POOL_ARTIFACT_BACKEND", cfg.ArtifactBackend)
	cfg.MinIOEndpoint = getenv("POOL_MINIO_ENDPOINT", cfg.MinIOEndpoint)
	cfg.MinIOAccessKey = getenv("POOL_MINIO_ACCESS_KEY", cfg.MinIOAccessKey)
	cfg.MinIOSecretKey = getenv("POOL_MINIO_SECRET_KEY", cfg.MinIOSecretKey)
	cfg.MinIOBucket = getenv("POOL_MINIO_BUCKET", cfg.MinIOBucket)
	cfg.MinIOUseSSL = getenvBool("POOL_MINIO_USE_SSL", cfg.MinIOUseSSL)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile parses a YAML config file on top of the defaults. Tiers in the
// file replace the default tier set entirely.
func LoadFile(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}
	if len(cfg.Tiers) == 0 {
		cfg.Tiers = DefaultTiers()
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.TickMillis <= 0 {
		return fmt.Errorf("tick_millis must be positive, got %d", c.TickMillis)
	}
	if c.QueueTimeoutSec <= 0 {
		return fmt.Errorf("queue_timeout_seconds must be positive, got %d", c.QueueTimeoutSec)
	}
	if c.CacheEnabled && c.CacheMaxEntries <= 0 {
		return fmt.Errorf("cache_max_entries must be positive when cache is enabled, got %d", c.CacheMaxEntries)
	}
	switch c.HistoryBackend {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("unknown history_backend %q", c.HistoryBackend)
	}
	if c.HistoryBackend == "sqlite" && strings.TrimSpace(c.HistoryPath) == "" {
		return fmt.Errorf("history_path is required for the sqlite history backend")
	}
	switch c.ArtifactBackend {
	case "none", "minio":
	default:
		return fmt.Errorf("unknown artifact_backend %q", c.ArtifactBackend)
	}
	if c.ArtifactBackend == "minio" && strings.TrimSpace(c.MinIOEndpoint) == "" {
		return fmt.Errorf("minio_endpoint is required for the minio artifact backend")
	}
	if len(c.Tiers) == 0 {
		return fmt.Errorf("at least one tier must be configured")
	}
	seen := map[string]bool{}
	for _, t := range c.Tiers {
		if _, err := poolapi.ParseTier(t.Name); err != nil {
			return fmt.Errorf("tier config: %w", err)
		}
		if seen[t.Name] {
			return fmt.Errorf("duplicate tier %q", t.Name)
		}
		seen[t.Name] = true
		if t.MaxConcurrency <= 0 {
			return fmt.Errorf("tier %q: max_concurrency must be positive, got %d", t.Name, t.MaxConcurrency)
		}
		switch t.Backend {
		case "", "sim":
		case "http":
			if strings.TrimSpace(t.BaseURL) == "" {
				return fmt.Errorf("tier %q: base_url is required for the http backend", t.Name)
			}
		default:
			return fmt.Errorf("tier %q: unknown backend %q", t.Name, t.Backend)
		}
		for _, k := range t.BatchKinds {
			if _, err := poolapi.ParseRequestKind(k); err != nil {
				return fmt.Errorf("tier %q: %w", t.Name, err)
			}
		}
	}
	return nil
}

func getenv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	switch v {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	case "0", "false", "FALSE", "no", "NO":
		return false
	default:
		return fallback
	}
}
