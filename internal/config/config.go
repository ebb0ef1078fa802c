// Package config loads the gateway's single immutable configuration value.
//
// Grounded on internal/config/providers.go's shape: a YAML file with
// per-concern sub-structs, environment overrides for secrets and
// per-deployment knobs, and a Validate pass before the value is handed to
// component constructors.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the whole of the gateway's static configuration. It is loaded
// once at startup and passed by pointer to every component constructor —
// nothing in this module reads os.Getenv after Load returns.
type Config struct {
	Upstream UpstreamConfig `yaml:"upstream"`
	Batch    BatchConfig    `yaml:"batch"`
	Gate     GateConfig     `yaml:"gate"`
	Cache    CacheConfig    `yaml:"cache"`
	Stream   StreamConfig   `yaml:"stream"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
	Redis    RedisConfig    `yaml:"redis"`
	Catalog  CatalogConfig  `yaml:"catalog"`
	HTTP     HTTPConfig     `yaml:"http"`
	WS       WSConfig       `yaml:"ws"`
	Log      LogConfig      `yaml:"log"`

	PerEventRPS map[string]float64 `yaml:"per_event_rps"`
}

type UpstreamConfig struct {
	BaseURL string `yaml:"base_url"`
	WSURL   string `yaml:"ws_url"`
	APIKey  string `yaml:"api_key"`
	// AccessToken is loaded from session storage out-of-band; upstream.Session
	// holds it as a runtime value, not config.
}

type BatchConfig struct {
	MaxChunk   int           `yaml:"max_chunk"`
	CoalesceMS time.Duration `yaml:"coalesce_ms"`
	MaxRetries int           `yaml:"max_retries"`
}

type GateConfig struct {
	JitterMS time.Duration `yaml:"jitter_ms"`
}

type CacheConfig struct {
	MemoryTTLMS time.Duration `yaml:"memory_ttl_ms"`
	MemoryMax   int           `yaml:"memory_max"`
	TickTTLMS   time.Duration `yaml:"tick_ttl_ms"`
}

type StreamConfig struct {
	MaxSubsPerSocket  int           `yaml:"max_subs_per_socket"`
	ReconnectMaxMS    time.Duration `yaml:"reconnect_max_backoff_ms"`
	OutboundQueueSize int           `yaml:"outbound_queue_size"`
}

type SnapshotConfig struct {
	DeadlineMS time.Duration `yaml:"deadline_ms"`
	HTTPTimeoutMS time.Duration `yaml:"http_timeout_ms"`
}

type RedisConfig struct {
	Addr string `yaml:"addr"`
	DB   int    `yaml:"db"`
}

type CatalogConfig struct {
	DSN          string        `yaml:"dsn"`
	ResolverTTL  time.Duration `yaml:"resolver_ttl"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type WSConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Format string `yaml:"format"` // "json" | "console"
	Level  string `yaml:"level"`
}

// Default returns the gateway's baseline configuration.
func Default() *Config {
	return &Config{
		Batch: BatchConfig{
			MaxChunk:   1000,
			CoalesceMS: 20 * time.Millisecond,
			MaxRetries: 2,
		},
		Gate: GateConfig{
			JitterMS: 250 * time.Millisecond,
		},
		Cache: CacheConfig{
			MemoryTTLMS: 5000 * time.Millisecond,
			MemoryMax:   10000,
			TickTTLMS:   10000 * time.Millisecond,
		},
		Stream: StreamConfig{
			MaxSubsPerSocket:  1000,
			ReconnectMaxMS:    60000 * time.Millisecond,
			OutboundQueueSize: 256,
		},
		Snapshot: SnapshotConfig{
			DeadlineMS:    3000 * time.Millisecond,
			HTTPTimeoutMS: 1500 * time.Millisecond,
		},
		Catalog: CatalogConfig{
			ResolverTTL: 10 * time.Minute,
		},
		HTTP: HTTPConfig{Addr: ":8080"},
		WS:   WSConfig{Addr: ":8081"},
		Log:  LogConfig{Format: "console", Level: "info"},
		PerEventRPS: map[string]float64{
			"subscribe":   20,
			"unsubscribe": 20,
			"set_mode":    20,
			"get_quote":   10,
			"default":     30,
		},
	}
}

// Load reads a YAML file into Default() and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("UPSTREAM_BASE_URL"); v != "" {
		cfg.Upstream.BaseURL = v
	}
	if v := os.Getenv("UPSTREAM_WS_URL"); v != "" {
		cfg.Upstream.WSURL = v
	}
	if v := os.Getenv("UPSTREAM_API_KEY"); v != "" {
		cfg.Upstream.APIKey = v
	}
	if v := os.Getenv("BATCH_MAX_CHUNK"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Batch.MaxChunk = n
		}
	}
	if v := os.Getenv("GATE_JITTER_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Gate.JitterMS = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("MEMORY_CACHE_TTL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Cache.MemoryTTLMS = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("MEMORY_CACHE_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Cache.MemoryMax = n
		}
	}
	if v := os.Getenv("TICK_CACHE_TTL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Cache.TickTTLMS = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("WS_MAX_SUBS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Stream.MaxSubsPerSocket = n
		}
	}
	if v := os.Getenv("RECONNECT_MAX_BACKOFF_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Stream.ReconnectMaxMS = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("SNAPSHOT_DEADLINE_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Snapshot.DeadlineMS = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("CATALOGUE_DSN"); v != "" {
		cfg.Catalog.DSN = v
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("WS_ADDR"); v != "" {
		cfg.WS.Addr = v
	}
}

// Validate ensures the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Batch.MaxChunk <= 0 {
		return fmt.Errorf("batch.max_chunk must be positive")
	}
	if c.Gate.JitterMS < 0 || c.Gate.JitterMS > 250*time.Millisecond {
		return fmt.Errorf("gate.jitter_ms must be within [0,250ms]")
	}
	if c.Cache.MemoryMax <= 0 {
		return fmt.Errorf("cache.memory_max must be positive")
	}
	if c.Stream.MaxSubsPerSocket <= 0 || c.Stream.MaxSubsPerSocket > 1000 {
		return fmt.Errorf("stream.max_subs_per_socket must be within (0,1000]")
	}
	return nil
}

// RPSFor returns the configured per-event rate, falling back to "default".
func (c *Config) RPSFor(event string) float64 {
	if v, ok := c.PerEventRPS[event]; ok {
		return v
	}
	return c.PerEventRPS["default"]
}
