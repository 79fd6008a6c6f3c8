package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FINROUTER_"

// Supported sqlite drivers. "sqlite3" is mattn/go-sqlite3 (cgo), "sqlite" is
// modernc.org/sqlite (pure Go).
const (
	DriverSQLite3 = "sqlite3"
	DriverSQLite  = "sqlite"
)

// Supported LLM providers.
const (
	ProviderGemini = "gemini"
	ProviderOllama = "ollama"
	ProviderNone   = "none"
)

// Config is the full service configuration.
type Config struct {
	LogLevel  string          `json:"log_level"`
	Router    RouterConfig    `json:"router"`
	Server    ServerConfig    `json:"server"`
	Storage   StorageConfig   `json:"storage"`
	LLM       LLMConfig       `json:"llm"`
	Telemetry TelemetryConfig `json:"telemetry"`
}

// ServerConfig configures the HTTP and gRPC listeners.
type ServerConfig struct {
	HTTPAddr        string        `json:"http_addr"`
	GRPCAddr        string        `json:"grpc_addr"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`

	// Per-user chat limits
	RequestsPerMinute int `json:"requests_per_minute"`
	RequestsPerHour   int `json:"requests_per_hour"`
	BurstSize         int `json:"burst_size"`
}

// StorageConfig configures the relational store and the redis-backed
// conversation memory. An empty RedisAddr keeps memory in process.
type StorageConfig struct {
	Driver      string        `json:"driver"`
	DSN         string        `json:"dsn"`
	RedisAddr   string        `json:"redis_addr"`
	RedisPrefix string        `json:"redis_prefix"`
	HistoryTTL  time.Duration `json:"history_ttl"`
}

// LLMConfig selects and configures the completion backend.
type LLMConfig struct {
	Provider    string  `json:"provider"`
	Model       string  `json:"model"`
	APIKey      string  `json:"api_key"`
	BaseURL     string  `json:"base_url"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

// TelemetryConfig configures tracing export. An empty endpoint disables it.
type TelemetryConfig struct {
	ServiceName  string `json:"service_name"`
	OTLPEndpoint string `json:"otlp_endpoint"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		LogLevel: "info",
		Router:   DefaultRouterConfig(),
		Server: ServerConfig{
			HTTPAddr:          ":8080",
			GRPCAddr:          ":50051",
			ShutdownTimeout:   15 * time.Second,
			RequestsPerMinute: 30,
			RequestsPerHour:   600,
			BurstSize:         5,
		},
		Storage: StorageConfig{
			Driver:      DriverSQLite3,
			DSN:         "file:finrouter.db?_foreign_keys=on",
			RedisPrefix: "finrouter:",
			HistoryTTL:  24 * time.Hour,
		},
		LLM: LLMConfig{
			Provider:    ProviderGemini,
			Model:       "gemini-2.0-flash",
			BaseURL:     "http://localhost:11434",
			Temperature: 0.2,
			MaxTokens:   1024,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "finrouter",
		},
	}
}

// Validate checks the whole configuration.
func (c Config) Validate() error {
	if err := c.Router.Validate(); err != nil {
		return fmt.Errorf("router: %w", err)
	}
	switch c.Storage.Driver {
	case DriverSQLite3, DriverSQLite:
	default:
		return fmt.Errorf("storage: unsupported driver '%s'", c.Storage.Driver)
	}
	if c.Storage.DSN == "" {
		return fmt.Errorf("storage: dsn is required")
	}
	switch c.LLM.Provider {
	case ProviderGemini, ProviderOllama, ProviderNone:
	default:
		return fmt.Errorf("llm: unsupported provider '%s'", c.LLM.Provider)
	}
	if c.Server.RequestsPerMinute < 0 || c.Server.RequestsPerHour < 0 || c.Server.BurstSize < 0 {
		return fmt.Errorf("server: rate limits must not be negative")
	}
	return nil
}

// Load reads an optional YAML file over the defaults, then applies
// environment overrides, then validates. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		var raw map[string]any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
		if err := decodeInto(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode config %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overlays FINROUTER_* variables. lookup is os.LookupEnv in
// production and a map in tests.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	str("LOG_LEVEL", &c.LogLevel)
	str("HTTP_ADDR", &c.Server.HTTPAddr)
	str("GRPC_ADDR", &c.Server.GRPCAddr)
	str("DB_DRIVER", &c.Storage.Driver)
	str("DB_DSN", &c.Storage.DSN)
	str("REDIS_ADDR", &c.Storage.RedisAddr)
	str("LLM_PROVIDER", &c.LLM.Provider)
	str("LLM_MODEL", &c.LLM.Model)
	str("LLM_BASE_URL", &c.LLM.BaseURL)
	str("LLM_API_KEY", &c.LLM.APIKey)
	str("OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint)

	if c.LLM.APIKey == "" {
		if v, ok := lookup("GEMINI_API_KEY"); ok {
			c.LLM.APIKey = v
		}
	}

	floats := map[string]*float64{
		"CLASSIFY_THRESHOLD":      &c.Router.ClassifyThreshold,
		"CLARIFY_THRESHOLD":       &c.Router.ClarifyThreshold,
		"FALLBACK_CONFIDENCE_CAP": &c.Router.FallbackConfidenceCap,
	}
	for key, dst := range floats {
		v, ok := lookup(EnvPrefix + key)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		*dst = f
	}

	if v, ok := lookup(EnvPrefix + "LLM_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sLLM_TIMEOUT: %w", EnvPrefix, err)
		}
		c.Router.LLMTimeout = d
	}
	return nil
}
