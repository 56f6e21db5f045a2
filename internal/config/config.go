// Package config loads the client configuration from defaults, an optional
// YAML file, an optional .env file and the process environment, in that order
// of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Storage backends accepted by StorageBackend.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config holds every tunable of the sync core.
type Config struct {
	// Remote endpoints
	APIBaseURL  string `yaml:"api_base_url" env:"SYNC_API_BASE_URL"`
	RealtimeURL string `yaml:"realtime_url" env:"SYNC_REALTIME_URL"`

	// Durable storage
	StoragePrefix    string `yaml:"storage_prefix" env:"SYNC_STORAGE_PREFIX"`
	StorageBackend   string `yaml:"storage_backend" env:"SYNC_STORAGE_BACKEND"`
	RedisAddr        string `yaml:"redis_addr" env:"SYNC_REDIS_ADDR"`
	RedisPassword    string `yaml:"redis_password" env:"SYNC_REDIS_PASSWORD"`
	RedisDB          int    `yaml:"redis_db" env:"SYNC_REDIS_DB"`
	PostgresDSN      string `yaml:"postgres_dsn" env:"SYNC_POSTGRES_DSN"`
	BroadcastChannel string `yaml:"broadcast_channel" env:"SYNC_BROADCAST_CHANNEL"`

	// Transport
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval" env:"SYNC_HEARTBEAT_INTERVAL"`
	ReadTimeout          time.Duration `yaml:"read_timeout" env:"SYNC_READ_TIMEOUT"`
	WriteTimeout         time.Duration `yaml:"write_timeout" env:"SYNC_WRITE_TIMEOUT"`
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout" env:"SYNC_HANDSHAKE_TIMEOUT"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay" env:"SYNC_RECONNECT_BASE_DELAY"`
	ReconnectMaxAttempts int           `yaml:"reconnect_max_attempts" env:"SYNC_RECONNECT_MAX_ATTEMPTS"`
	MaxQueuedFrames      int           `yaml:"max_queued_frames" env:"SYNC_MAX_QUEUED_FRAMES"`

	// Session
	TokenLifetime    time.Duration `yaml:"token_lifetime" env:"SYNC_TOKEN_LIFETIME"`
	RefreshRatio     float64       `yaml:"refresh_ratio" env:"SYNC_REFRESH_RATIO"`
	ValidateInterval time.Duration `yaml:"validate_interval" env:"SYNC_VALIDATE_INTERVAL"`

	// Authority HTTP client
	RequestTimeout    time.Duration `yaml:"request_timeout" env:"SYNC_REQUEST_TIMEOUT"`
	RequestsPerSecond float64       `yaml:"requests_per_second" env:"SYNC_REQUESTS_PER_SECOND"`
	MaxRetries        int           `yaml:"max_retries" env:"SYNC_MAX_RETRIES"`

	// Store
	HistorySize int `yaml:"history_size" env:"SYNC_HISTORY_SIZE"`

	// Observability
	LogLevel    string `yaml:"log_level" env:"SYNC_LOG_LEVEL"`
	LogFormat   string `yaml:"log_format" env:"SYNC_LOG_FORMAT"`
	MetricsAddr string `yaml:"metrics_addr" env:"SYNC_METRICS_ADDR"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		APIBaseURL:           "http://localhost:8080",
		RealtimeURL:          "ws://localhost:8080/ws",
		StoragePrefix:        "socialsync",
		StorageBackend:       BackendMemory,
		RedisAddr:            "localhost:6379",
		BroadcastChannel:     "socialsync:changes",
		HeartbeatInterval:    30 * time.Second,
		ReadTimeout:          90 * time.Second,
		WriteTimeout:         10 * time.Second,
		HandshakeTimeout:     10 * time.Second,
		ReconnectBaseDelay:   time.Second,
		ReconnectMaxAttempts: 5,
		MaxQueuedFrames:      1000,
		TokenLifetime:        60 * time.Minute,
		RefreshRatio:         0.83,
		ValidateInterval:     5 * time.Minute,
		RequestTimeout:       30 * time.Second,
		RequestsPerSecond:    10,
		MaxRetries:           3,
		HistorySize:          100,
		LogLevel:             "info",
		LogFormat:            "text",
	}
}

// Load builds a configuration. yamlPath and envFile are optional; a missing
// .env file is not an error, a missing YAML file is.
func Load(yamlPath, envFile string) (*Config, error) {
	cfg := Default()

	if yamlPath != "" {
		if err := cfg.LoadFile(yamlPath); err != nil {
			return nil, err
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile overlays the YAML document at path onto cfg.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

// Validate rejects configurations the components cannot run with.
func (c *Config) Validate() error {
	if c.APIBaseURL == "" {
		return errors.New("config: api_base_url is required")
	}
	if c.RealtimeURL == "" {
		return errors.New("config: realtime_url is required")
	}
	if c.StoragePrefix == "" {
		return errors.New("config: storage_prefix is required")
	}

	switch c.StorageBackend {
	case BackendMemory:
	case BackendRedis:
		if c.RedisAddr == "" {
			return errors.New("config: redis_addr is required for the redis backend")
		}
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return errors.New("config: postgres_dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("config: unknown storage_backend %q", c.StorageBackend)
	}

	durations := map[string]time.Duration{
		"heartbeat_interval":   c.HeartbeatInterval,
		"read_timeout":         c.ReadTimeout,
		"write_timeout":        c.WriteTimeout,
		"handshake_timeout":    c.HandshakeTimeout,
		"reconnect_base_delay": c.ReconnectBaseDelay,
		"token_lifetime":       c.TokenLifetime,
		"validate_interval":    c.ValidateInterval,
		"request_timeout":      c.RequestTimeout,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("config: %s must be positive", name)
		}
	}

	if c.RefreshRatio <= 0 || c.RefreshRatio >= 1 {
		return fmt.Errorf("config: refresh_ratio must be in (0,1), got %v", c.RefreshRatio)
	}
	if c.ReconnectMaxAttempts < 0 {
		return errors.New("config: reconnect_max_attempts must not be negative")
	}
	if c.MaxQueuedFrames <= 0 {
		return errors.New("config: max_queued_frames must be positive")
	}
	if c.HistorySize <= 0 {
		return errors.New("config: history_size must be positive")
	}
	return nil
}
