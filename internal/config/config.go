// Package config provides configuration loading for the ingestion engine.
// Supports YAML files and environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default content thresholds for the completeness retry gate. Word documents
// get a lower bar because short cut-sheets are legitimately valid.
const (
	DefaultContentThreshold = 0.5
	WordContentThreshold    = 0.3
	DefaultMaxAttempts      = 2
)

// Config holds all configuration for the ingestion engine.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Queue         QueueConfig         `yaml:"queue"`
	Extraction    ExtractionConfig    `yaml:"extraction"`
	Ingestion     IngestionConfig     `yaml:"ingestion"`
	Verification  VerificationConfig  `yaml:"verification"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds the status HTTP server settings.
type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	Driver   string         `yaml:"driver"` // memory or postgres
	Postgres PostgresConfig `yaml:"postgres"`
}

// PostgresConfig holds Postgres-specific settings.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// QueueConfig holds job broker and worker settings.
type QueueConfig struct {
	Driver            string        `yaml:"driver"` // memory or redis
	Concurrency       int           `yaml:"concurrency"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	FailedHistory     int64         `yaml:"failed_history"`
	Redis             RedisConfig   `yaml:"redis"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
	Prefix   string `yaml:"prefix"`
}

// ExtractionConfig holds visual extraction settings.
type ExtractionConfig struct {
	Enabled          bool          `yaml:"enabled"`
	VisionURL        string        `yaml:"vision_url"`
	ExtractorVersion string        `yaml:"extractor_version"`
	VisionTimeout    time.Duration `yaml:"vision_timeout"`
	VisionRPS        float64       `yaml:"vision_rps"`
	MaxPages         int           `yaml:"max_pages"`
	UploadRoot       string        `yaml:"upload_root"`
	PublicPrefix     string        `yaml:"public_prefix"`
	PageConcurrency  int           `yaml:"page_concurrency"`
}

// IngestionConfig holds ingestion processor settings.
type IngestionConfig struct {
	MaxAttempts      int           `yaml:"max_attempts"`
	DefaultThreshold float64       `yaml:"default_threshold"`
	WordThreshold    float64       `yaml:"word_threshold"`
	VerifyDelay      time.Duration `yaml:"verify_delay"`
	ExtractorURL     string        `yaml:"extractor_url"`
	ExtractorTimeout time.Duration `yaml:"extractor_timeout"`
}

// VerificationConfig holds verification collaborator settings.
type VerificationConfig struct {
	VerifierURL string        `yaml:"verifier_url"`
	Timeout     time.Duration `yaml:"timeout"`
}

// ObservabilityConfig holds logging settings.
type ObservabilityConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	ServiceName string `yaml:"service_name"`
}

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with development defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8090,
			ReadTimeout:      15 * time.Second,
			WriteTimeout:     15 * time.Second,
			GracefulShutdown: 20 * time.Second,
		},
		Database: DatabaseConfig{
			Driver: "memory",
			Postgres: PostgresConfig{
				MaxOpenConns:    20,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		Queue: QueueConfig{
			Driver:            "memory",
			Concurrency:       2,
			VisibilityTimeout: 10 * time.Minute,
			FailedHistory:     1000,
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				PoolSize: 10,
				Prefix:   "ingest:",
			},
		},
		Extraction: ExtractionConfig{
			Enabled:          false,
			VisionURL:        "http://localhost:8000",
			ExtractorVersion: "vision_v1",
			VisionTimeout:    8 * time.Second,
			VisionRPS:        4,
			MaxPages:         60,
			UploadRoot:       "uploads",
			PublicPrefix:     "/uploads",
			PageConcurrency:  2,
		},
		Ingestion: IngestionConfig{
			MaxAttempts:      DefaultMaxAttempts,
			DefaultThreshold: DefaultContentThreshold,
			WordThreshold:    WordContentThreshold,
			VerifyDelay:      2 * time.Second,
			ExtractorTimeout: 2 * time.Minute,
		},
		Verification: VerificationConfig{
			Timeout: 30 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel:    "info",
			LogFormat:   "json",
			ServiceName: "ingestion-engine",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Database.Driver != "memory" && c.Database.Driver != "postgres" {
		return fmt.Errorf("invalid database driver: %s", c.Database.Driver)
	}

	if c.Database.Driver == "postgres" && c.Database.Postgres.DSN == "" {
		return fmt.Errorf("postgres driver requires a dsn")
	}

	if c.Queue.Driver != "memory" && c.Queue.Driver != "redis" {
		return fmt.Errorf("invalid queue driver: %s", c.Queue.Driver)
	}

	if c.Queue.Concurrency < 1 {
		return fmt.Errorf("queue concurrency must be at least 1")
	}

	if c.Ingestion.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1")
	}

	for name, v := range map[string]float64{
		"default_threshold": c.Ingestion.DefaultThreshold,
		"word_threshold":    c.Ingestion.WordThreshold,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be between 0 and 1", name)
		}
	}

	if c.Extraction.Enabled {
		if c.Extraction.VisionURL == "" {
			return fmt.Errorf("vision_url is required when extraction is enabled")
		}
		if c.Extraction.VisionTimeout <= 0 {
			return fmt.Errorf("vision_timeout must be positive")
		}
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	if v := os.Getenv("DATABASE_URL"); v != "" && strings.HasPrefix(v, "postgres") {
		cfg.Database.Driver = "postgres"
		cfg.Database.Postgres.DSN = v
	}

	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Queue.Driver = "redis"
		cfg.Queue.Redis.Addr = strings.TrimPrefix(v, "redis://")
	}

	if v := os.Getenv("QUEUE_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.Concurrency = n
		}
	}

	if v := os.Getenv("VISUAL_EXTRACTION_ENABLED"); v != "" {
		cfg.Extraction.Enabled = parseBool(v)
	}

	if v := os.Getenv("VISION_WORKER_URL"); v != "" {
		cfg.Extraction.VisionURL = strings.TrimRight(v, "/")
	}

	if v := os.Getenv("VISION_EXTRACTOR_VERSION"); v != "" {
		cfg.Extraction.ExtractorVersion = v
	}

	if v := os.Getenv("VISION_WORKER_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.Extraction.VisionTimeout = time.Duration(ms) * time.Millisecond
		}
	}

	if v := os.Getenv("VISUAL_EXTRACTION_MAX_PAGES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Extraction.MaxPages = n
		}
	}

	if v := os.Getenv("UPLOAD_DIR"); v != "" {
		cfg.Extraction.UploadRoot = v
	}

	if v := os.Getenv("DOCUMENT_EXTRACTOR_URL"); v != "" {
		cfg.Ingestion.ExtractorURL = v
	}

	if v := os.Getenv("DOCUMENT_VERIFIER_URL"); v != "" {
		cfg.Verification.VerifierURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
