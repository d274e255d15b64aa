// Package config provides configuration loading for the extraction service.
// Values come from defaults, an optional YAML file and environment overrides, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the extraction service.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Cache         CacheConfig         `yaml:"cache"`
	Blob          BlobConfig          `yaml:"blob"`
	Conversion    ConversionConfig    `yaml:"conversion"`
	Vision        VisionConfig        `yaml:"vision"`
	Extraction    ExtractionConfig    `yaml:"extraction"`
	Observability ObservabilityConfig `yaml:"observability"`
	Auth          AuthConfig          `yaml:"auth"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
	MaxUploadBytes   int64         `yaml:"max_upload_bytes"`
}

// DatabaseConfig holds Job Store connection settings.
type DatabaseConfig struct {
	Driver   string         `yaml:"driver"` // sqlite or postgres
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path         string `yaml:"path"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	JournalMode  string `yaml:"journal_mode"`
}

// PostgresConfig holds Postgres-specific settings.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// CacheConfig selects where cancellation flags live.
type CacheConfig struct {
	Driver     string        `yaml:"driver"` // memory or redis
	FlagTTL    time.Duration `yaml:"flag_ttl"`
	MaxEntries int           `yaml:"max_entries"`
	Redis      RedisConfig   `yaml:"redis"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	// URL, when set, takes precedence over the individual fields.
	URL      string `yaml:"url"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
	Prefix   string `yaml:"prefix"`
}

// BlobConfig holds blob storage settings.
type BlobConfig struct {
	Root string `yaml:"root"`
}

// ConversionConfig holds Datalab Marker settings.
type ConversionConfig struct {
	Endpoint       string        `yaml:"endpoint"`
	APIKey         string        `yaml:"api_key"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	Timeout        time.Duration `yaml:"timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	Paginate       bool          `yaml:"paginate"`
	UseLLM         *bool         `yaml:"use_llm"`
	PageSchemaPath string        `yaml:"page_schema_path"`
}

// VisionConfig holds settings for the OpenAI-compatible vision endpoint.
type VisionConfig struct {
	APIBase        string        `yaml:"api_base"`
	APIKey         string        `yaml:"api_key"`
	Model          string        `yaml:"model"`
	Temperature    float64       `yaml:"temperature"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`
	BatchSize      int           `yaml:"batch_size"`
	ExtraContext   string        `yaml:"extra_context"`
}

// ExtractionConfig holds job pipeline settings.
type ExtractionConfig struct {
	MaxConcurrentJobs int           `yaml:"max_concurrent_jobs"`
	QueueSize         int           `yaml:"queue_size"`
	// JobTimeout optionally caps a job run. Zero leaves each job bounded by
	// its conversion timeout plus one analysis budget per image batch.
	JobTimeout        time.Duration `yaml:"job_timeout"`
	DefaultMaxRetries int           `yaml:"default_max_retries"`
	DefaultMaxImages  int           `yaml:"default_max_images"`
	MaxImagesLimit    int           `yaml:"max_images_limit"`
	DetectLanguage    bool          `yaml:"detect_language"`
}

// ObservabilityConfig holds logging settings.
type ObservabilityConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	ServiceName string `yaml:"service_name"`
}

// AuthConfig holds caller identity settings.
type AuthConfig struct {
	Enabled      bool   `yaml:"enabled"`
	DefaultOwner string `yaml:"default_owner"`
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

// DefaultConfig returns a configuration suitable for local development.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8090,
			ReadTimeout:      60 * time.Second,
			WriteTimeout:     60 * time.Second,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 15 * time.Second,
			MaxUploadBytes:   100 << 20,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			SQLite: SQLiteConfig{
				Path:         "/tmp/doc-extraction.db",
				MaxOpenConns: 1,
				JournalMode:  "WAL",
			},
			Postgres: PostgresConfig{
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		Cache: CacheConfig{
			Driver:     "memory",
			FlagTTL:    24 * time.Hour,
			MaxEntries: 10000,
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				PoolSize: 10,
				Prefix:   "docx:",
			},
		},
		Blob: BlobConfig{Root: "/tmp/doc-extraction-blobs"},
		Conversion: ConversionConfig{
			Endpoint:       "https://www.datalab.to/api/v1/marker",
			PollInterval:   2 * time.Second,
			Timeout:        15 * time.Minute,
			RequestTimeout: 5 * time.Minute,
		},
		Vision: VisionConfig{
			APIBase:        "https://api.openai.com/v1",
			Model:          "gpt-5-mini",
			Temperature:    1,
			RequestTimeout: 120 * time.Second,
			MaxAttempts:    3,
			BatchSize:      3,
		},
		Extraction: ExtractionConfig{
			MaxConcurrentJobs: 4,
			QueueSize:         256,
			DefaultMaxRetries: 3,
			DefaultMaxImages:  20,
			MaxImagesLimit:    100,
			DetectLanguage:    true,
		},
		Observability: ObservabilityConfig{
			LogLevel:    "info",
			LogFormat:   "json",
			ServiceName: "doc-extraction",
		},
		Auth: AuthConfig{
			DefaultOwner: "dev",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Database.Driver != "sqlite" && c.Database.Driver != "postgres" {
		return fmt.Errorf("invalid database driver: %s", c.Database.Driver)
	}
	if c.Database.Driver == "postgres" && c.Database.Postgres.DSN == "" {
		return fmt.Errorf("postgres dsn is required")
	}
	if c.Cache.Driver != "memory" && c.Cache.Driver != "redis" {
		return fmt.Errorf("invalid cache driver: %s", c.Cache.Driver)
	}
	if c.Blob.Root == "" {
		return fmt.Errorf("blob root is required")
	}
	if c.Conversion.PollInterval <= 0 || c.Conversion.Timeout <= 0 {
		return fmt.Errorf("conversion poll_interval and timeout must be positive")
	}
	if c.Conversion.Timeout < c.Conversion.PollInterval {
		return fmt.Errorf("conversion timeout %s is shorter than poll interval %s",
			c.Conversion.Timeout, c.Conversion.PollInterval)
	}
	if c.Vision.BatchSize < 1 {
		return fmt.Errorf("vision batch_size must be at least 1")
	}
	if c.Vision.MaxAttempts < 1 {
		return fmt.Errorf("vision max_attempts must be at least 1")
	}
	if c.Extraction.MaxConcurrentJobs < 1 {
		return fmt.Errorf("extraction max_concurrent_jobs must be at least 1")
	}
	if c.Extraction.JobTimeout < 0 {
		return fmt.Errorf("extraction job_timeout must not be negative")
	}
	if c.Extraction.DefaultMaxRetries < 0 {
		return fmt.Errorf("extraction default_max_retries must not be negative")
	}
	if c.Extraction.DefaultMaxImages < 0 || c.Extraction.DefaultMaxImages > c.Extraction.MaxImagesLimit {
		return fmt.Errorf("extraction default_max_images must be between 0 and %d", c.Extraction.MaxImagesLimit)
	}
	return nil
}

// IsDevelopment reports whether caller identity is taken from request headers.
func (c *Config) IsDevelopment() bool {
	return !c.Auth.Enabled
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		if strings.HasPrefix(v, "sqlite:") {
			cfg.Database.Driver = "sqlite"
			cfg.Database.SQLite.Path = strings.TrimPrefix(v, "sqlite:")
		} else if strings.HasPrefix(v, "postgres") {
			cfg.Database.Driver = "postgres"
			cfg.Database.Postgres.DSN = v
		}
	}

	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Cache.Driver = "redis"
		cfg.Cache.Redis.URL = v
	}

	if v := os.Getenv("BLOB_ROOT"); v != "" {
		cfg.Blob.Root = v
	}

	if v := os.Getenv("DATALAB_API_KEY"); v != "" {
		cfg.Conversion.APIKey = v
	}
	if v := os.Getenv("DATALAB_MARKER_URL"); v != "" {
		cfg.Conversion.Endpoint = v
	}

	if v := firstEnv("GPT_API_KEY", "OPENAI_API_KEY"); v != "" {
		cfg.Vision.APIKey = v
	}
	if v := firstEnv("GPT_API_BASE", "OPENAI_API_BASE"); v != "" {
		cfg.Vision.APIBase = v
	}
	if v := os.Getenv("GPT_MODEL"); v != "" {
		cfg.Vision.Model = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}

	if v := os.Getenv("AUTH_ENABLED"); v == "true" {
		cfg.Auth.Enabled = true
	}
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}
