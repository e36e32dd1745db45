// Package config loads the kioku configuration from a YAML file with
// KIOKU_* environment overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bdobrica/kioku/common/environment"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "KIOKU_"

// Config is the full kioku configuration.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Source    SourceConfig    `yaml:"source"`
	Directory DirectoryConfig `yaml:"directory"`
	Identity  IdentityConfig  `yaml:"identity"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Vector    VectorConfig    `yaml:"vector"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Retry     RetryConfig     `yaml:"retry"`
	Lock      LockConfig      `yaml:"lock"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`
}

// DatabaseConfig locates the SQLite operational database.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// SourceConfig configures the conversation sources.
type SourceConfig struct {
	Live   LiveSourceConfig   `yaml:"live"`
	Legacy LegacySourceConfig `yaml:"legacy"`
}

// LiveSourceConfig configures the live PostgreSQL source.
type LiveSourceConfig struct {
	DSN            string `yaml:"dsn"`
	SourceSystemID string `yaml:"sourceSystemId"`
	ContextID      string `yaml:"contextId"`
	// Since is an RFC 3339 timestamp; older turns are skipped.
	Since           string        `yaml:"since"`
	HintPlatform    string        `yaml:"hintPlatform"`
	ConnectAttempts int           `yaml:"connectAttempts"`
	ConnectDelay    time.Duration `yaml:"connectDelay"`
}

// SinceTime parses Since. The zero time means no lower bound.
func (c LiveSourceConfig) SinceTime() (time.Time, error) {
	if strings.TrimSpace(c.Since) == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, strings.TrimSpace(c.Since))
}

// LegacySourceConfig configures the legacy export source.
type LegacySourceConfig struct {
	Path string `yaml:"path"`
}

// Directory backends.
const (
	DirectorySQLite   = "sqlite"
	DirectoryPostgres = "postgres"
)

// DirectoryConfig selects the canonical persona directory.
type DirectoryConfig struct {
	Backend string `yaml:"backend"`
	DSN     string `yaml:"dsn"`
}

// IdentityConfig tunes identity resolution.
type IdentityConfig struct {
	CacheSize int `yaml:"cacheSize"`
}

// Embedding providers.
const (
	EmbeddingOpenAI = "openai"
	EmbeddingHash   = "hash"
)

// EmbeddingConfig configures the embedding service.
type EmbeddingConfig struct {
	Provider   string        `yaml:"provider"`
	BaseURL    string        `yaml:"baseUrl"`
	Model      string        `yaml:"model"`
	APIKey     string        `yaml:"apiKey"`
	Dimensions int           `yaml:"dimensions"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Vector backends.
const (
	VectorChromem = "chromem"
	VectorSQLite  = "sqlite"
)

// VectorConfig selects the vector store.
type VectorConfig struct {
	Backend    string `yaml:"backend"`
	Path       string `yaml:"path"`
	Collection string `yaml:"collection"`
	Compress   bool   `yaml:"compress"`
}

// IngestConfig tunes the ingestion pipeline.
type IngestConfig struct {
	BatchSize   int           `yaml:"batchSize"`
	Concurrency int           `yaml:"concurrency"`
	BatchDelay  time.Duration `yaml:"batchDelay"`
	CallTimeout time.Duration `yaml:"callTimeout"`
	DryRun      bool          `yaml:"dryRun"`
}

// RetryConfig tunes the retry queue.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"maxAttempts"`
	LeaseTTL        time.Duration `yaml:"leaseTtl"`
	Limit           int           `yaml:"limit"`
	CooldownInitial time.Duration `yaml:"cooldownInitial"`
	CooldownMax     time.Duration `yaml:"cooldownMax"`
}

// Lock backends.
const (
	LockNone  = "none"
	LockRedis = "redis"
)

// LockConfig configures the retry pass lock.
type LockConfig struct {
	Backend  string        `yaml:"backend"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
}

// MetricsConfig configures Prometheus exposure.
type MetricsConfig struct {
	// Addr serves /metrics while a command runs. Empty disables it.
	Addr string `yaml:"addr"`
	// PushgatewayURL receives the final metrics of each run. Empty
	// disables pushing.
	PushgatewayURL string `yaml:"pushgatewayUrl"`
	Job            string `yaml:"job"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Database:  DatabaseConfig{Path: "kioku.db"},
		Source:    SourceConfig{Live: LiveSourceConfig{ConnectAttempts: 5, ConnectDelay: time.Second}},
		Directory: DirectoryConfig{Backend: DirectorySQLite},
		Identity:  IdentityConfig{CacheSize: 100_000},
		Embedding: EmbeddingConfig{
			Provider: EmbeddingOpenAI,
			BaseURL:  "https://api.openai.com/v1",
			Model:    "text-embedding-3-small",
			Timeout:  30 * time.Second,
		},
		Vector: VectorConfig{Backend: VectorChromem, Path: "kioku-vectors"},
		Ingest: IngestConfig{
			BatchSize:   50,
			Concurrency: 4,
			BatchDelay:  time.Second,
			CallTimeout: 30 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts: 5,
			LeaseTTL:    15 * time.Minute,
			CooldownMax: time.Hour,
		},
		Lock:    LockConfig{Backend: LockNone, Prefix: "kioku:", TTL: 30 * time.Minute},
		Metrics: MetricsConfig{Job: "kioku"},
		Log:     LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads the YAML file at path (skipped when path is empty), applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	var data []byte
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	cfg, err := decode(data)
	if err != nil {
		return nil, err
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Parse decodes a YAML document over the defaults and validates it.
// Environment overrides are not applied.
func Parse(data []byte) (*Config, error) {
	cfg, err := decode(data)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func decode(data []byte) (*Config, error) {
	cfg := Default()
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config parse: %w", err)
		}
	}
	return cfg, nil
}

// ApplyEnv overlays KIOKU_* environment variables onto cfg. The embedding
// API key also falls back to OPENAI_API_KEY.
func ApplyEnv(cfg *Config) error {
	o := environment.NewOverlay(EnvPrefix)

	o.String(&cfg.Database.Path, "DATABASE_PATH")

	o.String(&cfg.Source.Live.DSN, "LIVE_DSN")
	o.String(&cfg.Source.Live.SourceSystemID, "LIVE_SOURCE_SYSTEM_ID")
	o.String(&cfg.Source.Live.Since, "LIVE_SINCE")
	o.String(&cfg.Source.Legacy.Path, "LEGACY_PATH")

	o.String(&cfg.Directory.Backend, "DIRECTORY_BACKEND")
	o.String(&cfg.Directory.DSN, "DIRECTORY_DSN")
	o.Int(&cfg.Identity.CacheSize, "IDENTITY_CACHE_SIZE")

	o.String(&cfg.Embedding.Provider, "EMBEDDING_PROVIDER")
	o.String(&cfg.Embedding.BaseURL, "EMBEDDING_BASE_URL")
	o.String(&cfg.Embedding.Model, "EMBEDDING_MODEL")
	o.String(&cfg.Embedding.APIKey, "EMBEDDING_API_KEY")
	if cfg.Embedding.APIKey == "" {
		cfg.Embedding.APIKey = environment.StringOr("OPENAI_API_KEY", "")
	}
	o.Int(&cfg.Embedding.Dimensions, "EMBEDDING_DIMENSIONS")
	o.Duration(&cfg.Embedding.Timeout, "EMBEDDING_TIMEOUT")

	o.String(&cfg.Vector.Backend, "VECTOR_BACKEND")
	o.String(&cfg.Vector.Path, "VECTOR_PATH")

	o.Int(&cfg.Ingest.BatchSize, "INGEST_BATCH_SIZE")
	o.Int(&cfg.Ingest.Concurrency, "INGEST_CONCURRENCY")
	o.Duration(&cfg.Ingest.BatchDelay, "INGEST_BATCH_DELAY")
	o.Duration(&cfg.Ingest.CallTimeout, "INGEST_CALL_TIMEOUT")
	o.Bool(&cfg.Ingest.DryRun, "INGEST_DRY_RUN")

	o.Int(&cfg.Retry.MaxAttempts, "RETRY_MAX_ATTEMPTS")
	o.Duration(&cfg.Retry.CooldownInitial, "RETRY_COOLDOWN")

	o.String(&cfg.Lock.Backend, "LOCK_BACKEND")
	o.String(&cfg.Lock.Addr, "REDIS_ADDR")
	o.String(&cfg.Lock.Password, "REDIS_PASSWORD")
	o.Int(&cfg.Lock.DB, "REDIS_DB")

	o.String(&cfg.Metrics.Addr, "METRICS_ADDR")
	o.String(&cfg.Metrics.PushgatewayURL, "PUSHGATEWAY_URL")

	o.String(&cfg.Log.Level, "LOG_LEVEL")
	o.String(&cfg.Log.Format, "LOG_FORMAT")

	if err := o.Err(); err != nil {
		return fmt.Errorf("config env: %w", err)
	}
	return nil
}
