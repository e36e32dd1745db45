package config

import (
	"fmt"
	"strings"
)

// Validate checks cfg for structural correctness. It returns the first
// validation error encountered, or nil if the config is valid. Source
// settings are checked when a source is opened, since a command only needs
// the one it reads.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config must not be nil")
	}

	if strings.TrimSpace(cfg.Database.Path) == "" {
		return fmt.Errorf("database.path must not be empty")
	}

	if _, err := cfg.Source.Live.SinceTime(); err != nil {
		return fmt.Errorf("source.live.since must be RFC 3339: %w", err)
	}
	if cfg.Source.Live.ConnectAttempts < 0 {
		return fmt.Errorf("source.live.connectAttempts must not be negative")
	}

	switch cfg.Directory.Backend {
	case DirectorySQLite:
	case DirectoryPostgres:
		if strings.TrimSpace(cfg.Directory.DSN) == "" {
			return fmt.Errorf("directory.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("directory.backend must be %q or %q, got %q", DirectorySQLite, DirectoryPostgres, cfg.Directory.Backend)
	}

	if cfg.Identity.CacheSize < 0 {
		return fmt.Errorf("identity.cacheSize must not be negative")
	}

	if err := validateEmbedding(cfg.Embedding); err != nil {
		return fmt.Errorf("embedding: %w", err)
	}

	switch cfg.Vector.Backend {
	case VectorChromem, VectorSQLite:
	default:
		return fmt.Errorf("vector.backend must be %q or %q, got %q", VectorChromem, VectorSQLite, cfg.Vector.Backend)
	}

	if err := validateIngest(cfg.Ingest); err != nil {
		return fmt.Errorf("ingest: %w", err)
	}

	if cfg.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.maxAttempts must be positive, got %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.CooldownInitial < 0 || cfg.Retry.CooldownMax < 0 {
		return fmt.Errorf("retry cooldowns must not be negative")
	}

	switch cfg.Lock.Backend {
	case LockNone:
	case LockRedis:
		if strings.TrimSpace(cfg.Lock.Addr) == "" {
			return fmt.Errorf("lock.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("lock.backend must be %q or %q, got %q", LockNone, LockRedis, cfg.Lock.Backend)
	}

	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", cfg.Log.Level)
	}
	switch strings.ToLower(cfg.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", cfg.Log.Format)
	}

	return nil
}

func validateEmbedding(e EmbeddingConfig) error {
	if e.Dimensions < 0 {
		return fmt.Errorf("dimensions must not be negative")
	}
	switch e.Provider {
	case EmbeddingOpenAI:
		if strings.TrimSpace(e.APIKey) == "" {
			return fmt.Errorf("apiKey is required for the openai provider")
		}
		if strings.TrimSpace(e.Model) == "" {
			return fmt.Errorf("model is required for the openai provider")
		}
	case EmbeddingHash:
	default:
		return fmt.Errorf("provider must be %q or %q, got %q", EmbeddingOpenAI, EmbeddingHash, e.Provider)
	}
	return nil
}

func validateIngest(c IngestConfig) error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("batchSize must be positive, got %d", c.BatchSize)
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive, got %d", c.Concurrency)
	}
	if c.BatchDelay < 0 {
		return fmt.Errorf("batchDelay must not be negative")
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("callTimeout must be positive")
	}
	return nil
}
