package server

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/nicktill/tileproxy/pkg/config"
	"github.com/nicktill/tileproxy/pkg/orchestrator"
	"github.com/nicktill/tileproxy/pkg/source"
	"github.com/nicktill/tileproxy/pkg/source/badger"
	"github.com/nicktill/tileproxy/pkg/source/memory"
)

// Config holds server configuration.
type Config struct {
	Port                 string
	DataDir              string
	MaxMemoryMB          int64
	MaxStorageMB         int64
	InMemory             bool
	Env                  string
	MaxConcurrentFetches int
	FetchRetries         int
	APIKey               string
}

// LoadConfig reads a .env file when one exists, then environment overrides.
func LoadConfig() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Config{
		Port:                 getEnv("TILEPROXY_PORT", config.DefaultPort),
		DataDir:              getEnv("TILEPROXY_DATA_DIR", config.DefaultDataDir),
		MaxMemoryMB:          getEnvInt64("TILEPROXY_MAX_MEMORY_MB", config.DefaultMaxMemoryMB),
		MaxStorageMB:         getEnvInt64("TILEPROXY_MAX_STORAGE_MB", 0),
		InMemory:             getEnvBool("TILEPROXY_IN_MEMORY", false),
		Env:                  getEnv("TILEPROXY_ENV", config.DefaultEnv),
		MaxConcurrentFetches: int(getEnvInt64("TILEPROXY_MAX_CONCURRENT_FETCHES", config.MaxConcurrentFetches)),
		FetchRetries:         int(getEnvInt64("TILEPROXY_FETCH_RETRIES", config.FetchMaxRetries)),
		APIKey:               os.Getenv("TILEPROXY_API_KEY"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("port is required")
	}
	if _, err := strconv.ParseUint(c.Port, 10, 16); err != nil {
		return fmt.Errorf("invalid port %q", c.Port)
	}
	if !c.InMemory && c.DataDir == "" {
		return fmt.Errorf("data dir is required unless running in memory")
	}
	if c.MaxMemoryMB < 1 {
		return fmt.Errorf("max memory must be at least 1MB")
	}
	if c.MaxStorageMB < 0 {
		return fmt.Errorf("max storage cannot be negative")
	}
	if c.MaxConcurrentFetches < 1 {
		return fmt.Errorf("max concurrent fetches must be at least 1")
	}
	if c.FetchRetries < 0 {
		return fmt.Errorf("fetch retries cannot be negative")
	}
	return nil
}

// FetchOptions returns the orchestration options chart managers are built with.
func (c Config) FetchOptions() orchestrator.Options {
	opts := orchestrator.DefaultOptions()
	opts.MaxConcurrent = c.MaxConcurrentFetches
	opts.MaxRetries = c.FetchRetries
	return opts
}

// InitializeSource opens the bin source: badger on disk, or a memory source
// when InMemory is set.
func InitializeSource(cfg Config, log *zap.Logger) (source.Source, error) {
	if cfg.InMemory {
		log.Info("using in-memory bin source")
		return memory.New(), nil
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	log.Info("opening badger bin source", zap.String("path", cfg.DataDir), zap.Int64("max_memory_mb", cfg.MaxMemoryMB))
	src, err := badger.New(badger.Config{
		Path:        cfg.DataDir,
		MaxMemoryMB: cfg.MaxMemoryMB,
		ChunkMs:     config.SourceChunkMs,
		Logger:      log,
	})
	if err != nil {
		return nil, err
	}
	return src, nil
}

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt64 gets an int64 from environment variable or returns default.
// Unparseable values fall back to the default with a warning.
func getEnvInt64(key string, defaultValue int64) int64 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseInt(val, 10, 64); err == nil {
			return parsed
		}
		zap.L().Warn("invalid integer in environment, using default",
			zap.String("key", key), zap.String("value", val), zap.Int64("default", defaultValue))
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return defaultValue
}
