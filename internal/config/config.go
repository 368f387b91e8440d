package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"tilefetch/internal/fetch"
)

type Config struct {
	Port            int    `yaml:"port"`
	DataDir         string `yaml:"data_dir"`
	LogLevel        string `yaml:"log_level"`
	LogEncoding     string `yaml:"log_encoding"`
	WarmupLevels    int    `yaml:"warmup_levels"`
	WarmupWorkers   int    `yaml:"warmup_workers"`
	CacheType       string `yaml:"cache"`
	CacheFileDir    string `yaml:"cache_file_dir"`
	CacheMinKeep    int    `yaml:"cache_min_keep"`
	CacheMultiplier int    `yaml:"cache_multiplier"`
	CacheNotFound   string `yaml:"cache_not_found"`
	FetchWorkers    int    `yaml:"fetch_workers"`
	PrefetchMargin  int    `yaml:"prefetch_margin"`
	PrefetchParents int    `yaml:"prefetch_parents"`
	VipsMaxCacheMB  int    `yaml:"vips_max_cache_mb"`
	VipsConcurrency int    `yaml:"vips_concurrency"`
	AllowedOrigin   string `yaml:"allowed_origin"`
	RemoteTileURL   string `yaml:"remote_tile_url"`
	RemoteRetryMax  int    `yaml:"remote_retry_max"`
	RemoteWidth     int    `yaml:"remote_width"`
	RemoteHeight    int    `yaml:"remote_height"`
}

func defaults() *Config {
	return &Config{
		Port:            8080,
		DataDir:         "/data",
		LogLevel:        "info",
		LogEncoding:     "json",
		WarmupLevels:    1,
		WarmupWorkers:   1,
		CacheType:       "memory",
		CacheMinKeep:    256,
		CacheMultiplier: 3,
		CacheNotFound:   "cache",
		FetchWorkers:    4,
		PrefetchMargin:  1,
		PrefetchParents: 1,
		VipsMaxCacheMB:  256,
		VipsConcurrency: 1,
		RemoteRetryMax:  3,
	}
}

// Load builds the configuration from defaults, the YAML file named by
// CONFIG_FILE if any, and finally the environment.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.Port = getEnvInt("PORT", cfg.Port)
	cfg.DataDir = getEnv("DATA_DIR", cfg.DataDir)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogEncoding = getEnv("LOG_ENCODING", cfg.LogEncoding)
	cfg.WarmupLevels = getEnvInt("WARMUP_LEVELS", cfg.WarmupLevels)
	cfg.WarmupWorkers = getEnvInt("WARMUP_WORKERS", cfg.WarmupWorkers)
	cfg.CacheType = getEnv("CACHE", cfg.CacheType)
	cfg.CacheFileDir = getEnv("CACHE_FILE_DIR", cfg.CacheFileDir)
	cfg.CacheMinKeep = getEnvInt("CACHE_MIN_KEEP", cfg.CacheMinKeep)
	cfg.CacheMultiplier = getEnvInt("CACHE_MULTIPLIER", cfg.CacheMultiplier)
	cfg.CacheNotFound = getEnv("CACHE_NOT_FOUND", cfg.CacheNotFound)
	cfg.FetchWorkers = getEnvInt("FETCH_WORKERS", cfg.FetchWorkers)
	cfg.PrefetchMargin = getEnvInt("PREFETCH_MARGIN", cfg.PrefetchMargin)
	cfg.PrefetchParents = getEnvInt("PREFETCH_PARENTS", cfg.PrefetchParents)
	cfg.VipsMaxCacheMB = getEnvInt("VIPS_MAX_CACHE_MB", cfg.VipsMaxCacheMB)
	cfg.VipsConcurrency = getEnvInt("VIPS_CONCURRENCY", cfg.VipsConcurrency)
	cfg.AllowedOrigin = getEnv("ALLOWED_ORIGIN", cfg.AllowedOrigin)
	cfg.RemoteTileURL = getEnv("REMOTE_TILE_URL", cfg.RemoteTileURL)
	cfg.RemoteRetryMax = getEnvInt("REMOTE_RETRY_MAX", cfg.RemoteRetryMax)
	cfg.RemoteWidth = getEnvInt("REMOTE_WIDTH", cfg.RemoteWidth)
	cfg.RemoteHeight = getEnvInt("REMOTE_HEIGHT", cfg.RemoteHeight)

	if cfg.CacheFileDir == "" {
		cfg.CacheFileDir = filepath.Join(cfg.DataDir, "cache")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Validate reports every setting that cannot work.
func (c *Config) Validate() error {
	var err error
	if c.Port <= 0 || c.Port > 65535 {
		err = multierr.Append(err, fmt.Errorf("invalid port: %d", c.Port))
	}
	if c.DataDir == "" {
		err = multierr.Append(err, errors.New("data dir must be set"))
	}
	if c.CacheType != "memory" && c.CacheType != "file" {
		err = multierr.Append(err, fmt.Errorf("unknown cache type: %s (supported: memory, file)", c.CacheType))
	}
	if c.CacheMinKeep < 0 {
		err = multierr.Append(err, fmt.Errorf("cache min keep must not be negative: %d", c.CacheMinKeep))
	}
	if c.CacheMultiplier <= 0 {
		err = multierr.Append(err, fmt.Errorf("cache multiplier must be positive: %d", c.CacheMultiplier))
	}
	if _, perr := c.NotFoundPolicy(); perr != nil {
		err = multierr.Append(err, perr)
	}
	if c.FetchWorkers <= 0 {
		err = multierr.Append(err, fmt.Errorf("fetch workers must be positive: %d", c.FetchWorkers))
	}
	if c.PrefetchMargin < 0 || c.PrefetchParents < 0 {
		err = multierr.Append(err, errors.New("prefetch settings must not be negative"))
	}
	if c.WarmupWorkers <= 0 {
		err = multierr.Append(err, fmt.Errorf("warmup workers must be positive: %d", c.WarmupWorkers))
	}
	if c.LogEncoding != "json" && c.LogEncoding != "console" {
		err = multierr.Append(err, fmt.Errorf("unknown log encoding: %s", c.LogEncoding))
	}
	if c.RemoteTileURL != "" && (c.RemoteWidth <= 0 || c.RemoteHeight <= 0) {
		err = multierr.Append(err, errors.New("remote width and height are required with a remote tile url"))
	}
	return err
}

func (c *Config) NotFoundPolicy() (fetch.NotFoundPolicy, error) {
	return fetch.ParseNotFoundPolicy(c.CacheNotFound)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
