// Package config loads application configuration from an optional YAML file
// with environment variable overrides. Env always wins, so deployments can
// ship a base file and tweak single values per host.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	// Instrument
	Symbol    string  `yaml:"symbol"`
	RangeSize float64 `yaml:"range_size"` // 0 = derive from exchange tick size

	// History and recovery
	PrefetchHours   int `yaml:"prefetch_hours"`
	StaleFeedSecs   int `yaml:"stale_feed_secs"`   // WS silence before forced reconnect
	StaleGapSecs    int `yaml:"stale_gap_secs"`    // watermark age before a gap check fires
	GapMaxRetries   int `yaml:"gap_max_retries"`
	KlineChunkLimit int `yaml:"kline_chunk_limit"` // REST rows per request, max 1000

	// Output files
	BarCSVPath       string `yaml:"bar_csv_path"`
	IndicatorCSVPath string `yaml:"indicator_csv_path"`
	Timezone         string `yaml:"timezone"`

	// Infrastructure (optional: empty addr disables the component)
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	SQLitePath    string `yaml:"sqlite_path"`
	MetricsAddr   string `yaml:"metrics_addr"`

	LogLevel string `yaml:"log_level"`
}

// Load reads the YAML file at path (skipped when path is empty or missing),
// applies env overrides and validates. Fatal on invalid configuration.
func Load(path string) *Config {
	cfg := &Config{
		Symbol:           "SOLFDUSD",
		PrefetchHours:    2,
		StaleFeedSecs:    30,
		StaleGapSecs:     300,
		GapMaxRetries:    3,
		KlineChunkLimit:  1000,
		BarCSVPath:       "data/range_bars.csv",
		IndicatorCSVPath: "data/indicators.csv",
		Timezone:         "Africa/Nairobi",
		MetricsAddr:      ":9090",
		LogLevel:         "info",
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				log.Fatalf("[config] read %s: %v", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			log.Fatalf("[config] parse %s: %v", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.validate(); err != nil {
		log.Fatalf("[config] %v", err)
	}
	return cfg
}

func applyEnv(cfg *Config) {
	strEnv("SYMBOL", &cfg.Symbol)
	floatEnv("RANGE_SIZE", &cfg.RangeSize)
	intEnv("PREFETCH_HOURS", &cfg.PrefetchHours)
	intEnv("STALE_FEED_SECS", &cfg.StaleFeedSecs)
	intEnv("STALE_GAP_SECS", &cfg.StaleGapSecs)
	intEnv("GAP_MAX_RETRIES", &cfg.GapMaxRetries)
	intEnv("KLINE_CHUNK_LIMIT", &cfg.KlineChunkLimit)
	strEnv("BAR_CSV_PATH", &cfg.BarCSVPath)
	strEnv("INDICATOR_CSV_PATH", &cfg.IndicatorCSVPath)
	strEnv("TIMEZONE", &cfg.Timezone)
	strEnv("REDIS_ADDR", &cfg.RedisAddr)
	strEnv("REDIS_PASSWORD", &cfg.RedisPassword)
	strEnv("SQLITE_PATH", &cfg.SQLitePath)
	strEnv("METRICS_ADDR", &cfg.MetricsAddr)
	strEnv("LOG_LEVEL", &cfg.LogLevel)
}

func (c *Config) validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("symbol must not be empty")
	}
	if c.RangeSize < 0 {
		return fmt.Errorf("range_size must be >= 0, got %g", c.RangeSize)
	}
	if c.PrefetchHours <= 0 {
		return fmt.Errorf("prefetch_hours must be > 0, got %d", c.PrefetchHours)
	}
	if c.KlineChunkLimit <= 0 || c.KlineChunkLimit > 1000 {
		return fmt.Errorf("kline_chunk_limit must be in 1..1000, got %d", c.KlineChunkLimit)
	}
	if c.BarCSVPath == "" || c.IndicatorCSVPath == "" {
		return fmt.Errorf("output paths must not be empty")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return nil
}

// Location resolves the configured timezone. Validated during Load.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

func strEnv(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func intEnv(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] ignoring invalid %s=%q", key, v)
		return
	}
	*dst = n
}

func floatEnv(key string, dst *float64) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("[config] ignoring invalid %s=%q", key, v)
		return
	}
	*dst = f
}
