// Package config loads the extraction engine's configuration from
// environment variables, following the env-loader pattern used across the
// EVE service family: typed getters with defaults, and a single validated
// builder that reports every missing required variable at once.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/jrortiz726/plex-raw-extract/internal/xerrors"
)

// env provides typed access to environment variables.
type env struct{}

func (env) GetString(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func (env) GetInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func (env) GetDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

// GetSecondsDuration reads a bare integer number of seconds (the format
// used by PLEX_RETRY_DELAY and friends), falling back to a duration
// string, then to defaultValue.
func (env) GetSecondsDuration(key string, defaultValue time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return defaultValue
}

// LookbackDays holds the per-domain lookback window, in days, used as the
// fallback "since" when no watermark is present.
type LookbackDays struct {
	Jobs        int
	Production  int
	Inventory   int
	Performance int
	Master      int
	QualityDays int
}

// Config is the frozen configuration record every extractor and the
// orchestrator are constructed from.
type Config struct {
	// Upstream MES HTTP API
	BaseURL    string
	APIKey     string
	CustomerID string

	// DataSource API (quality domain)
	DSHost     string
	DSUsername string
	DSPassword string

	// Downstream raw landing platform
	RawDatabase     string
	ExtractorSpace  string
	CouchDBURL      string
	CouchDBUsername string
	CouchDBPassword string

	// State and tuning
	StateDir      string
	BatchSize     int
	MaxRetries    int
	RetryBaseDelay time.Duration

	Lookback LookbackDays

	QualityBatchSize         int
	QualityExtractionStartDate string

	// Optional distributed coordination
	RedisURL string
}

// Load builds a Config from the environment, failing fast with a
// ConfigurationError listing every missing required variable.
func Load() (Config, error) {
	e := env{}

	cfg := Config{
		BaseURL:    e.GetString("PLEX_BASE_URL", "https://connect.plex.com"),
		APIKey:     os.Getenv("PLEX_API_KEY"),
		CustomerID: os.Getenv("PLEX_CUSTOMER_ID"),

		DSHost:     os.Getenv("PLEX_DS_HOST"),
		DSUsername: os.Getenv("PLEX_DS_USERNAME"),
		DSPassword: os.Getenv("PLEX_DS_PASSWORD"),

		RawDatabase:    e.GetString("PLEX_RAW_DATABASE", "plex_raw"),
		ExtractorSpace: e.GetString("PLEX_EXTRACTOR_SPACE", "plex_extractors"),
		CouchDBURL:     e.GetString("PLEX_COUCHDB_URL", "http://localhost:5984"),
		CouchDBUsername: os.Getenv("PLEX_COUCHDB_USERNAME"),
		CouchDBPassword: os.Getenv("PLEX_COUCHDB_PASSWORD"),

		StateDir:       e.GetString("PLEX_STATE_DIR", "./state"),
		BatchSize:      e.GetInt("PLEX_BATCH_SIZE", 1000),
		MaxRetries:     e.GetInt("PLEX_MAX_RETRIES", 3),
		RetryBaseDelay: e.GetSecondsDuration("PLEX_RETRY_DELAY", 5*time.Second),

		Lookback: LookbackDays{
			Jobs:        e.GetInt("PLEX_JOBS_LOOKBACK_DAYS", 7),
			Production:  e.GetInt("PRODUCTION_LOOKBACK_DAYS", 3),
			Inventory:   e.GetInt("INVENTORY_LOOKBACK_DAYS", 7),
			Performance: e.GetInt("PERFORMANCE_LOOKBACK_DAYS", 7),
			Master:      e.GetInt("MASTER_LOOKBACK_DAYS", 30),
			QualityDays: e.GetInt("QUALITY_DAYS_BACK", 30),
		},

		QualityBatchSize:           e.GetInt("QUALITY_BATCH_SIZE", 1000),
		QualityExtractionStartDate: os.Getenv("QUALITY_EXTRACTION_START_DATE"),

		RedisURL: os.Getenv("PLEX_REDIS_URL"),
	}

	var missing []string
	if cfg.APIKey == "" {
		missing = append(missing, "PLEX_API_KEY")
	}
	if cfg.CustomerID == "" {
		missing = append(missing, "PLEX_CUSTOMER_ID")
	}
	if len(missing) > 0 {
		return Config{}, &xerrors.ConfigurationError{Missing: missing}
	}

	return cfg, nil
}
