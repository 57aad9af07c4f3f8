// Package config provides environment-aware configuration loading for the
// permit data pipeline, matching §6's operator configuration table.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Environment names the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Testing     Environment = "testing"
	Production  Environment = "production"
)

// Config holds all pipeline configuration.
type Config struct {
	Env Environment

	// Source Client (§4.1, §6)
	SourceBaseURL             string
	SourceAppToken            string
	RateLimitQPS              float64
	SourceTimeout             time.Duration
	DatasetContactsBuilding   string
	DatasetContactsElectrical string
	DatasetContactsPlumbing   string
	DatasetPermits            string
	DatasetInspections        string
	DatasetAddendaRouting     string
	DatasetViolations         string

	// Database (§6)
	DBURL            string
	DBMaxConnections int
	DBIdleTimeout    time.Duration

	// Scheduler (§4.8, §6)
	CronSecret    string
	AdminEmail    string
	StalenessDays int
	BackupDir     string

	// Ingestor (§4.2, §6)
	IngestOverlapDays int
	MaxParallelIngest int

	// Velocity (§4.5, §6)
	VelocityCurrentWindowDays int
	VelocityAutoWidenDays     int
	VelocityBaselineWindowDays int
	VelocityMinSamples        int

	// Logging
	LogLevel  string
	LogFormat string

	// HTTP server
	HTTPPort int
}

// Load reads configuration from the environment, optionally seeded by a
// PIPELINE_ENV-specific .env file (e.g. config/development.env).
func Load() (*Config, error) {
	envStr := strings.ToLower(strings.TrimSpace(os.Getenv("PIPELINE_ENV")))
	if envStr == "" {
		envStr = string(Development)
	}
	env := Environment(envStr)
	switch env {
	case Development, Testing, Production:
	default:
		return nil, fmt.Errorf("invalid PIPELINE_ENV: %s (must be development, testing, or production)", envStr)
	}

	configFile := filepath.Join("config", fmt.Sprintf("%s.env", env))
	if err := godotenv.Load(configFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Printf("warning: could not load %s: %v\n", configFile, err)
	}

	cfg := &Config{Env: env}
	if err := cfg.loadFromEnv(); err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFromEnv() error {
	c.SourceBaseURL = getEnv("SOURCE_BASE_URL", "https://data.sfgov.org")
	c.SourceAppToken = getEnv("SOURCE_APP_TOKEN", "")
	rateQPS, err := strconv.ParseFloat(getEnv("RATE_LIMIT_QPS", "4"), 64)
	if err != nil {
		return fmt.Errorf("invalid RATE_LIMIT_QPS: %w", err)
	}
	c.RateLimitQPS = rateQPS
	c.SourceTimeout = getDurationEnv("SOURCE_TIMEOUT", 30*time.Second)

	c.DatasetContactsBuilding = getEnv("DATASET_CONTACTS_BUILDING", "3pee-9qhc")
	c.DatasetContactsElectrical = getEnv("DATASET_CONTACTS_ELECTRICAL", "ftty-kx6y")
	c.DatasetContactsPlumbing = getEnv("DATASET_CONTACTS_PLUMBING", "a6aw-rudh")
	c.DatasetPermits = getEnv("DATASET_PERMITS", "i98e-djp9")
	c.DatasetInspections = getEnv("DATASET_INSPECTIONS", "fmn7-dav9")
	c.DatasetAddendaRouting = getEnv("DATASET_ADDENDA_ROUTING", "wv66-x4ft")
	c.DatasetViolations = getEnv("DATASET_VIOLATIONS", "nbtm-fbw5")

	c.DBURL = getEnv("DB_URL", "")
	if c.DBURL == "" {
		return fmt.Errorf("DB_URL is required")
	}
	c.DBMaxConnections = getIntEnv("DB_MAX_CONNECTIONS", 20)
	c.DBIdleTimeout = getDurationEnv("DB_IDLE_TIMEOUT", 5*time.Minute)

	c.CronSecret = getEnv("CRON_SECRET", "")
	c.AdminEmail = getEnv("ADMIN_EMAIL", "")
	c.StalenessDays = getIntEnv("STALENESS_ALARM_DAYS", 2)
	c.BackupDir = getEnv("BACKUP_DIR", "./backups")

	c.IngestOverlapDays = getIntEnv("INGEST_OVERLAP_DAYS", 2)
	c.MaxParallelIngest = getIntEnv("MAX_PARALLEL_INGEST", 3)

	c.VelocityCurrentWindowDays = getIntEnv("VELOCITY_CURRENT_WINDOW_DAYS", 90)
	c.VelocityAutoWidenDays = getIntEnv("VELOCITY_AUTO_WIDEN_DAYS", 180)
	c.VelocityBaselineWindowDays = getIntEnv("VELOCITY_BASELINE_WINDOW_DAYS", 365)
	c.VelocityMinSamples = getIntEnv("VELOCITY_MIN_SAMPLES", 30)

	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.LogFormat = getEnv("LOG_FORMAT", "json")

	c.HTTPPort = getIntEnv("HTTP_PORT", 8080)

	return nil
}

// IsProduction reports whether the pipeline is configured for production.
func (c *Config) IsProduction() bool { return c.Env == Production }

// Validate applies production-hardening checks required before the
// Scheduler's HTTP endpoints are exposed.
func (c *Config) Validate() error {
	if c.IsProduction() && c.CronSecret == "" {
		return fmt.Errorf("CRON_SECRET must be set in production")
	}
	if c.MaxParallelIngest < 1 {
		return fmt.Errorf("MAX_PARALLEL_INGEST must be >= 1")
	}
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP_PORT: %d", c.HTTPPort)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
