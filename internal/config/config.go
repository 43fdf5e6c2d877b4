// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/atmx/glucose-engine/internal/model"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port     string
	LogLevel string

	// Storage settings. DatabaseURL takes precedence over SQLitePath; with
	// neither set the catalog lives in memory.
	DatabaseURL     string
	SQLitePath      string
	RedisURL        string
	CacheTTL        time.Duration
	InsulinSeedPath string // Empty uses the built-in catalog.

	// Result archive.
	ResultTTL            time.Duration
	ArchivePurgeInterval time.Duration

	// GlucoseUnit seeds the directory's display unit when it has none.
	GlucoseUnit string

	// Simulation defaults used when a patient has no observation.
	DefaultWeight          float64
	DefaultRTG             float64
	DefaultCCR             float64
	DefaultSh              float64
	DefaultSp              float64
	DefaultArterialGlucose float64
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:                   envStr("PORT", "8082"),
		LogLevel:               envStr("LOG_LEVEL", "info"),
		DatabaseURL:            envStr("DATABASE_URL", ""),
		SQLitePath:             envStr("SQLITE_PATH", ""),
		RedisURL:               envStr("REDIS_URL", ""),
		CacheTTL:               envDuration("CACHE_TTL", 30*time.Second),
		InsulinSeedPath:        envStr("INSULIN_SEED_PATH", ""),
		ResultTTL:              envDuration("RESULT_TTL", 30*time.Minute),
		ArchivePurgeInterval:   envDuration("ARCHIVE_PURGE_INTERVAL", 5*time.Minute),
		GlucoseUnit:            envStr("GLUCOSE_UNIT", ""),
		DefaultWeight:          envFloat("DEFAULT_WEIGHT", 75),
		DefaultRTG:             envFloat("DEFAULT_RTG", 9.0),
		DefaultCCR:             envFloat("DEFAULT_CCR", 100.0),
		DefaultSh:              envFloat("DEFAULT_SH", 0.5),
		DefaultSp:              envFloat("DEFAULT_SP", 0.5),
		DefaultArterialGlucose: envFloat("DEFAULT_ARTERIAL_GLUCOSE", 4.4),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that configuration values are usable.
func (c Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("config: PORT is required")
	}
	if c.ResultTTL <= 0 {
		return fmt.Errorf("config: RESULT_TTL must be positive")
	}
	if c.ArchivePurgeInterval <= 0 {
		return fmt.Errorf("config: ARCHIVE_PURGE_INTERVAL must be positive")
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("config: CACHE_TTL must be positive")
	}
	if c.DefaultWeight <= 0 {
		return fmt.Errorf("config: DEFAULT_WEIGHT must be positive")
	}
	if c.GlucoseUnit != "" && !model.IsMgdl(c.GlucoseUnit) &&
		!strings.EqualFold(c.GlucoseUnit, model.UnitMmolL) {
		return fmt.Errorf("config: GLUCOSE_UNIT must be %q or %q", model.UnitMmolL, model.UnitMgdL)
	}
	return nil
}

// Defaults returns the simulation parameter defaults as a patient record.
func (c Config) Defaults() model.PatientParams {
	return model.PatientParams{
		Weight:          model.Float64(c.DefaultWeight),
		RTG:             model.Float64(c.DefaultRTG),
		CCR:             model.Float64(c.DefaultCCR),
		Sh:              model.Float64(c.DefaultSh),
		Sp:              model.Float64(c.DefaultSp),
		ArterialGlucose: model.Float64(c.DefaultArterialGlucose),
	}
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
