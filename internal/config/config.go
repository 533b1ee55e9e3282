// Package config resolves CLI settings from flags, ROWMAP_* environment
// variables and .env files, in that order of precedence.
package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. ROWMAP_DB.
const EnvPrefix = "rowmap"

// Keys shared by flags, environment and Config.
const (
	KeyDB               = "db"
	KeyModels           = "models"
	KeyLogLevel         = "log-level"
	KeyCacheMemoryLimit = "cache-memory-limit"
	KeyFormat           = "format"
	KeyVerbose          = "verbose"
)

// Formats lists the accepted output formats.
var Formats = []string{"text", "json"}

// Config is the resolved CLI configuration.
type Config struct {
	DB               string
	Models           string
	LogLevel         slog.Level
	CacheMemoryLimit uint64
	Format           string
	Verbose          bool
}

// LoadEnvFiles loads .env and .env.local from dir. Missing files are
// ignored and variables already set in the environment win.
func LoadEnvFiles(dir string) {
	_ = godotenv.Load(filepath.Join(dir, ".env"))
	_ = godotenv.Load(filepath.Join(dir, ".env.local"))
}

// New returns a viper instance reading ROWMAP_* variables and bound to
// flags. Flags that were set explicitly override the environment.
func New(flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyFormat, "text")

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}
	return v, nil
}

// Load reads and validates a Config from v.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		DB:               v.GetString(KeyDB),
		Models:           v.GetString(KeyModels),
		CacheMemoryLimit: v.GetUint64(KeyCacheMemoryLimit),
		Format:           v.GetString(KeyFormat),
		Verbose:          v.GetBool(KeyVerbose),
	}

	if !slices.Contains(Formats, cfg.Format) {
		return nil, fmt.Errorf("invalid format %q: must be one of %v", cfg.Format, Formats)
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(v.GetString(KeyLogLevel))); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", KeyLogLevel, err)
	}
	if cfg.Verbose && cfg.LogLevel > slog.LevelDebug {
		cfg.LogLevel = slog.LevelDebug
	}
	return cfg, nil
}
