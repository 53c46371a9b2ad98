// Package config loads engine settings from the environment.
//
// Every variable carries the FLUX_ prefix; a .env file in the working
// directory is honored when present. All settings have working defaults, so
// a bare environment runs out of the box.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
)

// envPrefix namespaces all flux environment variables.
const envPrefix = "flux"

// Config holds every tunable of the transfer service.
type Config struct {
	// Port is the fixed TCP service port. FLUX_PORT.
	Port int `envconfig:"PORT" default:"5555"`

	// SaveDir is where received files land. FLUX_SAVE_DIR. Defaults to the
	// user's Downloads directory.
	SaveDir string `envconfig:"SAVE_DIR"`

	// Password keys inbound decryption. FLUX_PASSWORD.
	Password string `envconfig:"PASSWORD"`

	// ChunkSize is the socket buffer size per read/write. FLUX_CHUNK_SIZE.
	ChunkSize int `envconfig:"CHUNK_SIZE" default:"4096"`

	// MaxInbound caps simultaneous inbound handlers. FLUX_MAX_INBOUND.
	MaxInbound int `envconfig:"MAX_INBOUND" default:"8"`

	// IOTimeout is the per-operation socket deadline. FLUX_IO_TIMEOUT.
	IOTimeout time.Duration `envconfig:"IO_TIMEOUT" default:"60s"`

	// DialTimeout bounds outbound connection attempts. FLUX_DIAL_TIMEOUT.
	DialTimeout time.Duration `envconfig:"DIAL_TIMEOUT" default:"30s"`

	// CodeTTL is how long pickup codes stay valid. FLUX_CODE_TTL.
	CodeTTL time.Duration `envconfig:"CODE_TTL" default:"10m"`

	// LogLevel is a logrus level name. FLUX_LOG_LEVEL.
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// Load reads the configuration from a .env file (when present) and the
// process environment, fills in defaults, and validates the result.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logrus.WithFields(logrus.Fields{
			"function": "Load",
			"error":    err.Error(),
		}).Warn("Could not read .env file")
	}

	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("process environment: %w", err)
	}

	if cfg.SaveDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("resolve home directory: %w", err)
		}
		cfg.SaveDir = filepath.Join(home, "Downloads")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", c.ChunkSize)
	}
	if c.MaxInbound <= 0 {
		return fmt.Errorf("max inbound must be positive, got %d", c.MaxInbound)
	}
	if c.IOTimeout <= 0 || c.DialTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if c.CodeTTL <= 0 {
		return fmt.Errorf("code TTL must be positive, got %s", c.CodeTTL)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	return nil
}

// Level returns the parsed logrus level. Call Validate first.
func (c Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}
