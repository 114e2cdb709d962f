package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultBaseURL = "https://api.khubot.ir"
	DefaultTimeout = 60 * time.Second
	DefaultDBPath  = "khubot.db"
	DefaultLogDir  = "logs"
)

// Config holds application configuration
type Config struct {
	BaseURL string        // Root of the khubot API, without trailing slash
	Timeout time.Duration // Per-request HTTP timeout
	DBPath  string        // SQLite file holding the credential cookie
	LogDir  string        // Directory for rotated log, trace and metric files
	Debug   bool

	Telemetry bool // Export traces and metrics to LogDir
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		BaseURL:   DefaultBaseURL,
		Timeout:   DefaultTimeout,
		DBPath:    DefaultDBPath,
		LogDir:    DefaultLogDir,
		Telemetry: true,
	}
}

// Load reads an optional .env file and applies KHUBOT_* environment
// overrides on top of the defaults. Flags are applied afterwards by the caller.
func Load(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return Config{}, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	cfg := Default()
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("KHUBOT_BASE_URL"); v != "" {
		c.BaseURL = v
	}
	if v := os.Getenv("KHUBOT_DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("KHUBOT_LOG_DIR"); v != "" {
		c.LogDir = v
	}
	if v := os.Getenv("KHUBOT_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid KHUBOT_TIMEOUT %q: %w", v, err)
		}
		c.Timeout = d
	}
	if v := os.Getenv("KHUBOT_DEBUG"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid KHUBOT_DEBUG %q: %w", v, err)
		}
		c.Debug = b
	}
	if v := os.Getenv("KHUBOT_TELEMETRY"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid KHUBOT_TELEMETRY %q: %w", v, err)
		}
		c.Telemetry = b
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("base URL must be http or https, got %q", c.BaseURL)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	if c.DBPath == "" {
		return fmt.Errorf("database path is required")
	}
	if c.LogDir == "" {
		return fmt.Errorf("log directory is required")
	}
	return nil
}
