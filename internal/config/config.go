// Package config loads PBX runtime configuration from CLI flags and
// environment variables, following the same precedence and structure the
// rest of the flowpbx family uses: CLI flags > env vars > defaults.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds all runtime configuration for the PBX core server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	TUPort     int    // TCP listen port for the telephone-unit wire protocol
	AdminPort  int    // HTTP listen port for the admin/metrics plane
	AdminToken string // hex-encoded 32-byte secret for admin JWT signing (auto-generated if empty)
	CDRPath    string // path to the SQLite CDR database file
	MaxExt     int    // size of the extension table, [0, MaxExt)
	LogLevel   string // debug, info, warn, error
	LogFormat  string // log output format: "text" or "json"
}

// defaults
const (
	defaultTUPort    = 3000
	defaultAdminPort = 8081
	defaultCDRPath   = "./data/pbx.db"
	defaultMaxExt    = 1024
	defaultLogLevel  = "info"
	defaultLogFormat = "text"
)

// envPrefix is the prefix for all PBX environment variables.
const envPrefix = "PBX_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("pbx", flag.ContinueOnError)

	fs.IntVar(&cfg.TUPort, "tu-port", defaultTUPort, "TCP listen port for the telephone-unit wire protocol")
	fs.IntVar(&cfg.AdminPort, "admin-port", defaultAdminPort, "HTTP listen port for the admin API and metrics")
	fs.StringVar(&cfg.AdminToken, "admin-token", "", "hex-encoded 32-byte secret for admin JWT signing (auto-generated if empty)")
	fs.StringVar(&cfg.CDRPath, "cdr-path", defaultCDRPath, "path to the SQLite call-detail-record database")
	fs.IntVar(&cfg.MaxExt, "max-ext", defaultMaxExt, "number of addressable extensions, [0, max-ext)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	// CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	// Map of flag name to env var name.
	envMap := map[string]string{
		"tu-port":     envPrefix + "TU_PORT",
		"admin-port":  envPrefix + "ADMIN_PORT",
		"admin-token": envPrefix + "ADMIN_TOKEN",
		"cdr-path":    envPrefix + "CDR_PATH",
		"max-ext":     envPrefix + "MAX_EXT",
		"log-level":   envPrefix + "LOG_LEVEL",
		"log-format":  envPrefix + "LOG_FORMAT",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "tu-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.TUPort = v
			}
		case "admin-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.AdminPort = v
			}
		case "admin-token":
			cfg.AdminToken = val
		case "cdr-path":
			cfg.CDRPath = val
		case "max-ext":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.MaxExt = v
			}
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.TUPort < 1024 || c.TUPort > 65535 {
		return fmt.Errorf("tu-port must be between 1024 and 65535, got %d", c.TUPort)
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		return fmt.Errorf("admin-port must be between 1 and 65535, got %d", c.AdminPort)
	}
	if c.TUPort == c.AdminPort {
		return fmt.Errorf("tu-port and admin-port must differ, both %d", c.TUPort)
	}
	if c.MaxExt < 1 {
		return fmt.Errorf("max-ext must be positive, got %d", c.MaxExt)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// AdminTokenBytes returns the decoded 32-byte admin JWT signing secret.
// If no secret is configured, it generates a random 32-byte key and stores
// the hex-encoded value back in the config for the process lifetime.
func (c *Config) AdminTokenBytes() ([]byte, error) {
	if c.AdminToken == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating admin token secret: %w", err)
		}
		c.AdminToken = hex.EncodeToString(key)
		slog.Warn("no admin-token configured, generated ephemeral key (tokens will not survive restart)")
		return key, nil
	}
	key, err := hex.DecodeString(c.AdminToken)
	if err != nil {
		return nil, fmt.Errorf("decoding admin token secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("admin token secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
