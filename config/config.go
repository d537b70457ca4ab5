/*
Package config loads creditd configuration.

SOURCES (later wins):
  1. Defaults()
  2. TOML file passed with --config (optional)
  3. .env in the working directory (optional, never overrides real env)
  4. Environment variables

ENVIRONMENT:
  CREDITD_ADDR                  server.addr
  CREDITD_ALLOWED_ORIGINS       server.allowed_origins (comma separated)
  CREDITD_DB_PATH               database.path
  CREDITD_DB_BUSY_TIMEOUT       database.busy_timeout
  LOG_LEVEL                     log.level
  CREDITD_ELIGIBLE_CATEGORIES   credits.eligible_categories (comma separated)
  CREDITD_LOCK_TIMEOUT          credits.lock_timeout
  RECONCILE_ENABLED             reconcile.enabled
  RECONCILE_INTERVAL            reconcile.interval
  RECONCILE_CORRECT             reconcile.correct

EXAMPLE creditd.toml:

  [server]
  addr = ":8080"

  [database]
  path = "./data/credits.db"

  [credits]
  eligible_categories = ["regular", "probationary"]
  lock_timeout = "5s"

  [reconcile]
  enabled = true
  interval = "24h"
  correct = false
*/
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig    `toml:"server"`
	Database  DatabaseConfig  `toml:"database"`
	Log       LogConfig       `toml:"log"`
	Credits   CreditsConfig   `toml:"credits"`
	Reconcile ReconcileConfig `toml:"reconcile"`
}

type ServerConfig struct {
	Addr            string   `toml:"addr"`
	AllowedOrigins  []string `toml:"allowed_origins"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Path        string   `toml:"path"`
	BusyTimeout Duration `toml:"busy_timeout"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

type CreditsConfig struct {
	EligibleCategories []string `toml:"eligible_categories"`
	LockTimeout        Duration `toml:"lock_timeout"`
}

// ReconcileConfig controls the periodic drift check. Correct=false only
// reports drift; it never rewrites cached balances.
type ReconcileConfig struct {
	Enabled  bool     `toml:"enabled"`
	Interval Duration `toml:"interval"`
	Correct  bool     `toml:"correct"`
	Actor    string   `toml:"actor"`
}

// Duration decodes TOML strings such as "5s" or "24h".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			AllowedOrigins:  []string{"http://localhost:3000", "http://localhost:5173"},
			ShutdownTimeout: Duration{30 * time.Second},
		},
		Database: DatabaseConfig{
			Path:        "./data/credits.db",
			BusyTimeout: Duration{5 * time.Second},
		},
		Log: LogConfig{Level: "info"},
		Credits: CreditsConfig{
			EligibleCategories: []string{"regular", "probationary"},
			LockTimeout:        Duration{5 * time.Second},
		},
		Reconcile: ReconcileConfig{
			Enabled:  false,
			Interval: Duration{24 * time.Hour},
			Correct:  false,
			Actor:    "system:reconciler",
		},
	}
}

// Load builds the configuration. path may be empty.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return Config{}, fmt.Errorf("unknown config keys in %s: %v", path, undecoded)
		}
	}

	_ = godotenv.Load()
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	cfg.Server.Addr = getenv("CREDITD_ADDR", cfg.Server.Addr)
	cfg.Server.AllowedOrigins = getenvList("CREDITD_ALLOWED_ORIGINS", cfg.Server.AllowedOrigins)
	cfg.Database.Path = getenv("CREDITD_DB_PATH", cfg.Database.Path)
	cfg.Log.Level = getenv("LOG_LEVEL", cfg.Log.Level)
	cfg.Credits.EligibleCategories = getenvList("CREDITD_ELIGIBLE_CATEGORIES", cfg.Credits.EligibleCategories)
	cfg.Reconcile.Enabled = getenvBool("RECONCILE_ENABLED", cfg.Reconcile.Enabled)
	cfg.Reconcile.Correct = getenvBool("RECONCILE_CORRECT", cfg.Reconcile.Correct)

	durations := []struct {
		key string
		dst *Duration
	}{
		{"CREDITD_DB_BUSY_TIMEOUT", &cfg.Database.BusyTimeout},
		{"CREDITD_LOCK_TIMEOUT", &cfg.Credits.LockTimeout},
		{"RECONCILE_INTERVAL", &cfg.Reconcile.Interval},
	}
	for _, d := range durations {
		v := strings.TrimSpace(os.Getenv(d.key))
		if v == "" {
			continue
		}
		if err := d.dst.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("invalid %s: %w", d.key, err)
		}
	}
	return nil
}

// Validate rejects configurations the server cannot start with.
func (c Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if len(c.Credits.EligibleCategories) == 0 {
		return fmt.Errorf("credits.eligible_categories must not be empty")
	}
	if c.Credits.LockTimeout.Duration <= 0 {
		return fmt.Errorf("credits.lock_timeout must be positive")
	}
	if c.Reconcile.Enabled && c.Reconcile.Interval.Duration <= 0 {
		return fmt.Errorf("reconcile.interval must be positive when reconcile is enabled")
	}
	return nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvList(key string, def []string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
