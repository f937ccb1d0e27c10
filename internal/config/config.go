// Package config loads server configuration from defaults, an optional YAML
// file and environment variables, in that order of precedence.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Claims   ClaimsConfig   `yaml:"claims"`
	Views    ViewsConfig    `yaml:"views"`
	Redis    RedisConfig    `yaml:"redis"`
	Identity IdentityConfig `yaml:"identity"`
}

// ServerConfig configures the HTTP listener and storage location.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	DataDir         string        `yaml:"data_dir"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DBPath is the SQLite ledger file inside the data directory.
func (s ServerConfig) DBPath() string {
	return filepath.Join(s.DataDir, "slot-claims.db")
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}

// ClaimsConfig tunes claim transactions.
type ClaimsConfig struct {
	StrictTransitions bool          `yaml:"strict_transitions"`
	CommitTimeout     time.Duration `yaml:"commit_timeout"`
	RateLimit         float64       `yaml:"rate_limit"` // claims per second per claimant, 0 disables
	RateBurst         int           `yaml:"rate_burst"`
}

// ViewsConfig tunes view propagation.
type ViewsConfig struct {
	BookingInterval    time.Duration `yaml:"booking_interval"`
	ListingInterval    time.Duration `yaml:"listing_interval"`
	StalenessThreshold time.Duration `yaml:"staleness_threshold"`
}

// RedisConfig enables the shared view cache when Addr is set.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// IdentityConfig configures bearer token verification. Without a signing
// key the X-Claimant-ID header is trusted.
type IdentityConfig struct {
	SigningKey string `yaml:"signing_key"`
	Issuer     string `yaml:"issuer"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8099",
			DataDir:         "/data",
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "json"},
		Claims: ClaimsConfig{
			CommitTimeout: 10 * time.Second,
			RateLimit:     2,
			RateBurst:     5,
		},
		Views: ViewsConfig{
			BookingInterval:    time.Second,
			ListingInterval:    15 * time.Second,
			StalenessThreshold: time.Second,
		},
		Redis: RedisConfig{TTL: 5 * time.Minute},
	}
}

// Load builds the configuration. path may be empty.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Server.Addr = getEnv("SLOTCLAIMS_ADDR", cfg.Server.Addr)
	cfg.Server.DataDir = getEnv("SLOTCLAIMS_DATA_DIR", cfg.Server.DataDir)
	cfg.Server.ShutdownTimeout = getEnvDuration("SLOTCLAIMS_SHUTDOWN_TIMEOUT", cfg.Server.ShutdownTimeout)

	cfg.Log.Level = getEnv("SLOTCLAIMS_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("SLOTCLAIMS_LOG_FORMAT", cfg.Log.Format)

	cfg.Claims.StrictTransitions = getEnvBool("SLOTCLAIMS_STRICT_TRANSITIONS", cfg.Claims.StrictTransitions)
	cfg.Claims.CommitTimeout = getEnvDuration("SLOTCLAIMS_COMMIT_TIMEOUT", cfg.Claims.CommitTimeout)
	cfg.Claims.RateLimit = getEnvFloat("SLOTCLAIMS_RATE_LIMIT", cfg.Claims.RateLimit)
	cfg.Claims.RateBurst = getEnvInt("SLOTCLAIMS_RATE_BURST", cfg.Claims.RateBurst)

	cfg.Views.BookingInterval = getEnvDuration("SLOTCLAIMS_BOOKING_INTERVAL", cfg.Views.BookingInterval)
	cfg.Views.ListingInterval = getEnvDuration("SLOTCLAIMS_LISTING_INTERVAL", cfg.Views.ListingInterval)
	cfg.Views.StalenessThreshold = getEnvDuration("SLOTCLAIMS_STALENESS_THRESHOLD", cfg.Views.StalenessThreshold)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvInt("REDIS_DB", cfg.Redis.DB)

	cfg.Identity.SigningKey = getEnv("SLOTCLAIMS_JWT_KEY", cfg.Identity.SigningKey)
	cfg.Identity.Issuer = getEnv("SLOTCLAIMS_JWT_ISSUER", cfg.Identity.Issuer)
}

// Validate rejects settings the server cannot run with.
func (c Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Server.DataDir == "" {
		return fmt.Errorf("server.data_dir is required")
	}
	if c.Views.BookingInterval < time.Second {
		return fmt.Errorf("views.booking_interval must be at least 1s, got %s", c.Views.BookingInterval)
	}
	if c.Views.ListingInterval < c.Views.BookingInterval {
		return fmt.Errorf("views.listing_interval (%s) must not be shorter than views.booking_interval (%s)",
			c.Views.ListingInterval, c.Views.BookingInterval)
	}
	if c.Views.StalenessThreshold <= 0 {
		return fmt.Errorf("views.staleness_threshold must be positive")
	}
	if c.Claims.RateLimit < 0 || c.Claims.RateBurst < 0 {
		return fmt.Errorf("claims rate limit settings must not be negative")
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be json or text, got %q", c.Log.Format)
	}
	return nil
}

// ParseLevel maps a level name onto slog.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// NewLogger builds the process logger.
func (l LogConfig) NewLogger() *slog.Logger {
	level, _ := ParseLevel(l.Level)
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
