// Package config provides configuration loading for the loyalty service.
//
// Values come from DefaultConfig, then an optional YAML file, then
// environment variables (LOYALTY_*), each layer overriding the previous one.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Logging     LoggingConfig     `yaml:"logging"`
	Ledger      LedgerConfig      `yaml:"ledger"`
	Rewards     RewardsConfig     `yaml:"rewards"`
	Referral    ReferralConfig    `yaml:"referral"`
	Leaderboard LeaderboardConfig `yaml:"leaderboard"`
	NATS        NATSConfig        `yaml:"nats"`
}

// ServerConfig governs HTTP server behaviour.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	// LoadDemo seeds the demo scenario on startup.
	LoadDemo bool `yaml:"load_demo"`
}

// DatabaseConfig selects the store.
type DatabaseConfig struct {
	// Driver is one of sqlite, postgres, memory.
	Driver string `yaml:"driver"`
	// Path is the SQLite file (":memory:" for a throwaway database).
	Path string `yaml:"path"`
	// DSN is the PostgreSQL connection string.
	DSN string `yaml:"dsn"`
}

// LoggingConfig controls structured logging settings.
type LoggingConfig struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"` // text|json
	IncludeCaller bool   `yaml:"include_caller"`
}

type LedgerConfig struct {
	// OperationTimeout bounds lock acquisition and storage work per write.
	OperationTimeout time.Duration `yaml:"operation_timeout"`

	// MaxTransactionPoints bounds the magnitude of one entry or adjustment.
	MaxTransactionPoints int64 `yaml:"max_transaction_points"`
	MaxCodesPerWrite     int   `yaml:"max_codes_per_write"`
}

// RewardsConfig configures threshold rules and discount code generation.
type RewardsConfig struct {
	Rules           []RuleConfig `yaml:"rules"`
	CodePrefix      string       `yaml:"code_prefix"`
	CodeLength      int          `yaml:"code_length"`
	MaxCodeAttempts int          `yaml:"max_code_attempts"`
}

type RuleConfig struct {
	ID         string        `yaml:"id"`
	Basis      string        `yaml:"basis"` // points|entries
	Enabled    bool          `yaml:"enabled"`
	Interval   int64         `yaml:"interval"`
	Percentage string        `yaml:"percentage"`
	Validity   time.Duration `yaml:"validity"`
}

type ReferralConfig struct {
	BonusPoints       int64  `yaml:"bonus_points"`
	RequireFirstEntry bool   `yaml:"require_first_entry"`
	CodePrefix        string `yaml:"code_prefix"`
	CodeLength        int    `yaml:"code_length"`
}

type LeaderboardConfig struct {
	// TimeZone is an IANA name; period boundaries are evaluated in it.
	TimeZone     string `yaml:"time_zone"`
	DefaultLimit int    `yaml:"default_limit"`
	MaxLimit     int    `yaml:"max_limit"`

	// WatchInterval is how often the period rollover watcher checks the
	// clock. Zero disables the watcher.
	WatchInterval time.Duration `yaml:"watch_interval"`
	SnapshotSize  int           `yaml:"snapshot_size"`
}

// NATSConfig configures event publishing. An empty URL disables it.
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			AllowedOrigins:  []string{"*"},
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   "loyalty.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Ledger: LedgerConfig{
			OperationTimeout:     5 * time.Second,
			MaxTransactionPoints: 10000,
			MaxCodesPerWrite:     1000,
		},
		Rewards: RewardsConfig{
			Rules: []RuleConfig{
				{ID: "points", Basis: "points", Enabled: true, Interval: 50, Percentage: "20", Validity: 90 * 24 * time.Hour},
				{ID: "entries", Basis: "entries", Enabled: false, Interval: 5, Percentage: "15", Validity: 90 * 24 * time.Hour},
			},
			CodePrefix:      "RIDE-",
			CodeLength:      6,
			MaxCodeAttempts: 8,
		},
		Referral: ReferralConfig{
			BonusPoints:       20,
			RequireFirstEntry: true,
			CodePrefix:        "REF-",
			CodeLength:        6,
		},
		Leaderboard: LeaderboardConfig{
			TimeZone:      "UTC",
			DefaultLimit:  10,
			MaxLimit:      100,
			WatchInterval: time.Minute,
			SnapshotSize:  10,
		},
		NATS: NATSConfig{
			SubjectPrefix: "loyalty",
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535"))
	}
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			errs = append(errs, fmt.Errorf("database.path is required for sqlite"))
		}
	case "postgres":
		if c.Database.DSN == "" {
			errs = append(errs, fmt.Errorf("database.dsn is required for postgres"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("database.driver must be sqlite, postgres or memory, got %q", c.Database.Driver))
	}
	if c.Ledger.OperationTimeout <= 0 {
		errs = append(errs, fmt.Errorf("ledger.operation_timeout must be positive"))
	}
	if c.Ledger.MaxTransactionPoints <= 0 {
		errs = append(errs, fmt.Errorf("ledger.max_transaction_points must be positive"))
	}
	if c.Ledger.MaxCodesPerWrite <= 0 {
		errs = append(errs, fmt.Errorf("ledger.max_codes_per_write must be positive"))
	}
	if c.Referral.BonusPoints > c.Ledger.MaxTransactionPoints {
		errs = append(errs, fmt.Errorf("referral.bonus_points must not exceed ledger.max_transaction_points"))
	}
	if c.Rewards.CodeLength < 4 {
		errs = append(errs, fmt.Errorf("rewards.code_length must be at least 4"))
	}
	if c.Referral.CodeLength < 4 {
		errs = append(errs, fmt.Errorf("referral.code_length must be at least 4"))
	}
	if c.Referral.BonusPoints < 0 {
		errs = append(errs, fmt.Errorf("referral.bonus_points must not be negative"))
	}
	seen := make(map[string]bool)
	for _, r := range c.Rewards.Rules {
		if seen[r.ID] {
			errs = append(errs, fmt.Errorf("rewards.rules: duplicate id %q", r.ID))
		}
		seen[r.ID] = true
	}
	if _, err := time.LoadLocation(c.Leaderboard.TimeZone); err != nil {
		errs = append(errs, fmt.Errorf("leaderboard.time_zone: %w", err))
	}
	if c.Leaderboard.MaxLimit <= 0 || c.Leaderboard.DefaultLimit <= 0 || c.Leaderboard.DefaultLimit > c.Leaderboard.MaxLimit {
		errs = append(errs, fmt.Errorf("leaderboard limits must satisfy 0 < default_limit <= max_limit"))
	}
	return errors.Join(errs...)
}

// Load builds the configuration: defaults, then path (if non-empty), then
// environment overrides. The result is validated.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		var err error
		cfg, err = LoadFromFile(path)
		if err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file on top of the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// ApplyEnv overrides values from LOYALTY_* environment variables.
func (c *Config) ApplyEnv() error {
	c.Server.Host = valueOrDefault("LOYALTY_HOST", c.Server.Host)
	if origins := os.Getenv("LOYALTY_ALLOWED_ORIGINS"); origins != "" {
		c.Server.AllowedOrigins = splitCSV(origins)
	}
	c.Database.Driver = valueOrDefault("LOYALTY_DB_DRIVER", c.Database.Driver)
	c.Database.Path = valueOrDefault("LOYALTY_DB_PATH", c.Database.Path)
	c.Database.DSN = valueOrDefault("LOYALTY_DB_DSN", c.Database.DSN)
	c.Logging.Level = valueOrDefault("LOYALTY_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = valueOrDefault("LOYALTY_LOG_FORMAT", c.Logging.Format)
	c.Leaderboard.TimeZone = valueOrDefault("LOYALTY_TIME_ZONE", c.Leaderboard.TimeZone)
	c.NATS.URL = valueOrDefault("LOYALTY_NATS_URL", c.NATS.URL)

	var err error
	if c.Server.Port, err = parseIntWithDefault("LOYALTY_PORT", c.Server.Port); err != nil {
		return err
	}
	if c.Server.LoadDemo, err = parseBoolWithDefault("LOYALTY_LOAD_DEMO", c.Server.LoadDemo); err != nil {
		return err
	}
	if c.Ledger.OperationTimeout, err = parseDurationWithDefault("LOYALTY_OPERATION_TIMEOUT", c.Ledger.OperationTimeout); err != nil {
		return err
	}
	if c.Leaderboard.WatchInterval, err = parseDurationWithDefault("LOYALTY_WATCH_INTERVAL", c.Leaderboard.WatchInterval); err != nil {
		return err
	}
	return nil
}

// Location resolves the leaderboard time zone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Leaderboard.TimeZone)
}

// Addr returns host:port for the HTTP listener.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func valueOrDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func parseIntWithDefault(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func parseBoolWithDefault(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func parseDurationWithDefault(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
