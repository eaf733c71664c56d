// ABOUTME: Configuration loading and parsing for the wardgate relay server
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Load when the corresponding field is absent.
const (
	DefaultPairingTTL         = 10 * time.Minute
	DefaultMaxDevicesPerUser  = 5
	DefaultMaxPendingPerUser  = 20
	DefaultCommandTTL         = 10 * time.Minute
	DefaultHeavyDelay         = 30 * time.Second
	DefaultCriticalDelay      = 180 * time.Second
	DefaultCheckpointCap      = 50
	DefaultAutoCheckpointCap  = 30
	DefaultSweepInterval      = 30 * time.Second
	DefaultConfirmTokenExpiry = 5 * time.Minute
)

// Config represents the complete wardgate configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Journal  JournalConfig  `yaml:"journal"`
	Auth     AuthConfig     `yaml:"auth"`
	Pairing  PairingConfig  `yaml:"pairing"`
	Relay    RelayConfig    `yaml:"relay"`
	Guard    GuardConfig    `yaml:"guard"`
	Gravity  GravityConfig  `yaml:"gravity"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds the HTTP listen address
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds the SQLite database path
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// JournalConfig holds the action journal directory and checkpoint retention
type JournalConfig struct {
	Dir string `yaml:"dir"`

	// CheckpointCap bounds total retained checkpoints; AutoCheckpointCap
	// bounds the automatic subset. Manual checkpoints are never evicted.
	CheckpointCap     int `yaml:"checkpoint_cap"`
	AutoCheckpointCap int `yaml:"auto_checkpoint_cap"`
}

// AuthConfig holds secrets for credential integrity and token signing
type AuthConfig struct {
	// Secret signs device credentials, confirmation tokens, and unlock
	// tokens. The server refuses to start without it.
	Secret string `yaml:"secret"`

	ConfirmTokenExpiry    time.Duration `yaml:"-"`
	ConfirmTokenExpiryRaw string        `yaml:"confirm_token_expiry"`
}

// PairingConfig holds device pairing limits
type PairingConfig struct {
	CodeTTL    time.Duration `yaml:"-"`
	CodeTTLRaw string        `yaml:"code_ttl"`
	MaxDevices int           `yaml:"max_devices"`
}

// RelayConfig holds command queue limits and timing
type RelayConfig struct {
	MaxPendingPerUser int           `yaml:"max_pending_per_user"`
	CommandTTL        time.Duration `yaml:"-"`
	CommandTTLRaw     string        `yaml:"command_ttl"`
	SweepInterval     time.Duration `yaml:"-"`
	SweepIntervalRaw  string        `yaml:"sweep_interval"`
}

// GuardConfig holds dead man's switch delays
type GuardConfig struct {
	HeavyDelay       time.Duration `yaml:"-"`
	HeavyDelayRaw    string        `yaml:"heavy_delay"`
	CriticalDelay    time.Duration `yaml:"-"`
	CriticalDelayRaw string        `yaml:"critical_delay"`
}

// GravityConfig points at an optional risk-pattern table override
type GravityConfig struct {
	// PatternsPath, when set, replaces the compiled-in risk pattern
	// table with one loaded from a TOML file.
	PatternsPath string `yaml:"patterns_path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values and defaults applied.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills zero-valued fields with their documented defaults.
func (c *Config) applyDefaults() {
	if c.Pairing.CodeTTL == 0 {
		c.Pairing.CodeTTL = DefaultPairingTTL
	}
	if c.Pairing.MaxDevices == 0 {
		c.Pairing.MaxDevices = DefaultMaxDevicesPerUser
	}
	if c.Relay.MaxPendingPerUser == 0 {
		c.Relay.MaxPendingPerUser = DefaultMaxPendingPerUser
	}
	if c.Relay.CommandTTL == 0 {
		c.Relay.CommandTTL = DefaultCommandTTL
	}
	if c.Relay.SweepInterval == 0 {
		c.Relay.SweepInterval = DefaultSweepInterval
	}
	if c.Guard.HeavyDelay == 0 {
		c.Guard.HeavyDelay = DefaultHeavyDelay
	}
	if c.Guard.CriticalDelay == 0 {
		c.Guard.CriticalDelay = DefaultCriticalDelay
	}
	if c.Journal.CheckpointCap == 0 {
		c.Journal.CheckpointCap = DefaultCheckpointCap
	}
	if c.Journal.AutoCheckpointCap == 0 {
		c.Journal.AutoCheckpointCap = DefaultAutoCheckpointCap
	}
	if c.Auth.ConfirmTokenExpiry == 0 {
		c.Auth.ConfirmTokenExpiry = DefaultConfirmTokenExpiry
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Journal.Dir == "" {
		return fmt.Errorf("journal.dir is required")
	}
	if c.Auth.Secret == "" {
		return fmt.Errorf("auth.secret is required")
	}
	if c.Journal.AutoCheckpointCap > c.Journal.CheckpointCap {
		return fmt.Errorf("journal.auto_checkpoint_cap must not exceed journal.checkpoint_cap")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{cfg.Pairing.CodeTTLRaw, "pairing.code_ttl", &cfg.Pairing.CodeTTL},
		{cfg.Relay.CommandTTLRaw, "relay.command_ttl", &cfg.Relay.CommandTTL},
		{cfg.Relay.SweepIntervalRaw, "relay.sweep_interval", &cfg.Relay.SweepInterval},
		{cfg.Guard.HeavyDelayRaw, "guard.heavy_delay", &cfg.Guard.HeavyDelay},
		{cfg.Guard.CriticalDelayRaw, "guard.critical_delay", &cfg.Guard.CriticalDelay},
		{cfg.Auth.ConfirmTokenExpiryRaw, "auth.confirm_token_expiry", &cfg.Auth.ConfirmTokenExpiry},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
