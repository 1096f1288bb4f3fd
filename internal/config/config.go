package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete service configuration.
// Precedence: DLNK_* environment variables > YAML config file > defaults.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Security  SecurityConfig  `yaml:"security"`
	Session   SessionConfig   `yaml:"session"`
	License   LicenseConfig   `yaml:"license"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Logging   LoggingConfig   `yaml:"logging"`
	DBPath    string          `yaml:"db_path" envconfig:"DB_PATH"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Host            string        `yaml:"host" envconfig:"API_HOST"`
	Port            int           `yaml:"port" envconfig:"API_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	RequestTimeout  time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
}

// SecurityConfig holds the master-key material used to seal license blobs.
// Any change to MasterSecret invalidates all previously sealed blobs;
// operators must re-seal every stored license after a rotation.
type SecurityConfig struct {
	MasterSecret string `yaml:"-" envconfig:"MASTER_SECRET"`
	Salt         string `yaml:"-" envconfig:"SALT"`
	Enable2FA    bool   `yaml:"enable_2fa" envconfig:"ENABLE_2FA"`
	TOTPIssuer   string `yaml:"totp_issuer" envconfig:"TOTP_ISSUER"`
}

// SessionConfig controls bearer session lifetime.
type SessionConfig struct {
	TTLHours int `yaml:"ttl_hours" envconfig:"SESSION_TTL_HOURS"`
}

// LicenseConfig controls validation-side policy knobs.
type LicenseConfig struct {
	OfflineGraceDays int `yaml:"offline_grace_days" envconfig:"OFFLINE_GRACE_DAYS"`
	GraceWarningDays int `yaml:"grace_warning_days" envconfig:"GRACE_WARNING_DAYS"`
}

// AuthConfig controls the brute-force lockout policy.
type AuthConfig struct {
	MaxLoginAttempts int `yaml:"max_login_attempts" envconfig:"MAX_LOGIN_ATTEMPTS"`
	LockoutMinutes   int `yaml:"lockout_minutes" envconfig:"LOCKOUT_MINUTES"`
}

// RateLimitConfig contains the per-subject sliding window limits.
type RateLimitConfig struct {
	PerMinute int `yaml:"per_minute" envconfig:"RATE_LIMIT_PER_MIN"`
	PerHour   int `yaml:"per_hour" envconfig:"RATE_LIMIT_PER_HOUR"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LOG_LEVEL"`
	Format   string `yaml:"format" envconfig:"LOG_FORMAT"`
	Output   string `yaml:"output" envconfig:"LOG_OUTPUT"`
	FilePath string `yaml:"file_path" envconfig:"LOG_FILE"`
}

const (
	// MinMasterSecretLen is the minimum accepted master secret size in bytes.
	MinMasterSecretLen = 32
	// MinSaltLen is the minimum accepted KDF salt size in bytes.
	MinSaltLen = 16
)

// Default returns the built-in configuration before file and env overlays.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8088,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			RequestTimeout:  30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Security: SecurityConfig{
			Enable2FA:  true,
			TOTPIssuer: "dLNk IDE",
		},
		Session: SessionConfig{TTLHours: 24},
		License: LicenseConfig{
			OfflineGraceDays: 7,
			GraceWarningDays: 7,
		},
		Auth: AuthConfig{
			MaxLoginAttempts: 5,
			LockoutMinutes:   30,
		},
		RateLimit: RateLimitConfig{
			PerMinute: 100,
			PerHour:   2000,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Output:   "console",
			FilePath: "logs/dlnkd.log",
		},
		DBPath: "dlnk_license.db",
	}
}

// Load loads configuration from environment variables and an optional
// YAML file (DLNK_CONFIG, default dlnkd.yaml).
func Load() (*Config, error) {
	return LoadFrom(configFilePath())
}

// LoadFrom loads configuration, reading the YAML file at path if it exists.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read config file: %w", err)
			}
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	// Environment overrides the file. Fields without a matching DLNK_*
	// variable are left untouched.
	if err := envconfig.Process("DLNK", cfg); err != nil {
		return nil, fmt.Errorf("load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for fatal startup errors.
func (c *Config) Validate() error {
	if len(c.Security.MasterSecret) < MinMasterSecretLen {
		return fmt.Errorf("DLNK_MASTER_SECRET must be at least %d bytes", MinMasterSecretLen)
	}
	if len(c.Security.Salt) < MinSaltLen {
		return fmt.Errorf("DLNK_SALT must be at least %d bytes", MinSaltLen)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid API port: %d", c.Server.Port)
	}
	if c.Session.TTLHours <= 0 {
		return fmt.Errorf("session TTL must be positive, got %d", c.Session.TTLHours)
	}
	if c.Auth.MaxLoginAttempts <= 0 {
		return fmt.Errorf("max login attempts must be positive, got %d", c.Auth.MaxLoginAttempts)
	}
	if c.RateLimit.PerMinute <= 0 {
		return fmt.Errorf("rate limit per minute must be positive, got %d", c.RateLimit.PerMinute)
	}
	if c.DBPath == "" {
		return fmt.Errorf("DLNK_DB_PATH must not be empty")
	}
	if dir := filepath.Dir(c.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create database directory %s: %w", dir, err)
		}
	}
	return nil
}

// ListenAddr returns the host:port the HTTP server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// SessionTTL returns the configured session lifetime.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.Session.TTLHours) * time.Hour
}

// LockoutDuration returns the configured lockout window.
func (c *Config) LockoutDuration() time.Duration {
	return time.Duration(c.Auth.LockoutMinutes) * time.Minute
}

func configFilePath() string {
	if p := os.Getenv("DLNK_CONFIG"); p != "" {
		return p
	}
	return "dlnkd.yaml"
}
