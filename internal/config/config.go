// Package config loads the marketplace configuration. Values come from
// defaults, then an optional YAML file, then MARKETPLACE_* environment
// variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/marketplace_layer/pkg/logger"
)

// Config is the full runtime configuration.
type Config struct {
	Server     ServerConfig         `yaml:"server"`
	Database   DatabaseConfig       `yaml:"database"`
	Redis      RedisConfig          `yaml:"redis"`
	Settlement SettlementConfig     `yaml:"settlement"`
	Signer     SignerConfig         `yaml:"signer"`
	Auth       AuthConfig           `yaml:"auth"`
	RateLimit  RateLimitConfig      `yaml:"rate_limit"`
	Reconciler ReconcilerConfig     `yaml:"reconciler"`
	Logging    logger.LoggingConfig `yaml:"logging"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"MARKETPLACE_ADDR"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"MARKETPLACE_READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"MARKETPLACE_WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"MARKETPLACE_SHUTDOWN_TIMEOUT"`
	AllowedOrigins  []string      `yaml:"allowed_origins" env:"MARKETPLACE_ALLOWED_ORIGINS"`
	AuditFile       string        `yaml:"audit_file" env:"MARKETPLACE_AUDIT_FILE"`
}

// DatabaseConfig selects postgres when DSN is set; otherwise state is kept
// in memory.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn" env:"MARKETPLACE_DATABASE_DSN"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MARKETPLACE_DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MARKETPLACE_DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"MARKETPLACE_DATABASE_CONN_MAX_LIFETIME"`
	Migrate         bool          `yaml:"migrate" env:"MARKETPLACE_DATABASE_MIGRATE"`
}

// RedisConfig enables distributed job locks when Addr is set.
type RedisConfig struct {
	Addr     string        `yaml:"addr" env:"MARKETPLACE_REDIS_ADDR"`
	Password string        `yaml:"password" env:"MARKETPLACE_REDIS_PASSWORD"`
	DB       int           `yaml:"db" env:"MARKETPLACE_REDIS_DB"`
	LockTTL  time.Duration `yaml:"lock_ttl" env:"MARKETPLACE_REDIS_LOCK_TTL"`
}

// SettlementConfig selects the gateway. An empty URL uses the in-memory
// sandbox ledger.
type SettlementConfig struct {
	URL     string        `yaml:"url" env:"MARKETPLACE_SETTLEMENT_URL"`
	APIKey  string        `yaml:"api_key" env:"MARKETPLACE_SETTLEMENT_API_KEY"`
	Timeout time.Duration `yaml:"timeout" env:"MARKETPLACE_SETTLEMENT_TIMEOUT"`
	// SandboxFunds seeds sandbox balances, "address:CURRENCY:amount".
	SandboxFunds []string `yaml:"sandbox_funds" env:"MARKETPLACE_SANDBOX_FUNDS"`
}

// SignerConfig holds the keyring master key (raw, hex or base64).
type SignerConfig struct {
	MasterKey     string `yaml:"master_key" env:"MARKETPLACE_SIGNER_MASTER_KEY"`
	DeriveUnknown bool   `yaml:"derive_unknown" env:"MARKETPLACE_SIGNER_DERIVE_UNKNOWN"`
}

// AuthConfig configures bearer token verification. PublicKeyFile (PEM RSA)
// takes precedence over the HMAC secret.
type AuthConfig struct {
	JWTSecret      string `yaml:"jwt_secret" env:"MARKETPLACE_JWT_SECRET"`
	PublicKeyFile  string `yaml:"public_key_file" env:"MARKETPLACE_JWT_PUBLIC_KEY_FILE"`
	Issuer         string `yaml:"issuer" env:"MARKETPLACE_JWT_ISSUER"`
	AnonymousReads bool   `yaml:"anonymous_reads" env:"MARKETPLACE_ANONYMOUS_READS"`
}

// RateLimitConfig throttles /v1 per caller.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled" env:"MARKETPLACE_RATE_LIMIT_ENABLED"`
	RequestsPerSecond float64 `yaml:"requests_per_second" env:"MARKETPLACE_RATE_LIMIT_RPS"`
	Burst             int     `yaml:"burst" env:"MARKETPLACE_RATE_LIMIT_BURST"`
}

// ReconcilerConfig schedules settlement reconciliation.
type ReconcilerConfig struct {
	Enabled  bool   `yaml:"enabled" env:"MARKETPLACE_RECONCILER_ENABLED"`
	Schedule string `yaml:"schedule" env:"MARKETPLACE_RECONCILER_SCHEDULE"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			AllowedOrigins:  []string{"*"},
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Redis: RedisConfig{LockTTL: 2 * time.Minute},
		Settlement: SettlementConfig{
			Timeout: 30 * time.Second,
		},
		Signer: SignerConfig{DeriveUnknown: true},
		Auth:   AuthConfig{AnonymousReads: true},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 20,
			Burst:             40,
		},
		Reconciler: ReconcilerConfig{Enabled: true, Schedule: "@every 1m"},
		Logging: logger.LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// empty) and the environment. A .env file in the working directory is read
// first if present.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Server.Addr) == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Settlement.Timeout <= 0 {
		errs = append(errs, errors.New("settlement.timeout must be positive"))
	}
	if c.Signer.MasterKey == "" {
		errs = append(errs, errors.New("signer.master_key is required"))
	}
	if c.Auth.JWTSecret == "" && c.Auth.PublicKeyFile == "" {
		errs = append(errs, errors.New("auth.jwt_secret or auth.public_key_file is required"))
	}
	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst <= 0) {
		errs = append(errs, errors.New("rate_limit requires positive requests_per_second and burst"))
	}
	if c.Reconciler.Enabled && strings.TrimSpace(c.Reconciler.Schedule) == "" {
		errs = append(errs, errors.New("reconciler.schedule is required when enabled"))
	}
	if c.Database.Migrate && c.Database.DSN == "" {
		errs = append(errs, errors.New("database.migrate requires database.dsn"))
	}
	return errors.Join(errs...)
}
