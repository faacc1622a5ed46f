package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Policy    PolicyConfig    `yaml:"policy"`
	Signing   SigningConfig   `yaml:"signing"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Audit     AuditConfig     `yaml:"audit"`
}

type ServerConfig struct {
	Port               string `yaml:"port"`
	Env                string `yaml:"env"`
	LogLevel           string `yaml:"log_level"`
	ReadTimeoutSec     int    `yaml:"read_timeout_sec"`
	WriteTimeoutSec    int    `yaml:"write_timeout_sec"`
	ShutdownTimeoutSec int    `yaml:"shutdown_timeout_sec"`
}

// RedisConfig configures the policy fast cache. An empty Addr disables it.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"-"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// PostgresConfig configures the durable policy source and audit store. An
// empty DSN runs on the built-in default policy without an audit trail.
type PostgresConfig struct {
	DSN                string `yaml:"-"`
	MaxOpenConns       int    `yaml:"max_open_conns"`
	MaxIdleConns       int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMin int    `yaml:"conn_max_lifetime_min"`
}

type PolicyConfig struct {
	CacheKey           string `yaml:"cache_key"`
	TTLSec             int    `yaml:"ttl_sec"`
	FailureTTLSec      int    `yaml:"failure_ttl_sec"`
	FetchTimeoutMs     int    `yaml:"fetch_timeout_ms"`
	BreakerThreshold   int    `yaml:"breaker_threshold"`
	BreakerCoolDownSec int    `yaml:"breaker_cool_down_sec"`
}

// SigningConfig selects the capsule signer. The secret only ever comes from
// the environment.
type SigningConfig struct {
	Algorithm string `yaml:"algorithm"`
	KeyID     string `yaml:"key_id"`
	// LegacyKeyIDs are keyed-digest key ids still accepted by /capsule/verify.
	LegacyKeyIDs []string `yaml:"legacy_key_ids"`
	Secret       string   `yaml:"-"`
}

type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

type AuditConfig struct {
	Enabled        bool `yaml:"enabled"`
	QueueSize      int  `yaml:"queue_size"`
	WriteTimeoutMs int  `yaml:"write_timeout_ms"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:               "8080",
			Env:                "development",
			LogLevel:           "info",
			ReadTimeoutSec:     5,
			WriteTimeoutSec:    10,
			ShutdownTimeoutSec: 30,
		},
		Redis:    RedisConfig{PoolSize: 20},
		Postgres: PostgresConfig{MaxOpenConns: 10, MaxIdleConns: 5, ConnMaxLifetimeMin: 30},
		Policy: PolicyConfig{
			CacheKey:           "policies:active",
			TTLSec:             300,
			FailureTTLSec:      30,
			FetchTimeoutMs:     150,
			BreakerThreshold:   3,
			BreakerCoolDownSec: 30,
		},
		Signing:   SigningConfig{Algorithm: "ed25519", KeyID: "bargain-default"},
		RateLimit: RateLimitConfig{Enabled: true, RequestsPerSecond: 5, Burst: 10},
		Audit:     AuditConfig{Enabled: true, QueueSize: 1024, WriteTimeoutMs: 2000},
	}
}

// LoadConfig reads a YAML file over Default(). Keys absent from the file
// keep their default values.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables. getenv is usually
// os.Getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		c.Server.LogLevel = v
	}
	if v := getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := getenv("REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("REDIS_DB: %w", err)
		}
		c.Redis.DB = db
	}
	if v := getenv("DATABASE_URL"); v != "" {
		c.Postgres.DSN = v
	}
	if v := getenv("BARGAIN_SIGNING_SECRET"); v != "" {
		c.Signing.Secret = v
	}
	if v := getenv("BARGAIN_SIGNING_KEY_ID"); v != "" {
		c.Signing.KeyID = v
	}
	if v := getenv("BARGAIN_SIGNING_ALGORITHM"); v != "" {
		c.Signing.Algorithm = v
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if _, err := strconv.Atoi(c.Server.Port); err != nil {
		return fmt.Errorf("server.port %q is not a number", c.Server.Port)
	}
	switch strings.ToLower(c.Server.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("server.log_level %q is not one of debug, info, warn, error", c.Server.LogLevel)
	}
	if c.Policy.TTLSec <= 0 || c.Policy.FailureTTLSec <= 0 || c.Policy.FetchTimeoutMs <= 0 {
		return errors.New("policy ttl_sec, failure_ttl_sec and fetch_timeout_ms must be positive")
	}
	switch c.Signing.Algorithm {
	case "ed25519", "sha256-keyed":
	default:
		return fmt.Errorf("signing.algorithm %q is not supported", c.Signing.Algorithm)
	}
	if c.Signing.KeyID == "" {
		return errors.New("signing.key_id is required")
	}
	if c.Signing.Secret == "" {
		return errors.New("BARGAIN_SIGNING_SECRET is not set")
	}
	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst <= 0) {
		return errors.New("rate_limit requests_per_second and burst must be positive when enabled")
	}
	return nil
}

func (p PolicyConfig) TTL() time.Duration        { return time.Duration(p.TTLSec) * time.Second }
func (p PolicyConfig) FailureTTL() time.Duration { return time.Duration(p.FailureTTLSec) * time.Second }
func (p PolicyConfig) FetchTimeout() time.Duration {
	return time.Duration(p.FetchTimeoutMs) * time.Millisecond
}
func (p PolicyConfig) BreakerCoolDown() time.Duration {
	return time.Duration(p.BreakerCoolDownSec) * time.Second
}

func (s ServerConfig) ReadTimeout() time.Duration  { return time.Duration(s.ReadTimeoutSec) * time.Second }
func (s ServerConfig) WriteTimeout() time.Duration { return time.Duration(s.WriteTimeoutSec) * time.Second }
func (s ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutSec) * time.Second
}

func (a AuditConfig) WriteTimeout() time.Duration {
	return time.Duration(a.WriteTimeoutMs) * time.Millisecond
}
