package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// Config holds every setting the service recognizes. Values come from an
// optional YAML file first, then environment variables; env always wins.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Auth      AuthConfig      `yaml:"auth"`
	Ingestion IngestionConfig `yaml:"ingestion"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type ServerConfig struct {
	Port                  string `yaml:"port"`
	Env                   string `yaml:"env"`
	RequestTimeoutSeconds int    `yaml:"request_timeout_seconds"`
}

type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

type AuthConfig struct {
	SecretKey                string `yaml:"secret_key"`
	AccessTokenExpireMinutes int    `yaml:"access_token_expire_minutes"`
	RefreshTokenExpireDays   int    `yaml:"refresh_token_expire_days"`
}

type IngestionConfig struct {
	MaxBatchSize          int   `yaml:"max_batch_size"`
	MaxPayloadBytes       int64 `yaml:"max_payload_bytes"`
	ClockSkewMinutes      int   `yaml:"clock_skew_minutes"`
	RetentionHorizonDays  int   `yaml:"retention_horizon_days"`
	TenantCacheTTLSeconds int   `yaml:"tenant_cache_ttl_seconds"`
}

type RateLimitConfig struct {
	FailOpen bool `yaml:"fail_open"`
}

// Defaults mirrors production defaults; Load starts from here.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:                  "8080",
			Env:                   "development",
			RequestTimeoutSeconds: 30,
		},
		Database: DatabaseConfig{
			MaxOpenConns: 25,
			MaxIdleConns: 10,
		},
		Auth: AuthConfig{
			AccessTokenExpireMinutes: 30,
			RefreshTokenExpireDays:   7,
		},
		Ingestion: IngestionConfig{
			MaxBatchSize:          1000,
			MaxPayloadBytes:       10 * 1024 * 1024,
			ClockSkewMinutes:      5,
			RetentionHorizonDays:  30,
			TenantCacheTTLSeconds: 30,
		},
		RateLimit: RateLimitConfig{
			FailOpen: true,
		},
	}
}

// Load reads the YAML file at path (if path is non-empty and the file
// exists) and then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		f, err := os.Open(path)
		if err == nil {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("decode config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	cfg.applyEnv()

	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL must be set")
	}
	if cfg.Redis.URL == "" {
		return nil, fmt.Errorf("REDIS_URL must be set")
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envStr(&c.Server.Port, "PORT")
	envStr(&c.Server.Env, "ENVIRONMENT")
	envInt(&c.Server.RequestTimeoutSeconds, "REQUEST_TIMEOUT_SECONDS")

	envStr(&c.Database.URL, "DATABASE_URL")
	envInt(&c.Database.MaxOpenConns, "DATABASE_MAX_OPEN_CONNS")
	envInt(&c.Database.MaxIdleConns, "DATABASE_MAX_IDLE_CONNS")

	envStr(&c.Redis.URL, "REDIS_URL")

	envStr(&c.Auth.SecretKey, "SECRET_KEY")
	envInt(&c.Auth.AccessTokenExpireMinutes, "ACCESS_TOKEN_EXPIRE_MINUTES")
	envInt(&c.Auth.RefreshTokenExpireDays, "REFRESH_TOKEN_EXPIRE_DAYS")

	envInt(&c.Ingestion.MaxBatchSize, "MAX_BATCH_SIZE")
	envInt64(&c.Ingestion.MaxPayloadBytes, "MAX_PAYLOAD_BYTES")
	envInt(&c.Ingestion.ClockSkewMinutes, "CLOCK_SKEW_MINUTES")
	envInt(&c.Ingestion.RetentionHorizonDays, "RETENTION_HORIZON_DAYS")
	envInt(&c.Ingestion.TenantCacheTTLSeconds, "TENANT_CACHE_TTL_SECONDS")

	envBool(&c.RateLimit.FailOpen, "RATE_LIMIT_FAIL_OPEN")
}

// RequestTimeout returns the per-request deadline.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// ClockSkew returns the tolerated future drift for occurrence timestamps.
func (c *Config) ClockSkew() time.Duration {
	return time.Duration(c.Ingestion.ClockSkewMinutes) * time.Minute
}

// RetentionHorizon returns how far in the past an occurrence timestamp may lie.
func (c *Config) RetentionHorizon() time.Duration {
	return time.Duration(c.Ingestion.RetentionHorizonDays) * 24 * time.Hour
}

// TenantCacheTTL returns the registry positive-lookup cache TTL.
func (c *Config) TenantCacheTTL() time.Duration {
	return time.Duration(c.Ingestion.TenantCacheTTLSeconds) * time.Second
}

func envStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
