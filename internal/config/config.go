// Package config loads service configuration from defaults, an optional YAML
// file and WARDEN_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"gopkg.in/yaml.v3"

	"warden.dev/internal/auth"
	"warden.dev/internal/logpipe"
	"warden.dev/internal/obs"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "WARDEN_"

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	GRPC      GRPCConfig      `yaml:"grpc"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Auth      AuthConfig      `yaml:"auth"`
	Log       LogConfig       `yaml:"log"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	CORS      CORSConfig      `yaml:"cors"`
}

type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes      int64         `yaml:"max_body_bytes"`
}

// GRPCConfig configures the gRPC listener. An empty Addr disables it.
type GRPCConfig struct {
	Addr string `yaml:"addr"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// RedisConfig configures the token denylist. An empty Addr disables
// revocation.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type AuthConfig struct {
	Secret        string          `yaml:"secret"`
	AccessTTL     time.Duration   `yaml:"access_ttl"`
	RefreshTTL    time.Duration   `yaml:"refresh_ttl"`
	Whitelist     []string        `yaml:"whitelist"`
	RotateRefresh bool            `yaml:"rotate_refresh"`
	Superuser     SuperuserConfig `yaml:"superuser"`
}

// SuperuserConfig describes an account created at startup when missing.
// Leaving Username empty skips the bootstrap.
type SuperuserConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type LogConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	QueueSize int    `yaml:"queue_size"`
	Overflow  string `yaml:"overflow"`
}

// RateLimitConfig bounds login attempts per client address.
type RateLimitConfig struct {
	LoginPerSecond float64 `yaml:"login_per_second"`
	LoginBurst     int     `yaml:"login_burst"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DefaultWhitelist lists the paths that skip authentication.
var DefaultWhitelist = []string{"/auth/login", "/auth/refresh", "/healthz", "/readyz", "/metrics"}

// Default returns the baseline configuration. It has no secret and
// therefore does not validate on its own.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:              ":8080",
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
			ShutdownTimeout:   10 * time.Second,
			MaxBodyBytes:      1 << 20,
		},
		GRPC: GRPCConfig{Addr: ":9090"},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    10,
			ConnMaxLifetime: 30 * time.Minute,
			AutoMigrate:     true,
		},
		Redis: RedisConfig{Prefix: "warden:revoked:"},
		Auth: AuthConfig{
			AccessTTL:  30 * time.Minute,
			RefreshTTL: 7 * 24 * time.Hour,
			Whitelist:  append([]string(nil), DefaultWhitelist...),
		},
		Log: LogConfig{
			Level:     "info",
			Format:    "json",
			QueueSize: logpipe.DefaultQueueSize,
			Overflow:  string(logpipe.DropNewest),
		},
		RateLimit: RateLimitConfig{LoginPerSecond: 5, LoginBurst: 10},
		CORS:      CORSConfig{AllowedOrigins: []string{"*"}},
	}
}

// Load builds the configuration: defaults, then the YAML file at path when
// non-empty, then environment overrides. The result is validated.
func Load(path string) (Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(os.ExpandEnv(path))
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return Config{}, fmt.Errorf("config from environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = splitList(v)
		}
	}
	var errs []error
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + key); ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = d
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(EnvPrefix + key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(EnvPrefix + key); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = b
		}
	}

	str("SERVER_ADDR", &cfg.Server.Addr)
	str("GRPC_ADDR", &cfg.GRPC.Addr)
	str("DATABASE_DSN", &cfg.Database.DSN)
	boolean("DATABASE_AUTO_MIGRATE", &cfg.Database.AutoMigrate)
	str("REDIS_ADDR", &cfg.Redis.Addr)
	str("REDIS_PASSWORD", &cfg.Redis.Password)
	integer("REDIS_DB", &cfg.Redis.DB)
	str("AUTH_SECRET", &cfg.Auth.Secret)
	duration("AUTH_ACCESS_TTL", &cfg.Auth.AccessTTL)
	duration("AUTH_REFRESH_TTL", &cfg.Auth.RefreshTTL)
	list("AUTH_WHITELIST", &cfg.Auth.Whitelist)
	boolean("AUTH_ROTATE_REFRESH", &cfg.Auth.RotateRefresh)
	str("AUTH_SUPERUSER_USERNAME", &cfg.Auth.Superuser.Username)
	str("AUTH_SUPERUSER_PASSWORD", &cfg.Auth.Superuser.Password)
	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)
	integer("LOG_QUEUE_SIZE", &cfg.Log.QueueSize)
	str("LOG_OVERFLOW", &cfg.Log.Overflow)
	list("CORS_ALLOWED_ORIGINS", &cfg.CORS.AllowedOrigins)

	return errors.Join(errs...)
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	return validation.Errors{
		"server":     c.Server.validate(),
		"database":   c.Database.validate(),
		"auth":       c.Auth.validate(),
		"log":        c.Log.validate(),
		"rate_limit": c.RateLimit.validate(),
	}.Filter()
}

func (s ServerConfig) validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Addr, validation.Required),
		validation.Field(&s.ShutdownTimeout, validation.Required),
		validation.Field(&s.MaxBodyBytes, validation.Required, validation.Min(int64(1))),
	)
}

func (d DatabaseConfig) validate() error {
	return validation.ValidateStruct(&d,
		validation.Field(&d.DSN, validation.Required),
		validation.Field(&d.MaxOpenConns, validation.Min(0)),
		validation.Field(&d.MaxIdleConns, validation.Min(0)),
	)
}

func (a AuthConfig) validate() error {
	return validation.ValidateStruct(&a,
		validation.Field(&a.Secret, validation.Required, validation.Length(16, 0)),
		validation.Field(&a.AccessTTL, validation.Required),
		validation.Field(&a.RefreshTTL, validation.Required),
		validation.Field(&a.Whitelist, validation.Each(validation.By(absolutePath))),
		validation.Field(&a.Superuser, validation.By(func(any) error {
			if a.Superuser.Username == "" {
				return nil
			}
			// Same rules the bootstrap CreateUser call applies.
			return auth.CreateUserInput{
				Username: a.Superuser.Username,
				Password: a.Superuser.Password,
			}.Validate()
		})),
	)
}

func (l LogConfig) validate() error {
	return validation.ValidateStruct(&l,
		validation.Field(&l.Level, validation.By(func(any) error {
			_, err := obs.ParseLevel(l.Level)
			return err
		})),
		validation.Field(&l.Format, validation.In("json", "console")),
		validation.Field(&l.QueueSize, validation.Min(1)),
		validation.Field(&l.Overflow, validation.By(func(any) error {
			_, err := logpipe.ParseOverflowPolicy(l.Overflow)
			return err
		})),
	)
}

func (r RateLimitConfig) validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.LoginPerSecond, validation.Min(0.0)),
		validation.Field(&r.LoginBurst, validation.Min(0)),
	)
}

func absolutePath(value any) error {
	p, _ := value.(string)
	if !strings.HasPrefix(p, "/") {
		return errors.New("must be an absolute path")
	}
	return nil
}
