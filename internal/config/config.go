package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	Storage     string `mapstructure:"STORAGE"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	ClinicTimezone        string `mapstructure:"CLINIC_TIMEZONE"`
	DefaultSlotMinutes    int    `mapstructure:"DEFAULT_SLOT_MINUTES"`
	DefaultSlotCapacity   int    `mapstructure:"DEFAULT_SLOT_CAPACITY"`
	AllowMultipleBookings bool   `mapstructure:"ALLOW_MULTIPLE_BOOKINGS"`
	QueuePriorityOrdering bool   `mapstructure:"QUEUE_PRIORITY_ORDERING"`

	LockTimeout          time.Duration `mapstructure:"LOCK_TIMEOUT"`
	RequestTimeout       time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	PendingExpiry        time.Duration `mapstructure:"PENDING_EXPIRY"`
	PendingSweepSchedule string        `mapstructure:"PENDING_SWEEP_SCHEDULE"`

	RedisURL     string        `mapstructure:"REDIS_URL"`
	SlotCacheTTL time.Duration `mapstructure:"SLOT_CACHE_TTL"`
	AMQPURL      string        `mapstructure:"AMQP_URL"`
	AMQPExchange string        `mapstructure:"AMQP_EXCHANGE"`
	EventBuffer  int           `mapstructure:"EVENT_BUFFER"`

	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string   `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string   `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`
}

var keys = []string{
	"PORT", "ENV", "STORAGE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"CLINIC_TIMEZONE", "DEFAULT_SLOT_MINUTES", "DEFAULT_SLOT_CAPACITY",
	"ALLOW_MULTIPLE_BOOKINGS", "QUEUE_PRIORITY_ORDERING",
	"LOCK_TIMEOUT", "REQUEST_TIMEOUT", "PENDING_EXPIRY", "PENDING_SWEEP_SCHEDULE",
	"REDIS_URL", "SLOT_CACHE_TTL", "AMQP_URL", "AMQP_EXCHANGE", "EVENT_BUFFER",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORAGE", StoragePostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CLINIC_TIMEZONE", "UTC")
	v.SetDefault("DEFAULT_SLOT_MINUTES", 30)
	v.SetDefault("DEFAULT_SLOT_CAPACITY", 1)
	v.SetDefault("ALLOW_MULTIPLE_BOOKINGS", false)
	v.SetDefault("QUEUE_PRIORITY_ORDERING", false)
	v.SetDefault("LOCK_TIMEOUT", 5*time.Second)
	v.SetDefault("REQUEST_TIMEOUT", 15*time.Second)
	v.SetDefault("PENDING_EXPIRY", time.Duration(0))
	v.SetDefault("PENDING_SWEEP_SCHEDULE", "@every 5m")
	v.SetDefault("SLOT_CACHE_TTL", 15*time.Second)
	v.SetDefault("AMQP_EXCHANGE", "clinic.events")
	v.SetDefault("EVENT_BUFFER", 1024)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	for i, o := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(o)
	}
	cfg.Storage = strings.ToLower(strings.TrimSpace(cfg.Storage))

	if cfg.Storage == StoragePostgres && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required when STORAGE=%s", StoragePostgres)
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Location resolves CLINIC_TIMEZONE.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.ClinicTimezone)
	if err != nil {
		return nil, fmt.Errorf("CLINIC_TIMEZONE %q: %w", c.ClinicTimezone, err)
	}
	return loc, nil
}

// Validate checks that the configuration is safe to run. Outside development
// a token issuer, JWKS URL or signing key must be configured so real JWT
// authentication is enforced.
func (c *Config) Validate() error {
	switch c.Storage {
	case StoragePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORAGE=%s", StoragePostgres)
		}
	case StorageMemory:
		if c.IsProduction() {
			return fmt.Errorf("STORAGE=%s is not allowed in production", StorageMemory)
		}
	default:
		return fmt.Errorf("STORAGE must be %q or %q, got %q", StoragePostgres, StorageMemory, c.Storage)
	}

	if !c.IsDev() && c.AuthSigningKey == "" && c.AuthJWKSURL == "" {
		return fmt.Errorf(
			"AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set outside development (current ENV=%q). "+
				"Refusing to start without authentication configuration", c.Env)
	}
	if c.AuthJWKSURL != "" && c.AuthIssuer == "" && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_ISSUER is required with AUTH_JWKS_URL")
	}

	if _, err := c.Location(); err != nil {
		return err
	}
	if c.DefaultSlotMinutes <= 0 || c.DefaultSlotMinutes > 24*60 {
		return fmt.Errorf("DEFAULT_SLOT_MINUTES must be between 1 and 1440, got %d", c.DefaultSlotMinutes)
	}
	if c.DefaultSlotCapacity <= 0 {
		return fmt.Errorf("DEFAULT_SLOT_CAPACITY must be positive, got %d", c.DefaultSlotCapacity)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.LockTimeout <= 0 {
		return fmt.Errorf("LOCK_TIMEOUT must be positive")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive")
	}
	if c.PendingExpiry < 0 {
		return fmt.Errorf("PENDING_EXPIRY must not be negative")
	}
	if c.PendingExpiry > 0 && c.PendingSweepSchedule == "" {
		return fmt.Errorf("PENDING_SWEEP_SCHEDULE is required when PENDING_EXPIRY is set")
	}
	if c.EventBuffer <= 0 {
		return fmt.Errorf("EVENT_BUFFER must be positive")
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must not be negative")
	}
	return nil
}
