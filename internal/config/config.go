package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port                     string `mapstructure:"PORT"`
	Env                      string `mapstructure:"ENV"`
	LogLevel                 string `mapstructure:"LOG_LEVEL"`
	DatabaseURL              string `mapstructure:"DB_DSN"`
	DBMaxConns               int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns               int32  `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir            string `mapstructure:"MIGRATIONS_DIR"`
	JWTSecret                string `mapstructure:"JWT_SECRET"`
	RedisURL                 string `mapstructure:"REDIS_URL"`
	RoleCacheTTLSeconds      int    `mapstructure:"ROLE_CACHE_TTL_SECONDS"`
	RabbitMQURL              string `mapstructure:"RABBITMQ_URL"`
	QueueEventsQueue         string `mapstructure:"QUEUE_EVENTS_QUEUE"`
	QueueTimezone            string `mapstructure:"QUEUE_TIMEZONE"`
	RateLimitPerMinute       int    `mapstructure:"RATE_LIMIT_PER_MIN"`
	RateLimitBurst           int    `mapstructure:"RATE_LIMIT_BURST"`
	TenantRateLimitPerMinute int    `mapstructure:"TENANT_RATE_LIMIT_PER_MIN"`
	TenantRateLimitBurst     int    `mapstructure:"TENANT_RATE_LIMIT_BURST"`
	RealtimePollIntervalMS   int    `mapstructure:"REALTIME_POLL_INTERVAL_MS"`
	RealtimeBatchSize        int    `mapstructure:"REALTIME_BATCH_SIZE"`
	RelayBatchSize           int    `mapstructure:"RELAY_BATCH_SIZE"`
	OTLPEndpoint             string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure             bool   `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "DB_DSN", "DB_MAX_CONNS", "DB_MIN_CONNS", "MIGRATIONS_DIR",
	"JWT_SECRET", "REDIS_URL", "ROLE_CACHE_TTL_SECONDS", "RABBITMQ_URL", "QUEUE_EVENTS_QUEUE",
	"QUEUE_TIMEZONE", "RATE_LIMIT_PER_MIN", "RATE_LIMIT_BURST", "TENANT_RATE_LIMIT_PER_MIN",
	"TENANT_RATE_LIMIT_BURST", "REALTIME_POLL_INTERVAL_MS", "REALTIME_BATCH_SIZE", "RELAY_BATCH_SIZE",
	"OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_INSECURE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "production")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("MIGRATIONS_DIR", "./migrations")
	v.SetDefault("ROLE_CACHE_TTL_SECONDS", 60)
	v.SetDefault("QUEUE_EVENTS_QUEUE", "queue-events")
	v.SetDefault("QUEUE_TIMEZONE", "UTC")
	v.SetDefault("RATE_LIMIT_PER_MIN", 120)
	v.SetDefault("RATE_LIMIT_BURST", 30)
	v.SetDefault("TENANT_RATE_LIMIT_PER_MIN", 600)
	v.SetDefault("TENANT_RATE_LIMIT_BURST", 120)
	v.SetDefault("REALTIME_POLL_INTERVAL_MS", 1000)
	v.SetDefault("REALTIME_BATCH_SIZE", 100)
	v.SetDefault("RELAY_BATCH_SIZE", 100)

	for _, key := range keys {
		_ = v.BindEnv(key)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Env = strings.ToLower(strings.TrimSpace(cfg.Env))
	return cfg, nil
}

// devJWTSecret signs tokens only when ENV=development is set and JWT_SECRET is not.
const devJWTSecret = "dev-only-queue-service-secret"

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks the settings needed by serve and relay.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DB_DSN is required")
	}
	if !c.IsDev() && c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required when ENV=%q", c.Env)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// TokenSecret returns the HMAC key for bearer tokens. The development key is
// never used outside ENV=development.
func (c *Config) TokenSecret() (string, error) {
	if c.JWTSecret != "" {
		return c.JWTSecret, nil
	}
	if !c.IsDev() {
		return "", fmt.Errorf("JWT_SECRET is required when ENV=%q", c.Env)
	}
	return devJWTSecret, nil
}

// Location resolves QUEUE_TIMEZONE, the zone that defines a queue day.
func (c *Config) Location() (*time.Location, error) {
	name := strings.TrimSpace(c.QueueTimezone)
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("QUEUE_TIMEZONE %q: %w", name, err)
	}
	return loc, nil
}

func (c *Config) RoleCacheTTL() time.Duration {
	if c.RoleCacheTTLSeconds <= 0 {
		return 0
	}
	return time.Duration(c.RoleCacheTTLSeconds) * time.Second
}

func (c *Config) RealtimePollInterval() time.Duration {
	if c.RealtimePollIntervalMS <= 0 {
		return time.Second
	}
	return time.Duration(c.RealtimePollIntervalMS) * time.Millisecond
}
