// Package config loads process configuration from an optional YAML file and
// CARENOTES_* environment variables, environment taking precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "CARENOTES"

// DevJWTSigningKey is used when no key is configured. Load reports it through
// Config.UsesDevSigningKey so callers can warn.
const DevJWTSigningKey = "dev-secret-key-change-in-production"

// Config holds all process configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Retention RetentionConfig `mapstructure:"retention"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Log       LogConfig       `mapstructure:"log"`
}

// ServerConfig captures HTTP server level configuration.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig selects the event store. An empty URL keeps events in memory.
type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	TxTimeout       time.Duration `mapstructure:"tx_timeout"`
}

// RedisConfig configures the client used for the retention lock. An empty URL
// falls back to an in-process lock.
type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// KafkaConfig enables event streaming. Streaming requires the Postgres store.
type KafkaConfig struct {
	Brokers  []string      `mapstructure:"brokers"`
	Topic    string        `mapstructure:"topic"`
	ClientID string        `mapstructure:"client_id"`
	Interval time.Duration `mapstructure:"interval"`
	// OutboxRetention is how long published outbox rows are kept.
	OutboxRetention time.Duration `mapstructure:"outbox_retention"`
}

// AuthConfig holds bearer token settings.
type AuthConfig struct {
	JWTSigningKey string `mapstructure:"jwt_signing_key"`
	Issuer        string `mapstructure:"issuer"`
	Audience      string `mapstructure:"audience"`
}

// RetentionConfig configures the scheduled purge.
type RetentionConfig struct {
	PolicyFile  string        `mapstructure:"policy_file"`
	Interval    time.Duration `mapstructure:"interval"`
	LockTTL     time.Duration `mapstructure:"lock_ttl"`
	Concurrency int           `mapstructure:"concurrency"`
	Enabled     bool          `mapstructure:"enabled"`
}

// AuditConfig holds trail behaviour toggles.
type AuditConfig struct {
	ExportAuditing bool   `mapstructure:"export_auditing"`
	ExportDir      string `mapstructure:"export_dir"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Format string `mapstructure:"format"`
	Level  string `mapstructure:"level"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("database.tx_timeout", 5*time.Second)
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "carenotes.audit.events")
	v.SetDefault("kafka.client_id", "carenotes")
	v.SetDefault("kafka.interval", time.Second)
	v.SetDefault("kafka.outbox_retention", 24*time.Hour)
	v.SetDefault("auth.jwt_signing_key", DevJWTSigningKey)
	v.SetDefault("auth.issuer", "carenotes")
	v.SetDefault("auth.audience", "carenotes-api")
	v.SetDefault("retention.policy_file", "configs/retention.yaml")
	v.SetDefault("retention.interval", 24*time.Hour)
	v.SetDefault("retention.lock_ttl", time.Hour)
	v.SetDefault("retention.concurrency", 4)
	v.SetDefault("retention.enabled", true)
	v.SetDefault("audit.export_auditing", true)
	v.SetDefault("audit.export_dir", "")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.level", "info")
}

// Load reads configuration. A non-empty file must exist; otherwise
// carenotes.yaml is looked up in the working directory and /etc/carenotes and
// skipped when absent.
func Load(file string) (*Config, error) {
	v := viper.New()
	defaults(v)

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("carenotes")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/carenotes/")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Kafka.Brokers = splitList(cfg.Kafka.Brokers)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the process cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Auth.JWTSigningKey == "" {
		errs = append(errs, errors.New("auth.jwt_signing_key is required"))
	}
	if c.Retention.Interval <= 0 {
		errs = append(errs, errors.New("retention.interval must be positive"))
	}
	if c.Retention.Concurrency <= 0 {
		errs = append(errs, errors.New("retention.concurrency must be positive"))
	}
	if c.Streaming() && c.Database.URL == "" {
		errs = append(errs, errors.New("kafka streaming requires database.url"))
	}
	if c.Streaming() && c.Kafka.OutboxRetention <= 0 {
		errs = append(errs, errors.New("kafka.outbox_retention must be positive"))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Streaming reports whether audit events are published to Kafka.
func (c *Config) Streaming() bool {
	return len(c.Kafka.Brokers) > 0
}

// UsesDevSigningKey reports whether the built-in development key is active.
func (c *Config) UsesDevSigningKey() bool {
	return c.Auth.JWTSigningKey == DevJWTSigningKey
}

// SlogLevel parses Level ("debug", "info", "warn", "error").
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// splitList accepts both YAML lists and comma-separated environment values.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
