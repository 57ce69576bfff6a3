package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the full process configuration. Every key can be overridden from
// the environment by upper-casing it and replacing dots with underscores,
// e.g. postgres.dsn -> POSTGRES_DSN.
type Config struct {
	HTTP     HTTPConfig     `mapstructure:"http"`
	Log      LogConfig      `mapstructure:"log"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Workers  WorkersConfig  `mapstructure:"workers"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
	Recovery RecoveryConfig `mapstructure:"recovery"`
}

type HTTPConfig struct {
	Port            string        `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// PostgresConfig selects the Postgres repository when DSN is set
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"max_conns"`
}

// RedisConfig selects the Redis queue when Addr is set
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// NATSConfig selects the NATS publisher when URL is set
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

type MetricsConfig struct {
	Namespace string `mapstructure:"namespace"`
}

// QueueConfig tunes one worker pool queue class
type QueueConfig struct {
	Concurrency     int           `mapstructure:"concurrency"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	StalledInterval time.Duration `mapstructure:"stalled_interval"`
	LockDuration    time.Duration `mapstructure:"lock_duration"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff"`
}

type WorkersConfig struct {
	Timers        QueueConfig `mapstructure:"timers"`
	AutoBids      QueueConfig `mapstructure:"autobids"`
	Notifications QueueConfig `mapstructure:"notifications"`
}

// JobsConfig sets priorities (lower runs first) and retry budgets per job kind
type JobsConfig struct {
	FinalizePriority        int `mapstructure:"finalize_priority"`
	AutoBidPriority         int `mapstructure:"autobid_priority"`
	NotificationPriority    int `mapstructure:"notification_priority"`
	FinalizeMaxAttempts     int `mapstructure:"finalize_max_attempts"`
	AutoBidMaxAttempts      int `mapstructure:"autobid_max_attempts"`
	NotificationMaxAttempts int `mapstructure:"notification_max_attempts"`
}

type RecoveryConfig struct {
	Enabled   bool `mapstructure:"enabled"`
	BatchSize int  `mapstructure:"batch_size"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.port", "8080")
	v.SetDefault("http.shutdown_timeout", 15*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.max_conns", 10)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "auction")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject_prefix", "auctions")

	v.SetDefault("metrics.namespace", "auction_engine")

	queueDefaults := map[string]QueueConfig{
		"timers":        {Concurrency: 4, StalledInterval: 30 * time.Second, LockDuration: time.Minute, RetryBackoff: 2 * time.Second},
		"autobids":      {Concurrency: 8, StalledInterval: 15 * time.Second, LockDuration: 30 * time.Second, RetryBackoff: 500 * time.Millisecond},
		"notifications": {Concurrency: 4, StalledInterval: 30 * time.Second, LockDuration: time.Minute, RetryBackoff: 5 * time.Second},
	}
	for name, q := range queueDefaults {
		prefix := "workers." + name + "."
		v.SetDefault(prefix+"concurrency", q.Concurrency)
		v.SetDefault(prefix+"poll_interval", 200*time.Millisecond)
		v.SetDefault(prefix+"stalled_interval", q.StalledInterval)
		v.SetDefault(prefix+"lock_duration", q.LockDuration)
		v.SetDefault(prefix+"retry_backoff", q.RetryBackoff)
	}

	v.SetDefault("jobs.finalize_priority", 5)
	v.SetDefault("jobs.autobid_priority", 1)
	v.SetDefault("jobs.notification_priority", 10)
	v.SetDefault("jobs.finalize_max_attempts", 10)
	v.SetDefault("jobs.autobid_max_attempts", 5)
	v.SetDefault("jobs.notification_max_attempts", 10)

	v.SetDefault("recovery.enabled", true)
	v.SetDefault("recovery.batch_size", 500)
}

// Load reads .env (if present), then the optional config file at path, then
// the environment. An empty path falls back to $CONFIG_PATH.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the worker pool or the HTTP server cannot run with
func (c *Config) Validate() error {
	if c.HTTP.Port == "" {
		return errors.New("config: http.port is required")
	}
	for name, q := range map[string]QueueConfig{
		"timers":        c.Workers.Timers,
		"autobids":      c.Workers.AutoBids,
		"notifications": c.Workers.Notifications,
	} {
		if q.Concurrency < 1 {
			return fmt.Errorf("config: workers.%s.concurrency must be at least 1", name)
		}
		if q.LockDuration <= q.StalledInterval {
			return fmt.Errorf("config: workers.%s.lock_duration must exceed stalled_interval", name)
		}
	}
	return nil
}

// Addr returns the listen address for the HTTP server
func (c HTTPConfig) Addr() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return ":" + c.Port
}
