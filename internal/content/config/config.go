package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig
	Redis    RedisConfig
	Database DatabaseConfig
	Kafka    KafkaConfig
	Upstream UpstreamConfig
	Cache    CacheConfig
	Throttle ThrottleConfig
	Retry    RetryConfig
	Warmup   WarmupConfig
	Auth     AuthConfig
	Webhook  WebhookConfig
	// Constrained selects conservative throttle and batch defaults for
	// serverless or otherwise time-boxed execution.
	Constrained bool
}

type ServerConfig struct {
	HTTPPort        string
	GRPCPort        string
	BaseURL         string
	HealthInterval  time.Duration
	ShutdownTimeout time.Duration
}

type RedisConfig struct {
	Enabled   bool
	Host      string
	Port      int
	Password  string
	DB        int
	KeyPrefix string
	Timeout   time.Duration
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type UpstreamConfig struct {
	BaseURL      string
	Token        string
	Timeout      time.Duration
	FetchTimeout time.Duration
	RootID       string
	MaxTreeItems int
}

type CacheConfig struct {
	MaxEntries int
	MaxBytes   int64
	DefaultTTL time.Duration
	SearchTTL  time.Duration
}

type ThrottleConfig struct {
	MaxConcurrency int
	MinInterval    time.Duration
}

type RetryConfig struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	AttemptTimeout time.Duration
	Jitter         bool
}

type WarmupConfig struct {
	BatchSize       int
	InterBatchDelay time.Duration
	MaxDuration     time.Duration
	CeilingMargin   time.Duration
	Retention       time.Duration
	MaxJobErrors    int
}

type AuthConfig struct {
	Token                string
	AllowUnauthenticated bool
}

type WebhookConfig struct {
	// RatePerMinute caps accepted change notifications; zero disables it
	RatePerMinute int
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")

	v.SetEnvPrefix("CONTENT_CACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	config.applyProfile(v)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("constrained", false)

	v.SetDefault("server.httpport", ":8080")
	v.SetDefault("server.grpcport", ":9090")
	v.SetDefault("server.baseurl", "")
	v.SetDefault("server.healthinterval", 15*time.Second)
	v.SetDefault("server.shutdowntimeout", 30*time.Second)

	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.keyprefix", "cc:")
	v.SetDefault("redis.timeout", 2*time.Second)

	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")

	v.SetDefault("kafka.topic", "content-cache.events")

	v.SetDefault("upstream.baseurl", "http://localhost:3001")
	v.SetDefault("upstream.maxtreeitems", 500)
	v.SetDefault("upstream.timeout", 15*time.Second)
	v.SetDefault("upstream.fetchtimeout", 2*time.Minute)

	v.SetDefault("cache.maxentries", 100)
	v.SetDefault("cache.maxbytes", 64<<20)
	v.SetDefault("cache.defaultttl", 30*time.Minute)
	v.SetDefault("cache.searchttl", 10*time.Minute)

	v.SetDefault("retry.maxattempts", 3)
	v.SetDefault("retry.basedelay", 5*time.Second)
	v.SetDefault("retry.maxdelay", 60*time.Second)
	v.SetDefault("retry.attempttimeout", 20*time.Second)
	v.SetDefault("retry.jitter", true)

	v.SetDefault("warmup.batchsize", 5)
	v.SetDefault("warmup.maxduration", time.Duration(0))
	v.SetDefault("warmup.ceilingmargin", 5*time.Second)
	v.SetDefault("warmup.retention", time.Hour)
	v.SetDefault("warmup.maxjoberrors", 100)

	v.SetDefault("auth.token", "")
	v.SetDefault("auth.allowunauthenticated", false)

	v.SetDefault("webhook.rateperminute", 60)

	v.SetDefault("upstream.token", "")
	v.SetDefault("upstream.rootid", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("database.host", "")
	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "")
	v.SetDefault("kafka.brokers", []string{})

	// No defaults here: applyProfile needs to see whether they were set.
	_ = v.BindEnv("throttle.maxconcurrency")
	_ = v.BindEnv("throttle.mininterval")
	_ = v.BindEnv("warmup.interbatchdelay")
}

// applyProfile fills throttle and batch pacing that were not set explicitly
// from the constrained or unconstrained profile.
func (c *Config) applyProfile(v *viper.Viper) {
	concurrency, interval, batchDelay := 4, 200*time.Millisecond, 500*time.Millisecond
	maxDuration := time.Duration(0)
	if c.Constrained {
		concurrency, interval, batchDelay = 2, 500*time.Millisecond, time.Second
		maxDuration = 55 * time.Second
	}

	if !v.IsSet("throttle.maxconcurrency") || c.Throttle.MaxConcurrency <= 0 {
		c.Throttle.MaxConcurrency = concurrency
	}
	if !v.IsSet("throttle.mininterval") {
		c.Throttle.MinInterval = interval
	}
	if !v.IsSet("warmup.interbatchdelay") {
		c.Warmup.InterBatchDelay = batchDelay
	}
	if c.Warmup.MaxDuration == 0 {
		c.Warmup.MaxDuration = maxDuration
	}
}

func (c *Config) Validate() error {
	if c.Warmup.BatchSize <= 0 {
		return fmt.Errorf("warmup.batchsize must be positive, got %d", c.Warmup.BatchSize)
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.maxattempts must be positive, got %d", c.Retry.MaxAttempts)
	}
	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("cache.maxentries must be positive, got %d", c.Cache.MaxEntries)
	}
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.baseurl is required")
	}
	return nil
}

func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Configured reports whether a Postgres ledger should be used.
func (c *DatabaseConfig) Configured() bool {
	return c.Host != ""
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}
