// Package config loads pipeline settings from the environment, an optional
// .env file and an optional config file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the complete runtime configuration.
type Config struct {
	Crawler   Crawler
	Scheduler Scheduler
	Transport Transport
	Redis     Redis
	Kafka     Kafka
	S3        S3
	HTTPPort  string
	LogLevel  string
	LogDev    bool
}

// Crawler holds per-pipeline crawl defaults.
type Crawler struct {
	FetchTimeout       time.Duration
	DefaultInterval    int
	SkipAfterDays      int
	DeadAfterDays      int
	DisableAfterErrors int
	DupCheckDays       int
	Workers            int
	UserAgent          string
}

// Scheduler holds due-source selection settings.
type Scheduler struct {
	TickSpec     string
	BatchSize    int
	MinSpacing   time.Duration
	MaxStaleness time.Duration
	// QuietFrom and QuietTo are local hours during which ticks are skipped.
	// Equal values disable quiet hours.
	QuietFrom int
	QuietTo   int
}

// Transport selects how events leave and enter the process.
type Transport struct {
	Kind string
}

type Redis struct {
	Addr     string
	Password string
	DB       int
	Stream   string
	Group    string
	// ClaimMinIdle is how long a delivered message may stay unacknowledged
	// before another worker takes it over.
	ClaimMinIdle time.Duration
}

type Kafka struct {
	Brokers []string
	Topic   string
	GroupID string
}

// S3 configures the optional article archive. An empty bucket disables it.
type S3 struct {
	Bucket       string
	Prefix       string
	Region       string
	Profile      string
	UsePathStyle bool
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("crawler.fetch_timeout", DefaultFetchTimeout)
	v.SetDefault("crawler.default_interval", DefaultCrawlIntervalSec)
	v.SetDefault("crawler.skip_after_days", DefaultSkipAfterDays)
	v.SetDefault("crawler.dead_after_days", DefaultDeadAfterDays)
	v.SetDefault("crawler.disable_after_errors", DefaultDisableAfterErrors)
	v.SetDefault("crawler.dup_check_days", DefaultDupCheckDays)
	v.SetDefault("crawler.workers", DefaultWorkers)
	v.SetDefault("crawler.user_agent", DefaultUserAgent)

	v.SetDefault("scheduler.tick_spec", DefaultTickSpec)
	v.SetDefault("scheduler.batch_size", DefaultBatchSize)
	v.SetDefault("scheduler.min_spacing", DefaultMinSpacing)
	v.SetDefault("scheduler.max_staleness", DefaultMaxStaleness)
	v.SetDefault("scheduler.quiet_from", 0)
	v.SetDefault("scheduler.quiet_to", 0)

	v.SetDefault("transport.kind", TransportMemory)
	v.SetDefault("redis.addr", DefaultRedisAddr)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.stream", DefaultRedisStream)
	v.SetDefault("redis.group", DefaultRedisGroup)
	v.SetDefault("redis.claim_min_idle", DefaultRedisClaimMinIdle)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", DefaultKafkaTopic)
	v.SetDefault("kafka.group_id", DefaultKafkaGroupID)

	v.SetDefault("http.port", "8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// Load reads .env (if present), then the environment and an optional config
// file into a Config. Environment keys use underscores, e.g.
// CRAWLER_FETCH_TIMEOUT=30s or KAFKA_BROKERS="a:9092,b:9092".
func Load(configFile string) (*Config, error) {
	// Load environment variables from .env if present (non-fatal if missing)
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	SetDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", configFile, err)
		}
	}

	return FromViper(v)
}

// FromViper builds a Config from an already populated viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Crawler: Crawler{
			FetchTimeout:       v.GetDuration("crawler.fetch_timeout"),
			DefaultInterval:    v.GetInt("crawler.default_interval"),
			SkipAfterDays:      v.GetInt("crawler.skip_after_days"),
			DeadAfterDays:      v.GetInt("crawler.dead_after_days"),
			DisableAfterErrors: v.GetInt("crawler.disable_after_errors"),
			DupCheckDays:       v.GetInt("crawler.dup_check_days"),
			Workers:            v.GetInt("crawler.workers"),
			UserAgent:          v.GetString("crawler.user_agent"),
		},
		Scheduler: Scheduler{
			TickSpec:     v.GetString("scheduler.tick_spec"),
			BatchSize:    v.GetInt("scheduler.batch_size"),
			MinSpacing:   v.GetDuration("scheduler.min_spacing"),
			MaxStaleness: v.GetDuration("scheduler.max_staleness"),
			QuietFrom:    v.GetInt("scheduler.quiet_from"),
			QuietTo:      v.GetInt("scheduler.quiet_to"),
		},
		Transport: Transport{Kind: strings.ToLower(v.GetString("transport.kind"))},
		Redis: Redis{
			Addr:         v.GetString("redis.addr"),
			Password:     v.GetString("redis.password"),
			DB:           v.GetInt("redis.db"),
			Stream:       v.GetString("redis.stream"),
			Group:        v.GetString("redis.group"),
			ClaimMinIdle: v.GetDuration("redis.claim_min_idle"),
		},
		Kafka: Kafka{
			Brokers: splitList(v.GetStringSlice("kafka.brokers")),
			Topic:   v.GetString("kafka.topic"),
			GroupID: v.GetString("kafka.group_id"),
		},
		S3: S3{
			Bucket:       strings.TrimSpace(v.GetString("s3.bucket")),
			Prefix:       strings.TrimSpace(v.GetString("s3.prefix")),
			Region:       strings.TrimSpace(v.GetString("s3.region")),
			Profile:      strings.TrimSpace(v.GetString("s3.profile")),
			UsePathStyle: v.GetBool("s3.use_path_style"),
		},
		HTTPPort: v.GetString("http.port"),
		LogLevel: v.GetString("log.level"),
		LogDev:   v.GetBool("log.development"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Crawler.FetchTimeout <= 0 {
		return fmt.Errorf("crawler.fetch_timeout must be positive")
	}
	if c.Crawler.DefaultInterval <= 0 {
		return fmt.Errorf("crawler.default_interval must be positive")
	}
	if c.Crawler.DisableAfterErrors <= 0 {
		return fmt.Errorf("crawler.disable_after_errors must be positive")
	}
	if c.Crawler.Workers <= 0 {
		return fmt.Errorf("crawler.workers must be positive")
	}
	if c.Scheduler.BatchSize <= 0 {
		return fmt.Errorf("scheduler.batch_size must be positive")
	}
	if c.Scheduler.QuietFrom < 0 || c.Scheduler.QuietFrom > 23 || c.Scheduler.QuietTo < 0 || c.Scheduler.QuietTo > 23 {
		return fmt.Errorf("scheduler quiet hours must be within 0-23")
	}
	switch c.Transport.Kind {
	case TransportMemory, TransportRedis, TransportKafka:
	default:
		return fmt.Errorf("unknown transport %q", c.Transport.Kind)
	}
	if c.Transport.Kind == TransportKafka && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka transport needs at least one broker")
	}
	return nil
}

// splitList accepts both list values and a single comma separated string
// coming from the environment.
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
