package config

import "time"

// Crawl defaults
const (
	// DefaultFetchTimeout bounds a single source fetch
	DefaultFetchTimeout = 60 * time.Second

	// DefaultCrawlIntervalSec is used for sources that do not declare one
	DefaultCrawlIntervalSec = 900

	// DefaultSkipAfterDays drops candidates published longer ago than this
	DefaultSkipAfterDays = 5

	// DefaultDeadAfterDays marks a source dead when everything it returns is older
	DefaultDeadAfterDays = 30

	// DefaultDisableAfterErrors disables a source after this many consecutive failures
	DefaultDisableAfterErrors = 10

	// DefaultDupCheckDays is the store-level duplicate window
	DefaultDupCheckDays = 90

	// DefaultWorkers bounds concurrent crawl cycles per process
	DefaultWorkers = 8

	DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
)

// Scheduler defaults
const (
	DefaultTickSpec     = "@every 1m"
	DefaultBatchSize    = 50
	DefaultMinSpacing   = 30 * time.Minute
	DefaultMaxStaleness = 7 * 24 * time.Hour
)

// Transport defaults
const (
	TransportMemory = "memory"
	TransportRedis  = "redis"
	TransportKafka  = "kafka"

	DefaultRedisAddr         = "localhost:6379"
	DefaultRedisStream       = "marketwire:events"
	DefaultRedisGroup        = "marketwire-workers"
	DefaultRedisClaimMinIdle = 5 * time.Minute
	DefaultKafkaTopic        = "marketwire-events"
	DefaultKafkaGroupID      = "marketwire-workers"
)
