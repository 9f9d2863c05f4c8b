package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	pstrings "bloodbridge/pkg/platform/strings"
)

// Config captures everything the server needs from its environment so main
// stays lean.
type Config struct {
	Addr string

	// PostgresURL enables durable ledger and log stores; empty means the
	// in-memory stores, for development.
	PostgresURL string

	Redis RedisConfig

	// KafkaBrokers enables the Kafka notification publisher; empty means
	// events land in the structured log.
	KafkaBrokers []string

	// Banks is the static bank directory the allocator draws from.
	Banks []string

	ReservationTTL      time.Duration
	RetryBound          int
	FullFulfillmentOnly bool
	SweepInterval       time.Duration
}

// RedisConfig configures the optional reservation-deadline index.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// FromEnv builds the config from BLOODBRIDGE_* environment variables.
func FromEnv() Config {
	return Config{
		Addr:        envString("BLOODBRIDGE_ADDR", ":8080"),
		PostgresURL: os.Getenv("BLOODBRIDGE_POSTGRES_URL"),
		Redis: RedisConfig{
			URL:          os.Getenv("BLOODBRIDGE_REDIS_URL"),
			PoolSize:     envInt("BLOODBRIDGE_REDIS_POOL_SIZE", 10),
			MinIdleConns: envInt("BLOODBRIDGE_REDIS_MIN_IDLE", 2),
			DialTimeout:  envDuration("BLOODBRIDGE_REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  envDuration("BLOODBRIDGE_REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: envDuration("BLOODBRIDGE_REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		KafkaBrokers:        envList("BLOODBRIDGE_KAFKA_BROKERS"),
		Banks:               envListDefault("BLOODBRIDGE_BANKS", []string{"central"}),
		ReservationTTL:      envDuration("BLOODBRIDGE_RESERVATION_TTL", 15*time.Minute),
		RetryBound:          envInt("BLOODBRIDGE_RETRY_BOUND", 5),
		FullFulfillmentOnly: os.Getenv("BLOODBRIDGE_FULL_FULFILLMENT_ONLY") == "true",
		SweepInterval:       envDuration("BLOODBRIDGE_SWEEP_INTERVAL", time.Minute),
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	return pstrings.DedupeAndTrim(strings.Split(v, ","))
}

func envListDefault(key string, fallback []string) []string {
	if v := envList(key); len(v) > 0 {
		return v
	}
	return fallback
}
