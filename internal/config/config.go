// Package config loads expz configuration from environment variables.
//
// [Load] reads the server configuration.
//
// Required variables:
//   - DATABASE_URL: PostgreSQL connection string.
//
// Optional variables:
//   - HTTP_ADDR: listen address for the HTTP server (default ":8080").
//   - GRPC_ADDR: listen address for the gRPC server (default ":9090").
//   - STREAM_POLL_INTERVAL: how often SSE and gRPC streams re-check the
//     snapshot for changes (default "1s", must be > 0 if set).
//   - STREAM_KEEPALIVE_INTERVAL: keepalive period on idle streams
//     (default "15s", must be > 0 if set).
//   - LOG_LEVEL, LOG_FORMAT: see package logging (defaults "info", "json").
//   - AUTH_RATE_LIMIT: failed auth attempts per minute per IP (default 10).
//   - MAX_JSON_BODY_SIZE: max HTTP JSON request body size in bytes
//     (default "1048576", must be > 0 if set).
//   - CACHE_RESYNC_INTERVAL: safety-net snapshot refresh interval
//     (default "1m", must be > 0 if set).
//   - REDIS_URL: redis snapshot backing, used when the database is down.
//   - SNAPSHOT_PATH: bbolt snapshot backing file; ignored when REDIS_URL is set.
//   - MIGRATE_ON_START: apply migrations before serving (default false).
//
// [LoadClient] reads the SDK and CLI configuration from EXPZ_* variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultHTTPAddr                      = ":8080"
	defaultGRPCAddr                      = ":9090"
	defaultStreamPollInterval            = time.Second
	defaultStreamKeepaliveInterval       = 15 * time.Second
	defaultAuthRateLimit                 = 10
	defaultMaxJSONBodySize         int64 = 1 << 20 // 1MB
	defaultCacheResyncInterval           = time.Minute
)

// Config holds the runtime configuration for the expz server.
type Config struct {
	DatabaseURL             string
	HTTPAddr                string
	GRPCAddr                string
	StreamPollInterval      time.Duration
	StreamKeepaliveInterval time.Duration
	LogLevel                string
	LogFormat               string
	AuthRateLimit           int
	MaxJSONBodySize         int64
	CacheResyncInterval     time.Duration
	RedisURL                string
	SnapshotPath            string
	MigrateOnStart          bool
}

// Load reads configuration from environment variables, applying defaults where
// appropriate. It returns an error if required variables are missing or if
// optional values fail validation.
func Load() (Config, error) {
	return LoadFrom(os.Getenv)
}

// LoadFrom is [Load] reading variables through getenv.
func LoadFrom(getenv func(string) string) (Config, error) {
	e := env(getenv)
	databaseURL := e.get("DATABASE_URL")
	if databaseURL == "" {
		return Config{}, errors.New("DATABASE_URL is required")
	}

	streamPollInterval, err := e.positiveDuration("STREAM_POLL_INTERVAL", defaultStreamPollInterval)
	if err != nil {
		return Config{}, err
	}
	keepaliveInterval, err := e.positiveDuration("STREAM_KEEPALIVE_INTERVAL", defaultStreamKeepaliveInterval)
	if err != nil {
		return Config{}, err
	}

	authRateLimit := defaultAuthRateLimit
	if value := e.get("AUTH_RATE_LIMIT"); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse AUTH_RATE_LIMIT: %w", err)
		}
		if parsed <= 0 {
			return Config{}, errors.New("AUTH_RATE_LIMIT must be > 0")
		}
		authRateLimit = parsed
	}

	maxJSONBodySize := defaultMaxJSONBodySize
	if v := e.get("MAX_JSON_BODY_SIZE"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			return Config{}, errors.New("MAX_JSON_BODY_SIZE must be a positive integer (bytes)")
		}
		maxJSONBodySize = n
	}

	cacheResyncInterval, err := e.positiveDuration("CACHE_RESYNC_INTERVAL", defaultCacheResyncInterval)
	if err != nil {
		return Config{}, err
	}

	migrateOnStart, err := e.boolOr("MIGRATE_ON_START", false)
	if err != nil {
		return Config{}, err
	}

	return Config{
		DatabaseURL:             databaseURL,
		HTTPAddr:                e.or("HTTP_ADDR", defaultHTTPAddr),
		GRPCAddr:                e.or("GRPC_ADDR", defaultGRPCAddr),
		StreamPollInterval:      streamPollInterval,
		StreamKeepaliveInterval: keepaliveInterval,
		LogLevel:                e.or("LOG_LEVEL", "info"),
		LogFormat:               e.or("LOG_FORMAT", "json"),
		AuthRateLimit:           authRateLimit,
		MaxJSONBodySize:         maxJSONBodySize,
		CacheResyncInterval:     cacheResyncInterval,
		RedisURL:                e.get("REDIS_URL"),
		SnapshotPath:            e.get("SNAPSHOT_PATH"),
		MigrateOnStart:          migrateOnStart,
	}, nil
}

// env reads variables through a getenv function, trimming whitespace.
type env func(string) string

func (e env) get(key string) string {
	return strings.TrimSpace(e(key))
}

func (e env) or(key, fallback string) string {
	if value := e.get(key); value != "" {
		return value
	}
	return fallback
}

func (e env) positiveDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := e.get(key)
	if value == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return parsed, nil
}

func (e env) boolOr(key string, fallback bool) (bool, error) {
	value := e.get(key)
	if value == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", key, err)
	}
	return parsed, nil
}
