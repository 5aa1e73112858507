package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/matt-riley/expz/internal/resolve"
)

const (
	StreamTransportSSE  = "sse"
	StreamTransportGRPC = "grpc"

	defaultServerURL        = "http://localhost:8080"
	defaultFetchTimeout     = 10 * time.Second
	defaultFlagPollInterval = 5 * time.Minute
)

// ClientConfig configures the SDK client and the CLI commands that use it.
//
// Variables:
//   - EXPZ_DEPLOYMENT_KEY (required): deployment credential "<id>.<secret>".
//   - EXPZ_SERVER_URL: base URL of the expz server (default "http://localhost:8080").
//   - EXPZ_SOURCE: "cache" (default) or "bootstrap".
//   - EXPZ_FETCH_TIMEOUT: per-request timeout (default "10s").
//   - EXPZ_RETRY_FETCH: retry failed fetches in the background (default true).
//   - EXPZ_STREAM: receive variant and flag updates over a stream (default false).
//   - EXPZ_STREAM_TRANSPORT: "sse" (default) or "grpc".
//   - EXPZ_GRPC_ADDR: gRPC server address; required for the grpc transport.
//   - EXPZ_FLAG_POLL_INTERVAL: flag config polling period (default "5m").
//   - EXPZ_CACHE_PATH: bbolt file persisting the client caches.
//   - EXPZ_CACHE_REDIS_URL: redis URL persisting the client caches.
//   - EXPZ_LOG_LEVEL, EXPZ_LOG_FORMAT: client logging.
type ClientConfig struct {
	ServerURL        string
	DeploymentKey    string
	Source           resolve.Mode
	FetchTimeout     time.Duration
	RetryFetch       bool
	Stream           bool
	StreamTransport  string
	GRPCAddr         string
	FlagPollInterval time.Duration
	CachePath        string
	CacheRedisURL    string
	LogLevel         string
	LogFormat        string
}

// LoadClient reads the client configuration from EXPZ_* environment variables.
func LoadClient() (ClientConfig, error) {
	return LoadClientFrom(os.Getenv)
}

// LoadClientFrom reads the client configuration through getenv. The CLI uses
// it to layer command-line flags over the environment.
func LoadClientFrom(getenv func(string) string) (ClientConfig, error) {
	e := env(getenv)
	deploymentKey := e.get("EXPZ_DEPLOYMENT_KEY")
	if deploymentKey == "" {
		return ClientConfig{}, errors.New("EXPZ_DEPLOYMENT_KEY is required")
	}

	source, err := resolve.ParseMode(e.get("EXPZ_SOURCE"))
	if err != nil {
		return ClientConfig{}, fmt.Errorf("parse EXPZ_SOURCE: %w", err)
	}

	fetchTimeout, err := e.positiveDuration("EXPZ_FETCH_TIMEOUT", defaultFetchTimeout)
	if err != nil {
		return ClientConfig{}, err
	}
	pollInterval, err := e.positiveDuration("EXPZ_FLAG_POLL_INTERVAL", defaultFlagPollInterval)
	if err != nil {
		return ClientConfig{}, err
	}
	retryFetch, err := e.boolOr("EXPZ_RETRY_FETCH", true)
	if err != nil {
		return ClientConfig{}, err
	}
	stream, err := e.boolOr("EXPZ_STREAM", false)
	if err != nil {
		return ClientConfig{}, err
	}

	transport := strings.ToLower(e.or("EXPZ_STREAM_TRANSPORT", StreamTransportSSE))
	if transport != StreamTransportSSE && transport != StreamTransportGRPC {
		return ClientConfig{}, fmt.Errorf("EXPZ_STREAM_TRANSPORT must be %q or %q", StreamTransportSSE, StreamTransportGRPC)
	}
	grpcAddr := e.get("EXPZ_GRPC_ADDR")
	if transport == StreamTransportGRPC && grpcAddr == "" {
		return ClientConfig{}, errors.New("EXPZ_GRPC_ADDR is required when EXPZ_STREAM_TRANSPORT is grpc")
	}

	return ClientConfig{
		ServerURL:        strings.TrimRight(e.or("EXPZ_SERVER_URL", defaultServerURL), "/"),
		DeploymentKey:    deploymentKey,
		Source:           source,
		FetchTimeout:     fetchTimeout,
		RetryFetch:       retryFetch,
		Stream:           stream,
		StreamTransport:  transport,
		GRPCAddr:         grpcAddr,
		FlagPollInterval: pollInterval,
		CachePath:        e.get("EXPZ_CACHE_PATH"),
		CacheRedisURL:    e.get("EXPZ_CACHE_REDIS_URL"),
		LogLevel:         e.or("EXPZ_LOG_LEVEL", "info"),
		LogFormat:        e.or("EXPZ_LOG_FORMAT", "console"),
	}, nil
}
