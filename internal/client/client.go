// Package client is the expz SDK client. It keeps a local copy of the
// deployment's flag configs and the current user's remote variants fresh, and
// answers variant lookups from those caches through the resolver chain.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/matt-riley/expz/internal/clock"
	"github.com/matt-riley/expz/internal/core"
	"github.com/matt-riley/expz/internal/exposure"
	"github.com/matt-riley/expz/internal/metrics"
	"github.com/matt-riley/expz/internal/resolve"
	"github.com/matt-riley/expz/internal/store"
	"github.com/matt-riley/expz/internal/transport"
	"github.com/matt-riley/expz/internal/updater"
)

var (
	ErrClientStopped        = errors.New("expz: client stopped")
	ErrMissingDeploymentKey = errors.New("expz: deployment key is required")
)

const (
	DefaultFetchTimeout     = 10 * time.Second
	DefaultFlagPollInterval = 5 * time.Minute

	persistTimeout = 5 * time.Second

	updaterVariants = "variants"
	updaterFlags    = "flags"
)

// API is the remote side of the client. transport.Client and
// transport.GRPCClient both satisfy it.
type API interface {
	FetchVariants(ctx context.Context, user core.User, opts transport.FetchOptions) (map[string]core.Variant, error)
	FetchFlags(ctx context.Context, opts transport.FetchOptions) ([]core.FlagConfig, error)
	StreamVariants(ctx context.Context, user core.User, opts transport.FetchOptions, handler transport.StreamHandler[map[string]core.Variant]) (transport.Stream, error)
	StreamFlags(ctx context.Context, opts transport.FetchOptions, handler transport.StreamHandler[[]core.FlagConfig]) (transport.Stream, error)
}

// Config controls how the client syncs and resolves variants.
type Config struct {
	// ServerURL and DeploymentKey build the default HTTP API when WithAPI is
	// not given.
	ServerURL     string
	DeploymentKey string

	// Source picks the primary candidate: the variant cache or Bootstrap.
	Source resolve.Mode
	// Bootstrap holds initial variants, used before the first fetch lands.
	Bootstrap map[string]core.Variant
	// Fallback is returned when no other candidate exists.
	Fallback core.Variant

	FetchTimeout time.Duration
	// RetryFetch retries failed variant fetches in the background.
	RetryFetch bool
	// SkipFetchOnStart leaves the variant cache untouched in Start.
	SkipFetchOnStart bool
	// Stream receives variant and flag updates over a push stream, falling
	// back to fetching and polling while the stream is down.
	Stream           bool
	FlagPollInterval time.Duration
	// DisableAutomaticExposure stops Variant and VariantDetails from tracking
	// exposures. Exposure still tracks explicitly.
	DisableAutomaticExposure bool

	// Retry tunes background fetch retries. NoRetry is derived from
	// RetryFetch.
	Retry updater.FetchConfig
	// StreamFallback tunes how a downed stream is retried.
	StreamFallback updater.FallbackConfig
	StreamWatchdog updater.StreamConfig
}

// Client is safe for concurrent use.
type Client struct {
	cfg       Config
	api       API
	logger    *slog.Logger
	scheduler clock.Scheduler
	metrics   *metrics.Metrics
	engine    *core.Engine

	variants *store.VariantCache
	flags    *store.FlagStore
	deduper  *exposure.Deduper

	variantUpdater updater.Updater[map[string]core.Variant]
	flagUpdater    updater.Updater[[]core.FlagConfig]

	mu      sync.RWMutex
	user    core.User
	stopped bool
}

type Option func(*options)

type options struct {
	api            API
	scheduler      clock.Scheduler
	logger         *slog.Logger
	tracker        exposure.Tracker
	variantBacking store.Backing
	flagBacking    store.Backing
	metrics        *metrics.Metrics
}

// WithAPI replaces the default HTTP API, e.g. with a transport.GRPCClient.
func WithAPI(api API) Option {
	return func(o *options) { o.api = api }
}

func WithScheduler(s clock.Scheduler) Option {
	return func(o *options) { o.scheduler = s }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithExposureTracker sets where deduplicated exposures go. The default logs
// them through exposure.LogTracker.
func WithExposureTracker(t exposure.Tracker) Option {
	return func(o *options) { o.tracker = t }
}

// WithVariantBacking persists the variant cache between runs.
func WithVariantBacking(b store.Backing) Option {
	return func(o *options) { o.variantBacking = b }
}

// WithFlagBacking persists the flag config cache between runs.
func WithFlagBacking(b store.Backing) Option {
	return func(o *options) { o.flagBacking = b }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// New builds a client. Nothing is fetched until Start or Fetch.
func New(cfg Config, opts ...Option) (*Client, error) {
	o := options{scheduler: clock.Real{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.scheduler == nil {
		o.scheduler = clock.Real{}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	mode, err := resolve.ParseMode(string(cfg.Source))
	if err != nil {
		return nil, fmt.Errorf("expz: %w", err)
	}
	cfg.Source = mode
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.FlagPollInterval <= 0 {
		cfg.FlagPollInterval = DefaultFlagPollInterval
	}
	cfg.Retry.NoRetry = !cfg.RetryFetch

	if o.api == nil {
		if strings.TrimSpace(cfg.DeploymentKey) == "" {
			return nil, ErrMissingDeploymentKey
		}
		o.api = transport.NewClient(transport.Config{ServerURL: cfg.ServerURL, DeploymentKey: cfg.DeploymentKey})
	}
	if o.tracker == nil {
		o.tracker = exposure.NewLogTracker(o.logger)
	}

	c := &Client{
		cfg:       cfg,
		api:       o.api,
		logger:    o.logger,
		scheduler: o.scheduler,
		metrics:   o.metrics,
		engine:    core.NewEngine(core.WithLogger(o.logger)),
		variants:  store.NewCache[core.Variant](store.Namespace(cfg.DeploymentKey, "variants"), o.variantBacking),
		flags:     store.NewCache[core.FlagConfig](store.Namespace(cfg.DeploymentKey, "flags"), o.flagBacking),
		deduper:   exposure.NewDeduper(o.tracker),
	}
	c.variantUpdater, c.flagUpdater = c.newUpdaters()
	return c, nil
}

func (c *Client) newUpdaters() (updater.Updater[map[string]core.Variant], updater.Updater[[]core.FlagConfig]) {
	uopts := []updater.Option{updater.WithScheduler(c.scheduler), updater.WithLogger(c.logger)}

	fetchVariants := func(ctx context.Context, p updater.Params) (map[string]core.Variant, error) {
		return c.api.FetchVariants(ctx, p.User, p.Options)
	}
	fetchFlags := func(ctx context.Context, p updater.Params) ([]core.FlagConfig, error) {
		return c.api.FetchFlags(ctx, p.Options)
	}

	var variants updater.Updater[map[string]core.Variant] = updater.NewFetchUpdater(fetchVariants, c.cfg.Retry, uopts...)
	var flags updater.Updater[[]core.FlagConfig] = updater.NewPollingUpdater(fetchFlags, c.cfg.FlagPollInterval, uopts...)
	if !c.cfg.Stream {
		return variants, flags
	}

	streamVariants := func(ctx context.Context, p updater.Params, h transport.StreamHandler[map[string]core.Variant]) (transport.Stream, error) {
		return c.api.StreamVariants(ctx, p.User, p.Options, h)
	}
	streamFlags := func(ctx context.Context, p updater.Params, h transport.StreamHandler[[]core.FlagConfig]) (transport.Stream, error) {
		return c.api.StreamFlags(ctx, p.Options, h)
	}
	variants = updater.NewRetryAndFallback(
		updater.NewStreamUpdater(streamVariants, c.cfg.StreamWatchdog, uopts...),
		variants, c.cfg.StreamFallback, uopts...)
	flags = updater.NewRetryAndFallback(
		updater.NewStreamUpdater(streamFlags, c.cfg.StreamWatchdog, uopts...),
		flags, c.cfg.StreamFallback, uopts...)
	return variants, flags
}

// Start loads persisted caches, starts syncing flag configs and, unless
// SkipFetchOnStart is set, fetches variants for user. A non-nil error means a
// first sync failed; background retries and fallbacks keep running.
func (c *Client) Start(ctx context.Context, user core.User) error {
	if c.isStopped() {
		return ErrClientStopped
	}
	c.SetUser(user)

	if err := c.variants.Load(ctx); err != nil {
		c.logger.Warn("load persisted variants", "error", err)
	}
	if err := c.flags.Load(ctx); err != nil {
		c.logger.Warn("load persisted flags", "error", err)
	}

	var errs *multierror.Error
	params := updater.Params{Options: transport.FetchOptions{Timeout: c.cfg.FetchTimeout}}
	if err := c.flagUpdater.Start(ctx, params, c.storeFlags, c.updaterFailed(updaterFlags)); err != nil {
		c.recordFailure(updaterFlags, err)
		errs = multierror.Append(errs, fmt.Errorf("start flag updater: %w", err))
	}
	if !c.cfg.SkipFetchOnStart {
		if err := c.Fetch(ctx, user, transport.FetchOptions{}); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// Stop halts every updater. No cache write happens after Stop returns.
func (c *Client) Stop() error {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()

	var errs *multierror.Error
	if err := c.flagUpdater.Stop(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("stop flag updater: %w", err))
	}
	if err := c.variantUpdater.Stop(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("stop variant updater: %w", err))
	}
	return errs.ErrorOrNil()
}

// Fetch sets the current user and fetches its variants in the foreground,
// cancelling any background retry first. With FlagKeys set only those keys
// are replaced in the cache.
func (c *Client) Fetch(ctx context.Context, user core.User, opts transport.FetchOptions) error {
	if c.isStopped() {
		return ErrClientStopped
	}
	c.SetUser(user)
	if opts.Timeout <= 0 {
		opts.Timeout = c.cfg.FetchTimeout
	}

	params := updater.Params{User: user, Options: opts}
	onUpdate := func(variants map[string]core.Variant) {
		c.storeVariants(variants, opts.FlagKeys)
	}
	if err := c.variantUpdater.Start(ctx, params, onUpdate, c.updaterFailed(updaterVariants)); err != nil {
		c.recordFailure(updaterVariants, err)
		return fmt.Errorf("fetch variants: %w", err)
	}
	return nil
}

// Variant returns the resolved variant for key. fallback may be nil.
func (c *Client) Variant(key string, fallback *core.Variant) core.Variant {
	return c.VariantDetails(key, fallback).Variant
}

// VariantDetails is Variant that also reports where the variant came from.
func (c *Client) VariantDetails(key string, fallback *core.Variant) resolve.Result {
	user := c.User()
	result := c.resolver(user).Resolve(key, fallback)
	if !c.cfg.DisableAutomaticExposure {
		c.trackResult(key, result, user)
	}
	return result
}

// Exposure tracks an exposure for key as the resolver currently sees it.
func (c *Client) Exposure(key string) {
	user := c.User()
	c.trackResult(key, c.resolver(user).Resolve(key, nil), user)
}

// All returns every known variant: secondary source < primary source < flags
// marked for local evaluation.
func (c *Client) All() map[string]core.Variant {
	cached := c.variants.GetAll()
	all := make(map[string]core.Variant)
	if c.cfg.Source == resolve.ModeBootstrap {
		maps.Copy(all, cached)
		maps.Copy(all, c.cfg.Bootstrap)
	} else {
		maps.Copy(all, c.cfg.Bootstrap)
		maps.Copy(all, cached)
	}

	flags := c.flagList()
	evaluated, err := c.engine.EvaluateKeys(c.User().EvaluationContext(), flags)
	if err != nil {
		c.logger.Debug("local evaluation skipped flags", "error", err)
	}
	for _, flag := range flags {
		if !flag.IsLocalEvaluation() {
			continue
		}
		if v, ok := evaluated[flag.Key]; ok {
			all[flag.Key] = v
		}
	}
	return all
}

// EvaluateUser evaluates keys, or every cached flag when keys is empty,
// locally for user. The current user is left unchanged.
func (c *Client) EvaluateUser(user core.User, keys ...string) (map[string]core.Variant, error) {
	return c.engine.EvaluateKeys(user.EvaluationContext(), c.flagList(), keys...)
}

// Flags returns the cached flag configs ordered by key.
func (c *Client) Flags() []core.FlagConfig {
	return c.flagList()
}

func (c *Client) SetUser(user core.User) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.user = user
}

func (c *Client) User() core.User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.user
}

// Clear empties the variant cache and its persisted copy.
func (c *Client) Clear() error {
	c.variants.Clear()
	return c.persist(c.variants.Persist)
}

func (c *Client) isStopped() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stopped
}

func (c *Client) resolver(user core.User) *resolve.Resolver {
	return &resolve.Resolver{
		Mode:      c.cfg.Source,
		Cache:     c.variants,
		Bootstrap: c.cfg.Bootstrap,
		Fallback:  c.cfg.Fallback,
		Flags:     c.flags,
		Evaluate: func(key string) (core.Variant, bool) {
			evaluated, err := c.engine.EvaluateKeys(user.EvaluationContext(), c.flagList(), key)
			if err != nil {
				c.logger.Debug("local evaluation failed", "flag", key, "error", err)
			}
			v, ok := evaluated[key]
			return v, ok
		},
	}
}

// trackResult suppresses fallback-sourced exposures unless a default was
// deferred. An exposure after a deferred default carries no variant.
func (c *Client) trackResult(key string, result resolve.Result, user core.User) {
	if result.Source.IsFallback() && !result.HasDefault {
		return
	}
	e := exposure.FromVariant(key, result.Variant)
	if result.HasDefault {
		e.Variant = ""
	}
	forwarded := c.deduper.TrackExposure(e, user)
	if c.metrics != nil {
		c.metrics.RecordExposure(forwarded)
	}
}

func (c *Client) flagList() []core.FlagConfig {
	all := c.flags.GetAll()
	flags := make([]core.FlagConfig, 0, len(all))
	for _, key := range slices.Sorted(maps.Keys(all)) {
		flags = append(flags, all[key])
	}
	return flags
}

func (c *Client) storeVariants(variants map[string]core.Variant, flagKeys []string) {
	if len(flagKeys) == 0 {
		c.variants.Replace(variants)
	} else {
		c.variants.ReplaceKeys(flagKeys, variants)
	}
	if err := c.persist(c.variants.Persist); err != nil {
		c.logger.Warn("persist variants", "error", err)
	}
	c.logger.Debug("variants updated", "count", len(variants))
}

func (c *Client) storeFlags(flags []core.FlagConfig) {
	next := make(map[string]core.FlagConfig, len(flags))
	for _, flag := range flags {
		next[flag.Key] = flag
	}
	c.flags.Replace(next)
	if err := c.persist(c.flags.Persist); err != nil {
		c.logger.Warn("persist flags", "error", err)
	}
	c.logger.Debug("flags updated", "count", len(flags))
}

func (c *Client) persist(save func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	return save(ctx)
}

func (c *Client) updaterFailed(name string) func(error) {
	return func(err error) {
		c.recordFailure(name, err)
		c.logger.Warn("sync failed", "updater", name, "error", err)
	}
}

func (c *Client) recordFailure(name string, err error) {
	if c.metrics != nil {
		c.metrics.RecordUpdaterFailure(name, transport.Retriable(err))
	}
}
