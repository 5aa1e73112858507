// Package service holds the server-side flag snapshots and evaluates users
// against them. Each deployment's configs are loaded on first use, replaced
// wholesale on reload and kept fresh by LISTEN/NOTIFY plus a resync ticker.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/matt-riley/expz/internal/core"
	"github.com/matt-riley/expz/internal/metrics"
	"github.com/matt-riley/expz/internal/repository"
	"github.com/matt-riley/expz/internal/store"
)

const (
	defaultResyncInterval = time.Minute
	cacheReloadTimeout    = 5 * time.Second
	snapshotPrefix        = "expz-server-"
	tracerName            = "github.com/matt-riley/expz/internal/service"
)

var (
	ErrDeploymentRequired = errors.New("deployment id is required")
	ErrInvalidUser        = errors.New("invalid user")
	ErrInvalidFlagKeys    = errors.New("invalid flag keys")
)

type Repository interface {
	ListFlagConfigs(ctx context.Context, deploymentID string) ([]core.FlagConfig, error)
}

type cacheInvalidationSubscriber interface {
	SubscribeFlagInvalidation(ctx context.Context) (<-chan repository.Invalidation, error)
}

type Service struct {
	repo    Repository
	engine  *core.Engine
	logger  *slog.Logger
	metrics *metrics.Metrics
	backing store.Backing
	tracer  trace.Tracer

	resyncInterval time.Duration

	mu        sync.RWMutex
	snapshots map[string][]core.FlagConfig
	loads     singleflight.Group
}

type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithSnapshotBacking keeps a copy of every loaded snapshot in b. The copy is
// served when the database is unreachable and nothing is cached in memory.
func WithSnapshotBacking(b store.Backing) Option {
	return func(s *Service) {
		s.backing = b
	}
}

func WithResyncInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.resyncInterval = d
		}
	}
}

// New returns a service whose background refresh runs until ctx ends.
func New(ctx context.Context, repo Repository, opts ...Option) (*Service, error) {
	if repo == nil {
		return nil, errors.New("repository is nil")
	}

	svc := &Service{
		repo:           repo,
		logger:         slog.Default(),
		tracer:         otel.Tracer(tracerName),
		resyncInterval: defaultResyncInterval,
		snapshots:      make(map[string][]core.FlagConfig),
	}
	for _, opt := range opts {
		opt(svc)
	}
	svc.engine = core.NewEngine(core.WithLogger(svc.logger))

	var invalidations <-chan repository.Invalidation
	subscriber, ok := repo.(cacheInvalidationSubscriber)
	if ok {
		var err error
		invalidations, err = subscriber.SubscribeFlagInvalidation(ctx)
		if err != nil {
			return nil, fmt.Errorf("subscribe cache invalidation: %w", err)
		}
	}
	go svc.refreshLoop(ctx, subscriber, invalidations)

	return svc, nil
}

// Flags returns the deployment's configs sorted by key. With keys, only those
// flags and their dependencies are returned, dependencies first.
func (s *Service) Flags(ctx context.Context, deploymentID string, keys ...string) ([]core.FlagConfig, error) {
	flags, err := s.snapshot(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return flags, nil
	}

	ordered, err := core.TopologicalSort(flags, keys...)
	if err != nil {
		s.logger.Warn("skipping flags caught in a dependency cycle",
			"deployment_id", deploymentID,
			"error", err,
		)
	}
	return ordered, nil
}

// Evaluate assigns user a variant for each requested flag, or for every flag
// when keys is empty. Flags without a match are absent from the result.
func (s *Service) Evaluate(ctx context.Context, deploymentID string, user core.User, keys []string) (map[string]core.Variant, error) {
	ctx, span := s.tracer.Start(ctx, "service.Evaluate", trace.WithAttributes(
		attribute.String("expz.deployment_id", deploymentID),
		attribute.Int("expz.flag_keys", len(keys)),
	))
	defer span.End()

	flags, err := s.snapshot(ctx, deploymentID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, "load snapshot")
		return nil, err
	}

	variants, err := s.engine.EvaluateKeys(user.EvaluationContext(), flags, keys...)
	if err != nil {
		span.AddEvent("dependency cycle", trace.WithAttributes(attribute.String("error", err.Error())))
		s.logger.Warn("skipping flags caught in a dependency cycle",
			"deployment_id", deploymentID,
			"error", err,
		)
	}

	requested := len(keys)
	if requested == 0 {
		requested = len(flags)
	}
	matched := 0
	for _, key := range keys {
		if _, ok := variants[key]; ok {
			matched++
		}
	}
	if len(keys) == 0 {
		matched = len(variants)
	}
	if s.metrics != nil {
		s.metrics.RecordEvaluations(matched, requested-matched)
	}
	span.SetAttributes(attribute.Int("expz.variants", len(variants)))

	return variants, nil
}

// LoadDeployment replaces the deployment's snapshot from the database.
// Concurrent loads of one deployment share a single query.
func (s *Service) LoadDeployment(ctx context.Context, deploymentID string) error {
	_, err := s.load(ctx, deploymentID)
	return err
}

// Invalidate reloads one deployment, or every cached deployment when
// deploymentID is empty. Deployments never requested stay unloaded.
func (s *Service) Invalidate(ctx context.Context, deploymentID string) {
	if s.metrics != nil {
		s.metrics.IncCacheInvalidations()
	}
	if deploymentID == "" {
		s.reloadAll(ctx)
		return
	}
	if !s.cached(deploymentID) {
		return
	}
	s.reload(ctx, deploymentID)
}

func (s *Service) snapshot(ctx context.Context, deploymentID string) ([]core.FlagConfig, error) {
	if strings.TrimSpace(deploymentID) == "" {
		return nil, ErrDeploymentRequired
	}

	s.mu.RLock()
	flags, ok := s.snapshots[deploymentID]
	s.mu.RUnlock()
	if ok {
		return flags, nil
	}

	return s.load(ctx, deploymentID)
}

func (s *Service) cached(deploymentID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.snapshots[deploymentID]
	return ok
}

func (s *Service) load(ctx context.Context, deploymentID string) ([]core.FlagConfig, error) {
	result, err, _ := s.loads.Do(deploymentID, func() (any, error) {
		flags, err := s.repo.ListFlagConfigs(ctx, deploymentID)
		if err != nil {
			if s.cached(deploymentID) {
				return nil, fmt.Errorf("load flag configs: %w", err)
			}
			fallback, fallbackErr := s.loadSnapshotBacking(ctx, deploymentID)
			if fallbackErr != nil {
				return nil, fmt.Errorf("load flag configs: %w", err)
			}
			s.logger.Warn("serving flag configs from snapshot backing",
				"deployment_id", deploymentID,
				"error", err,
			)
			s.store(deploymentID, fallback)
			return fallback, nil
		}

		sort.Slice(flags, func(i, j int) bool { return flags[i].Key < flags[j].Key })
		s.store(deploymentID, flags)
		if s.metrics != nil {
			s.metrics.IncCacheLoads()
		}
		s.saveSnapshotBacking(ctx, deploymentID, flags)
		return flags, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]core.FlagConfig), nil
}

func (s *Service) store(deploymentID string, flags []core.FlagConfig) {
	s.mu.Lock()
	s.snapshots[deploymentID] = flags
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SetCacheSize(deploymentID, float64(len(flags)))
	}
}

func (s *Service) saveSnapshotBacking(ctx context.Context, deploymentID string, flags []core.FlagConfig) {
	if s.backing == nil {
		return
	}

	items, err := encodeSnapshot(flags)
	if err == nil {
		err = s.backing.Save(ctx, snapshotPrefix+deploymentID, items)
	}
	if err != nil {
		s.logger.Warn("failed to save snapshot backing", "deployment_id", deploymentID, "error", err)
	}
}

func (s *Service) loadSnapshotBacking(ctx context.Context, deploymentID string) ([]core.FlagConfig, error) {
	if s.backing == nil {
		return nil, errors.New("no snapshot backing")
	}

	items, err := s.backing.Load(ctx, snapshotPrefix+deploymentID)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, errors.New("snapshot backing is empty")
	}

	flags, err := decodeSnapshot(items)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.IncSnapshotFallback()
	}
	return flags, nil
}

func (s *Service) refreshLoop(ctx context.Context, subscriber cacheInvalidationSubscriber, invalidations <-chan repository.Invalidation) {
	resyncTicker := time.NewTicker(s.resyncInterval)
	defer resyncTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-resyncTicker.C:
			if invalidations == nil && subscriber != nil {
				next, err := subscriber.SubscribeFlagInvalidation(ctx)
				if err == nil {
					invalidations = next
				}
			}
			s.reloadAll(ctx)
		case inv, ok := <-invalidations:
			if !ok {
				invalidations = nil
				if ctx.Err() != nil {
					return
				}
				next, err := subscriber.SubscribeFlagInvalidation(ctx)
				if err != nil {
					continue
				}
				invalidations = next
				continue
			}
			s.Invalidate(ctx, inv.DeploymentID)
		}
	}
}

func (s *Service) reloadAll(ctx context.Context) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.snapshots))
	for id := range s.snapshots {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	for _, id := range ids {
		s.reload(ctx, id)
	}
}

func (s *Service) reload(ctx context.Context, deploymentID string) {
	reloadCtx, cancel := context.WithTimeout(ctx, cacheReloadTimeout)
	defer cancel()
	if err := s.LoadDeployment(reloadCtx, deploymentID); err != nil {
		s.logger.Warn("failed to reload flag configs; keeping previous snapshot",
			"deployment_id", deploymentID,
			"error", err,
		)
	}
}

// DecodeUser parses a JSON user document.
func DecodeUser(data []byte) (core.User, error) {
	var user core.User
	if len(data) == 0 {
		return user, nil
	}
	if err := json.Unmarshal(data, &user); err != nil {
		return core.User{}, fmt.Errorf("%w: %v", ErrInvalidUser, err)
	}
	return user, nil
}

// NormalizeFlagKeys trims keys and drops blanks and duplicates. A request that
// names only blank keys is rejected rather than widened to every flag.
func NormalizeFlagKeys(keys []string) ([]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	seen := make(map[string]struct{}, len(keys))
	normalized := make([]string, 0, len(keys))
	for _, key := range keys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		normalized = append(normalized, key)
	}
	if len(normalized) == 0 {
		return nil, fmt.Errorf("%w: no usable key", ErrInvalidFlagKeys)
	}
	return normalized, nil
}

func encodeSnapshot(flags []core.FlagConfig) (map[string]json.RawMessage, error) {
	items := make(map[string]json.RawMessage, len(flags))
	for _, flag := range flags {
		raw, err := json.Marshal(flag)
		if err != nil {
			return nil, fmt.Errorf("encode flag %q: %w", flag.Key, err)
		}
		items[flag.Key] = raw
	}
	return items, nil
}

func decodeSnapshot(items map[string]json.RawMessage) ([]core.FlagConfig, error) {
	flags := make([]core.FlagConfig, 0, len(items))
	for key, raw := range items {
		var flag core.FlagConfig
		if err := json.Unmarshal(raw, &flag); err != nil {
			return nil, fmt.Errorf("decode flag %q: %w", key, err)
		}
		if flag.Key == "" {
			flag.Key = key
		}
		flags = append(flags, flag)
	}
	sort.Slice(flags, func(i, j int) bool { return flags[i].Key < flags[j].Key })
	return flags, nil
}
