package core

import (
	"errors"
	"log/slog"
	"maps"
	"sync"
)

type Engine struct {
	logger   *slog.Logger
	patterns sync.Map
}

type EngineOption func(*Engine)

func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate runs flags in the given order. Each result is visible to later
// flags under result.<key> in the target.
func (e *Engine) Evaluate(context EvaluationContext, flags []FlagConfig) map[string]Variant {
	results := make(map[string]any, len(flags))
	target := map[string]any{
		"context": map[string]any(context),
		"result":  results,
	}

	variants := make(map[string]Variant, len(flags))
	for _, flag := range flags {
		variant, ok := e.evaluateFlag(target, flag)
		if !ok {
			continue
		}
		results[flag.Key] = variant.target()
		variants[flag.Key] = variant
	}

	return variants
}

// EvaluateKeys orders the requested flags by dependency before evaluating
// them. Keys caught in a cycle are skipped and reported in the returned error.
func (e *Engine) EvaluateKeys(context EvaluationContext, flags []FlagConfig, keys ...string) (map[string]Variant, error) {
	ordered, err := TopologicalSort(flags, keys...)
	return e.Evaluate(context, ordered), err
}

func (e *Engine) evaluateFlag(target map[string]any, flag FlagConfig) (Variant, bool) {
	for _, segment := range flag.Segments {
		if !e.matchSegment(target, flag.Key, segment) {
			continue
		}

		variantKey := bucket(target, segment)
		if variantKey == "" {
			return Variant{}, false
		}
		variant, ok := flag.Variants[variantKey]
		if !ok {
			return Variant{}, false
		}
		if variant.Key == "" {
			variant.Key = variantKey
		}
		variant.Metadata = mergeMetadata(flag.Metadata, segment.Metadata, variant.Metadata)
		return variant, true
	}

	return Variant{}, false
}

func (e *Engine) matchSegment(target map[string]any, flagKey string, segment Segment) bool {
	if len(segment.Conditions) == 0 {
		return true
	}

	for _, group := range segment.Conditions {
		if e.matchGroup(target, flagKey, group) {
			return true
		}
	}
	return false
}

func (e *Engine) matchGroup(target map[string]any, flagKey string, group []Condition) bool {
	for _, condition := range group {
		matched, err := e.matchCondition(target, condition)
		if err != nil {
			var configErr *ConfigError
			if errors.As(err, &configErr) {
				e.logger.Warn("treating malformed condition as non-matching",
					"flag_key", flagKey,
					"selector", condition.Selector,
					"operator", string(condition.Op),
					"error", err,
				)
			}
			return false
		}
		if !matched {
			return false
		}
	}
	return true
}

func mergeMetadata(layers ...map[string]any) map[string]any {
	size := 0
	for _, layer := range layers {
		size += len(layer)
	}
	if size == 0 {
		return nil
	}

	merged := make(map[string]any, size)
	for _, layer := range layers {
		maps.Copy(merged, layer)
	}
	return merged
}
