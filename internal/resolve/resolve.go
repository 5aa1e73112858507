// Package resolve picks one variant per flag from the candidate sources a
// client holds: the synced cache, bootstrap variants, local evaluation and
// fallbacks.
package resolve

import (
	"fmt"

	"github.com/matt-riley/expz/internal/core"
)

// Mode selects which source leads the precedence chain.
type Mode string

const (
	// ModeCache consults the synced cache before bootstrap variants.
	ModeCache Mode = "cache"
	// ModeBootstrap consults bootstrap variants before the synced cache.
	ModeBootstrap Mode = "bootstrap"
)

// ParseMode parses a configured mode. An empty string selects ModeCache.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeCache:
		return ModeCache, nil
	case ModeBootstrap:
		return ModeBootstrap, nil
	default:
		return "", fmt.Errorf("unknown source mode %q", s)
	}
}

// Source names the candidate a Result came from.
type Source string

const (
	SourceCache              Source = "cache"
	SourceSecondaryCache     Source = "secondary-cache"
	SourceBootstrap          Source = "bootstrap"
	SourceSecondaryBootstrap Source = "secondary-bootstrap"
	SourceLocalEvaluation    Source = "local-evaluation"
	SourceFallbackInline     Source = "fallback-inline"
	SourceFallbackConfig     Source = "fallback-config"
)

// IsFallback reports whether exposures for this source should normally be
// suppressed.
func (s Source) IsFallback() bool {
	switch s {
	case "", SourceFallbackInline, SourceFallbackConfig, SourceSecondaryBootstrap:
		return true
	default:
		return false
	}
}

type Result struct {
	Variant core.Variant
	Source  Source
	// HasDefault is set when a candidate marked default was seen and deferred.
	// If Variant is that default, Source names where it came from.
	HasDefault bool
}

// Found reports whether any candidate produced a variant.
func (r Result) Found() bool {
	return r.Source != ""
}

type VariantGetter interface {
	Get(key string) (core.Variant, bool)
}

type FlagGetter interface {
	Get(key string) (core.FlagConfig, bool)
}

// Evaluator evaluates one flag locally, including its dependencies.
type Evaluator func(key string) (core.Variant, bool)

// Resolver holds the candidate sources. Nil sources are treated as empty.
type Resolver struct {
	Mode      Mode
	Cache     VariantGetter
	Bootstrap map[string]core.Variant
	// Fallback is the configured fallback; the zero Variant means none.
	Fallback core.Variant
	Flags    FlagGetter
	Evaluate Evaluator
}

// Resolve runs the precedence chain for key. inline is the caller's fallback
// and may be nil.
func (r *Resolver) Resolve(key string, inline *core.Variant) Result {
	var result Result
	if r.Mode == ModeBootstrap {
		result = r.bootstrapPrimary(key, inline)
	} else {
		result = r.cachePrimary(key, inline)
	}

	flag, ok := r.flag(key)
	if !ok || r.Evaluate == nil {
		return result
	}
	if flag.IsLocalEvaluation() || !result.fromPrimary() {
		if local := r.localEvaluation(key, inline); local.Found() {
			return local
		}
	}
	return result
}

// fromPrimary reports whether the cache or bootstrap produced a real variant.
func (r Result) fromPrimary() bool {
	if r.HasDefault {
		return false
	}
	switch r.Source {
	case SourceCache, SourceSecondaryCache, SourceBootstrap, SourceSecondaryBootstrap:
		return true
	default:
		return false
	}
}

func (r *Resolver) cachePrimary(key string, inline *core.Variant) Result {
	var c chain
	cached, ok := r.cached(key)
	c.offer(cached, ok, SourceCache)
	c.inline(inline)
	boot, ok := r.bootstrap(key)
	c.offer(boot, ok, SourceSecondaryBootstrap)
	return c.finish(r.Fallback)
}

func (r *Resolver) bootstrapPrimary(key string, inline *core.Variant) Result {
	var c chain
	boot, ok := r.bootstrap(key)
	c.offer(boot, ok, SourceBootstrap)
	cached, ok := r.cached(key)
	c.offer(cached, ok, SourceSecondaryCache)
	c.inline(inline)
	return c.finish(r.Fallback)
}

func (r *Resolver) localEvaluation(key string, inline *core.Variant) Result {
	var c chain
	v, ok := r.Evaluate(key)
	c.offer(v, ok, SourceLocalEvaluation)
	c.inline(inline)
	boot, ok := r.bootstrap(key)
	c.offer(boot, ok, SourceSecondaryBootstrap)
	return c.finish(r.Fallback)
}

func (r *Resolver) cached(key string) (core.Variant, bool) {
	if r.Cache == nil {
		return core.Variant{}, false
	}
	return r.Cache.Get(key)
}

func (r *Resolver) bootstrap(key string) (core.Variant, bool) {
	v, ok := r.Bootstrap[key]
	return v, ok
}

func (r *Resolver) flag(key string) (core.FlagConfig, bool) {
	if r.Flags == nil {
		return core.FlagConfig{}, false
	}
	return r.Flags.Get(key)
}

// chain walks candidates in order. The first default-marked candidate is
// remembered and only returned when nothing else is found.
type chain struct {
	result     Result
	done       bool
	deferred   Result
	hasDefault bool
}

func (c *chain) offer(v core.Variant, ok bool, source Source) {
	if c.done || !ok {
		return
	}
	if v.IsDefault() {
		if !c.hasDefault {
			c.hasDefault = true
			c.deferred = Result{Variant: v, Source: source, HasDefault: true}
		}
		return
	}
	c.result = Result{Variant: v, Source: source, HasDefault: c.hasDefault}
	c.done = true
}

func (c *chain) inline(v *core.Variant) {
	if c.done || v == nil {
		return
	}
	c.result = Result{Variant: *v, Source: SourceFallbackInline, HasDefault: c.hasDefault}
	c.done = true
}

func (c *chain) finish(fallback core.Variant) Result {
	if c.done {
		return c.result
	}
	if !fallback.IsZero() {
		return Result{Variant: fallback, Source: SourceFallbackConfig, HasDefault: c.hasDefault}
	}
	return c.deferred
}
