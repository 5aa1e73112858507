// Package store holds the long-lived flag and variant caches. Writes replace or
// merge under a single lock so readers observe either the old or the new
// snapshot. A Backing persists snapshots between runs.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/matt-riley/expz/internal/core"
)

// Cache is a concurrency-safe keyed snapshot.
type Cache[T any] struct {
	mu        sync.RWMutex
	items     map[string]T
	namespace string
	backing   Backing
}

type (
	FlagStore    = Cache[core.FlagConfig]
	VariantCache = Cache[core.Variant]
)

// NewCache returns an empty cache. backing may be nil, in which case Load and
// Persist are no-ops.
func NewCache[T any](namespace string, backing Backing) *Cache[T] {
	return &Cache[T]{
		items:     make(map[string]T),
		namespace: namespace,
		backing:   backing,
	}
}

func (c *Cache[T]) Get(key string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	item, ok := c.items[key]
	return item, ok
}

// GetAll returns a copy of every cached item.
func (c *Cache[T]) GetAll() map[string]T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.items)
}

func (c *Cache[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func (c *Cache[T]) Put(key string, item T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = item
}

// PutAll merges items into the cache key by key.
func (c *Cache[T]) PutAll(items map[string]T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	maps.Copy(c.items, items)
}

// Replace swaps the whole snapshot.
func (c *Cache[T]) Replace(items map[string]T) {
	next := make(map[string]T, len(items))
	maps.Copy(next, items)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = next
}

// ReplaceKeys updates only the listed keys: each takes its value from items or
// is removed when items lacks it. Items outside keys are merged as well.
func (c *Cache[T]) ReplaceKeys(keys []string, items map[string]T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		if _, ok := items[key]; !ok {
			delete(c.items, key)
		}
	}
	maps.Copy(c.items, items)
}

func (c *Cache[T]) Clear() {
	c.Replace(nil)
}

// Load replaces the snapshot with what the backing holds. Entries that fail to
// decode are skipped and reported together.
func (c *Cache[T]) Load(ctx context.Context) error {
	if c.backing == nil {
		return nil
	}

	raw, err := c.backing.Load(ctx, c.namespace)
	if err != nil {
		return fmt.Errorf("load %s: %w", c.namespace, err)
	}

	var errs *multierror.Error
	items := make(map[string]T, len(raw))
	for key, data := range raw {
		var item T
		if err := json.Unmarshal(data, &item); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("decode %s/%s: %w", c.namespace, key, err))
			continue
		}
		items[key] = item
	}
	c.Replace(items)

	return errs.ErrorOrNil()
}

// Persist writes the current snapshot to the backing.
func (c *Cache[T]) Persist(ctx context.Context) error {
	if c.backing == nil {
		return nil
	}

	snapshot := c.GetAll()
	raw := make(map[string]json.RawMessage, len(snapshot))
	for key, item := range snapshot {
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("encode %s/%s: %w", c.namespace, key, err)
		}
		raw[key] = data
	}

	if err := c.backing.Save(ctx, c.namespace, raw); err != nil {
		return fmt.Errorf("persist %s: %w", c.namespace, err)
	}
	return nil
}
