// Package exposure records which variant a user was shown, suppressing
// repeats within a user session.
package exposure

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/matt-riley/expz/internal/core"
)

type Exposure struct {
	FlagKey       string         `json:"flag_key"`
	Variant       string         `json:"variant,omitempty"`
	ExperimentKey string         `json:"experiment_key,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// FromVariant builds the exposure for flagKey. A zero variant yields an
// exposure with no variant.
func FromVariant(flagKey string, v core.Variant) Exposure {
	return Exposure{
		FlagKey:       flagKey,
		Variant:       v.Key,
		ExperimentKey: v.ExperimentKey(),
		Metadata:      v.Metadata,
	}
}

type Tracker interface {
	Track(e Exposure, user core.User)
}

type TrackerFunc func(e Exposure, user core.User)

func (f TrackerFunc) Track(e Exposure, user core.User) {
	f(e, user)
}

// Deduper forwards an exposure only when the flag's variant differs from the
// last one forwarded for the current user. A change of user_id or device_id
// starts a new session.
type Deduper struct {
	next Tracker

	mu      sync.Mutex
	user    core.User
	hasUser bool
	last    map[string]string
}

func NewDeduper(next Tracker) *Deduper {
	return &Deduper{next: next, last: make(map[string]string)}
}

func (d *Deduper) Track(e Exposure, user core.User) {
	d.TrackExposure(e, user)
}

// TrackExposure is Track that also reports whether e was forwarded.
func (d *Deduper) TrackExposure(e Exposure, user core.User) bool {
	d.mu.Lock()
	if !d.hasUser || !d.user.SameIdentity(user) {
		d.last = make(map[string]string)
		d.user = user
		d.hasUser = true
	}
	if prev, seen := d.last[e.FlagKey]; seen && prev == e.Variant {
		d.mu.Unlock()
		return false
	}
	d.last[e.FlagKey] = e.Variant
	d.mu.Unlock()

	d.next.Track(e, user)
	return true
}

// Reset forgets every tracked exposure.
func (d *Deduper) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.last = make(map[string]string)
	d.hasUser = false
}

// LogTracker writes each exposure as a structured log record.
type LogTracker struct {
	logger *slog.Logger
}

func NewLogTracker(logger *slog.Logger) *LogTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogTracker{logger: logger}
}

func (t *LogTracker) Track(e Exposure, user core.User) {
	attrs := []slog.Attr{
		slog.String("insert_id", uuid.NewString()),
		slog.String("flag_key", e.FlagKey),
	}
	if e.Variant != "" {
		attrs = append(attrs, slog.String("variant", e.Variant))
	}
	if e.ExperimentKey != "" {
		attrs = append(attrs, slog.String("experiment_key", e.ExperimentKey))
	}
	if user.UserID != "" {
		attrs = append(attrs, slog.String("user_id", user.UserID))
	}
	if user.DeviceID != "" {
		attrs = append(attrs, slog.String("device_id", user.DeviceID))
	}
	if len(e.Metadata) > 0 {
		attrs = append(attrs, slog.Any("metadata", e.Metadata))
	}
	t.logger.LogAttrs(context.Background(), slog.LevelInfo, "exposure", attrs...)
}
