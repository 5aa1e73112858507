package resolve

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matt-riley/expz/internal/core"
)

type variants map[string]core.Variant

func (m variants) Get(key string) (core.Variant, bool) {
	v, ok := m[key]
	return v, ok
}

type flags map[string]core.FlagConfig

func (m flags) Get(key string) (core.FlagConfig, bool) {
	f, ok := m[key]
	return f, ok
}

func defaultVariant(key string) core.Variant {
	return core.Variant{Key: key, Metadata: map[string]any{"default": true}}
}

func evaluatorOf(results variants) Evaluator {
	return func(key string) (core.Variant, bool) {
		return results.Get(key)
	}
}

func TestResolveCachePrimaryGoldenScenarios(t *testing.T) {
	t.Parallel()

	r := &Resolver{
		Mode:      ModeCache,
		Cache:     variants{"flag": {Key: "on"}},
		Bootstrap: map[string]core.Variant{"flag": {Key: "initial"}},
		Fallback:  core.Variant{Key: "fb"},
		Flags:     flags{"flag": {Key: "flag"}},
		Evaluate:  evaluatorOf(variants{"flag": defaultVariant("off")}),
	}

	got := r.Resolve("flag", nil)
	assert.Equal(t, "on", got.Variant.Key)
	assert.Equal(t, SourceCache, got.Source)

	r.Cache = variants{}
	got = r.Resolve("flag", nil)
	assert.Equal(t, "initial", got.Variant.Key)
	assert.Equal(t, SourceSecondaryBootstrap, got.Source)

	r.Bootstrap = nil
	got = r.Resolve("flag", nil)
	assert.Equal(t, "fb", got.Variant.Key)
	assert.Equal(t, SourceFallbackConfig, got.Source)
	assert.True(t, got.HasDefault)

	r.Fallback = core.Variant{}
	got = r.Resolve("flag", nil)
	assert.Equal(t, "off", got.Variant.Key)
	assert.Equal(t, SourceLocalEvaluation, got.Source)
	assert.True(t, got.HasDefault)
	assert.True(t, got.Variant.IsDefault())
}

func TestResolveCachePrimaryInlineFallback(t *testing.T) {
	t.Parallel()

	r := &Resolver{
		Mode:      ModeCache,
		Bootstrap: map[string]core.Variant{"flag": {Key: "initial"}},
		Fallback:  core.Variant{Key: "fb"},
	}

	got := r.Resolve("flag", &core.Variant{Key: "inline"})
	assert.Equal(t, "inline", got.Variant.Key)
	assert.Equal(t, SourceFallbackInline, got.Source)
	assert.False(t, got.HasDefault)
}

func TestResolveBootstrapPrimary(t *testing.T) {
	t.Parallel()

	r := &Resolver{
		Mode:      ModeBootstrap,
		Cache:     variants{"flag": {Key: "on"}},
		Bootstrap: map[string]core.Variant{"flag": {Key: "initial"}},
		Fallback:  core.Variant{Key: "fb"},
	}

	got := r.Resolve("flag", &core.Variant{Key: "inline"})
	assert.Equal(t, "initial", got.Variant.Key)
	assert.Equal(t, SourceBootstrap, got.Source)

	r.Bootstrap = nil
	got = r.Resolve("flag", &core.Variant{Key: "inline"})
	assert.Equal(t, "on", got.Variant.Key)
	assert.Equal(t, SourceSecondaryCache, got.Source)

	r.Cache = nil
	got = r.Resolve("flag", &core.Variant{Key: "inline"})
	assert.Equal(t, "inline", got.Variant.Key)

	got = r.Resolve("flag", nil)
	assert.Equal(t, "fb", got.Variant.Key)
	assert.Equal(t, SourceFallbackConfig, got.Source)
}

func TestResolveDefersDefaultVariants(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		resolver    *Resolver
		inline      *core.Variant
		wantKey     string
		wantSource  Source
		wantDefault bool
	}{
		{
			name:        "cached default loses to inline fallback",
			resolver:    &Resolver{Cache: variants{"flag": defaultVariant("off")}},
			inline:      &core.Variant{Key: "inline"},
			wantKey:     "inline",
			wantSource:  SourceFallbackInline,
			wantDefault: true,
		},
		{
			name: "cached default loses to bootstrap",
			resolver: &Resolver{
				Cache:     variants{"flag": defaultVariant("off")},
				Bootstrap: map[string]core.Variant{"flag": {Key: "initial"}},
			},
			wantKey:     "initial",
			wantSource:  SourceSecondaryBootstrap,
			wantDefault: true,
		},
		{
			name:        "cached default returned last",
			resolver:    &Resolver{Cache: variants{"flag": defaultVariant("off")}},
			wantKey:     "off",
			wantSource:  SourceCache,
			wantDefault: true,
		},
		{
			name:       "nothing found",
			resolver:   &Resolver{},
			wantKey:    "",
			wantSource: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := tt.resolver.Resolve("flag", tt.inline)
			assert.Equal(t, tt.wantKey, got.Variant.Key)
			assert.Equal(t, tt.wantSource, got.Source)
			assert.Equal(t, tt.wantDefault, got.HasDefault)
		})
	}
}

func TestResolveLocalEvaluationOverride(t *testing.T) {
	t.Parallel()

	local := core.FlagConfig{Key: "flag", Metadata: map[string]any{"evaluationMode": "local"}}
	remote := core.FlagConfig{Key: "flag"}

	t.Run("local mode overrides cache", func(t *testing.T) {
		t.Parallel()
		r := &Resolver{
			Cache:    variants{"flag": {Key: "stale"}},
			Flags:    flags{"flag": local},
			Evaluate: evaluatorOf(variants{"flag": {Key: "live"}}),
		}
		got := r.Resolve("flag", nil)
		assert.Equal(t, "live", got.Variant.Key)
		assert.Equal(t, SourceLocalEvaluation, got.Source)
	})

	t.Run("remote flag keeps cache", func(t *testing.T) {
		t.Parallel()
		r := &Resolver{
			Cache:    variants{"flag": {Key: "cached"}},
			Flags:    flags{"flag": remote},
			Evaluate: evaluatorOf(variants{"flag": {Key: "live"}}),
		}
		assert.Equal(t, "cached", r.Resolve("flag", nil).Variant.Key)
	})

	t.Run("cache miss evaluates locally before inline", func(t *testing.T) {
		t.Parallel()
		r := &Resolver{
			Flags:    flags{"flag": remote},
			Evaluate: evaluatorOf(variants{"flag": {Key: "live"}}),
		}
		got := r.Resolve("flag", &core.Variant{Key: "inline"})
		assert.Equal(t, "live", got.Variant.Key)
		assert.Equal(t, SourceLocalEvaluation, got.Source)
	})

	t.Run("cached default triggers local evaluation", func(t *testing.T) {
		t.Parallel()
		r := &Resolver{
			Cache:    variants{"flag": defaultVariant("off")},
			Flags:    flags{"flag": remote},
			Evaluate: evaluatorOf(variants{"flag": {Key: "live"}}),
		}
		got := r.Resolve("flag", nil)
		assert.Equal(t, "live", got.Variant.Key)
		assert.False(t, got.HasDefault)
	})

	t.Run("empty local chain keeps primary result", func(t *testing.T) {
		t.Parallel()
		r := &Resolver{
			Cache:    variants{"flag": {Key: "cached"}},
			Flags:    flags{"flag": local},
			Evaluate: evaluatorOf(variants{}),
		}
		got := r.Resolve("flag", nil)
		assert.Equal(t, "cached", got.Variant.Key)
		assert.Equal(t, SourceCache, got.Source)
	})
}

func TestResolveWithEngine(t *testing.T) {
	t.Parallel()

	engine := core.NewEngine()
	flag := core.FlagConfig{
		Key: "flag",
		Variants: map[string]core.Variant{
			"on":  {Key: "on", Value: "on"},
			"off": defaultVariant("off"),
		},
		Segments: []core.Segment{
			{
				Conditions: [][]core.Condition{{{
					Selector: []string{"context", "user", "user_id"},
					Op:       core.OperatorIs,
					Values:   []string{"beta"},
				}}},
				Variant: "on",
			},
			{Variant: "off"},
		},
	}
	evaluate := func(user core.User) Evaluator {
		return func(key string) (core.Variant, bool) {
			results, err := engine.EvaluateKeys(user.EvaluationContext(), []core.FlagConfig{flag}, key)
			require.NoError(t, err)
			v, ok := results[key]
			return v, ok
		}
	}

	r := &Resolver{Flags: flags{"flag": flag}, Evaluate: evaluate(core.User{UserID: "beta"})}
	got := r.Resolve("flag", nil)
	assert.Equal(t, "on", got.Variant.Key)
	assert.False(t, got.HasDefault)

	r.Evaluate = evaluate(core.User{UserID: "other"})
	got = r.Resolve("flag", nil)
	assert.Equal(t, "off", got.Variant.Key)
	assert.True(t, got.HasDefault)
	assert.False(t, got.Source.IsFallback())
}

func TestParseMode(t *testing.T) {
	t.Parallel()

	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeCache, m)

	m, err = ParseMode("bootstrap")
	require.NoError(t, err)
	assert.Equal(t, ModeBootstrap, m)

	_, err = ParseMode("localStorage")
	assert.Error(t, err)
}

func TestSourceIsFallback(t *testing.T) {
	t.Parallel()

	assert.True(t, Source("").IsFallback())
	assert.True(t, SourceFallbackInline.IsFallback())
	assert.True(t, SourceFallbackConfig.IsFallback())
	assert.True(t, SourceSecondaryBootstrap.IsFallback())
	assert.False(t, SourceCache.IsFallback())
	assert.False(t, SourceSecondaryCache.IsFallback())
	assert.False(t, SourceBootstrap.IsFallback())
	assert.False(t, SourceLocalEvaluation.IsFallback())
}
