// Package ofprovider exposes an expz client as an OpenFeature provider.
//
// The targeting key maps to user_id and a "device_id" attribute to device_id;
// every other attribute becomes a user property. When the evaluation context
// names the client's current user, or names nobody, flags resolve through the
// client's precedence chain. Any other user is evaluated locally against the
// cached flag configs.
package ofprovider

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	of "github.com/open-feature/go-sdk/openfeature"

	"github.com/matt-riley/expz/internal/client"
	"github.com/matt-riley/expz/internal/core"
	"github.com/matt-riley/expz/internal/resolve"
)

const (
	ProviderName = "expz"

	deviceIDAttribute = "device_id"
	defaultInitWait   = 10 * time.Second
)

// Provider implements of.FeatureProvider and of.StateHandler.
type Provider struct {
	client   *client.Client
	logger   *slog.Logger
	initWait time.Duration
}

type Option func(*Provider)

func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithInitTimeout bounds the first sync run by Init.
func WithInitTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.initWait = d
		}
	}
}

func New(c *client.Client, opts ...Option) *Provider {
	p := &Provider{client: c, logger: slog.Default(), initWait: defaultInitWait}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Metadata() of.Metadata {
	return of.Metadata{Name: ProviderName}
}

func (p *Provider) Hooks() []of.Hook {
	return nil
}

// Init starts the client for the user in evalCtx. A failed first sync is
// logged, not returned: the client keeps retrying and serves persisted or
// bootstrap variants meanwhile.
func (p *Provider) Init(evalCtx of.EvaluationContext) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.initWait)
	defer cancel()
	return p.InitWithContext(ctx, evalCtx)
}

func (p *Provider) InitWithContext(ctx context.Context, evalCtx of.EvaluationContext) error {
	flat := make(of.FlattenedContext)
	for k, v := range evalCtx.Attributes() {
		flat[k] = v
	}
	if key := evalCtx.TargetingKey(); key != "" {
		flat[of.TargetingKey] = key
	}
	err := p.client.Start(ctx, UserFromContext(flat))
	if errors.Is(err, client.ErrClientStopped) {
		return err
	}
	if err != nil {
		p.logger.Warn("expz provider started without a fresh sync", "error", err)
	}
	return nil
}

func (p *Provider) Shutdown() {
	if err := p.client.Stop(); err != nil {
		p.logger.Warn("expz provider shutdown", "error", err)
	}
}

func (p *Provider) BooleanEvaluation(ctx context.Context, flag string, def bool, ec of.FlattenedContext) of.BoolResolutionDetail {
	v, detail := p.evaluate(ctx, flag, ec)
	if detail.Error() != nil {
		return of.BoolResolutionDetail{Value: def, ProviderResolutionDetail: detail}
	}
	switch strings.ToLower(variantString(v)) {
	case "true", "on":
		return of.BoolResolutionDetail{Value: true, ProviderResolutionDetail: detail}
	case "false", "off":
		return of.BoolResolutionDetail{Value: false, ProviderResolutionDetail: detail}
	default:
		return of.BoolResolutionDetail{Value: def, ProviderResolutionDetail: parseError(v)}
	}
}

func (p *Provider) StringEvaluation(ctx context.Context, flag, def string, ec of.FlattenedContext) of.StringResolutionDetail {
	v, detail := p.evaluate(ctx, flag, ec)
	if detail.Error() != nil {
		return of.StringResolutionDetail{Value: def, ProviderResolutionDetail: detail}
	}
	return of.StringResolutionDetail{Value: variantString(v), ProviderResolutionDetail: detail}
}

func (p *Provider) FloatEvaluation(ctx context.Context, flag string, def float64, ec of.FlattenedContext) of.FloatResolutionDetail {
	v, detail := p.evaluate(ctx, flag, ec)
	if detail.Error() != nil {
		return of.FloatResolutionDetail{Value: def, ProviderResolutionDetail: detail}
	}
	value, err := strconv.ParseFloat(variantString(v), 64)
	if err != nil {
		return of.FloatResolutionDetail{Value: def, ProviderResolutionDetail: parseError(v)}
	}
	return of.FloatResolutionDetail{Value: value, ProviderResolutionDetail: detail}
}

func (p *Provider) IntEvaluation(ctx context.Context, flag string, def int64, ec of.FlattenedContext) of.IntResolutionDetail {
	v, detail := p.evaluate(ctx, flag, ec)
	if detail.Error() != nil {
		return of.IntResolutionDetail{Value: def, ProviderResolutionDetail: detail}
	}
	value, err := strconv.ParseInt(variantString(v), 10, 64)
	if err != nil {
		return of.IntResolutionDetail{Value: def, ProviderResolutionDetail: parseError(v)}
	}
	return of.IntResolutionDetail{Value: value, ProviderResolutionDetail: detail}
}

// ObjectEvaluation returns the variant payload, or its value when the variant
// has no payload.
func (p *Provider) ObjectEvaluation(ctx context.Context, flag string, def any, ec of.FlattenedContext) of.InterfaceResolutionDetail {
	v, detail := p.evaluate(ctx, flag, ec)
	if detail.Error() != nil {
		return of.InterfaceResolutionDetail{Value: def, ProviderResolutionDetail: detail}
	}
	if v.Payload != nil {
		return of.InterfaceResolutionDetail{Value: v.Payload, ProviderResolutionDetail: detail}
	}
	return of.InterfaceResolutionDetail{Value: variantString(v), ProviderResolutionDetail: detail}
}

func (p *Provider) evaluate(ctx context.Context, flag string, ec of.FlattenedContext) (core.Variant, of.ProviderResolutionDetail) {
	if err := ctx.Err(); err != nil {
		return core.Variant{}, of.ProviderResolutionDetail{
			ResolutionError: of.NewGeneralResolutionError(err.Error()),
			Reason:          of.ErrorReason,
		}
	}

	user := UserFromContext(ec)
	if user.IsAnonymous() || user.SameIdentity(p.client.User()) {
		result := p.client.VariantDetails(flag, nil)
		if !result.Found() {
			return core.Variant{}, notFound()
		}
		return result.Variant, detailFor(result.Variant, reasonFor(result))
	}

	evaluated, err := p.client.EvaluateUser(user, flag)
	if err != nil {
		p.logger.Debug("local evaluation failed", "flag", flag, "error", err)
	}
	v, ok := evaluated[flag]
	if !ok {
		return core.Variant{}, notFound()
	}
	return v, detailFor(v, of.TargetingMatchReason)
}

// UserFromContext maps a flattened OpenFeature context onto an expz user.
func UserFromContext(ec of.FlattenedContext) core.User {
	var user core.User
	for key, value := range ec {
		switch key {
		case of.TargetingKey:
			user.UserID, _ = value.(string)
		case deviceIDAttribute:
			user.DeviceID, _ = value.(string)
		default:
			if user.UserProperties == nil {
				user.UserProperties = make(map[string]any, len(ec))
			}
			user.UserProperties[key] = value
		}
	}
	return user
}

func reasonFor(result resolve.Result) of.Reason {
	if result.HasDefault && result.Variant.IsDefault() {
		return of.DefaultReason
	}
	switch result.Source {
	case resolve.SourceCache, resolve.SourceSecondaryCache:
		return of.CachedReason
	case resolve.SourceLocalEvaluation:
		return of.TargetingMatchReason
	case resolve.SourceBootstrap, resolve.SourceSecondaryBootstrap:
		return of.StaticReason
	default:
		return of.DefaultReason
	}
}

func detailFor(v core.Variant, reason of.Reason) of.ProviderResolutionDetail {
	detail := of.ProviderResolutionDetail{Reason: reason, Variant: v.Key}
	if len(v.Metadata) > 0 {
		detail.FlagMetadata = of.FlagMetadata(v.Metadata)
	}
	return detail
}

func notFound() of.ProviderResolutionDetail {
	return of.ProviderResolutionDetail{
		ResolutionError: of.NewFlagNotFoundResolutionError("flag not found"),
		Reason:          of.DefaultReason,
	}
}

func parseError(v core.Variant) of.ProviderResolutionDetail {
	return of.ProviderResolutionDetail{
		ResolutionError: of.NewParseErrorResolutionError("cannot parse variant " + strconv.Quote(variantString(v))),
		Reason:          of.ErrorReason,
		Variant:         v.Key,
	}
}

// variantString is the variant value, or the key when the value is empty.
func variantString(v core.Variant) string {
	if v.Value != "" {
		return v.Value
	}
	return v.Key
}
