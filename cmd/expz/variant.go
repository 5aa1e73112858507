package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	of "github.com/open-feature/go-sdk/openfeature"
	"github.com/spf13/cobra"

	"github.com/matt-riley/expz/internal/client"
	"github.com/matt-riley/expz/internal/core"
	"github.com/matt-riley/expz/internal/ofprovider"
	"github.com/matt-riley/expz/internal/tracing"
)

const openFeatureDomain = "expz-cli"

// variantReport is the JSON printed by the variant command.
type variantReport struct {
	Flag    string `json:"flag"`
	Type    string `json:"type"`
	Value   any    `json:"value"`
	Variant string `json:"variant,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Error   string `json:"error,omitempty"`
}

func newVariantCommand(root *rootOptions) *cobra.Command {
	var (
		valueType  string
		defaultRaw string
	)
	cmd := &cobra.Command{
		Use:   "variant <flag>",
		Short: "Resolve one flag through the OpenFeature provider",
		Long: `Variant starts an SDK client for the user, resolves one flag through the
OpenFeature provider and prints the value, variant and reason as JSON.

The client's caches persist to $EXPZ_CACHE_PATH or $EXPZ_CACHE_REDIS_URL when
set, so a later run can resolve while the server is unreachable.`,
		Args: cobra.ExactArgs(1),
	}
	conn := addClientFlags(cmd)
	users := addUserFlags(cmd)
	cmd.Flags().StringVar(&valueType, "type", "string", "value type (bool|string|int|float|object)")
	cmd.Flags().StringVar(&defaultRaw, "default", "", "default value, parsed as --type")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		def, err := parseDefault(valueType, defaultRaw)
		if err != nil {
			return err
		}
		cfg, log, err := conn.load(cmd, root)
		if err != nil {
			return err
		}
		user, err := users.build()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		shutdownTracer, err := tracing.Init(ctx, tracing.WithServiceName("expz-cli"), tracing.WithComponent("cli"), tracing.WithVersion(version))
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer func() { _ = shutdownTracer(context.WithoutCancel(ctx)) }()

		api, closeAPI, err := newAPI(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = closeAPI() }()

		opts := []client.Option{client.WithAPI(api), client.WithLogger(log)}
		backing, closeBacking, err := openSnapshotBacking(ctx, cfg.CacheRedisURL, cfg.CachePath)
		if err != nil {
			return err
		}
		defer func() { _ = closeBacking() }()
		if backing != nil {
			opts = append(opts, client.WithVariantBacking(backing), client.WithFlagBacking(backing))
		}

		c, err := client.New(client.Config{
			DeploymentKey: cfg.DeploymentKey,
			Source:        cfg.Source,
			FetchTimeout:  cfg.FetchTimeout,
			// One-shot: a failed fetch falls back to persisted variants.
			RetryFetch: false,
		}, opts...)
		if err != nil {
			return err
		}

		evalCtx := evaluationContext(user)
		of.SetEvaluationContext(evalCtx)
		provider := ofprovider.New(c, ofprovider.WithLogger(log), ofprovider.WithInitTimeout(cfg.FetchTimeout))
		if err := of.SetNamedProviderWithContextAndWait(ctx, openFeatureDomain, provider); err != nil {
			return fmt.Errorf("start provider: %w", err)
		}
		defer of.Shutdown()

		report, err := resolveVariant(ctx, of.NewClient(openFeatureDomain), args[0], valueType, def, evalCtx)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), report)
	}
	return cmd
}

// evaluationContext is the inverse of ofprovider.UserFromContext for the
// fields the CLI sets.
func evaluationContext(user core.User) of.EvaluationContext {
	attrs := make(map[string]any, len(user.UserProperties)+1)
	for k, v := range user.UserProperties {
		attrs[k] = v
	}
	if user.DeviceID != "" {
		attrs["device_id"] = user.DeviceID
	}
	return of.NewEvaluationContext(user.UserID, attrs)
}

func parseDefault(valueType, raw string) (any, error) {
	switch valueType {
	case "bool":
		if raw == "" {
			return false, nil
		}
		return strconv.ParseBool(raw)
	case "string":
		return raw, nil
	case "int":
		if raw == "" {
			return int64(0), nil
		}
		return strconv.ParseInt(raw, 10, 64)
	case "float":
		if raw == "" {
			return float64(0), nil
		}
		return strconv.ParseFloat(raw, 64)
	case "object":
		if raw == "" {
			return nil, nil
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("parse --default: %w", err)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unknown --type %q: must be bool, string, int, float or object", valueType)
	}
}

// resolveVariant evaluates flag with the typed OpenFeature call. A resolution
// error is reported in the output with the default value, not returned.
func resolveVariant(ctx context.Context, c *of.Client, flag, valueType string, def any, evalCtx of.EvaluationContext) (variantReport, error) {
	report := variantReport{Flag: flag, Type: valueType}

	var (
		detail of.EvaluationDetails
		err    error
	)
	switch valueType {
	case "bool":
		var d of.BooleanEvaluationDetails
		d, err = c.BooleanValueDetails(ctx, flag, def.(bool), evalCtx)
		report.Value, detail = d.Value, d.EvaluationDetails
	case "string":
		var d of.StringEvaluationDetails
		d, err = c.StringValueDetails(ctx, flag, def.(string), evalCtx)
		report.Value, detail = d.Value, d.EvaluationDetails
	case "int":
		var d of.IntEvaluationDetails
		d, err = c.IntValueDetails(ctx, flag, def.(int64), evalCtx)
		report.Value, detail = d.Value, d.EvaluationDetails
	case "float":
		var d of.FloatEvaluationDetails
		d, err = c.FloatValueDetails(ctx, flag, def.(float64), evalCtx)
		report.Value, detail = d.Value, d.EvaluationDetails
	case "object":
		var d of.InterfaceEvaluationDetails
		d, err = c.ObjectValueDetails(ctx, flag, def, evalCtx)
		report.Value, detail = d.Value, d.EvaluationDetails
	default:
		return variantReport{}, fmt.Errorf("unknown --type %q", valueType)
	}

	report.Variant = detail.Variant
	report.Reason = string(detail.Reason)
	if err != nil {
		report.Error = err.Error()
	}
	return report, nil
}
