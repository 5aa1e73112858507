// Package tracing wires OpenTelemetry tracing for the expz binaries.
//
// Tracing is opt-in: nothing is exported unless OTEL_EXPORTER_OTLP_ENDPOINT
// is set. The server and the CLI share [Init] and differ only in the service
// name they report.
package tracing

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	defaultServiceName = "expz"

	// SampleRatioEnv holds a float in [0, 1] for root span sampling.
	SampleRatioEnv = "EXPZ_TRACE_SAMPLE_RATIO"
)

type options struct {
	serviceName string
	version     string
	component   string
}

// Option customizes [Init].
type Option func(*options)

// WithServiceName sets the fallback service name used when OTEL_SERVICE_NAME
// is unset.
func WithServiceName(name string) Option {
	return func(o *options) {
		if name = strings.TrimSpace(name); name != "" {
			o.serviceName = name
		}
	}
}

// WithVersion records the build version on the trace resource.
func WithVersion(version string) Option {
	return func(o *options) { o.version = strings.TrimSpace(version) }
}

// WithComponent tags every span with expz.component, e.g. "server" or "cli".
func WithComponent(component string) Option {
	return func(o *options) { o.component = strings.TrimSpace(component) }
}

// Init installs a global tracer provider exporting over OTLP/HTTP and the W3C
// trace-context and baggage propagators. Without an endpoint it leaves the
// globals untouched and returns a no-op shutdown.
//
// Call the returned shutdown before exit to flush buffered spans.
func Init(ctx context.Context, opts ...Option) (shutdown func(context.Context) error, err error) {
	endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, fmt.Errorf("invalid OTLP endpoint %q: %w", endpoint, err)
	}

	o := options{serviceName: defaultServiceName}
	for _, opt := range opts {
		opt(&o)
	}

	ratio, err := sampleRatioFromEnv()
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL, o.attributes()...))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}

func (o options) attributes() []attribute.KeyValue {
	attrs := []attribute.KeyValue{semconv.ServiceName(serviceNameFromEnv(o.serviceName))}
	if o.version != "" {
		attrs = append(attrs, semconv.ServiceVersion(o.version))
	}
	if o.component != "" {
		attrs = append(attrs, attribute.String("expz.component", o.component))
	}
	return attrs
}

// serviceNameFromEnv prefers OTEL_SERVICE_NAME over fallback.
func serviceNameFromEnv(fallback string) string {
	if name := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); name != "" {
		return name
	}
	if fallback == "" {
		return defaultServiceName
	}
	return fallback
}

func sampleRatioFromEnv() (float64, error) {
	raw := strings.TrimSpace(os.Getenv(SampleRatioEnv))
	if raw == "" {
		return 1, nil
	}
	ratio, err := strconv.ParseFloat(raw, 64)
	if err != nil || ratio < 0 || ratio > 1 {
		return 0, fmt.Errorf("%s must be a number between 0 and 1, got %q", SampleRatioEnv, raw)
	}
	return ratio, nil
}
