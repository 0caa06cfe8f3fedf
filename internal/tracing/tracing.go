// Package tracing provides opt-in OpenTelemetry tracing for bucketz. Tracing
// is enabled only when OTEL_EXPORTER_OTLP_ENDPOINT is set; otherwise [Init]
// returns a no-op shutdown function.
//
// Evaluation spans are high volume, so the root sampler honours
// BUCKETZ_TRACE_SAMPLE_RATIO (0..1, default 1) while always following the
// sampling decision of an incoming parent span.
package tracing

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	defaultServiceName = "bucketz"
	sampleRatioEnv     = "BUCKETZ_TRACE_SAMPLE_RATIO"
)

// Option tunes Init.
type Option func(*options)

type options struct {
	serviceName string
}

// WithServiceName sets the service name used when OTEL_SERVICE_NAME is unset.
func WithServiceName(name string) Option {
	return func(o *options) {
		if strings.TrimSpace(name) != "" {
			o.serviceName = strings.TrimSpace(name)
		}
	}
}

// Init configures the global OpenTelemetry tracer provider with an OTLP HTTP
// exporter. The returned function flushes pending spans and should be called
// on shutdown.
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

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceNameFromEnv(o.serviceName)),
		),
	)
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

func serviceNameFromEnv(fallback string) string {
	if name := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); name != "" {
		return name
	}
	return fallback
}

func sampleRatioFromEnv() (float64, error) {
	value := strings.TrimSpace(os.Getenv(sampleRatioEnv))
	if value == "" {
		return 1, nil
	}

	ratio, err := strconv.ParseFloat(value, 64)
	if err != nil || ratio < 0 || ratio > 1 {
		return 0, fmt.Errorf("%s must be a number between 0 and 1, got %q", sampleRatioEnv, value)
	}
	return ratio, nil
}
