// Package telemetry sets up OpenTelemetry tracing.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/autarco-bridge/pkg/common"
	"github.com/raterudder/autarco-bridge/pkg/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const serviceName = "autarco-bridge"

// Tracing exports spans over OTLP/HTTP when an endpoint is configured.
type Tracing struct {
	endpoint string
	provider *sdktrace.TracerProvider
}

// Configured registers the tracing flags.
func Configured() *Tracing {
	t := &Tracing{}
	endpoint := lflag.String("otlp-endpoint", "", "OTLP/HTTP endpoint to export traces to (e.g. http://localhost:4318). Empty disables tracing.")
	lflag.Do(func() {
		t.endpoint = *endpoint
		if err := t.Validate(); err != nil {
			panic(fmt.Sprintf("telemetry validation failed: %v", err))
		}
	})
	return t
}

// Validate checks the configured endpoint.
func (t *Tracing) Validate() error {
	if t.endpoint == "" {
		return nil
	}
	u, err := url.Parse(t.endpoint)
	if err != nil {
		return fmt.Errorf("failed to parse otlp endpoint (%s): %w", t.endpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("otlp endpoint must be http or https: %s", t.endpoint)
	}
	return nil
}

// Enabled returns true if traces are exported.
func (t *Tracing) Enabled() bool {
	return t.endpoint != ""
}

// Start installs the global tracer provider. Without an endpoint it leaves
// the no-op provider in place.
func (t *Tracing) Start(ctx context.Context) error {
	if !t.Enabled() {
		log.Ctx(ctx).DebugContext(ctx, "tracing disabled")
		return nil
	}

	exporterCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	exporter, err := otlptracehttp.New(exporterCtx, otlptracehttp.WithEndpointURL(t.endpoint))
	if err != nil {
		return fmt.Errorf("failed to create otlp exporter: %w", err)
	}

	r, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(common.Version()),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	t.provider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(r),
	)
	otel.SetTracerProvider(t.provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	log.Ctx(ctx).InfoContext(ctx, "tracing enabled", slog.String("endpoint", t.endpoint))
	return nil
}

// Shutdown flushes any pending spans.
func (t *Tracing) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	if err := t.provider.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("failed to shutdown tracer provider: %w", err)
	}
	return nil
}
