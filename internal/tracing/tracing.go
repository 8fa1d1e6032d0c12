// Package tracing installs the OpenTelemetry tracer provider behind the
// spans shrive packages open around invitations and calls.
package tracing

import (
	"context"
	"fmt"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/petervdpas/shrive/internal/config"
)

var log = logging.Logger("tracing")

type Manager struct {
	cfg      config.Tracing
	version  string
	exporter sdktrace.SpanExporter
	provider *sdktrace.TracerProvider
}

type Option func(*Manager)

// WithExporter replaces the stdout/OTLP exporter. Spans are exported
// synchronously.
func WithExporter(exp sdktrace.SpanExporter) Option {
	return func(m *Manager) { m.exporter = exp }
}

func NewManager(cfg config.Tracing, version string, opts ...Option) *Manager {
	m := &Manager{cfg: cfg, version: version}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Initialize installs the global tracer provider. With tracing disabled the
// otel no-op provider stays in place.
func (m *Manager) Initialize(ctx context.Context) error {
	if !m.cfg.Enabled {
		log.Debug("tracing disabled")
		return nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(m.cfg.ServiceName),
			semconv.ServiceVersionKey.String(m.version),
		),
	)
	if err != nil {
		return fmt.Errorf("create resource: %w", err)
	}

	var export sdktrace.TracerProviderOption
	switch {
	case m.exporter != nil:
		export = sdktrace.WithSyncer(m.exporter)
	case m.cfg.UseStdout:
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("create stdout exporter: %w", err)
		}
		export = sdktrace.WithBatcher(exp)
		log.Info("using stdout trace exporter")
	default:
		var opts []otlptracehttp.Option
		if m.cfg.OTLPEndpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpointURL(m.cfg.OTLPEndpoint))
		}
		exp, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return fmt.Errorf("create OTLP HTTP exporter: %w", err)
		}
		export = sdktrace.WithBatcher(exp)
		log.Infow("using OTLP HTTP trace exporter", "endpoint", m.cfg.OTLPEndpoint)
	}

	m.provider = sdktrace.NewTracerProvider(
		export,
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(m.cfg.SampleRate))),
	)
	otel.SetTracerProvider(m.provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	log.Infow("tracing initialized", "service", m.cfg.ServiceName, "sample_rate", m.cfg.SampleRate)
	return nil
}

// Shutdown flushes pending spans.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.provider == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := m.provider.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown tracer provider: %w", err)
	}
	m.provider = nil
	return nil
}

// Fail records err on span and marks it failed. A nil err is a no-op.
func Fail(span trace.Span, err error) {
	if err == nil || !span.IsRecording() {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
