package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// ScopeName names the tracer every ticketing span is started from
const ScopeName = "github.com/komuji/ticketing"

// Attribute keys shared by HTTP spans and service spans
const (
	CategoryIDKey     = attribute.Key("ticketing.category_id")
	RegistrationIDKey = attribute.Key("ticketing.registration_id")
	LedgerBackendKey  = attribute.Key("ticketing.ledger_backend")
	ErrorCodeKey      = attribute.Key("ticketing.error_code")
	RetryableKey      = attribute.Key("ticketing.retryable")
	RequestIDKey      = attribute.Key("ticketing.request_id")
)

// Config holds OpenTelemetry configuration
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	Environment    string
	CollectorAddr  string
	SampleRatio    float64
	// LedgerBackend is recorded on the resource so traces from the two
	// ledger implementations can be compared
	LedgerBackend string
}

// Telemetry holds the tracer provider and tracer
type Telemetry struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

var globalTelemetry *Telemetry

// Init installs the global tracer. When tracing is disabled spans are still
// started against the no-op provider so instrumented code runs unchanged.
func Init(ctx context.Context, cfg *Config) (*Telemetry, error) {
	if cfg == nil || !cfg.Enabled {
		globalTelemetry = &Telemetry{tracer: otel.Tracer(ScopeName)}
		return globalTelemetry, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.CollectorAddr),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}
	return install(cfg, sdktrace.WithBatcher(exporter))
}

// install builds the provider around one span processor option
func install(cfg *Config, processor sdktrace.TracerProviderOption) (*Telemetry, error) {
	res, err := newResource(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		processor,
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio(cfg.SampleRatio)))),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	globalTelemetry = &Telemetry{
		provider: provider,
		tracer:   provider.Tracer(ScopeName, trace.WithInstrumentationVersion(cfg.ServiceVersion)),
	}
	return globalTelemetry, nil
}

func newResource(cfg *Config) (*resource.Resource, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "ticketing"
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceName(name),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironment(cfg.Environment),
	}
	if cfg.LedgerBackend != "" {
		attrs = append(attrs, LedgerBackendKey.String(cfg.LedgerBackend))
	}
	return resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
}

// sampleRatio clamps r to (0, 1]; anything outside samples everything
func sampleRatio(r float64) float64 {
	if r <= 0 || r > 1 {
		return 1
	}
	return r
}

// Shutdown flushes pending spans and stops the provider
func Shutdown(ctx context.Context) error {
	if globalTelemetry != nil && globalTelemetry.provider != nil {
		return globalTelemetry.provider.Shutdown(ctx)
	}
	return nil
}

func tracer() trace.Tracer {
	if globalTelemetry == nil || globalTelemetry.tracer == nil {
		return otel.Tracer(ScopeName)
	}
	return globalTelemetry.tracer
}

// StartSpan starts a new span with the given name
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return tracer().Start(ctx, name, opts...)
}

// RecordError records err on span and marks it failed
func RecordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// InjectHeaders returns the trace context as string headers for outbound messages
func InjectHeaders(ctx context.Context) map[string]string {
	headers := make(map[string]string)
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))
	return headers
}
