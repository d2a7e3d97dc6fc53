package monitoring

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// TracingExporter represents the type of trace exporter
type TracingExporter string

const (
	TracingExporterOTLP   TracingExporter = "otlp"
	TracingExporterStdout TracingExporter = "stdout"
)

// TracingConfig configuration for OpenTelemetry tracing
type TracingConfig struct {
	Enabled        bool            `json:"enabled"`
	ServiceName    string          `json:"service_name"`
	ServiceVersion string          `json:"service_version"`
	Environment    string          `json:"environment"`
	Exporter       TracingExporter `json:"exporter"`
	SamplingRatio  float64         `json:"sampling_ratio"`
	OTLPEndpoint   string          `json:"otlp_endpoint"`
	OTLPInsecure   bool            `json:"otlp_insecure"`
	ExportTimeout  time.Duration   `json:"export_timeout"`
}

// DefaultTracingConfig returns default tracing configuration
func DefaultTracingConfig() *TracingConfig {
	return &TracingConfig{
		Enabled:        false,
		ServiceName:    "browserd",
		ServiceVersion: "dev",
		Environment:    "development",
		Exporter:       TracingExporterOTLP,
		SamplingRatio:  1.0,
		OTLPEndpoint:   "localhost:4318",
		OTLPInsecure:   true,
		ExportTimeout:  10 * time.Second,
	}
}

// TracingManager owns the process tracer provider
type TracingManager struct {
	config         *TracingConfig
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
}

// NewTracingManager installs a global tracer provider. With tracing
// disabled it returns a manager whose spans are no-ops.
func NewTracingManager(ctx context.Context, config *TracingConfig) (*TracingManager, error) {
	if config == nil {
		config = DefaultTracingConfig()
	}
	tm := &TracingManager{config: config}

	if !config.Enabled {
		log.Info().Msg("Tracing disabled")
		tm.tracer = otel.Tracer(config.ServiceName)
		return tm, nil
	}

	exporter, err := newExporter(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	tm.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(newResource(config)),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SamplingRatio))),
		sdktrace.WithBatcher(exporter, sdktrace.WithExportTimeout(config.ExportTimeout)),
	)
	otel.SetTracerProvider(tm.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	tm.tracer = tm.tracerProvider.Tracer(config.ServiceName, trace.WithInstrumentationVersion(config.ServiceVersion))

	log.Info().
		Str("service_name", config.ServiceName).
		Str("exporter", string(config.Exporter)).
		Float64("sampling_ratio", config.SamplingRatio).
		Msg("Tracing initialized successfully")

	return tm, nil
}

func newResource(config *TracingConfig) *resource.Resource {
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
		semconv.DeploymentEnvironment(config.Environment),
		attribute.String("process.runtime.name", "go"),
		attribute.String("process.runtime.version", runtime.Version()),
	)
}

func newExporter(ctx context.Context, config *TracingConfig) (sdktrace.SpanExporter, error) {
	switch config.Exporter {
	case TracingExporterOTLP:
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(config.OTLPEndpoint),
			otlptracehttp.WithTimeout(config.ExportTimeout),
		}
		if config.OTLPInsecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exp, err := otlptrace.New(ctx, otlptracehttp.NewClient(opts...))
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		return exp, nil
	case TracingExporterStdout:
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		return exp, nil
	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", config.Exporter)
	}
}

// Tracer returns the manager's tracer
func (tm *TracingManager) Tracer() trace.Tracer {
	return tm.tracer
}

// TraceOperation runs fn inside a span named name and records its error
func (tm *TracingManager) TraceOperation(ctx context.Context, name string, fn func(context.Context) error, attrs ...attribute.KeyValue) error {
	return TraceOperation(ctx, tm.tracer, name, fn, attrs...)
}

// Shutdown flushes pending spans
func (tm *TracingManager) Shutdown(ctx context.Context) error {
	if tm.tracerProvider == nil {
		return nil
	}
	return tm.tracerProvider.Shutdown(ctx)
}

// TraceOperation runs fn inside a span started from tracer
func TraceOperation(ctx context.Context, tracer trace.Tracer, name string, fn func(context.Context) error, attrs ...attribute.KeyValue) error {
	ctx, span := tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	defer span.End()

	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return err
}
