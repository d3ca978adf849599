package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Tracer wraps the OpenTelemetry tracer with fnplane-specific span helpers.
// A nil *Tracer starts no-op spans.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	config   TracingConfig
}

// NewTracer creates a new tracer with the given configuration.
func NewTracer(cfg TracingConfig, serviceName, serviceVersion, environment string) (*Tracer, error) {
	if !cfg.Enabled {
		// Return a tracer with no-op provider
		return &Tracer{
			provider: sdktrace.NewTracerProvider(),
			tracer:   otel.Tracer(serviceName),
			config:   cfg,
		}, nil
	}

	// Create resource with service information
	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(serviceVersion),
			attribute.String("environment", environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	// Create exporter based on configuration
	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "otlp":
		exporter, err = createOTLPExporter(cfg)
	case "stdout":
		exporter, err = createStdoutExporter(cfg)
	case "none":
		// No exporter - traces are generated but not exported
		exporter = nil
	default:
		return nil, fmt.Errorf("unsupported trace exporter: %s", cfg.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	// Configure sampler
	sampler := sdktrace.ParentBased(
		sdktrace.TraceIDRatioBased(cfg.SamplingRate),
	)

	// Create trace provider
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	}

	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(
			exporter,
			sdktrace.WithMaxExportBatchSize(cfg.MaxExportBatchSize),
			sdktrace.WithExportTimeout(cfg.ExportTimeout),
		))
	}

	provider := sdktrace.NewTracerProvider(opts...)

	// Set global trace provider
	otel.SetTracerProvider(provider)

	// Set global propagator for context propagation
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	return &Tracer{
		provider: provider,
		tracer:   provider.Tracer(serviceName),
		config:   cfg,
	}, nil
}

// createOTLPExporter creates an OTLP gRPC exporter.
func createOTLPExporter(cfg TracingConfig) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	}

	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
	}

	// Add custom headers if provided
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}

	opts = append(opts, otlptracegrpc.WithDialOption(
		grpc.WithUserAgent("fnplane"),
	))

	return otlptracegrpc.New(context.Background(), opts...)
}

// createStdoutExporter creates a stdout exporter for debugging.
func createStdoutExporter(_ TracingConfig) (sdktrace.SpanExporter, error) {
	return stdouttrace.New(
		stdouttrace.WithPrettyPrint(),
	)
}

// Start begins a new span with the given name.
func (t *Tracer) Start(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if t == nil || t.tracer == nil {
		return noopTracer.Start(ctx, spanName, opts...)
	}
	return t.tracer.Start(ctx, spanName, opts...)
}

// StartSpan is a convenience method that starts a span with common attributes.
func (t *Tracer) StartSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.Start(ctx, operation, trace.WithAttributes(attrs...))
}

var noopTracer = noop.NewTracerProvider().Tracer("fnplane")

// StartRequestSpan starts a span for a control-plane request.
func (t *Tracer) StartRequestSpan(ctx context.Context, operation, application string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "deployment."+operation,
		AttrApplication.String(application),
		attribute.String("span.kind", "request"),
	)
}

// StartEventSpan starts a span for handling a lifecycle event.
func (t *Tracer) StartEventSpan(ctx context.Context, eventType, application string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "worker.handle",
		AttrEventType.String(eventType),
		AttrApplication.String(application),
		attribute.String("span.kind", "event"),
	)
}

// StartPollSpan starts a span for reconciling one pending operation.
func (t *Tracer) StartPollSpan(ctx context.Context, functionName, kind string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "poller.reconcile",
		AttrFunctionName.String(functionName),
		AttrOperationKind.String(kind),
		attribute.String("span.kind", "poll"),
	)
}

// StartProvisionerSpan starts a span for a provisioner operation.
func (t *Tracer) StartProvisionerSpan(ctx context.Context, provisionerName, operation, functionName string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, fmt.Sprintf("provisioner.%s", operation),
		AttrProvisionerName.String(provisionerName),
		AttrProvisionerOp.String(operation),
		AttrFunctionName.String(functionName),
		attribute.String("span.kind", "provisioner"),
	)
}

// RecordError records an error on the current span.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// RecordSuccess marks the span as successful.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// AddTransitionEvent records a state change on the span.
func AddTransitionEvent(span trace.Span, from, to string) {
	span.AddEvent("state.transition", trace.WithAttributes(
		AttrStateFrom.String(from),
		AttrStateTo.String(to),
	))
}

// Shutdown gracefully shuts down the tracer, flushing any pending spans.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// Common attribute keys for fnplane tracing.
var (
	// Application attributes
	AttrApplication  = attribute.Key("application.name")
	AttrFunctionName = attribute.Key("function.name")
	AttrStateFrom    = attribute.Key("state.from")
	AttrStateTo      = attribute.Key("state.to")

	// Event attributes
	AttrEventType = attribute.Key("event.type")

	// Operation attributes
	AttrOperationKind = attribute.Key("operation.kind")

	// Provisioner attributes
	AttrProvisionerName = attribute.Key("provisioner.name")
	AttrProvisionerOp   = attribute.Key("provisioner.operation")

	// Gateway attributes
	AttrGatewayOutcome = attribute.Key("gateway.outcome")

	// Error attributes
	AttrErrorCode    = attribute.Key("error.code")
	AttrErrorMessage = attribute.Key("error.message")
)
