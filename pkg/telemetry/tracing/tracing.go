// Package tracing wraps OpenTelemetry for per-call span hierarchies. Every
// call gets a root span that lives from its first fragment until it is
// completed; fragment handling and the end-of-call analysis hang below it.
package tracing

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "callpilot"

var (
	tracerMu   sync.RWMutex
	tracer     = otel.Tracer(instrumentationName)
	callScopes sync.Map // map[string]*CallScope
)

// Config holds tracing settings
type Config struct {
	Enabled     bool    `json:"enabled" env:"TRACING_ENABLED" default:"false"`
	Endpoint    string  `json:"endpoint" env:"TRACING_ENDPOINT"`
	Insecure    bool    `json:"insecure" env:"TRACING_INSECURE" default:"false"`
	ServiceName string  `json:"service_name" env:"TRACING_SERVICE_NAME" default:"callpilot"`
	SampleRatio float64 `json:"sample_ratio" env:"TRACING_SAMPLE_RATIO" default:"1.0"`
}

// DefaultConfig returns tracing disabled
func DefaultConfig() *Config {
	return &Config{ServiceName: "callpilot", SampleRatio: 1.0}
}

// CallScope tracks the root span of one call
type CallScope struct {
	callID  string
	ctx     context.Context
	span    trace.Span
	endOnce sync.Once
}

// Context returns a background context carrying the call span
func (c *CallScope) Context() context.Context {
	if c == nil {
		return context.Background()
	}
	return c.ctx
}

// Span returns the root span for the call
func (c *CallScope) Span() trace.Span {
	if c == nil {
		return trace.SpanFromContext(context.Background())
	}
	return c.span
}

// SetAttributes attaches attributes to the call root span
func (c *CallScope) SetAttributes(attrs ...attribute.KeyValue) {
	if c == nil {
		return
	}
	c.span.SetAttributes(attrs...)
}

// End marks the root span as completed and forgets the scope
func (c *CallScope) End(err error) {
	if c == nil {
		return
	}
	c.endOnce.Do(func() {
		if err != nil {
			c.span.RecordError(err)
			c.span.SetStatus(codes.Error, err.Error())
		} else {
			c.span.SetStatus(codes.Ok, "completed")
		}
		c.span.End()
		callScopes.CompareAndDelete(c.callID, c)
	})
}

// Init installs the global tracer provider. With tracing disabled spans are
// still created but never exported.
func Init(ctx context.Context, cfg *Config, logger *logrus.Logger) (func(context.Context) error, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = instrumentationName
	}

	sampleRatio := cfg.SampleRatio
	if sampleRatio <= 0 || sampleRatio > 1 {
		sampleRatio = 1
	}

	providerOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio))),
	}

	if res, err := resource.New(ctx,
		resource.WithAttributes(attribute.String("service.name", serviceName)),
	); err != nil {
		logger.WithError(err).Warn("failed to build OpenTelemetry resource")
	} else {
		providerOpts = append(providerOpts, sdktrace.WithResource(res))
	}

	var spanProcessor sdktrace.SpanProcessor
	if cfg.Enabled && cfg.Endpoint != "" {
		exporterCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		clientOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			clientOpts = append(clientOpts, otlptracegrpc.WithInsecure())
		}

		exporter, err := otlptracegrpc.New(exporterCtx, clientOpts...)
		if err != nil {
			logger.WithError(err).Warn("failed to initialize OTLP tracing exporter; spans stay local")
		} else {
			spanProcessor = sdktrace.NewBatchSpanProcessor(exporter)
			providerOpts = append(providerOpts, sdktrace.WithSpanProcessor(spanProcessor))
			logger.WithField("endpoint", cfg.Endpoint).Info("Exporting traces over OTLP")
		}
	}

	provider := sdktrace.NewTracerProvider(providerOpts...)
	SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	shutdown := func(shutdownCtx context.Context) error {
		if spanProcessor != nil {
			if err := spanProcessor.ForceFlush(shutdownCtx); err != nil {
				logger.WithError(err).Warn("failed to flush spans during shutdown")
			}
		}
		return provider.Shutdown(shutdownCtx)
	}
	return shutdown, nil
}

// SetTracerProvider replaces the provider spans are created from
func SetTracerProvider(provider trace.TracerProvider) {
	otel.SetTracerProvider(provider)
	tracerMu.Lock()
	tracer = provider.Tracer(instrumentationName)
	tracerMu.Unlock()
}

func currentTracer() trace.Tracer {
	tracerMu.RLock()
	defer tracerMu.RUnlock()
	return tracer
}

// StartCallScope returns the scope of callID, starting its root span on
// first use
func StartCallScope(callID string, attrs ...attribute.KeyValue) *CallScope {
	if existing, ok := GetCallScope(callID); ok {
		return existing
	}

	callAttrs := append([]attribute.KeyValue{attribute.String("call.id", callID)}, attrs...)
	ctx, span := currentTracer().Start(context.Background(), "call",
		trace.WithAttributes(callAttrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
	scope := &CallScope{callID: callID, ctx: ctx, span: span}

	if actual, loaded := callScopes.LoadOrStore(callID, scope); loaded {
		// Lost a race with another fragment of the same call
		span.End()
		return actual.(*CallScope)
	}
	return scope
}

// GetCallScope retrieves the scope of a call in progress
func GetCallScope(callID string) (*CallScope, bool) {
	value, ok := callScopes.Load(callID)
	if !ok {
		return nil, false
	}
	scope, ok := value.(*CallScope)
	return scope, ok
}

// EndCallScope ends the root span of callID if one is open
func EndCallScope(callID string, err error) {
	if scope, ok := GetCallScope(callID); ok {
		scope.End(err)
	}
}

// WithCallSpan parents spans started from ctx under the call root span.
// Cancellation and values of ctx are kept.
func WithCallSpan(ctx context.Context, callID string) context.Context {
	scope, ok := GetCallScope(callID)
	if !ok {
		return ctx
	}
	return trace.ContextWithSpan(ctx, scope.span)
}

// StartSpan creates a child span beneath the span in ctx
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return currentTracer().Start(ctx, name, opts...)
}

// RecordError marks the span in ctx as failed
func RecordError(ctx context.Context, err error, attrs ...attribute.KeyValue) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	span.RecordError(err, trace.WithAttributes(attrs...))
	span.SetStatus(codes.Error, err.Error())
}
