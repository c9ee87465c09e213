// Package telemetry initializes OpenTelemetry tracing and metrics exporters
// and owns the instruments that describe agent executions.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/yakuin/internal/model"
)

// Shutdown combines multiple shutdown functions.
type Shutdown func(ctx context.Context) error

// Init configures the global OpenTelemetry tracer and meter providers.
// If endpoint is empty, OTEL is disabled and no-op providers are used.
// Returns a shutdown function that must be called during graceful shutdown.
func Init(ctx context.Context, endpoint, serviceName, version string, insecure bool) (Shutdown, error) {
	if endpoint == "" {
		return func(ctx context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create resource: %w", err)
	}

	// Trace exporter.
	traceOpts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(endpoint),
	}
	if insecure {
		traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
	}
	traceExp, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp,
			sdktrace.WithBatchTimeout(5*time.Second),
		),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	// Register W3C Trace Context and Baggage propagators.
	// Incoming traceparent headers are extracted by the HTTP middleware and
	// injected into outgoing LLM and embedding requests.
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	// Metric exporter.
	metricOpts := []otlpmetrichttp.Option{
		otlpmetrichttp.WithEndpoint(endpoint),
	}
	if insecure {
		metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
	}
	metricExp, err := otlpmetrichttp.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(metricExp,
				sdkmetric.WithInterval(15*time.Second),
			),
		),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	shutdown := func(ctx context.Context) error {
		var firstErr error
		if err := tp.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := mp.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		return firstErr
	}

	return shutdown, nil
}

// Meter returns the global meter for the given instrumentation scope.
func Meter(name string) metric.Meter {
	return otel.GetMeterProvider().Meter(name)
}

// Tracer returns the global tracer for the given instrumentation scope.
func Tracer(name string) trace.Tracer {
	return otel.GetTracerProvider().Tracer(name)
}

// EngineObserver records spans and metrics for agent executions. It satisfies
// engine.Observer.
type EngineObserver struct {
	tracer     trace.Tracer
	executions metric.Int64Counter
	duration   metric.Float64Histogram
	toolCalls  metric.Int64Counter
	tokens     metric.Int64Counter
	cost       metric.Float64Counter
}

// NewEngineObserver registers the execution instruments on the global meter.
func NewEngineObserver() (*EngineObserver, error) {
	m := Meter("yakuin/engine")
	executions, err := m.Int64Counter("yakuin.executions",
		metric.WithDescription("Agent executions by terminal status"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: executions counter: %w", err)
	}
	duration, err := m.Float64Histogram("yakuin.execution.duration",
		metric.WithDescription("Wall-clock execution time"), metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: duration histogram: %w", err)
	}
	toolCalls, err := m.Int64Counter("yakuin.tool_calls",
		metric.WithDescription("Tool invocations by tool id"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: tool call counter: %w", err)
	}
	tokens, err := m.Int64Counter("yakuin.tokens",
		metric.WithDescription("LLM tokens by direction"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: token counter: %w", err)
	}
	cost, err := m.Float64Counter("yakuin.cost_usd",
		metric.WithDescription("Estimated LLM spend"), metric.WithUnit("USD"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: cost counter: %w", err)
	}
	return &EngineObserver{
		tracer:     Tracer("yakuin/engine"),
		executions: executions,
		duration:   duration,
		toolCalls:  toolCalls,
		tokens:     tokens,
		cost:       cost,
	}, nil
}

// RunStarted opens the execution span. The returned context carries it.
func (o *EngineObserver) RunStarted(ctx context.Context, agent model.Agent, executionID uuid.UUID) context.Context {
	ctx, _ = o.tracer.Start(ctx, "yakuin.execute",
		trace.WithAttributes(
			attribute.String("yakuin.agent", agent.Name),
			attribute.String("yakuin.execution_id", executionID.String()),
		))
	return ctx
}

// ToolInvoked records one tool call as a span event and a counter increment.
func (o *EngineObserver) ToolInvoked(ctx context.Context, agent model.Agent, call model.ToolCall) {
	o.toolCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent", agent.Name), attribute.String("tool", call.ToolID)))
	trace.SpanFromContext(ctx).AddEvent("tool_call", trace.WithAttributes(
		attribute.String("tool", call.ToolID),
		attribute.Int64("duration_ms", call.DurationMS),
	))
}

// RunFinished records the terminal metrics and ends the execution span.
func (o *EngineObserver) RunFinished(ctx context.Context, agent model.Agent, res model.ExecutionResult) {
	agentAttr := attribute.String("agent", agent.Name)
	attrs := metric.WithAttributes(agentAttr, attribute.String("status", string(res.Status)))
	o.executions.Add(ctx, 1, attrs)
	o.duration.Record(ctx, float64(res.DurationMS), attrs)
	o.tokens.Add(ctx, int64(res.TokensIn), metric.WithAttributes(agentAttr, attribute.String("direction", "in")))
	o.tokens.Add(ctx, int64(res.TokensOut), metric.WithAttributes(agentAttr, attribute.String("direction", "out")))
	o.cost.Add(ctx, res.CostEstimateUSD, metric.WithAttributes(agentAttr))

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("yakuin.status", string(res.Status)),
		attribute.Int("yakuin.tool_calls", res.ToolCalls),
	)
	if res.Error != "" {
		span.SetStatus(codes.Error, res.Error)
	}
	span.End()
}
