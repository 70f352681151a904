package payment

import (
	"context"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/xenking/kart-payments/internal/domain/payment"

// Telemetry bundles the tracer and counters shared by the orchestrator and
// the reconciler.
type Telemetry struct {
	tracer    trace.Tracer
	initiated metric.Int64Counter
	callbacks metric.Int64Counter
}

// NewTelemetry creates payment instruments from the given providers.
func NewTelemetry(mp metric.MeterProvider, tp trace.TracerProvider) (*Telemetry, error) {
	meter := mp.Meter(instrumentationName)

	initiated, err := meter.Int64Counter("payments.initiated",
		metric.WithDescription("Payment initiation attempts by method and outcome"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create payments.initiated counter")
	}
	callbacks, err := meter.Int64Counter("payments.callbacks",
		metric.WithDescription("Gateway callbacks by gateway and outcome"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create payments.callbacks counter")
	}

	return &Telemetry{
		tracer:    tp.Tracer(instrumentationName),
		initiated: initiated,
		callbacks: callbacks,
	}, nil
}

// NopTelemetry returns Telemetry that records nothing.
func NopTelemetry() *Telemetry {
	t, err := NewTelemetry(metricnoop.NewMeterProvider(), tracenoop.NewTracerProvider())
	if err != nil {
		panic(err) // noop instruments never fail
	}
	return t
}

func (t *Telemetry) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return KindOf(err).String()
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (t *Telemetry) recordInitiate(ctx context.Context, method string, err error) {
	t.initiated.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("outcome", outcome(err)),
	))
}

func (t *Telemetry) recordCallback(ctx context.Context, gateway, result string) {
	t.callbacks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("gateway", gateway),
		attribute.String("outcome", result),
	))
}
