// Package telemetry defines the observability seams of the engine: a
// structured logger, a metrics recorder and a tracer. Engine packages depend
// on these interfaces only; cmd wires the clue/OTEL implementations, tests
// use the no-op ones.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
)

type (
	// Logger emits structured log records with alternating key/value pairs.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters, timers and gauges. Tags are alternating
	// key/value strings.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
		RecordGauge(name string, value float64, tags ...string)
	}

	// Tracer starts and retrieves spans.
	Tracer interface {
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
		Span(ctx context.Context) Span
	}

	// Span is the narrow span surface used by the engine.
	Span interface {
		End(opts ...trace.SpanEndOption)
		AddEvent(name string, keyvals ...any)
		SetStatus(err error, description string)
	}
)

// Metric names recorded by the engine.
const (
	MetricTicks         = "meterflow.ticks"
	MetricStepsClaimed  = "meterflow.steps.claimed"
	MetricStepDuration  = "meterflow.step.duration"
	MetricPayments      = "meterflow.payments"
	MetricPaymentAmount = "meterflow.payment.amount"
	MetricStreamFrames  = "meterflow.stream.frames"
)
