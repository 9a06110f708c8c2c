package coordinator

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

type instruments struct {
	executions metric.Int64Counter
	attempts   metric.Int64Counter
	coalesces  metric.Int64Counter
	duration   metric.Float64Histogram
}

// newInstruments creates the coordinator's metrics. An instrument that
// cannot be created is logged and replaced with a no-op one.
func newInstruments(m metric.Meter, logger *slog.Logger) *instruments {
	counter := func(name, desc string) metric.Int64Counter {
		c, err := m.Int64Counter(name, metric.WithDescription(desc))
		if err != nil || c == nil {
			logger.Warn("create metric instrument", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	duration, err := m.Float64Histogram("miszen.attempt.duration",
		metric.WithDescription("Executor call duration."),
		metric.WithUnit("s"),
	)
	if err != nil || duration == nil {
		logger.Warn("create metric instrument", "name", "miszen.attempt.duration", "error", err)
		duration = noop.Float64Histogram{}
	}

	return &instruments{
		executions: counter("miszen.executions", "Executions that reached a terminal status."),
		attempts:   counter("miszen.attempts", "Executor calls."),
		coalesces:  counter("miszen.coalesced", "Dispatches that joined an in-flight execution."),
		duration:   duration,
	}
}

func (i *instruments) execution(ctx context.Context, command string, status Status) {
	i.executions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("command", command),
		attribute.String("status", string(status)),
	))
}

func (i *instruments) attempt(ctx context.Context, command string, elapsed time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("command", command),
		attribute.String("outcome", outcome),
	)
	i.attempts.Add(ctx, 1, attrs)
	i.duration.Record(ctx, elapsed.Seconds(), attrs)
}

func (i *instruments) coalesced(ctx context.Context, command string) {
	i.coalesces.Add(ctx, 1, metric.WithAttributes(attribute.String("command", command)))
}

func spanAttributes(rec Record, attempt int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("miszen.execution_id", rec.ID),
		attribute.String("miszen.correlation_id", rec.Key.CorrelationID),
		attribute.String("miszen.command", rec.Key.CommandID),
		attribute.String("miszen.event_kind", string(rec.Kind)),
		attribute.Int("miszen.attempt", attempt),
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
