package worker

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "goa.design/flow/runtime/worker"

// telemetry holds the OpenTelemetry instruments the worker reports on. A
// no-op meter provider makes every method safe when telemetry is not wired.
type telemetry struct {
	processed metric.Int64Counter
	active    metric.Int64UpDownCounter
}

func newTelemetry() (*telemetry, error) {
	meter := otel.Meter(meterName)
	processed, err := meter.Int64Counter("flow.worker.events.processed",
		metric.WithDescription("Events processed by this worker, by outcome."))
	if err != nil {
		return nil, err
	}
	active, err := meter.Int64UpDownCounter("flow.worker.events.active",
		metric.WithDescription("Events currently being processed."))
	if err != nil {
		return nil, err
	}
	return &telemetry{processed: processed, active: active}, nil
}

func (t *telemetry) recordStart(ctx context.Context) {
	t.active.Add(ctx, 1)
}

func (t *telemetry) recordEnd(ctx context.Context, outcome string) {
	t.active.Add(ctx, -1)
	t.processed.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
