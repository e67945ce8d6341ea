package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"orderflow/internal/orders/saga"
)

// SagaMeter turns saga events into otel counters.
type SagaMeter struct {
	steps    metric.Int64Counter
	statuses metric.Int64Counter
}

func NewSagaMeter(meter metric.Meter) (*SagaMeter, error) {
	steps, err := meter.Int64Counter("orderflow.saga.steps",
		metric.WithDescription("Recorded saga steps by step and outcome"))
	if err != nil {
		return nil, err
	}
	statuses, err := meter.Int64Counter("orderflow.saga.status_transitions",
		metric.WithDescription("Saga instances entering a status"))
	if err != nil {
		return nil, err
	}
	return &SagaMeter{steps: steps, statuses: statuses}, nil
}

func (m *SagaMeter) Observe(ctx context.Context, ev saga.Event) {
	if ev.Outcome != nil {
		result := "ok"
		switch {
		case ev.Outcome.Error != "":
			result = "error"
		case !ev.Outcome.Success:
			result = "rejected"
		}
		m.steps.Add(ctx, 1, metric.WithAttributes(
			attribute.String("step", ev.Outcome.Step),
			attribute.String("result", result),
		))
		return
	}
	m.statuses.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(ev.Status))))
}
