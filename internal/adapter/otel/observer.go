package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Strob0t/Crucible/internal/domain/run"
)

// RunObserver feeds run lifecycle notifications into the metric instruments.
// It satisfies the lifecycle manager's observer interface.
type RunObserver struct {
	m *Metrics
}

// NewRunObserver wraps the instruments in an observer.
func NewRunObserver(m *Metrics) *RunObserver {
	return &RunObserver{m: m}
}

func (o *RunObserver) RunSubmitted(ctx context.Context) {
	o.m.RunsSubmitted.Add(ctx, 1)
}

func (o *RunObserver) RunFinished(ctx context.Context, status run.Status, duration time.Duration, fixAttempts int) {
	attrs := metric.WithAttributes(attribute.String("status", string(status)))
	o.m.RunsFinished.Add(ctx, 1, attrs)
	o.m.RunDuration.Record(ctx, duration.Seconds(), attrs)
	o.m.FixAttempts.Record(ctx, int64(fixAttempts))
}

func (o *RunObserver) EventDecoded(ctx context.Context, eventType string) {
	o.m.AgentEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("type", eventType)))
}
