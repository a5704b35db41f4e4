package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "crucible"

// Metrics holds all Crucible metric instruments.
type Metrics struct {
	RunsSubmitted metric.Int64Counter
	RunsFinished  metric.Int64Counter
	RunDuration   metric.Float64Histogram
	FixAttempts   metric.Int64Histogram
	AgentEvents   metric.Int64Counter
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.RunsSubmitted, err = meter.Int64Counter("crucible.runs.submitted",
		metric.WithDescription("Number of runs accepted for execution"))
	if err != nil {
		return nil, err
	}

	m.RunsFinished, err = meter.Int64Counter("crucible.runs.finished",
		metric.WithDescription("Number of runs reaching a terminal state, by status"))
	if err != nil {
		return nil, err
	}

	m.RunDuration, err = meter.Float64Histogram("crucible.run.duration_seconds",
		metric.WithDescription("Run duration from start to terminal state in seconds"))
	if err != nil {
		return nil, err
	}

	m.FixAttempts, err = meter.Int64Histogram("crucible.run.fix_attempts",
		metric.WithDescription("Fix attempts consumed per verified run"))
	if err != nil {
		return nil, err
	}

	m.AgentEvents, err = meter.Int64Counter("crucible.events.decoded",
		metric.WithDescription("Agent protocol events decoded, by type"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
