package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "crucible"

// StartRunSpan opens the span covering one run from environment creation
// to teardown. The caller records the terminal status with EndRunSpan.
func StartRunSpan(ctx context.Context, runID, backend, securityMode string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "run",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("run.backend", backend),
			attribute.String("run.security_mode", securityMode),
		),
	)
}

// EndRunSpan stamps the terminal status on the run span and ends it.
func EndRunSpan(span trace.Span, status string) {
	span.SetAttributes(attribute.String("run.status", status))
	span.End()
}

// StartVerifySpan opens a span covering the whole verify loop, fix
// attempts included.
func StartVerifySpan(ctx context.Context, runID string, maxFixAttempts int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "verify",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.Int("verify.max_fix_attempts", maxFixAttempts),
		),
	)
}
