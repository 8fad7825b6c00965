package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "arbiter"

// StartEpisodeSpan starts a span for one reasoning episode.
func StartEpisodeSpan(ctx context.Context, traceID, domain string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "episode",
		trace.WithAttributes(
			attribute.String("episode.trace_id", traceID),
			attribute.String("episode.domain", domain),
		),
	)
}

// StartRoundSpan starts a span for one reflection round within an episode.
func StartRoundSpan(ctx context.Context, traceID string, round int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "round",
		trace.WithAttributes(
			attribute.String("episode.trace_id", traceID),
			attribute.Int("round.number", round),
		),
	)
}

// StartProviderSpan starts a span for one provider invocation.
func StartProviderSpan(ctx context.Context, name, role string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "provider.invoke",
		trace.WithAttributes(
			attribute.String("provider.name", name),
			attribute.String("provider.role", role),
		),
	)
}
