// Package tracing provides a shared OTel tracer helper for all packages.
//
// When no TracerProvider is registered (tests, local dev without a collector)
// the global no-op provider is used and every call is inert. Packages should
// call tracing.Start rather than using the OTel API directly.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "ocr-worker"

// Start creates a new OTel span as a child of the span in ctx, or a root span
// when ctx carries no active span. The caller MUST call span.End() when the
// operation is done (typically via defer span.End()).
//
// Example:
//
//	ctx, span := tracing.Start(ctx, "chunk.process",
//	    attribute.String("arke.batch.id", batchID),
//	    attribute.String("arke.chunk.id", chunkID),
//	)
//	defer span.End()
func Start(ctx context.Context, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))
}
