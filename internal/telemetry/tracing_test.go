package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitTracerProvider_ExportsSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp, err := InitTracerProvider(context.Background(), Config{
		ServiceName:    "crawler-test",
		ServiceVersion: "v0.0.1",
		Exporters:      []sdktrace.SpanExporter{exporter},
	})
	require.NoError(t, err)

	ctx, span := otel.Tracer("test").Start(context.Background(), "crawl.item")
	require.True(t, span.SpanContext().IsValid())

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	require.NotEmpty(t, carrier.Get("traceparent"))
	span.End()

	require.NoError(t, tp.Shutdown(context.Background()))
	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	require.Equal(t, "crawl.item", spans[0].Name)
}
