package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestDisabledProviderIsNoop(t *testing.T) {
	p, err := New(context.Background(), Config{})
	require.NoError(t, err)
	assert.NoError(t, p.Shutdown(context.Background()))
	var nilProvider *Provider
	assert.NoError(t, nilProvider.Shutdown(context.Background()))
}

func TestTrackRecordsSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	_, done := Track(context.Background(), "policy.create")
	done(nil)
	_, done = Track(context.Background(), "payout.trigger")
	done(errors.New("ledger rejected"))
	RecordPayout(context.Background(), 7200, "weather")

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "policy.create", spans[0].Name())
	assert.Equal(t, "payout.trigger", spans[1].Name())
	assert.Len(t, spans[1].Events(), 1)
}
