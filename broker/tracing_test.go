package broker_test

import (
	"context"
	"testing"

	"github.com/jirevwe/peeklock/broker"
	"github.com/jirevwe/peeklock/broker/mocks"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestTracingBroker_RecordsSpans(t *testing.T) {
	ctx := context.Background()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	m := &mocks.MockBroker{}
	m.On("Complete", mock.Anything, "ok").Return(nil)
	m.On("Abandon", mock.Anything, "gone").Return(broker.ErrLockLost)

	b := broker.NewTracingBroker(m, provider)

	require.NoError(t, b.Complete(ctx, "ok"))
	require.ErrorIs(t, b.Abandon(ctx, "gone"), broker.ErrLockLost)

	spans := recorder.Ended()
	require.Len(t, spans, 2)

	require.Equal(t, "peeklock.complete", spans[0].Name())
	require.Equal(t, codes.Unset, spans[0].Status().Code)

	require.Equal(t, "peeklock.abandon", spans[1].Name())
	require.Equal(t, codes.Error, spans[1].Status().Code)
}
