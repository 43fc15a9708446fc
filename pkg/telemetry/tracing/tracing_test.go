package tracing

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	return recorder
}

func spanNamed(t *testing.T, spans []sdktrace.ReadOnlySpan, name string) sdktrace.ReadOnlySpan {
	t.Helper()
	for _, s := range spans {
		if s.Name() == name {
			return s
		}
	}
	t.Fatalf("no span named %q", name)
	return nil
}

func TestCallScopeParentsChildSpans(t *testing.T) {
	recorder := newRecorder(t)

	scope := StartCallScope("call-1")
	assert.Same(t, scope, StartCallScope("call-1"), "one scope per call")

	ctx := WithCallSpan(context.Background(), "call-1")
	_, child := StartSpan(ctx, "fragment.handle")
	child.End()

	EndCallScope("call-1", nil)
	_, ok := GetCallScope("call-1")
	assert.False(t, ok)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	root := spanNamed(t, spans, "call")
	fragment := spanNamed(t, spans, "fragment.handle")
	assert.Equal(t, root.SpanContext().SpanID(), fragment.Parent().SpanID())
	assert.Equal(t, codes.Ok, root.Status().Code)
}

func TestEndCallScopeRecordsErrorOnce(t *testing.T) {
	recorder := newRecorder(t)

	scope := StartCallScope("call-2")
	EndCallScope("call-2", stderrors.New("analysis failed"))
	scope.End(nil)
	EndCallScope("call-2", nil)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "analysis failed", spans[0].Status().Description)
}

func TestWithCallSpanWithoutScopeKeepsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := WithCallSpan(ctx, "unknown")

	assert.Equal(t, ctx, out)
}

func TestRecordError(t *testing.T) {
	recorder := newRecorder(t)

	ctx, span := StartSpan(context.Background(), "analysis.chain")
	RecordError(ctx, nil)
	RecordError(ctx, stderrors.New("malformed output"))
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	require.Len(t, spans[0].Events(), 1)
	assert.Equal(t, "exception", spans[0].Events()[0].Name)
}

func TestInitWithoutExporter(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	shutdown, err := Init(context.Background(), DefaultConfig(), logger)
	require.NoError(t, err)

	_, span := StartSpan(context.Background(), "noop")
	span.End()

	assert.NoError(t, shutdown(context.Background()))
}
