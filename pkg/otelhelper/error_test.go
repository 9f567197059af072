package otelhelper_test

import (
	"context"
	"errors"
	"testing"

	"github.com/dukex/flowcore/pkg/otelhelper"
	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSetError(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	tracer := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)).Tracer("test")

	_, span := otelhelper.StartSpan(context.Background(), tracer, "decider.pass",
		attribute.String(otelhelper.ExecutionIDKey, "exec-1"))
	otelhelper.SetError(span, errors.New("boom"), attribute.String(otelhelper.TaskTokenKey, "token"))
	span.End()

	ended := recorder.Ended()
	assert.Len(t, ended, 1)
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Equal(t, "boom", ended[0].Status().Description)
	assert.Len(t, ended[0].Events(), 1)
}

func TestSetError_Nil(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	tracer := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)).Tracer("test")

	_, span := otelhelper.StartSpan(context.Background(), tracer, "decider.pass")
	otelhelper.SetError(span, nil)
	span.End()

	ended := recorder.Ended()
	assert.Len(t, ended, 1)
	assert.Equal(t, codes.Unset, ended[0].Status().Code)
	assert.Empty(t, ended[0].Events())
}

func TestTracer_Disabled(t *testing.T) {
	t.Parallel()

	tracer, shutdown, err := otelhelper.Tracer(context.Background(), "flow-core", false)
	assert.NoError(t, err)
	assert.NotNil(t, tracer)
	assert.NoError(t, shutdown(context.Background()))
}
