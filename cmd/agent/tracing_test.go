package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestSetupTracingOff(t *testing.T) {
	before := otel.GetTracerProvider()
	shutdown, err := setupTracing("", &bytes.Buffer{})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
	assert.Equal(t, before, otel.GetTracerProvider())
}

func TestSetupTracingStdout(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := setupTracing(" Stdout ", &buf)
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "session.iteration")
	span.End()
	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, buf.String(), "session.iteration")
}

func TestSetupTracingRejectsUnknownMode(t *testing.T) {
	_, err := setupTracing("zipkin", &bytes.Buffer{})
	assert.ErrorContains(t, err, "AGENT_TRACE")
}
