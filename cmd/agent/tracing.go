package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// traceEnv selects a span exporter. Only "stdout" is built in; embedders
// install their own provider before calling the controller.
const traceEnv = "AGENT_TRACE"

// setupTracing installs a global tracer provider when mode asks for one.
// The returned func flushes pending spans and is always safe to call.
func setupTracing(mode string, w io.Writer) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "off", "none":
		return noop, nil
	case "stdout":
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
		if err != nil {
			return noop, fmt.Errorf("stdout exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		otel.SetTracerProvider(tp)
		return tp.Shutdown, nil
	default:
		return noop, fmt.Errorf("unknown %s value %q", traceEnv, mode)
	}
}
