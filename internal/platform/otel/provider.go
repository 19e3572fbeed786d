// Package otel configures OpenTelemetry tracing for gateway binaries.
package otel

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	envEndpoint = "SATP_GATEWAY_OTEL_ENDPOINT"
	envEnabled  = "SATP_GATEWAY_OTEL_ENABLED"
	envSampling = "SATP_GATEWAY_OTEL_SAMPLE_RATIO"
)

// Setup initialises OpenTelemetry tracing for the given service.
//
// Tracing is opt-in: when SATP_GATEWAY_OTEL_ENDPOINT is empty or
// SATP_GATEWAY_OTEL_ENABLED is "false", Setup returns a no-op shutdown
// function and no global provider is registered. Extra attributes are
// attached to the resource, e.g. the gateway id.
//
// The returned shutdown function flushes pending spans and should be deferred
// by the caller.
func Setup(ctx context.Context, serviceName string, attrs ...attribute.KeyValue) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }

	if strings.EqualFold(os.Getenv(envEnabled), "false") {
		return noop, nil
	}

	endpoint := os.Getenv(envEndpoint)
	if endpoint == "" {
		return noop, nil
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpointURL(endpoint),
	)
	if err != nil {
		return noop, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			append([]attribute.KeyValue{semconv.ServiceName(serviceName)}, attrs...)...,
		),
	)
	if err != nil {
		return noop, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler()),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}

func sampler() sdktrace.Sampler {
	ratio := strings.TrimSpace(os.Getenv(envSampling))
	if ratio == "" {
		return sdktrace.AlwaysSample()
	}
	value, err := parseRatio(ratio)
	if err != nil {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(value))
}

func parseRatio(value string) (float64, error) {
	ratio, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("parse sample ratio: %w", err)
	}
	if ratio < 0 || ratio > 1 {
		return 0, fmt.Errorf("sample ratio %v out of range [0,1]", ratio)
	}
	return ratio, nil
}
