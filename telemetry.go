package main

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

type TelemetryParams struct {
	Endpoint       string
	Insecure       bool
	ExportInterval time.Duration

	ServiceName    string
	ServiceVersion string
	InstanceID     string
}

// initMeterProvider registers a global MeterProvider exporting over OTLP gRPC.
// Without an endpoint the global noop provider stays in place.
func initMeterProvider(ctx context.Context, params TelemetryParams) (func(context.Context) error, error) {
	if params.Endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(params.ServiceName),
			semconv.ServiceVersionKey.String(params.ServiceVersion),
			semconv.ServiceInstanceIDKey.String(params.InstanceID),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(params.Endpoint),
		otlpmetricgrpc.WithTimeout(30 * time.Second),
	}
	if params.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	interval := params.ExportInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}

	mp := metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(metric.NewPeriodicReader(exporter,
			metric.WithInterval(interval),
		)),
	)
	otel.SetMeterProvider(mp)

	return mp.Shutdown, nil
}
