// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrNilContext is returned when Init receives a nil context.
	ErrNilContext = errors.New("context must not be nil")

	// ErrUnknownExporter is returned for an unsupported exporter name.
	ErrUnknownExporter = errors.New("unknown exporter")
)

// Config controls telemetry behavior.
type Config struct {
	// ServiceName identifies this process in traces and metrics.
	ServiceName string `yaml:"service_name" validate:"required"`

	// ServiceVersion is the version string reported on the resource.
	ServiceVersion string `yaml:"service_version"`

	// Environment identifies the deployment environment.
	Environment string `yaml:"environment"`

	// TraceExporter selects an extra trace exporter: "otlp", "stdout", or "none".
	// The in-process Recorder is always attached.
	TraceExporter string `yaml:"trace_exporter" validate:"oneof=otlp stdout none"`

	// MetricExporter selects the metric exporter: "prometheus", "stdout", or "none".
	MetricExporter string `yaml:"metric_exporter" validate:"oneof=prometheus stdout none"`

	// OTLPEndpoint is the OTLP receiver endpoint for traces.
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// OTLPInsecure disables TLS for OTLP connections.
	OTLPInsecure bool `yaml:"otlp_insecure"`

	// DisableRecorder leaves the in-process Recorder out. Long-running
	// servers set it so ended spans are not kept in memory.
	DisableRecorder bool `yaml:"disable_recorder"`
}

// DefaultConfig returns defaults suitable for local runs.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "dagrunner",
		ServiceVersion: "0.1.0",
		Environment:    getEnvOr("DAGRUNNER_ENV", "development"),
		TraceExporter:  getEnvOr("OTEL_TRACES_EXPORTER", "none"),
		MetricExporter: getEnvOr("OTEL_METRICS_EXPORTER", "prometheus"),
		OTLPEndpoint:   getEnvOr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTLPInsecure:   true,
	}
}

// Providers bundles the telemetry handles a process passes around.
//
// Thread Safety: Safe for concurrent use.
type Providers struct {
	// TracerProvider creates tracers whose spans reach Recorder.
	TracerProvider *sdktrace.TracerProvider

	// MeterProvider creates meters. It is a no-op provider when metrics are off.
	MeterProvider metric.MeterProvider

	// Recorder holds every span ended through TracerProvider. Nil when
	// Config.DisableRecorder is set.
	Recorder *Recorder

	metricsHandler http.Handler
	shutdownFuncs  []func(context.Context) error
}

// Tracer returns a named tracer from the TracerProvider.
func (p *Providers) Tracer(name string) trace.Tracer {
	return p.TracerProvider.Tracer(name)
}

// Meter returns a named meter from the MeterProvider.
func (p *Providers) Meter(name string) metric.Meter {
	return p.MeterProvider.Meter(name)
}

// MetricsHandler returns the /metrics handler, or nil unless the
// Prometheus exporter is in use.
func (p *Providers) MetricsHandler() http.Handler {
	return p.metricsHandler
}

// Shutdown flushes and stops every provider and exporter.
func (p *Providers) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdownFuncs {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// Init builds the telemetry stack for cfg.
//
// Description:
//
//	Creates a Recorder and a TracerProvider that feeds it synchronously,
//	plus the configured trace exporter in a batcher. Creates a
//	MeterProvider for the configured metric exporter. Global otel state
//	is left untouched.
//
// Inputs:
//
//	ctx - Context for exporter connections.
//	cfg - Telemetry configuration. Use DefaultConfig() for defaults.
//
// Outputs:
//
//	*Providers - The providers. Call Shutdown on exit.
//	error - Non-nil if an exporter cannot be built.
//
// Example:
//
//	p, err := telemetry.Init(ctx, telemetry.DefaultConfig())
//	if err != nil {
//	    return fmt.Errorf("init telemetry: %w", err)
//	}
//	defer p.Shutdown(context.Background())
//
// Thread Safety: Call once per process or test.
func Init(ctx context.Context, cfg Config) (*Providers, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}

	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
		attribute.String("deployment.environment", cfg.Environment),
	)

	p := &Providers{}
	if !cfg.DisableRecorder {
		p.Recorder = NewRecorder()
	}

	tp, err := initTracer(ctx, cfg, res, p.Recorder)
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}
	p.TracerProvider = tp
	p.shutdownFuncs = append(p.shutdownFuncs, tp.Shutdown)

	if cfg.MetricExporter == "none" || cfg.MetricExporter == "" {
		p.MeterProvider = noop.NewMeterProvider()
		return p, nil
	}

	mp, handler, err := initMeter(cfg, res)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, fmt.Errorf("init meter: %w", err)
	}
	p.MeterProvider = mp
	p.metricsHandler = handler
	p.shutdownFuncs = append(p.shutdownFuncs, mp.Shutdown)

	return p, nil
}

// NewTestProviders returns providers with only the Recorder attached and
// metrics disabled.
func NewTestProviders() *Providers {
	rec := NewRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	return &Providers{
		TracerProvider: tp,
		MeterProvider:  noop.NewMeterProvider(),
		Recorder:       rec,
		shutdownFuncs:  []func(context.Context) error{tp.Shutdown},
	}
}

func initTracer(ctx context.Context, cfg Config, res *resource.Resource, rec *Recorder) (*sdktrace.TracerProvider, error) {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	}
	if rec != nil {
		opts = append(opts, sdktrace.WithSpanProcessor(rec))
	}

	var exporter sdktrace.SpanExporter
	var err error

	switch cfg.TraceExporter {
	case "none", "":
	case "otlp":
		grpcOpts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		}
		if cfg.OTLPInsecure {
			grpcOpts = append(grpcOpts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, grpcOpts...)
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.TraceExporter)
	}

	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	return sdktrace.NewTracerProvider(opts...), nil
}

func initMeter(cfg Config, res *resource.Resource) (*sdkmetric.MeterProvider, http.Handler, error) {
	switch cfg.MetricExporter {
	case "prometheus":
		// A private registry keeps repeated Init calls in one process from
		// colliding on collector registration.
		registry := prometheus.NewRegistry()
		exporter, err := promexporter.New(promexporter.WithRegisterer(registry))
		if err != nil {
			return nil, nil, fmt.Errorf("create prometheus exporter: %w", err)
		}
		handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

		return sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
		), handler, nil

	case "stdout":
		exporter, err := stdoutmetric.New(stdoutmetric.WithPrettyPrint())
		if err != nil {
			return nil, nil, fmt.Errorf("create stdout metric exporter: %w", err)
		}

		return sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		), nil, nil

	default:
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.MetricExporter)
	}
}

// getEnvOr returns the environment variable value or the fallback.
func getEnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
