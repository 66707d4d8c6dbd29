package telemetry

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	tracetype "go.opentelemetry.io/otel/trace"
)

// Providers owns the process-wide OTel pipelines. Traces and logs go to
// stdout exporters; metrics flow into the Prometheus registry that the
// metrics server exposes for scraping.
type Providers struct {
	traces  *trace.TracerProvider
	metrics *sdkmetric.MeterProvider
	logs    *sdklog.LoggerProvider
}

// Setup installs the global OTel providers for the trader and registers
// the application instruments. Metrics are always set up; the stdout
// trace and log pipelines are only installed when tracing is enabled,
// so a production trader's stdout carries nothing but its own log
// lines. Call Shutdown on the returned Providers before process exit.
func Setup(service, version string, tracing bool) (*Providers, error) {
	res, err := resource.Merge(resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL,
			semconv.ServiceName(service),
			semconv.ServiceVersion(version),
		))
	if err != nil {
		return nil, fmt.Errorf("build telemetry resource: %w", err)
	}

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}
	metrics := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(metrics)

	if err := GetGlobalMetrics().InitMetrics(metrics.Meter(service)); err != nil {
		return nil, fmt.Errorf("register trading instruments: %w", err)
	}

	providers := &Providers{metrics: metrics}
	if !tracing {
		return providers, nil
	}

	traceExporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	providers.traces = trace.NewTracerProvider(
		trace.WithBatcher(traceExporter),
		trace.WithResource(res),
	)
	otel.SetTracerProvider(providers.traces)

	logExporter, err := stdoutlog.New(stdoutlog.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("create log exporter: %w", err)
	}
	providers.logs = sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(providers.logs)

	return providers, nil
}

// Shutdown flushes and stops every installed pipeline, collecting all
// failures rather than stopping at the first.
func (p *Providers) Shutdown(ctx context.Context) error {
	var errs []error
	if p.traces != nil {
		errs = append(errs, p.traces.Shutdown(ctx))
	}
	errs = append(errs, p.metrics.Shutdown(ctx))
	if p.logs != nil {
		errs = append(errs, p.logs.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// Tracer returns a named tracer from the installed provider.
func Tracer(name string) tracetype.Tracer {
	return otel.GetTracerProvider().Tracer(name)
}

// Meter returns a named meter from the installed provider.
func Meter(name string) metric.Meter {
	return otel.GetMeterProvider().Meter(name)
}
