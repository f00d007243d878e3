package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/andrewh/dwell/pkg/config"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

// telemetry holds the process's own signal providers. Disabled signals get
// providers with no exporter so instrumentation stays wired but silent.
type telemetry struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	// loggerProvider is nil unless the logs signal is enabled.
	loggerProvider *sdklog.LoggerProvider
	logger         *slog.Logger
	stderr         io.Writer
}

func setupTelemetry(ctx context.Context, tc config.TelemetryConfig, signals map[string]bool, stderr io.Writer) (*telemetry, error) {
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", "dwell"),
		attribute.String("dwell.version", version),
	))
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	t := &telemetry{stderr: stderr}
	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if signals["traces"] {
		exporter, err := traceExporters.create(ctx, tc, stderr)
		if err != nil {
			return nil, fmt.Errorf("creating trace exporter: %w", err)
		}
		if tc.Stdout {
			traceOpts = append(traceOpts, sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)))
		} else {
			traceOpts = append(traceOpts, sdktrace.WithBatcher(exporter))
		}
	}
	t.tracerProvider = sdktrace.NewTracerProvider(traceOpts...)

	metricOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if signals["metrics"] {
		exporter, err := metricExporters.create(ctx, tc, stderr)
		if err != nil {
			t.shutdown()
			return nil, fmt.Errorf("creating metric exporter: %w", err)
		}
		metricOpts = append(metricOpts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)))
	}
	t.meterProvider = sdkmetric.NewMeterProvider(metricOpts...)

	if signals["logs"] {
		exporter, err := logExporters.create(ctx, tc, stderr)
		if err != nil {
			t.shutdown()
			return nil, fmt.Errorf("creating log exporter: %w", err)
		}
		var processor sdklog.Processor
		if tc.Stdout {
			processor = sdklog.NewSimpleProcessor(exporter)
		} else {
			processor = sdklog.NewBatchProcessor(exporter)
		}
		t.loggerProvider = sdklog.NewLoggerProvider(
			sdklog.WithProcessor(processor),
			sdklog.WithResource(res),
		)
		t.logger = otelslog.NewLogger("dwell", otelslog.WithLoggerProvider(t.loggerProvider))
	} else {
		t.logger = slog.New(slog.NewJSONHandler(stderr, nil))
	}

	otel.SetTracerProvider(t.tracerProvider)
	otel.SetMeterProvider(t.meterProvider)
	return t, nil
}

// shutdown flushes and stops every provider within shutdownTimeout. Providers
// shut down concurrently so a slow exporter does not hold up the others.
func (t *telemetry) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	var g errgroup.Group
	if t.tracerProvider != nil {
		g.Go(func() error { return wrapShutdown("tracer", t.tracerProvider.Shutdown(ctx)) })
	}
	if t.meterProvider != nil {
		g.Go(func() error { return wrapShutdown("meter", t.meterProvider.Shutdown(ctx)) })
	}
	if t.loggerProvider != nil {
		g.Go(func() error { return wrapShutdown("logger", t.loggerProvider.Shutdown(ctx)) })
	}
	if err := g.Wait(); err != nil {
		fmt.Fprintln(t.stderr, err)
	}
}

func wrapShutdown(name string, err error) error {
	if err != nil {
		return fmt.Errorf("shutting down %s provider: %w", name, err)
	}
	return nil
}

// exporterSet builds one signal's exporter for each supported transport.
// Stdout exporters write to the diagnostic stream so they never interleave
// with records a stdout sink emits.
type exporterSet[E any] struct {
	stdout func(w io.Writer) (E, error)
	grpc   func(ctx context.Context, endpoint string) (E, error)
	http   func(ctx context.Context, endpoint string) (E, error)
}

func (es exporterSet[E]) create(ctx context.Context, tc config.TelemetryConfig, w io.Writer) (E, error) {
	switch {
	case tc.Stdout:
		return es.stdout(w)
	case tc.Protocol == "grpc":
		return es.grpc(ctx, tc.Endpoint)
	case tc.Protocol == "http/protobuf", tc.Protocol == "":
		return es.http(ctx, tc.Endpoint)
	default:
		var zero E
		return zero, fmt.Errorf("unsupported protocol %q, supported: http/protobuf, grpc", tc.Protocol)
	}
}

var traceExporters = exporterSet[sdktrace.SpanExporter]{
	stdout: func(w io.Writer) (sdktrace.SpanExporter, error) {
		return stdouttrace.New(stdouttrace.WithWriter(w))
	},
	grpc: func(ctx context.Context, endpoint string) (sdktrace.SpanExporter, error) {
		if endpoint == "" {
			return otlptracegrpc.New(ctx)
		}
		return otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(endpoint), otlptracegrpc.WithInsecure())
	},
	http: func(ctx context.Context, endpoint string) (sdktrace.SpanExporter, error) {
		if endpoint == "" {
			return otlptracehttp.New(ctx)
		}
		return otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	},
}

var metricExporters = exporterSet[sdkmetric.Exporter]{
	stdout: func(w io.Writer) (sdkmetric.Exporter, error) {
		return stdoutmetric.New(stdoutmetric.WithWriter(w))
	},
	grpc: func(ctx context.Context, endpoint string) (sdkmetric.Exporter, error) {
		if endpoint == "" {
			return otlpmetricgrpc.New(ctx)
		}
		return otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpoint(endpoint), otlpmetricgrpc.WithInsecure())
	},
	http: func(ctx context.Context, endpoint string) (sdkmetric.Exporter, error) {
		if endpoint == "" {
			return otlpmetrichttp.New(ctx)
		}
		return otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpoint(endpoint), otlpmetrichttp.WithInsecure())
	},
}

var logExporters = exporterSet[sdklog.Exporter]{
	stdout: func(w io.Writer) (sdklog.Exporter, error) {
		return stdoutlog.New(stdoutlog.WithWriter(w))
	},
	grpc: func(ctx context.Context, endpoint string) (sdklog.Exporter, error) {
		if endpoint == "" {
			return otlploggrpc.New(ctx)
		}
		return otlploggrpc.New(ctx, otlploggrpc.WithEndpoint(endpoint), otlploggrpc.WithInsecure())
	},
	http: func(ctx context.Context, endpoint string) (sdklog.Exporter, error) {
		if endpoint == "" {
			return otlploghttp.New(ctx)
		}
		return otlploghttp.New(ctx, otlploghttp.WithEndpoint(endpoint), otlploghttp.WithInsecure())
	},
}
