package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	tracerName = "pipewatch"
	meterName  = "pipewatch"
)

// Environment-variable override for trace sampling, following the OTel SDK convention.
const (
	envTracesSampler    = "OTEL_TRACES_SAMPLER"
	envTracesSamplerArg = "OTEL_TRACES_SAMPLER_ARG"

	samplerAlwaysOn     = "always_on"
	samplerAlwaysOff    = "always_off"
	samplerTraceIDRatio = "traceidratio"
	samplerParentAlways = "parentbased_always_on"
	samplerParentOff    = "parentbased_always_off"
	samplerParentRatio  = "parentbased_traceidratio"
)

// Providers bundles the initialized observability handles.
// Shutdown flushes exporters and must be called on process exit.
type Providers struct {
	Tracer      trace.Tracer
	Meter       metric.Meter
	Logger      *slog.Logger
	PromHandler http.Handler
	Shutdown    func(context.Context) error
}

// Init wires tracing, metrics, and logging from cfg.
//
// Tracing is a no-op unless an OTLP endpoint is configured. Metrics always
// run on a real SDK provider so the Prometheus bridge stays live; an OTLP
// push reader is added alongside it when an endpoint is set. The returned
// Shutdown flushes all exporters with the configured timeout.
func Init(ctx context.Context, cfg Config) (*Providers, error) {
	res, err := buildResource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	tracerProvider, tpShutdown, err := buildTracerProvider(ctx, cfg, res)
	if err != nil {
		return nil, fmt.Errorf("build tracer provider: %w", err)
	}

	meterProvider, promHandler, mpShutdown, err := buildMeterProvider(ctx, cfg, res)
	if err != nil {
		if tpShutdown != nil {
			err = errors.Join(err, tpShutdown(ctx))
		}

		return nil, fmt.Errorf("build meter provider: %w", err)
	}

	otel.SetTracerProvider(tracerProvider)
	otel.SetMeterProvider(meterProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger := buildLogger(cfg)
	slog.SetDefault(logger)

	shutdown := func(shutdownCtx context.Context) error {
		timeout := time.Duration(cfg.ShutdownTimeoutSec) * time.Second
		if timeout <= 0 {
			timeout = time.Duration(defaultShutdownTimeoutSec) * time.Second
		}

		ctx, cancel := context.WithTimeout(shutdownCtx, timeout)
		defer cancel()

		var errs []error

		if tpShutdown != nil {
			if err := tpShutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown tracer provider: %w", err))
			}
		}

		if mpShutdown != nil {
			if err := mpShutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown meter provider: %w", err))
			}
		}

		return errors.Join(errs...)
	}

	return &Providers{
		Tracer:      tracerProvider.Tracer(tracerName),
		Meter:       meterProvider.Meter(meterName),
		Logger:      logger,
		PromHandler: promHandler,
		Shutdown:    shutdown,
	}, nil
}

func buildResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
			attribute.String("app.mode", string(cfg.Mode)),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	return res, nil
}

func buildTracerProvider(ctx context.Context, cfg Config, res *resource.Resource) (trace.TracerProvider, func(context.Context) error, error) {
	if cfg.OTLPEndpoint == "" {
		return noop.NewTracerProvider(), nil, nil
	}

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
	}

	if cfg.OTLPInsecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	if len(cfg.OTLPHeaders) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.OTLPHeaders))
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(exporter)),
		sdktrace.WithSampler(selectSampler(cfg)),
	)

	return tp, tp.Shutdown, nil
}

// selectSampler resolves the trace sampler. The OTEL_TRACES_SAMPLER
// environment variable wins over config so operators can adjust sampling
// without a redeploy.
func selectSampler(cfg Config) sdktrace.Sampler {
	if name := os.Getenv(envTracesSampler); name != "" {
		if s := envSampler2Sampler(name, os.Getenv(envTracesSamplerArg)); s != nil {
			return s
		}
	}

	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))
	}

	return sdktrace.ParentBased(sdktrace.AlwaysSample())
}

func envSampler2Sampler(name, arg string) sdktrace.Sampler {
	switch name {
	case samplerAlwaysOn:
		return sdktrace.AlwaysSample()
	case samplerAlwaysOff:
		return sdktrace.NeverSample()
	case samplerTraceIDRatio:
		return sdktrace.TraceIDRatioBased(parseRatio(arg))
	case samplerParentAlways:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case samplerParentOff:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	case samplerParentRatio:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(parseRatio(arg)))
	default:
		return nil
	}
}

func parseRatio(arg string) float64 {
	ratio, err := strconv.ParseFloat(arg, 64)
	if err != nil || ratio < 0 || ratio > 1 {
		return 1
	}

	return ratio
}

// buildMeterProvider always returns a real SDK provider: the Prometheus
// exporter is registered on a private registry so /metrics serves only our
// instruments, and an OTLP push reader is appended when an endpoint is set.
func buildMeterProvider(ctx context.Context, cfg Config, res *resource.Resource) (metric.MeterProvider, http.Handler, func(context.Context) error, error) {
	registry := prometheus.NewRegistry()

	promReader, err := promexporter.New(promexporter.WithRegisterer(registry))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	readers := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promReader),
	}

	if cfg.OTLPEndpoint != "" {
		opts := []otlpmetricgrpc.Option{
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
		}

		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}

		if len(cfg.OTLPHeaders) > 0 {
			opts = append(opts, otlpmetricgrpc.WithHeaders(cfg.OTLPHeaders))
		}

		exporter, err := otlpmetricgrpc.New(ctx, opts...)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("create metric exporter: %w", err)
		}

		readers = append(readers, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)))
	}

	mp := sdkmetric.NewMeterProvider(readers...)
	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return mp, handler, mp.Shutdown, nil
}

func buildLogger(cfg Config) *slog.Logger {
	handlerOpts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var inner slog.Handler
	if cfg.LogJSON {
		inner = slog.NewJSONHandler(os.Stderr, handlerOpts)
	} else {
		inner = slog.NewTextHandler(os.Stderr, handlerOpts)
	}

	return slog.New(NewTracingHandler(inner, cfg.ServiceName, cfg.Environment, cfg.Mode))
}

// ParseOTLPHeaders parses a comma-separated key=value list into a header map.
// Malformed entries are skipped.
func ParseOTLPHeaders(raw string) map[string]string {
	if raw == "" {
		return nil
	}

	headers := make(map[string]string)

	for part := range strings.SplitSeq(raw, ",") {
		key, value, found := strings.Cut(part, "=")
		if !found {
			continue
		}

		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		if key == "" {
			continue
		}

		headers[key] = value
	}

	if len(headers) == 0 {
		return nil
	}

	return headers
}
