// Package observability wires OpenTelemetry tracing and metrics.
package observability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"harvestline/internal/log"
)

const instrumentationName = "harvestline"

type Config struct {
	Enabled        bool          `yaml:"enabled"`
	ServiceName    string        `yaml:"service_name"`
	ServiceVersion string        `yaml:"service_version"`
	Environment    string        `yaml:"environment"`
	OTLPEndpoint   string        `yaml:"otlp_endpoint"`
	Insecure       bool          `yaml:"insecure"`
	SampleRate     float64       `yaml:"sample_rate"`
	BatchTimeout   time.Duration `yaml:"batch_timeout"`
	MetricInterval time.Duration `yaml:"metric_interval"`
}

// Provider owns the SDK providers installed as the otel globals.
type Provider struct {
	conf           Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
}

// New installs OTLP exporters when telemetry is enabled. A disabled config
// leaves the no-op globals in place.
func New(ctx context.Context, conf Config) (*Provider, error) {
	p := &Provider{conf: conf}
	if !conf.Enabled {
		log.L(ctx).Debug("telemetry disabled")
		return p, nil
	}
	if conf.ServiceName == "" {
		conf.ServiceName = instrumentationName
	}
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(conf.ServiceName),
			semconv.ServiceVersion(conf.ServiceVersion),
			semconv.DeploymentEnvironment(conf.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(conf.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(conf.OTLPEndpoint)}
	if conf.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}
	traceExporter, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("trace exporter: %w", err)
	}
	metricExporter, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("metric exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case conf.SampleRate >= 1:
		sampler = sdktrace.AlwaysSample()
	case conf.SampleRate <= 0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(conf.SampleRate)
	}
	batchTimeout := conf.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 5 * time.Second
	}
	interval := conf.MetricInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter, sdktrace.WithBatchTimeout(batchTimeout)),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	)
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(interval))),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetMeterProvider(p.meterProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	log.L(ctx).Infof("telemetry exporting to %s (sample rate %.2f)", conf.OTLPEndpoint, conf.SampleRate)
	return p, nil
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var firstErr error
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type instruments struct {
	operations metric.Int64Counter
	failures   metric.Int64Counter
	duration   metric.Float64Histogram
	payouts    metric.Float64Counter
}

var (
	instOnce sync.Once
	inst     instruments
)

func meters() instruments {
	instOnce.Do(func() {
		m := otel.Meter(instrumentationName)
		inst.operations, _ = m.Int64Counter("harvestline.operations",
			metric.WithDescription("Lifecycle operations processed"),
			metric.WithUnit("{operation}"))
		inst.failures, _ = m.Int64Counter("harvestline.operation.errors",
			metric.WithDescription("Lifecycle operations that returned an error"),
			metric.WithUnit("{error}"))
		inst.duration, _ = m.Float64Histogram("harvestline.operation.duration",
			metric.WithDescription("Lifecycle operation latency"),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30))
		inst.payouts, _ = m.Float64Counter("harvestline.payout.amount",
			metric.WithDescription("Confirmed payout volume"),
			metric.WithUnit("{currency}"))
	})
	return inst
}

// Track starts a span for op and returns a completion func that records
// latency and the error, if any.
func Track(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, op,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	m := meters()
	opAttrs := metric.WithAttributes(append([]attribute.KeyValue{attribute.String("operation", op)}, attrs...)...)
	if m.operations != nil {
		m.operations.Add(ctx, 1, opAttrs)
	}
	return ctx, func(err error) {
		if m.duration != nil {
			m.duration.Record(ctx, time.Since(start).Seconds(), opAttrs)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if m.failures != nil {
				m.failures.Add(ctx, 1, opAttrs)
			}
		}
		span.End()
	}
}

// RecordPayout adds a confirmed payout to the volume counter.
func RecordPayout(ctx context.Context, amount float64, eventType string) {
	if m := meters(); m.payouts != nil {
		m.payouts.Add(ctx, amount, metric.WithAttributes(attribute.String("event_type", eventType)))
	}
}
