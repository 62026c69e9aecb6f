// Package telemetry wires OpenTelemetry tracing and the pipeline's metric
// instruments.
package telemetry

import (
	"context"

	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/carepath/report-pipeline/internal/config"
)

// InstrumentationName names the tracer and meter used by the pipeline.
const InstrumentationName = "github.com/carepath/report-pipeline"

// Setup installs a global tracer provider exporting over OTLP/gRPC. When
// telemetry is disabled the global no-op providers stay in place and the
// returned shutdown does nothing.
func Setup(ctx context.Context, cfg config.TelemetryConfig) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, eris.Wrap(err, "telemetry: create otlp exporter")
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", cfg.ServiceName),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	zap.L().Info("telemetry: tracing enabled", zap.String("endpoint", cfg.Endpoint))
	return tp.Shutdown, nil
}

// Tracer returns the pipeline tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// Metrics holds the pipeline's instruments.
type Metrics struct {
	StageOutcomes  metric.Int64Counter
	StageDuration  metric.Float64Histogram
	DeliveryStates metric.Int64Counter
}

// NewMetrics creates the instruments on meter. A nil meter uses the global
// provider.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(InstrumentationName)
	}

	outcomes, err := meter.Int64Counter("pipeline.stage.outcomes",
		metric.WithDescription("Stage invocations by stage and outcome"),
	)
	if err != nil {
		return nil, eris.Wrap(err, "telemetry: stage outcome counter")
	}

	duration, err := meter.Float64Histogram("pipeline.stage.duration",
		metric.WithDescription("Stage handler duration"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, eris.Wrap(err, "telemetry: stage duration histogram")
	}

	deliveries, err := meter.Int64Counter("pipeline.delivery.states",
		metric.WithDescription("Delivery state machine results"),
	)
	if err != nil {
		return nil, eris.Wrap(err, "telemetry: delivery counter")
	}

	return &Metrics{
		StageOutcomes:  outcomes,
		StageDuration:  duration,
		DeliveryStates: deliveries,
	}, nil
}

// RecordStage counts one stage invocation and its duration.
func (m *Metrics) RecordStage(ctx context.Context, stage, outcome string, durationMs float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("outcome", outcome),
	)
	m.StageOutcomes.Add(ctx, 1, attrs)
	m.StageDuration.Record(ctx, durationMs, attrs)
}

// RecordDelivery counts one delivery state machine result.
func (m *Metrics) RecordDelivery(ctx context.Context, state string) {
	if m == nil {
		return
	}
	m.DeliveryStates.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}
