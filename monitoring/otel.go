package monitoring

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// OTelConfig configures the OTLP push exporter.
type OTelConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Endpoint    string        `yaml:"endpoint"`
	ServiceName string        `yaml:"service_name"`
	Interval    time.Duration `yaml:"interval"`
	Insecure    bool          `yaml:"insecure"`
}

// OTelExporter pushes the monitor's metric map over OTLP gRPC as a
// single observable gauge carrying the metric name as an attribute.
type OTelExporter struct {
	provider *sdkmetric.MeterProvider
}

func NewOTelExporter(ctx context.Context, config *OTelConfig, monitor *Monitor) (*OTelExporter, error) {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(config.Endpoint)}
	if config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}

	serviceName := config.ServiceName
	if serviceName == "" {
		serviceName = "fablecast"
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}

	interval := config.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	)

	meter := provider.Meter("fablecast/monitoring")
	_, err = meter.Float64ObservableGauge("fablecast.metric",
		metric.WithDescription("Sampled gateway metric, named by attribute."),
		metric.WithFloat64Callback(func(_ context.Context, observer metric.Float64Observer) error {
			for name, value := range monitor.Current() {
				observer.Observe(value, metric.WithAttributes(attribute.String("metric", name)))
			}
			return nil
		}),
	)
	if err != nil {
		provider.Shutdown(ctx)
		return nil, fmt.Errorf("register gauge: %w", err)
	}

	return &OTelExporter{provider: provider}, nil
}

// Shutdown flushes pending exports.
func (e *OTelExporter) Shutdown(ctx context.Context) error {
	return e.provider.Shutdown(ctx)
}
