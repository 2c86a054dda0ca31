package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes receipt pipeline instruments exported over OTLP.
type Metrics struct {
	receiptsIngested  metric.Int64Counter
	receiptsGenerated metric.Int64Counter
	receiptsFailed    metric.Int64Counter
	notifications     metric.Int64Counter
	cartsDispatched   metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "receiptflow"
	}
	meter := provider.Meter(name)

	receiptsIngested, err := meter.Int64Counter("receiptflow_receipts_ingested_total")
	if err != nil {
		return nil, err
	}
	receiptsGenerated, err := meter.Int64Counter("receiptflow_receipts_generated_total")
	if err != nil {
		return nil, err
	}
	receiptsFailed, err := meter.Int64Counter("receiptflow_receipts_failed_total")
	if err != nil {
		return nil, err
	}
	notifications, err := meter.Int64Counter("receiptflow_notifications_total")
	if err != nil {
		return nil, err
	}
	cartsDispatched, err := meter.Int64Counter("receiptflow_carts_dispatched_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		receiptsIngested:  receiptsIngested,
		receiptsGenerated: receiptsGenerated,
		receiptsFailed:    receiptsFailed,
		notifications:     notifications,
		cartsDispatched:   cartsDispatched,
	}, nil
}

func (m *Metrics) RecordIngested(ctx context.Context, isCart bool) {
	if m == nil {
		return
	}
	m.receiptsIngested.Add(ctx, 1, metric.WithAttributes(FilterAttributes(kindAttr(isCart))...))
}

func (m *Metrics) RecordGenerated(ctx context.Context, isCart bool) {
	if m == nil {
		return
	}
	m.receiptsGenerated.Add(ctx, 1, metric.WithAttributes(FilterAttributes(kindAttr(isCart))...))
}

// RecordFailed counts a failed generation attempt by reason code.
func (m *Metrics) RecordFailed(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("reason", strings.TrimSpace(reason)))
	m.receiptsFailed.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordNotification counts notification attempts per recipient role and outcome.
func (m *Metrics) RecordNotification(ctx context.Context, role, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("role", strings.TrimSpace(role)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.notifications.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordCartDispatched(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("outcome", strings.TrimSpace(outcome)))
	m.cartsDispatched.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func kindAttr(isCart bool) attribute.KeyValue {
	if isCart {
		return attribute.String("kind", "cart")
	}
	return attribute.String("kind", "single")
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"kind":        {},
	"role":        {},
	"outcome":     {},
	"reason":      {},
	"status":      {},
	"endpoint":    {},
	"status_code": {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
