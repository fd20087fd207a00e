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
	ExportInterval   time.Duration
}

// Metrics exposes royalty pipeline instruments.
type Metrics struct {
	factsIngested      metric.Int64Counter
	allocations        metric.Int64Counter
	integrityFailures  metric.Int64Counter
	accruals           metric.Int64Counter
	payoutEvents       metric.Int64Counter
	distributionEvents metric.Int64Counter
	callbacksDiscarded metric.Int64Counter
	feedQuarantined    metric.Int64Counter
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

	interval := cfg.ExportInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))
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
		name = "royalty"
	}
	meter := provider.Meter(name)

	m := &Metrics{}
	instruments := map[string]*metric.Int64Counter{
		"royalty_revenue_facts_total":       &m.factsIngested,
		"royalty_allocations_total":         &m.allocations,
		"royalty_integrity_failures_total":  &m.integrityFailures,
		"royalty_accruals_total":            &m.accruals,
		"royalty_payout_events_total":       &m.payoutEvents,
		"royalty_distribution_events_total": &m.distributionEvents,
		"royalty_callbacks_discarded_total": &m.callbacksDiscarded,
		"royalty_feed_quarantined_total":    &m.feedQuarantined,
	}
	for instrument, dst := range instruments {
		counter, err := meter.Int64Counter(instrument)
		if err != nil {
			return nil, err
		}
		*dst = counter
	}
	return m, nil
}

// RecordFactIngested counts ingested revenue facts by outcome.
func (m *Metrics) RecordFactIngested(ctx context.Context, streamType, status string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("stream_type", strings.TrimSpace(streamType)),
		attribute.String("status", strings.TrimSpace(status)),
	)
	m.factsIngested.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordAllocations counts allocations produced for a split type.
func (m *Metrics) RecordAllocations(ctx context.Context, splitType string, count int) {
	if m == nil || count <= 0 {
		return
	}
	attrs := FilterAttributes(attribute.String("split_type", strings.TrimSpace(splitType)))
	m.allocations.Add(ctx, int64(count), metric.WithAttributes(attrs...))
}

// RecordIntegrityFailure counts facts blocked by invalid split agreements.
func (m *Metrics) RecordIntegrityFailure(ctx context.Context, splitType string, gap bool) {
	if m == nil {
		return
	}
	reason := "sum_mismatch"
	if gap {
		reason = "gap"
	}
	attrs := FilterAttributes(
		attribute.String("split_type", strings.TrimSpace(splitType)),
		attribute.String("reason", reason),
	)
	m.integrityFailures.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordAccrual counts accrual postings by outcome.
func (m *Metrics) RecordAccrual(ctx context.Context, currency, status string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("currency", strings.TrimSpace(currency)),
		attribute.String("status", strings.TrimSpace(status)),
	)
	m.accruals.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordPayoutEvent counts payout lifecycle events.
func (m *Metrics) RecordPayoutEvent(ctx context.Context, currency, eventType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("currency", strings.TrimSpace(currency)),
		attribute.String("event_type", strings.TrimSpace(eventType)),
	)
	m.payoutEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordDistributionEvent counts applied distribution transitions.
func (m *Metrics) RecordDistributionEvent(ctx context.Context, platform, status string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(platform)),
		attribute.String("status", strings.TrimSpace(status)),
	)
	m.distributionEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCallbackDiscarded counts duplicate or stale platform callbacks.
func (m *Metrics) RecordCallbackDiscarded(ctx context.Context, platform, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(platform)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.callbacksDiscarded.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordFeedQuarantined counts feed messages set aside for manual review.
func (m *Metrics) RecordFeedQuarantined(ctx context.Context, topic, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("source_type", strings.TrimSpace(topic)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.feedQuarantined.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithInsecure()}
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
	"stream_type": {},
	"split_type":  {},
	"status":      {},
	"currency":    {},
	"provider":    {},
	"event_type":  {},
	"source_type": {},
	"reason":      {},
	"endpoint":    {},
	"method":      {},
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
