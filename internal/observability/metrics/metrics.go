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

const (
	counterContractTransitions = "signflow_contract_transitions_total"
	counterReconciliations     = "signflow_payment_reconciliations_total"
	counterPaymentFailures     = "signflow_payment_failures_total"
	counterPaymentEvents       = "signflow_payment_events_total"
	counterNotifications       = "signflow_notifications_total"
	counterRateLimitDenied     = "signflow_rate_limit_denied_total"
	counterOverpayments        = "signflow_payment_overpayments_total"
)

var counterHelp = map[string]string{
	counterContractTransitions: "Contract status changes by from/to status.",
	counterReconciliations:     "Reconciliation attempts by source and outcome.",
	counterPaymentFailures:     "Failed payment attempts by source and reason.",
	counterPaymentEvents:       "Provider webhook deliveries by provider and outcome.",
	counterNotifications:       "Notification sends by kind and outcome.",
	counterRateLimitDenied:     "Requests rejected by the public rate limit.",
	counterOverpayments:        "Reconciliations that left a contract paid beyond its total.",
}

// Metrics holds the OTLP domain counters. A nil *Metrics records nothing.
type Metrics struct {
	counters map[string]metric.Int64Counter
}

// NewProvider installs the global meter provider. Disabled telemetry gets a
// no-op provider so instruments stay valid.
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
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))),
	)
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.StopHook(provider.Shutdown))
	}
	if log != nil {
		log.Info("otlp metrics enabled",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}
	return provider, nil
}

func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "signflow"
	}
	meter := provider.Meter(name)

	m := &Metrics{counters: make(map[string]metric.Int64Counter, len(counterHelp))}
	for counterName, help := range counterHelp {
		c, err := meter.Int64Counter(counterName, metric.WithDescription(help))
		if err != nil {
			return nil, fmt.Errorf("counter %s: %w", counterName, err)
		}
		m.counters[counterName] = c
	}
	return m, nil
}

func (m *Metrics) add(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	if m == nil {
		return
	}
	if c, ok := m.counters[name]; ok {
		c.Add(ctx, 1, metric.WithAttributes(FilterAttributes(attrs...)...))
	}
}

func (m *Metrics) RecordContractTransition(ctx context.Context, from, to string) {
	m.add(ctx, counterContractTransitions, label("from", from), label("to", to))
}

// RecordReconcile counts one reconciliation; outcome is applied or replayed.
func (m *Metrics) RecordReconcile(ctx context.Context, source, outcome string) {
	m.add(ctx, counterReconciliations, label("source", source), label("outcome", outcome))
}

func (m *Metrics) RecordPaymentFailure(ctx context.Context, source, reason string) {
	m.add(ctx, counterPaymentFailures, label("source", source), label("reason", reason))
}

// RecordPaymentEvent counts a webhook delivery; eventType carries the
// ingest outcome (applied, duplicate, ignored).
func (m *Metrics) RecordPaymentEvent(ctx context.Context, provider, eventType string) {
	m.add(ctx, counterPaymentEvents, label("provider", provider), label("event_type", eventType))
}

func (m *Metrics) RecordNotification(ctx context.Context, kind, outcome string) {
	m.add(ctx, counterNotifications, label("kind", kind), label("outcome", outcome))
}

func (m *Metrics) RecordRateLimitDenied(ctx context.Context, endpoint string) {
	m.add(ctx, counterRateLimitDenied, label("endpoint", endpoint))
}

func (m *Metrics) RecordOverpayment(ctx context.Context, source string) {
	m.add(ctx, counterOverpayments, label("source", source))
}

func label(key, value string) attribute.KeyValue {
	return attribute.String(key, strings.TrimSpace(value))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	ctx := context.Background()
	switch strings.ToLower(strings.TrimSpace(protocol)) {
	case "http", "http/protobuf":
		var opts []otlpmetrichttp.Option
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(ctx, opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

// Contract and company ids are unbounded and never become labels.
var allowedLabelKeys = map[attribute.Key]struct{}{
	"from": {}, "to": {}, "source": {}, "outcome": {}, "reason": {},
	"provider": {}, "event_type": {}, "kind": {}, "endpoint": {},
}

// FilterAttributes keeps only the low-cardinality label keys.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; ok {
			filtered = append(filtered, attr)
		}
	}
	return filtered
}
