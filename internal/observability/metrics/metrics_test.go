package metrics

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("outcome", "applied"),
		attribute.String("contract_id", "456"),
		attribute.String("source", "webhook"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	for _, attr := range attrs {
		if attr.Key == "contract_id" {
			t.Fatalf("contract_id must not be exported as a label")
		}
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.RecordReconcile(context.Background(), "webhook", "applied")
	m.RecordContractTransition(context.Background(), "sent", "signed")
	m.RecordNotification(context.Background(), "sent", "failed")
	m.RecordOverpayment(context.Background(), "webhook")
}

func TestNewWithNoopProvider(t *testing.T) {
	m, err := New(Config{ServiceName: "signflow"}, noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	m.RecordPaymentFailure(context.Background(), "autopay", "card_declined")
}

func TestNewRegistersEveryCounter(t *testing.T) {
	m, err := New(Config{}, noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	if len(m.counters) != len(counterHelp) {
		t.Fatalf("expected %d counters, got %d", len(counterHelp), len(m.counters))
	}
	// Unknown counter names are ignored.
	m.add(context.Background(), "signflow_unknown_total")
}
