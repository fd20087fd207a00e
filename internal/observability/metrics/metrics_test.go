package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("split_type", "master"),
		attribute.String("recipient_id", "456"),
		attribute.String("currency", "USD"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	if attrs[0].Key != "split_type" && attrs[1].Key != "split_type" {
		t.Fatalf("expected split_type to be retained")
	}
	if attrs[0].Key == "recipient_id" || attrs[1].Key == "recipient_id" {
		t.Fatalf("expected recipient_id to be dropped")
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordFactIngested(ctx, "streaming", "accepted")
	m.RecordAllocations(ctx, "master", 2)
	m.RecordIntegrityFailure(ctx, "master", true)
	m.RecordPayoutEvent(ctx, "USD", "closed")
	m.RecordCallbackDiscarded(ctx, "spotify", "stale")
}

func TestNewRegistersInstruments(t *testing.T) {
	m, err := New(Config{ServiceName: "royalty"}, noop.NewMeterProvider())
	require.NoError(t, err)
	assert.NotNil(t, m.factsIngested)
	assert.NotNil(t, m.feedQuarantined)

	h, err := NewHTTPMetrics(Config{}, noop.NewMeterProvider())
	require.NoError(t, err)
	assert.NotNil(t, h)
}
