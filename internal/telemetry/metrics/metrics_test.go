package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordBeforeEnableIsNoop(t *testing.T) {
	// Must not panic while the package is dormant.
	RecordSent("mqtt")
	RecordDuplicate()
	SetConnectedLinks(2)
}

func TestEnableAndRecord(t *testing.T) {
	registry := prometheus.NewRegistry()
	Enable(registry)

	RecordSent("mqtt")
	RecordSent("mqtt")
	RecordReceived("serial")
	RecordDuplicate()
	RecordFailover()
	SetConnectedLinks(2)

	if got := testutil.ToFloat64(global.sentTotal.WithLabelValues("mqtt")); got != 2 {
		t.Fatalf("expected 2 sent, got %v", got)
	}
	if got := testutil.ToFloat64(global.receivedTotal.WithLabelValues("serial")); got != 1 {
		t.Fatalf("expected 1 received, got %v", got)
	}
	if got := testutil.ToFloat64(global.duplicatesTotal); got != 1 {
		t.Fatalf("expected 1 duplicate, got %v", got)
	}
	if got := testutil.ToFloat64(global.connectedLinks); got != 2 {
		t.Fatalf("expected 2 connected links, got %v", got)
	}
}
