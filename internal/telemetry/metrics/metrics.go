// Package metrics provides operational metrics for the messaging core.
//
// Collection is opt-in: a process that wants Prometheus exposition calls
// Enable once with its registry; until then every Record helper is a no-op,
// so library code can record unconditionally.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "meshzork"

type collectors struct {
	sentTotal       *prometheus.CounterVec
	receivedTotal   *prometheus.CounterVec
	decodeErrors    *prometheus.CounterVec
	queueDrops      *prometheus.CounterVec
	duplicatesTotal prometheus.Counter
	failoversTotal  prometheus.Counter
	staleEvictions  prometheus.Counter
	connectedLinks  prometheus.Gauge
}

var (
	global     *collectors
	globalOnce sync.Once
)

// Enable registers the messaging metrics with the given registry. Only the
// first call has effect.
func Enable(registry prometheus.Registerer) {
	globalOnce.Do(func() {
		factory := promauto.With(registry)
		global = &collectors{
			sentTotal: factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_sent_total",
				Help:      "Messages transmitted, by link kind.",
			}, []string{"link"}),
			receivedTotal: factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_received_total",
				Help:      "Messages decoded and accepted, by link kind.",
			}, []string{"link"}),
			decodeErrors: factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decode_errors_total",
				Help:      "Inbound frames dropped as malformed, by link kind.",
			}, []string{"link"}),
			queueDrops: factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_drops_total",
				Help:      "Outgoing messages evicted from a full queue or retried out, by link kind.",
			}, []string{"link"}),
			duplicatesTotal: factory.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "duplicates_total",
				Help:      "Cross-link duplicate deliveries suppressed.",
			}),
			failoversTotal: factory.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "failovers_total",
				Help:      "Primary link re-elections after a connection loss.",
			}),
			staleEvictions: factory.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stale_evictions_total",
				Help:      "Players evicted from the roster by the staleness sweep.",
			}),
			connectedLinks: factory.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connected_links",
				Help:      "Number of currently connected links.",
			}),
		}
	})
}

// RecordSent counts one transmitted message on a link.
func RecordSent(link string) {
	if global != nil {
		global.sentTotal.WithLabelValues(link).Inc()
	}
}

// RecordReceived counts one accepted inbound message on a link.
func RecordReceived(link string) {
	if global != nil {
		global.receivedTotal.WithLabelValues(link).Inc()
	}
}

// RecordDecodeError counts one dropped malformed frame on a link.
func RecordDecodeError(link string) {
	if global != nil {
		global.decodeErrors.WithLabelValues(link).Inc()
	}
}

// RecordQueueDrop counts one message lost from a link's outgoing queue.
func RecordQueueDrop(link string) {
	if global != nil {
		global.queueDrops.WithLabelValues(link).Inc()
	}
}

// RecordDuplicate counts one suppressed cross-link duplicate.
func RecordDuplicate() {
	if global != nil {
		global.duplicatesTotal.Inc()
	}
}

// RecordFailover counts one primary re-election.
func RecordFailover() {
	if global != nil {
		global.failoversTotal.Inc()
	}
}

// RecordStaleEviction counts one roster eviction.
func RecordStaleEviction() {
	if global != nil {
		global.staleEvictions.Inc()
	}
}

// SetConnectedLinks reports the current connected link count.
func SetConnectedLinks(n int) {
	if global != nil {
		global.connectedLinks.Set(float64(n))
	}
}
