// Package metrics defines and registers GatewaySync's Prometheus metrics,
// mirroring the teacher's package-init MustRegister pattern: every metric is
// a package-level variable registered once, with helper functions for the
// instrumentation call sites actually need.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ReverseQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gatewaysync_reverse_queue_depth",
		Help: "Current length of the in-process reverse queue.",
	})

	ReverseEventsEnqueuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gatewaysync_reverse_events_enqueued_total",
		Help: "Total reverse events accepted onto the queue.",
	})

	ReverseEventsQuarantinedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gatewaysync_reverse_events_quarantined_total",
		Help: "Total reverse events dropped after exceeding the retry limit.",
	})

	ReverseFlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gatewaysync_reverse_flush_duration_seconds",
		Help:    "Duration of each reverse-queue flush attempt.",
		Buckets: prometheus.DefBuckets,
	})

	AckResultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gatewaysync_ack_results_total",
		Help: "Ack results processed by the reconciler, labeled by status.",
	}, []string{"status"})

	WSSessionStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gatewaysync_ws_session_status",
		Help: "WebSocket session status: 0=disconnected 1=connecting 2=connected 3=reconnecting.",
	})

	WSReconnectAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gatewaysync_ws_reconnect_attempts_total",
		Help: "Total reconnect attempts made by the session manager.",
	})

	InboundActionsAppliedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gatewaysync_inbound_actions_applied_total",
		Help: "Inbound actions applied, labeled by op.",
	}, []string{"op"})
)

// SessionStatusValue maps a session status string to the gauge encoding
// documented on WSSessionStatus.
func SessionStatusValue(status string) float64 {
	switch status {
	case "connecting":
		return 1
	case "connected":
		return 2
	case "reconnecting":
		return 3
	default:
		return 0
	}
}
