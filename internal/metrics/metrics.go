// Package metrics provides Prometheus instrumentation for the sync core:
// message throughput, fan-out outcomes and live subscription counts.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MessagesSent counts appended messages, labeled by kind.
	MessagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "govorilka_messages_sent_total",
		Help: "Total number of messages appended",
	}, []string{"kind"})

	// FanoutLegs counts per-participant index updates, labeled by outcome
	// ("ok" or "failed"). A failed leg leaves that participant's index
	// stale until a later write repairs it.
	FanoutLegs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "govorilka_fanout_legs_total",
		Help: "Per-participant index fan-out writes by outcome",
	}, []string{"outcome"})

	// ActiveSubscriptions tracks currently held live document subscriptions.
	ActiveSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "govorilka_active_subscriptions",
		Help: "Current number of live document subscriptions",
	})

	// SendLatency records end-to-end send latency (upload, append, fan-out).
	SendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "govorilka_send_latency_seconds",
		Help:    "Send operation latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// HeartbeatFailures counts presence liveness refreshes that never
	// happened. Best effort, no retry.
	HeartbeatFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "govorilka_heartbeat_failures_total",
		Help: "Presence heartbeat writes that failed",
	})
)

func init() {
	prometheus.MustRegister(
		MessagesSent,
		FanoutLegs,
		ActiveSubscriptions,
		SendLatency,
		HeartbeatFailures,
	)
}

// Handler returns the HTTP handler for the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
