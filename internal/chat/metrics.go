// Package chat implements the realtime channel messaging synchronization core.
// This file exposes Prometheus instrumentation for the core's coordination
// behavior. Channel identifiers are deliberately excluded from labels to keep
// cardinality bounded.
package chat

import "github.com/prometheus/client_golang/prometheus"

var (
	// reconnectAttempts counts reconnect attempts scheduled by subscription
	// managers, across all channels.
	reconnectAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_reconnect_attempts_total",
		Help: "Total change-feed reconnect attempts scheduled.",
	})

	// feedEventsApplied counts feed events that mutated a synchronizer's
	// visible set, by operation kind. Suppressed redeliveries land in
	// duplicateEvents instead.
	feedEventsApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_feed_events_applied_total",
		Help: "Total change-feed events that mutated a synchronizer's view.",
	}, []string{"op"})

	// duplicateEvents counts redeliveries suppressed by the idempotent merge.
	duplicateEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_duplicate_events_suppressed_total",
		Help: "Total duplicate or already-deleted feed events suppressed.",
	})

	// pendingRollbacks counts optimistic sends rolled back after a failed or
	// timed-out persistence call.
	pendingRollbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_pending_send_rollbacks_total",
		Help: "Total optimistic sends rolled back on persistence failure.",
	})

	// openSessions gauges the number of currently open chat sessions.
	openSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_open_sessions",
		Help: "Number of currently open chat sessions.",
	})
)

func init() {
	prometheus.MustRegister(
		reconnectAttempts,
		feedEventsApplied,
		duplicateEvents,
		pendingRollbacks,
		openSessions,
	)
}
