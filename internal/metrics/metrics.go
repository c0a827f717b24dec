// Package metrics defines the Prometheus collectors for the client and the
// reference service. Every method is safe to call on a nil receiver so
// components can run without metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/user/converge/internal/types"
)

const namespace = "converge"

var allStates = []types.ConnectionState{
	types.StateStreaming,
	types.StateReconnecting,
	types.StateDegraded,
	types.StateOffline,
}

// ClientMetrics tracks connection health and delivery progress.
type ClientMetrics struct {
	// ConnectionState is 1 for the active state label and 0 for the rest.
	ConnectionState *prometheus.GaugeVec

	// ConnectAttempts counts dial attempts by result (streaming, degraded, failed).
	ConnectAttempts *prometheus.CounterVec

	EntriesApplied    prometheus.Counter
	DuplicatesDropped prometheus.Counter
	StreamDrops       prometheus.Counter
	// Resubscribes counts single watches reopened after the service reset
	// them while the channel stayed up.
	Resubscribes  prometheus.Counter
	ActiveWatches prometheus.Gauge

	// Calls counts façade calls by op and result (ok, not_connected, cancelled, error).
	Calls *prometheus.CounterVec
}

// NewClientMetrics registers client collectors with reg.
func NewClientMetrics(reg prometheus.Registerer) *ClientMetrics {
	f := promauto.With(reg)
	return &ClientMetrics{
		ConnectionState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "connection_state",
			Help:      "Current connection state (1 for the active state)",
		}, []string{"state"}),
		ConnectAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "connect_attempts_total",
			Help:      "Connection attempts by result",
		}, []string{"result"}),
		EntriesApplied: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "entries_applied_total",
			Help:      "Entries handed to application logic",
		}),
		DuplicatesDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "duplicates_dropped_total",
			Help:      "Redelivered entries skipped by entry id",
		}),
		StreamDrops: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "stream_drops_total",
			Help:      "Duplex channel terminations that triggered a reconnect",
		}),
		Resubscribes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "resubscribes_total",
			Help:      "Watches reopened after a per-watch reset",
		}),
		ActiveWatches: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "active_watches",
			Help:      "Subscriptions currently registered",
		}),
		Calls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "calls_total",
			Help:      "Request/response calls by op and result",
		}, []string{"op", "result"}),
	}
}

func (m *ClientMetrics) SetState(state types.ConnectionState) {
	if m == nil {
		return
	}
	for _, s := range allStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.ConnectionState.WithLabelValues(string(s)).Set(v)
	}
}

func (m *ClientMetrics) ConnectAttempt(result string) {
	if m == nil {
		return
	}
	m.ConnectAttempts.WithLabelValues(result).Inc()
}

func (m *ClientMetrics) Applied() {
	if m == nil {
		return
	}
	m.EntriesApplied.Inc()
}

func (m *ClientMetrics) Duplicate() {
	if m == nil {
		return
	}
	m.DuplicatesDropped.Inc()
}

func (m *ClientMetrics) StreamDropped() {
	if m == nil {
		return
	}
	m.StreamDrops.Inc()
}

func (m *ClientMetrics) Resubscribed() {
	if m == nil {
		return
	}
	m.Resubscribes.Inc()
}

func (m *ClientMetrics) WatchAdded(delta float64) {
	if m == nil {
		return
	}
	m.ActiveWatches.Add(delta)
}

func (m *ClientMetrics) Call(op, result string) {
	if m == nil {
		return
	}
	m.Calls.WithLabelValues(op, result).Inc()
}

// ServerMetrics tracks the reference service.
type ServerMetrics struct {
	Appends         *prometheus.CounterVec
	EntriesStreamed prometheus.Counter
	ActiveWatchers  prometheus.Gauge
	Compactions     *prometheus.CounterVec
}

// NewServerMetrics registers service collectors with reg.
func NewServerMetrics(reg prometheus.Registerer) *ServerMetrics {
	f := promauto.With(reg)
	return &ServerMetrics{
		Appends: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "appends_total",
			Help:      "Append requests by result (created, duplicate, error)",
		}, []string{"result"}),
		EntriesStreamed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "entries_streamed_total",
			Help:      "Entries sent to watchers",
		}),
		ActiveWatchers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "active_watchers",
			Help:      "Open watch streams",
		}),
		Compactions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "compactions_total",
			Help:      "Snapshot compactions by result",
		}, []string{"result"}),
	}
}

func (m *ServerMetrics) Append(result string) {
	if m == nil {
		return
	}
	m.Appends.WithLabelValues(result).Inc()
}

func (m *ServerMetrics) Streamed() {
	if m == nil {
		return
	}
	m.EntriesStreamed.Inc()
}

func (m *ServerMetrics) WatcherAdded(delta float64) {
	if m == nil {
		return
	}
	m.ActiveWatchers.Add(delta)
}

func (m *ServerMetrics) Compaction(result string) {
	if m == nil {
		return
	}
	m.Compactions.WithLabelValues(result).Inc()
}
