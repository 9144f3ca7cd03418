package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	sessionMetricsOnce sync.Once
	sessionRegistry    *SessionMetrics
)

// SessionMetrics wraps collectors tracking the wallet to contract session
// lifecycle.
type SessionMetrics struct {
	connects        *prometheus.CounterVec
	providerFailure *prometheus.CounterVec
	sessions        *prometheus.CounterVec
	subscriptions   prometheus.Gauge
	transactions    *prometheus.CounterVec
	txLatency       *prometheus.HistogramVec
	projections     *prometheus.CounterVec
	staleUpdates    prometheus.Counter
	droppedEvents   prometheus.Counter
	resubscribes    prometheus.Counter
}

// Session exposes the lazily-initialised session metrics registry.
func Session() *SessionMetrics {
	sessionMetricsOnce.Do(func() {
		sessionRegistry = &SessionMetrics{
			connects: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pollsession",
				Subsystem: "wallet",
				Name:      "connects_total",
				Help:      "Wallet connection attempts segmented by outcome.",
			}, []string{"outcome"}),
			providerFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pollsession",
				Subsystem: "providers",
				Name:      "init_failures_total",
				Help:      "Provider bundle assembly failures segmented by provider.",
			}, []string{"provider"}),
			sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pollsession",
				Subsystem: "contract",
				Name:      "sessions_total",
				Help:      "Contract sessions established segmented by mode (join or deploy) and outcome.",
			}, []string{"mode", "outcome"}),
			subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "pollsession",
				Subsystem: "contract",
				Name:      "subscriptions_active",
				Help:      "Ledger subscriptions currently open.",
			}),
			transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pollsession",
				Subsystem: "contract",
				Name:      "transactions_total",
				Help:      "Circuit calls segmented by circuit and outcome.",
			}, []string{"circuit", "outcome"}),
			txLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "pollsession",
				Subsystem: "contract",
				Name:      "transaction_duration_seconds",
				Help:      "Latency of circuit calls from proof request to submission.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"circuit"}),
			projections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pollsession",
				Subsystem: "projector",
				Name:      "projections_total",
				Help:      "Ledger snapshots projected segmented by outcome.",
			}, []string{"outcome"}),
			staleUpdates: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "pollsession",
				Subsystem: "projector",
				Name:      "stale_updates_total",
				Help:      "Ledger updates discarded because their session was replaced.",
			}),
			droppedEvents: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "pollsession",
				Subsystem: "projector",
				Name:      "dropped_events_total",
				Help:      "Projector events not delivered to slow listeners.",
			}),
			resubscribes: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "pollsession",
				Subsystem: "indexer",
				Name:      "resubscribes_total",
				Help:      "Ledger stream reconnections performed by the indexer client.",
			}),
		}
		prometheus.MustRegister(
			sessionRegistry.connects,
			sessionRegistry.providerFailure,
			sessionRegistry.sessions,
			sessionRegistry.subscriptions,
			sessionRegistry.transactions,
			sessionRegistry.txLatency,
			sessionRegistry.projections,
			sessionRegistry.staleUpdates,
			sessionRegistry.droppedEvents,
			sessionRegistry.resubscribes,
		)
	})
	return sessionRegistry
}

// RecordConnect counts a wallet connection attempt. Outcomes should be stable
// strings such as "connected", "rejected" or "unavailable".
func (m *SessionMetrics) RecordConnect(outcome string) {
	if m == nil {
		return
	}
	m.connects.WithLabelValues(normalise(outcome)).Inc()
}

// RecordProviderFailure counts a failed provider construction.
func (m *SessionMetrics) RecordProviderFailure(provider string) {
	if m == nil {
		return
	}
	m.providerFailure.WithLabelValues(normalise(provider)).Inc()
}

// RecordSession counts a join or deploy attempt.
func (m *SessionMetrics) RecordSession(mode string, err error) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(normalise(mode), outcome(err)).Inc()
}

// SubscriptionOpened increments the open subscription gauge.
func (m *SessionMetrics) SubscriptionOpened() {
	if m == nil {
		return
	}
	m.subscriptions.Inc()
}

// SubscriptionClosed decrements the open subscription gauge.
func (m *SessionMetrics) SubscriptionClosed() {
	if m == nil {
		return
	}
	m.subscriptions.Dec()
}

// ObserveTransaction records a circuit call outcome and its latency.
func (m *SessionMetrics) ObserveTransaction(circuit string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	circuit = normalise(circuit)
	m.transactions.WithLabelValues(circuit, outcome(err)).Inc()
	m.txLatency.WithLabelValues(circuit).Observe(duration.Seconds())
}

// RecordProjection counts a projected (or rejected) snapshot.
func (m *SessionMetrics) RecordProjection(err error) {
	if m == nil {
		return
	}
	m.projections.WithLabelValues(outcome(err)).Inc()
}

// RecordStaleUpdate counts a discarded update from a replaced session.
func (m *SessionMetrics) RecordStaleUpdate() {
	if m == nil {
		return
	}
	m.staleUpdates.Inc()
}

// RecordDroppedEvent counts an event skipped for a slow listener.
func (m *SessionMetrics) RecordDroppedEvent() {
	if m == nil {
		return
	}
	m.droppedEvents.Inc()
}

// RecordResubscribe counts a ledger stream reconnection.
func (m *SessionMetrics) RecordResubscribe() {
	if m == nil {
		return
	}
	m.resubscribes.Inc()
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func normalise(label string) string {
	trimmed := strings.TrimSpace(label)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
