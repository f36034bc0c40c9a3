package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SyncMetrics tracks sync, abuse and transport metrics for one node.
// All methods are safe on a nil receiver.
type SyncMetrics struct {
	// Session metrics
	SessionsActive   prometheus.Gauge
	Messages         *prometheus.CounterVec
	HandshakeDenials prometheus.Counter
	RequestTimeouts  prometheus.Counter

	// Content metrics
	ItemsSynced  prometheus.Counter
	ItemsSkipped *prometheus.CounterVec
	ApplyLatency prometheus.Histogram

	// Abuse metrics
	Rejections *prometheus.CounterVec

	// Transport metrics
	ConnectionAttempts prometheus.Counter
	ConnectionFailures prometheus.Counter
	TierEscalations    prometheus.Counter
	TransportExhausted prometheus.Counter
}

// NewSyncMetrics creates and registers the metrics on registry.
func NewSyncMetrics(registry prometheus.Registerer) *SyncMetrics {
	return &SyncMetrics{
		SessionsActive: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "friendsync_sessions_active",
			Help: "Number of open peer sync sessions",
		}),
		Messages: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "friendsync_messages_total",
			Help: "Protocol messages by type and direction",
		}, []string{"type", "direction"}),
		HandshakeDenials: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "friendsync_handshake_denials_total",
			Help: "Friend verifications answered with verified=false",
		}),
		RequestTimeouts: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "friendsync_request_timeouts_total",
			Help: "Sync requests dropped after the response deadline",
		}),

		ItemsSynced: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "friendsync_items_synced_total",
			Help: "Content items persisted as synced copies",
		}),
		ItemsSkipped: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "friendsync_items_skipped_total",
			Help: "Content items skipped by reason",
		}, []string{"reason"}),
		ApplyLatency: promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
			Name:    "friendsync_apply_latency_seconds",
			Help:    "Time to screen, verify and persist one sync payload",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),

		Rejections: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "friendsync_payload_rejections_total",
			Help: "Whole payloads rejected by error kind",
		}, []string{"kind"}),

		ConnectionAttempts: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "friendsync_connection_attempts_total",
			Help: "Channel dial attempts",
		}),
		ConnectionFailures: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "friendsync_connection_failures_total",
			Help: "Channel dial or runtime failures",
		}),
		TierEscalations: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "friendsync_tier_escalations_total",
			Help: "Transport tier escalations",
		}),
		TransportExhausted: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "friendsync_transport_exhausted_total",
			Help: "Connection attempts that ran out of tiers",
		}),
	}
}

func (m *SyncMetrics) SessionOpened() {
	if m != nil {
		m.SessionsActive.Inc()
	}
}

func (m *SyncMetrics) SessionClosed() {
	if m != nil {
		m.SessionsActive.Dec()
	}
}

func (m *SyncMetrics) Message(msgType, direction string) {
	if m != nil {
		m.Messages.WithLabelValues(msgType, direction).Inc()
	}
}

func (m *SyncMetrics) HandshakeDenied() {
	if m != nil {
		m.HandshakeDenials.Inc()
	}
}

func (m *SyncMetrics) RequestTimedOut() {
	if m != nil {
		m.RequestTimeouts.Inc()
	}
}

func (m *SyncMetrics) Synced(n int) {
	if m != nil && n > 0 {
		m.ItemsSynced.Add(float64(n))
	}
}

func (m *SyncMetrics) Skipped(reason string) {
	if m != nil {
		m.ItemsSkipped.WithLabelValues(reason).Inc()
	}
}

func (m *SyncMetrics) ObserveApply(seconds float64) {
	if m != nil {
		m.ApplyLatency.Observe(seconds)
	}
}

func (m *SyncMetrics) Rejected(kind string) {
	if m != nil {
		m.Rejections.WithLabelValues(kind).Inc()
	}
}

func (m *SyncMetrics) ConnectAttempt() {
	if m != nil {
		m.ConnectionAttempts.Inc()
	}
}

// ConnectFailed records a failed connection; escalated tells whether the
// fallback manager moved to another tier.
func (m *SyncMetrics) ConnectFailed(escalated bool) {
	if m == nil {
		return
	}
	m.ConnectionFailures.Inc()
	if escalated {
		m.TierEscalations.Inc()
	}
}

func (m *SyncMetrics) Exhausted() {
	if m != nil {
		m.TransportExhausted.Inc()
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
