package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SyncMetrics instruments the platform protocol engine and the failover
// path. All methods are nil-safe.
type SyncMetrics struct {
	syncsTotal        *prometheus.CounterVec
	syncFailuresTotal *prometheus.CounterVec
	requestBytes      prometheus.Counter
	responseBytes     prometheus.Counter
	failoverDecisions *prometheus.CounterVec
}

// NewSyncMetrics creates the engine collectors.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewSyncMetrics() *SyncMetrics {
	if !IsEnabled() {
		return nil
	}

	reg := GetRegistry()

	return &SyncMetrics{
		syncsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgesync_syncs_total",
				Help: "Server syncs processed, by outcome",
			},
			[]string{"outcome"}, // "ok", "error"
		),
		syncFailuresTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgesync_sync_extension_failures_total",
				Help: "Extension handler failures during server sync, by extension",
			},
			[]string{"extension"},
		),
		requestBytes: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "edgesync_request_bytes_total",
				Help: "Bytes serialized into client sync requests",
			},
		),
		responseBytes: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "edgesync_response_bytes_total",
				Help: "Bytes of server sync responses processed",
			},
		),
		failoverDecisions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgesync_failover_decisions_total",
				Help: "Failover strategy decisions, by action",
			},
			[]string{"action"}, // "retry", "use-next", "use-next-bootstrap", "stop"
		),
	}
}

// RecordSync counts one processed server sync.
func (m *SyncMetrics) RecordSync(ok bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	m.syncsTotal.WithLabelValues(outcome).Inc()
}

// RecordExtensionFailure counts a handler failure for one extension.
func (m *SyncMetrics) RecordExtensionFailure(extension string) {
	if m == nil {
		return
	}
	m.syncFailuresTotal.WithLabelValues(extension).Inc()
}

// RecordRequestBytes counts serialized request bytes.
func (m *SyncMetrics) RecordRequestBytes(n int) {
	if m == nil {
		return
	}
	m.requestBytes.Add(float64(n))
}

// RecordResponseBytes counts processed response bytes.
func (m *SyncMetrics) RecordResponseBytes(n int) {
	if m == nil {
		return
	}
	m.responseBytes.Add(float64(n))
}

// RecordFailoverDecision counts one strategy decision.
func (m *SyncMetrics) RecordFailoverDecision(action string) {
	if m == nil {
		return
	}
	m.failoverDecisions.WithLabelValues(action).Inc()
}
