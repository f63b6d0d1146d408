package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collector's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	SessionsActive   prometheus.Gauge
	Sessions         *prometheus.CounterVec
	Artifacts        *prometheus.CounterVec
	ArtifactBytes    *prometheus.CounterVec
	StorageErrors    prometheus.Counter
	ProtocolErrors   *prometheus.CounterVec
	LivenessFailures prometheus.Counter
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "collector",
			Name:      "sessions_active",
			Help:      "Authenticated agent sessions currently streaming.",
		}),
		Sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collector",
			Name:      "sessions_total",
			Help:      "Agent connections by outcome.",
		}, []string{"outcome"}),
		Artifacts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collector",
			Name:      "artifacts_stored_total",
			Help:      "Artifacts written to the store.",
		}, []string{"kind"}),
		ArtifactBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collector",
			Name:      "artifact_bytes_total",
			Help:      "Payload bytes written to the store.",
		}, []string{"kind"}),
		StorageErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "collector",
			Name:      "storage_errors_total",
			Help:      "Artifact writes that failed.",
		}),
		ProtocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collector",
			Name:      "protocol_errors_total",
			Help:      "Frames that could not be paired or decoded.",
		}, []string{"reason"}),
		LivenessFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "collector",
			Name:      "liveness_update_failures_total",
			Help:      "Liveness updates that could not be persisted.",
		}),
	}
	reg.MustRegister(
		m.SessionsActive,
		m.Sessions,
		m.Artifacts,
		m.ArtifactBytes,
		m.StorageErrors,
		m.ProtocolErrors,
		m.LivenessFailures,
	)
	return m
}

// Session outcomes.
const (
	OutcomeAuthenticated = "authenticated"
	OutcomeRejected      = "rejected"
)

func (m *Metrics) SessionStarted(outcome string) {
	if m == nil {
		return
	}
	m.Sessions.WithLabelValues(outcome).Inc()
	if outcome == OutcomeAuthenticated {
		m.SessionsActive.Inc()
	}
}

func (m *Metrics) SessionEnded() {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
}

func (m *Metrics) ArtifactStored(kind string, size int64) {
	if m == nil {
		return
	}
	m.Artifacts.WithLabelValues(kind).Inc()
	m.ArtifactBytes.WithLabelValues(kind).Add(float64(size))
}

func (m *Metrics) StorageFailed() {
	if m == nil {
		return
	}
	m.StorageErrors.Inc()
}

func (m *Metrics) ProtocolError(reason string) {
	if m == nil {
		return
	}
	m.ProtocolErrors.WithLabelValues(reason).Inc()
}

func (m *Metrics) LivenessFailed() {
	if m == nil {
		return
	}
	m.LivenessFailures.Inc()
}
