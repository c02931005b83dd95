package auditledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the ledger's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	appends             *prometheus.CounterVec
	appendRetries       prometheus.Counter
	appendLatency       prometheus.Histogram
	verifications       *prometheus.CounterVec
	integrityViolations *prometheus.CounterVec
	snapshots           *prometheus.CounterVec
	snapshotBytes       prometheus.Histogram
	sinkDeliveries      *prometheus.CounterVec
	retentionDeleted    prometheus.Counter
	rotations           prometheus.Counter
}

// NewMetrics registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		appends: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "auditledger",
			Name:      "appends_total",
			Help:      "Append attempts by chain and result.",
		}, []string{"chain", "result"}),
		appendRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: "auditledger",
			Name:      "append_retries_total",
			Help:      "Commit retries caused by store errors or head conflicts.",
		}),
		appendLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "auditledger",
			Name:      "append_duration_seconds",
			Help:      "Time from append call to committed entry.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		verifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "auditledger",
			Name:      "verifications_total",
			Help:      "Chain verifications by result.",
		}, []string{"result"}),
		integrityViolations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "auditledger",
			Name:      "integrity_violations_total",
			Help:      "Integrity violations by reason.",
		}, []string{"reason"}),
		snapshots: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "auditledger",
			Name:      "snapshots_total",
			Help:      "Snapshots by terminal status.",
		}, []string{"status"}),
		snapshotBytes: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "auditledger",
			Name:      "snapshot_archive_bytes",
			Help:      "Size of completed snapshot archives.",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
		}),
		sinkDeliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "auditledger",
			Name:      "sink_deliveries_total",
			Help:      "Notify sink deliveries by sink and result.",
		}, []string{"sink", "result"}),
		retentionDeleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: "auditledger",
			Name:      "retention_deleted_total",
			Help:      "Snapshots removed by retention sweeps.",
		}),
		rotations: f.NewCounter(prometheus.CounterOpts{
			Namespace: "auditledger",
			Name:      "log_rotations_total",
			Help:      "Raw log files rotated.",
		}),
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) appendDone(chain string, seconds float64, err error) {
	if m == nil {
		return
	}
	m.appends.WithLabelValues(chain, result(err)).Inc()
	if err == nil {
		m.appendLatency.Observe(seconds)
	}
}

func (m *Metrics) appendRetry() {
	if m == nil {
		return
	}
	m.appendRetries.Inc()
}

func (m *Metrics) verified(valid bool, reason string) {
	if m == nil {
		return
	}
	if valid {
		m.verifications.WithLabelValues("valid").Inc()
		return
	}
	m.verifications.WithLabelValues("invalid").Inc()
	m.integrityViolations.WithLabelValues(reason).Inc()
}

func (m *Metrics) snapshotDone(status SnapshotStatus, size int64) {
	if m == nil {
		return
	}
	m.snapshots.WithLabelValues(string(status)).Inc()
	if status == SnapshotCompleted {
		m.snapshotBytes.Observe(float64(size))
	}
}

func (m *Metrics) delivered(sink string, err error) {
	if m == nil {
		return
	}
	m.sinkDeliveries.WithLabelValues(sink, result(err)).Inc()
}

func (m *Metrics) retentionDelete() {
	if m == nil {
		return
	}
	m.retentionDeleted.Inc()
}

func (m *Metrics) rotated() {
	if m == nil {
		return
	}
	m.rotations.Inc()
}
