// Package metrics registers the Prometheus series that make the control
// loops in spec.md §4 externally observable: store operation latency,
// replication connection state, expiry pass outcomes, and snapshot/delta
// emission. It follows cuemby-warren's pkg/metrics package shape (vars +
// init() registration + a small Timer helper).
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// StoreOpDuration tracks Store method latency by operation name.
	StoreOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "repstore_store_op_duration_seconds",
			Help:    "Duration of store operations in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// MutationsTotal counts mutations applied by the master pipeline, by
	// kind (report|whitelist|erase).
	MutationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repstore_mutations_total",
			Help: "Total mutations applied by the master pipeline.",
		},
		[]string{"kind"},
	)

	// MutationRetriesTotal counts bounded-retry attempts after a
	// transient store failure (spec.md §4.2 step 5).
	MutationRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "repstore_mutation_retries_total",
			Help: "Total mutation retries after a transient store failure.",
		},
	)

	// ReplicationUp reports 1 when the slave's forwarding channel is
	// Connected, 0 otherwise (spec.md §4.4 state machine).
	ReplicationUp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "repstore_replication_up",
			Help: "1 if the replication forwarding channel is connected, else 0.",
		},
	)

	// ReplicationReconnectsTotal counts forwarding-channel reconnect
	// attempts.
	ReplicationReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "repstore_replication_reconnects_total",
			Help: "Total forwarding-channel reconnect attempts.",
		},
	)

	// ForwardQueueDepth reports the slave's pending-mutation queue depth.
	ForwardQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "repstore_forward_queue_depth",
			Help: "Number of mutations buffered for upstream forwarding.",
		},
	)

	// ExpiryPassDuration tracks expiry.Pass wall-clock time.
	ExpiryPassDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "repstore_expiry_pass_duration_seconds",
			Help:    "Duration of a single expiry pass.",
			Buckets: prometheus.DefBuckets,
		},
	)

	// ExpiryResetTotal counts records reset by the expiry loop.
	ExpiryResetTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "repstore_expiry_reset_total",
			Help: "Total records reset by the expiry loop.",
		},
	)

	// SnapshotDuration tracks full-snapshot write time.
	SnapshotDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "repstore_snapshot_duration_seconds",
			Help:    "Duration of a full snapshot write.",
			Buckets: prometheus.DefBuckets,
		},
	)

	// DeltaDuration tracks incremental-update write time.
	DeltaDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "repstore_delta_duration_seconds",
			Help:    "Duration of an incremental delta write.",
			Buckets: prometheus.DefBuckets,
		},
	)

	// ArtifactsWrittenTotal counts snapshot/delta files written, by kind.
	ArtifactsWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repstore_artifacts_written_total",
			Help: "Total snapshot/delta artifacts written.",
		},
		[]string{"kind"},
	)

	// StatsRingReportsTotal mirrors stats.Ring.Report as a cumulative,
	// scrape-friendly counter (the ring itself only keeps a short sliding
	// window).
	StatsRingReportsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "repstore_ops_total",
			Help: "Cumulative count of reported operations (mirrors the in-process statistics ring).",
		},
	)
)

func init() {
	prometheus.MustRegister(
		StoreOpDuration,
		MutationsTotal,
		MutationRetriesTotal,
		ReplicationUp,
		ReplicationReconnectsTotal,
		ForwardQueueDepth,
		ExpiryPassDuration,
		ExpiryResetTotal,
		SnapshotDuration,
		DeltaDuration,
		ArtifactsWrittenTotal,
		StatsRingReportsTotal,
	)
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times an operation and records it against a histogram on Stop.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time against histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time against a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram *prometheus.HistogramVec, labelValues ...string) {
	histogram.WithLabelValues(labelValues...).Observe(time.Since(t.start).Seconds())
}
