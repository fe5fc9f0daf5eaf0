// Package metrics exposes Prometheus instrumentation for the consensus
// core: commit latency, replication lag, and RSM apply progress.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// IsLeader is 1 when this proposer holds leadership for its history, 0
	// otherwise (gauge per proposer instance is expected to call Set, not
	// use a label, since only one proposer runs per process in practice).
	IsLeader = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chronicle_proposer_is_leader",
		Help: "Whether this proposer currently holds leadership (1) or not (0).",
	})

	CommittedSeqno = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chronicle_proposer_committed_seqno",
		Help: "Highest committed seqno known to the proposer.",
	})

	PendingHighSeqno = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chronicle_proposer_pending_high_seqno",
		Help: "Highest seqno assigned to a pending (not yet committed) entry.",
	})

	LivePeers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chronicle_proposer_live_peers",
		Help: "Number of peers the proposer currently considers live.",
	})

	CommitLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chronicle_proposer_commit_latency_seconds",
		Help:    "Time from appending an entry to its seqno committing.",
		Buckets: prometheus.DefBuckets,
	})

	EstablishTermLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chronicle_proposer_establish_term_latency_seconds",
		Help:    "Time spent in EstablishingTerm before a proposer becomes Proposing or stops.",
		Buckets: prometheus.DefBuckets,
	})

	ProposerStops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chronicle_proposer_stops_total",
		Help: "Terminations of a proposer, labeled by reason.",
	}, []string{"reason"})

	RsmAppliedSeqno = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chronicle_rsm_applied_seqno",
		Help: "Highest seqno a named RSM has applied.",
	}, []string{"rsm"})

	RsmApplyLag = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chronicle_rsm_apply_lag",
		Help: "AvailableSeqno - AppliedSeqno for a named RSM.",
	}, []string{"rsm"})

	RsmApplyBatchSize = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chronicle_rsm_apply_batch_size",
		Help:    "Number of entries applied per reader batch.",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
	}, []string{"rsm"})

	SyncRevisionWaiters = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chronicle_rsm_sync_revision_waiters",
		Help: "Number of clients blocked on syncRevision for a named RSM.",
	}, []string{"rsm"})
)

// Register registers every collector with reg. Call once at process start;
// tests that need isolation should use a fresh prometheus.Registry.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		IsLeader,
		CommittedSeqno,
		PendingHighSeqno,
		LivePeers,
		CommitLatency,
		EstablishTermLatency,
		ProposerStops,
		RsmAppliedSeqno,
		RsmApplyLag,
		RsmApplyBatchSize,
		SyncRevisionWaiters,
	)
}

// Timer is a small helper for timing an operation and observing its
// duration into a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time since NewTimer into histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed time into a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}

// Duration returns the elapsed time since NewTimer.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
