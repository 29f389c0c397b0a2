package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for TrancheLedger.
type Metrics struct {
	// --- Engine ---
	SyncsApplied     *prometheus.CounterVec
	SyncsRejected    *prometheus.CounterVec
	SyncDuration     *prometheus.HistogramVec
	Distributions    *prometheus.CounterVec
	FeesAccrued      *prometheus.CounterVec
	EffectiveNAV     *prometheus.GaugeVec
	CoverageDebt     *prometheus.GaugeVec
	UtilizationRatio *prometheus.GaugeVec
	YieldAccumulator *prometheus.GaugeVec
	NotifyDrops      prometheus.Counter

	// --- Kernel ---
	KernelOps       *prometheus.CounterVec
	OpsDeduplicated *prometheus.CounterVec

	// --- Ingestion ---
	MarksApplied  *prometheus.CounterVec
	MarksRejected *prometheus.CounterVec

	// --- Persistence ---
	PersistCheckpointsWritten prometheus.Counter
	PersistBatchDur           prometheus.Histogram
	PersistBatchSize          prometheus.Histogram
	PersistErrors             *prometheus.CounterVec
	PersistLastSequence       *prometheus.GaugeVec

	// --- Publisher ---
	EventsPublished *prometheus.CounterVec
	PublishErrors   prometheus.Counter

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000005, 0.00001, 0.000025, 0.00005, 0.0001,
		0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	queryBuckets := []float64{
		0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25,
	}

	return &Metrics{
		SyncsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tranche_syncs_applied_total",
			Help: "Sync operations committed by the engine",
		}, []string{"market", "kind"}),

		SyncsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tranche_syncs_rejected_total",
			Help: "Sync operations rejected (auth, invalid post-op, coverage, conservation)",
		}, []string{"kind", "reason"}),

		SyncDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tranche_sync_duration_seconds",
			Help:    "Time to run one sync operation",
			Buckets: latencyBuckets,
		}, []string{"kind"}),

		Distributions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tranche_distributions_total",
			Help: "Genuine yield distributions (accrual window resets)",
		}, []string{"market"}),

		FeesAccrued: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tranche_fees_accrued_micro",
			Help: "Protocol fees earmarked, micro-units",
		}, []string{"market", "tranche"}),

		EffectiveNAV: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tranche_effective_nav_micro",
			Help: "Effective NAV at the last checkpoint, micro-units",
		}, []string{"market", "tranche"}),

		CoverageDebt: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tranche_coverage_debt_micro",
			Help: "Cross-tranche coverage debt at the last checkpoint, micro-units",
		}, []string{"market", "direction"}),

		UtilizationRatio: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tranche_coverage_utilization_ratio",
			Help: "Required coverage over JT effective NAV (1.0 == saturated)",
		}, []string{"market"}),

		YieldAccumulator: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tranche_yield_accumulator_rate_seconds",
			Help: "Time-weighted yield-share accumulator",
		}, []string{"market"}),

		NotifyDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tranche_notify_drops_total",
			Help: "Checkpoint notifications dropped on full channel",
		}),

		KernelOps: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tranche_kernel_ops_total",
			Help: "Kernel deposit/withdraw/mark operations by outcome",
		}, []string{"op", "outcome"}),

		OpsDeduplicated: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tranche_kernel_ops_deduplicated_total",
			Help: "Kernel operations skipped as duplicates",
		}, []string{"tier"}),

		MarksApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tranche_marks_applied_total",
			Help: "Valuation marks applied via pre-sync",
		}, []string{"market"}),

		MarksRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tranche_marks_rejected_total",
			Help: "Valuation marks rejected before reaching the engine",
		}, []string{"reason"}),

		PersistCheckpointsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tranche_persist_checkpoints_written_total",
			Help: "Checkpoint rows written to Postgres",
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "tranche_persist_batch_duration_seconds",
			Help:    "Time to flush one checkpoint batch",
			Buckets: queryBuckets,
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "tranche_persist_batch_size",
			Help:    "Checkpoints per flushed batch",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tranche_persist_errors_total",
			Help: "Persistence failures by stage",
		}, []string{"stage"}),

		PersistLastSequence: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tranche_persist_last_sequence",
			Help: "Last checkpoint sequence durably written, per market",
		}, []string{"market"}),

		EventsPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tranche_events_published_total",
			Help: "Outbound events published to NATS",
		}, []string{"event_type"}),

		PublishErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tranche_publish_errors_total",
			Help: "Outbound publish failures (non-fatal)",
		}),

		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tranche_query_requests_total",
			Help: "Query API requests",
		}, []string{"endpoint"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tranche_query_duration_seconds",
			Help:    "Query API latency",
			Buckets: queryBuckets,
		}, []string{"endpoint"}),

		QueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tranche_query_errors_total",
			Help: "Query API errors",
		}, []string{"endpoint"}),
	}
}
