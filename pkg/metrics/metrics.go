package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Commit pipeline metrics (spec.md §4.9 "Commit").
	CommitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagestore_commits_total",
			Help: "Total number of transaction commits by outcome",
		},
		[]string{"outcome"},
	)

	CommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pagestore_commit_duration_seconds",
			Help:    "Time taken to commit a transaction, including the retention sweep that follows",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Index metrics (spec.md §4.5 page splitting, §4.9 reindex).
	PageSplitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pagestore_page_splits_total",
			Help: "Total number of index page splits",
		},
	)

	ReindexTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagestore_reindex_total",
			Help: "Total number of index resets by index kind",
		},
		[]string{"kind"},
	)

	// Retention metrics (spec.md §4.9 "Retention").
	PrunePassesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pagestore_prune_passes_total",
			Help: "Total number of retention sweeps executed",
		},
	)

	PrunedIterationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pagestore_pruned_iterations_total",
			Help: "Total number of iterations deleted by retention sweeps",
		},
	)

	PrunedFilesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagestore_pruned_files_total",
			Help: "Total number of on-disk files deleted by retention sweeps, by kind",
		},
		[]string{"kind"},
	)

	// Transaction scheduler metrics (spec.md §4.9 "Transaction scheduling").
	TransactionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pagestore_transactions_active",
			Help: "Number of in-flight transactions by mode (read/write)",
		},
		[]string{"mode"},
	)
)

func init() {
	prometheus.MustRegister(CommitsTotal)
	prometheus.MustRegister(CommitDuration)
	prometheus.MustRegister(PageSplitsTotal)
	prometheus.MustRegister(ReindexTotal)
	prometheus.MustRegister(PrunePassesTotal)
	prometheus.MustRegister(PrunedIterationsTotal)
	prometheus.MustRegister(PrunedFilesTotal)
	prometheus.MustRegister(TransactionsActive)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
