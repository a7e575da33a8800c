/*
Package metrics provides Prometheus metrics collection and exposition for
an embedded pagestore persistence root.

A pagestore process is a library, not a cluster: there is no leader
election, no scheduler, no API gateway to instrument. What matters here is
the health of the single-writer commit pipeline and the retention sweep
that runs after each commit. This package's surface reflects
that: a handful of counters and gauges around commits, index maintenance,
and pruning, plus a small health-check registry for the store and its
background workers.

# Architecture

	+-------------------+       +-----------------------+
	| pkg/store         |------>| CommitsTotal          |
	| (transaction.go,  |       | CommitDuration        |
	|  commit pipeline) |       | TransactionsActive    |
	+-------------------+       +-----------------------+
	         |
	         v
	+-------------------+       +-----------------------+
	| pkg/store         |------>| PrunePassesTotal      |
	| (sweep.go,        |       | PrunedIterationsTotal |
	|  retention sweep) |       | PrunedFilesTotal      |
	+-------------------+       +-----------------------+

PageSplitsTotal and ReindexTotal are registered and exposed, but nothing
in this module increments them.

# Metrics

Commit pipeline (spec.md §4.9 "Commit"):

  - pagestore_commits_total{outcome}: counts commits by outcome
    (success, error).
  - pagestore_commit_duration_seconds: histogram of how long Commit
    takes, from persisting the first touched index through the
    retention sweep that follows.

Index maintenance (spec.md §4.5 page splitting, §4.9 reindex):

  - pagestore_page_splits_total: counts index page splits.
  - pagestore_reindex_total{kind}: counts index resets, by index kind
    (primary, direct, secondary).

Retention (spec.md §4.9 "Retention"):

  - pagestore_prune_passes_total: counts retention sweeps executed.
  - pagestore_pruned_iterations_total: counts iterations deleted by
    retention sweeps.
  - pagestore_pruned_files_total{kind}: counts on-disk files deleted by
    retention sweeps, by kind (iteration, root, manifest).

Transaction scheduling:

  - pagestore_transactions_active{mode}: in-flight transaction count by
    mode (read, write).

# Usage

Increment a counter at the point an event occurs:

	metrics.CommitsTotal.WithLabelValues("success").Inc()

Time an operation with Timer and record it on completion:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CommitDuration)

# HTTP Endpoints

Register the Prometheus handler and health endpoints on a ServeMux:

	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())

# Health Checks

RegisterComponent reports a named component's health (store, txn,
retention, chiefly) for the /health and /ready endpoints:

	metrics.RegisterComponent("store", true, "opened")
	metrics.RegisterComponent("retention", true, "idle")

/health returns "healthy" only when every registered component is
healthy, and "unhealthy" (with HTTP 503) as soon as any one is not.
/ready returns "ready" only when the store, txn and retention components
are all registered and currently healthy, and "not_ready" (with HTTP 503)
otherwise; /live always reports alive once the process is serving
requests.

# Prometheus Queries

Useful PromQL for dashboards and alerts:

  - Commit rate: rate(pagestore_commits_total[5m])
  - Commit error rate: rate(pagestore_commits_total{outcome="error"}[5m])
  - p95 commit latency: histogram_quantile(0.95, rate(pagestore_commit_duration_seconds_bucket[5m]))
  - Reindex rate by kind: rate(pagestore_reindex_total[5m])
  - Pruned files rate: rate(pagestore_pruned_files_total[5m])

# Alerting Rules

Recommended Prometheus alerts:

High Commit Error Rate:
  - Alert: rate(pagestore_commits_total{outcome="error"}[5m]) > 0.05
  - Description: More than 5% of commits failing
  - Action: Check store logs, disk space, underlying filesystem errors

Retention Sweeps Stalled:
  - Alert: increase(pagestore_prune_passes_total[1h]) == 0
  - Description: No retention sweep has run in the last hour
  - Action: Check that commits are landing; a sweep runs after every commit

High Commit Latency:
  - Alert: histogram_quantile(0.95, rate(pagestore_commit_duration_seconds_bucket[5m])) > 1
  - Description: p95 commit latency > 1 second
  - Action: Check disk I/O, page split frequency, index size

# Grafana Dashboards

Recommended dashboard panels:

Commit Pipeline:
  - Time series: Commit rate by outcome
  - Time series: p50/p95/p99 commit latency
  - Gauge: Active transactions by mode

Index Maintenance:
  - Time series: Page splits per second
  - Time series: Reindex events by kind

Retention:
  - Time series: Prune passes per hour
  - Time series: Pruned iterations and files over time

# See Also

  - Prometheus documentation: https://prometheus.io/docs/
  - Prometheus client library: https://github.com/prometheus/client_golang
  - PromQL tutorial: https://prometheus.io/docs/prometheus/latest/querying/basics/
  - Histogram best practices: https://prometheus.io/docs/practices/histograms/
*/
package metrics
