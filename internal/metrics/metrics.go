// Package metrics holds the Prometheus collectors shared by the
// pipeline stages. The scheduler binary serves them; one-shot stage
// binaries still count, they just exit before scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// DatasetsTotal counts per-dataset ingestion outcomes.
	DatasetsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airwatch_datasets_total",
			Help: "Dataset ingestion outcomes by source and status",
		},
		[]string{"source", "status"}, // status=staged/skipped/failed/offline/empty
	)

	// RowsWrittenTotal counts rows actually written to the spatial
	// tables (conflict-skipped duplicates excluded).
	RowsWrittenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airwatch_rows_written_total",
			Help: "Rows written to spatial tables by table",
		},
		[]string{"table"},
	)

	// StageDurationSeconds tracks wall-clock time per pipeline stage.
	StageDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "airwatch_stage_duration_seconds",
			Help:    "Duration of pipeline stages",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"stage"},
	)

	// StageRunsTotal counts stage executions by outcome.
	StageRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airwatch_stage_runs_total",
			Help: "Stage executions by stage and outcome",
		},
		[]string{"stage", "status"}, // status=success/failure
	)

	// AnomaliesFoundTotal counts anomalies flagged per parameter.
	AnomaliesFoundTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airwatch_anomalies_found_total",
			Help: "Anomalies flagged by the training stage per parameter",
		},
		[]string{"parameter"},
	)
)

// Handler exposes the default registry for the scheduler's /metrics
// endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
