// Package metrics defines the Prometheus collectors for the storage
// engine and the orchestration pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RowsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "factline_rows_written_total",
		Help: "Fact rows actually written or changed, per kind.",
	}, []string{"kind"})

	BatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "factline_pipeline_batches_total",
		Help: "Pipeline batches by terminal status.",
	}, []string{"status"})

	SubjectsFiltered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "factline_pipeline_subjects_filtered_total",
		Help: "Subjects skipped because their facts were already computed.",
	})

	ComputeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "factline_pipeline_compute_errors_total",
		Help: "Per-subject compute failures.",
	})

	JournalAppends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "factline_journal_appends_total",
		Help: "Events appended to the journal, per topic.",
	}, []string{"topic"})

	PersistDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "factline_persist_seconds",
		Help:    "Latency of one bulk add against the row store.",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})
)
