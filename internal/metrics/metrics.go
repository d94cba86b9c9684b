package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	UploadsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "smeinsight_uploads_processed_total",
		Help: "Uploaded files run through validation, labelled by outcome kind.",
	}, []string{"outcome"})

	RowsValidated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "smeinsight_rows_validated_total",
		Help: "Rows validated, labelled accepted or rejected.",
	}, []string{"result"})

	BatchesWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "smeinsight_batches_written_total",
		Help: "Persistence batches, labelled succeeded or failed.",
	}, []string{"status"})

	MetricsPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "smeinsight_metrics_persisted_total",
		Help: "Metric records written to the store.",
	})

	CategoriesRemapped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "smeinsight_categories_remapped_total",
		Help: "Records whose free-text category fell back to the default category.",
	})

	TenantsProvisioned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "smeinsight_tenants_provisioned_total",
		Help: "Tenants created on first upload.",
	})

	SubmissionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "smeinsight_submission_duration_seconds",
		Help:    "End-to-end time to persist one submission.",
		Buckets: prometheus.DefBuckets,
	})

	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "smeinsight_jobs_processed_total",
		Help: "Background ingest jobs, labelled by final status.",
	}, []string{"status"})
)
