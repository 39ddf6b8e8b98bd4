package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters, histograms, and gauges exported by
// the server and worker processes.
type Metrics struct {
	RecordsParsed  *prometheus.CounterVec // labels: region={jp,nz}, outcome={ok,error}
	RecordsStored  prometheus.Counter
	RecordsIndexed prometheus.Counter
	ParseErrors    *prometheus.CounterVec // labels: region={jp,nz}

	UploadTaskDuration prometheus.Histogram
	UploadTaskSize     prometheus.Histogram

	HTTPRequests        *prometheus.CounterVec   // labels: method, path, status
	HTTPRequestDuration *prometheus.HistogramVec // labels: method, path

	BrokerJobsDispatched *prometheus.CounterVec // labels: job={parse_archive,process_record}
	BrokerJobsRetried    prometheus.Counter
	WorkerPresence       prometheus.Gauge

	MongoOperationDuration   *prometheus.HistogramVec // labels: operation
	ElasticOperationDuration *prometheus.HistogramVec // labels: operation
}

// NewMetrics creates and registers all service metrics with the default
// Prometheus registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		RecordsParsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "motion_base",
			Name:      "records_parsed_total",
			Help:      "Vendor records parsed, by region and outcome.",
		}, []string{"region", "outcome"}),
		RecordsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "motion_base",
			Name:      "records_stored_total",
			Help:      "Records successfully persisted to the record store.",
		}),
		RecordsIndexed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "motion_base",
			Name:      "records_indexed_total",
			Help:      "Records successfully written to the search index.",
		}),
		ParseErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "motion_base",
			Name:      "parse_errors_total",
			Help:      "Archive entries that failed to parse, by region.",
		}, []string{"region"}),
		UploadTaskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "motion_base",
			Name:      "upload_task_duration_seconds",
			Help:      "Wall-clock duration of an upload task from creation to completion.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		UploadTaskSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "motion_base",
			Name:      "upload_task_size_bytes",
			Help:      "Size in bytes of uploaded archives.",
			Buckets:   prometheus.ExponentialBuckets(1<<16, 4, 8),
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "motion_base",
			Name:      "http_requests_total",
			Help:      "HTTP requests served, by method, path, and status class.",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "motion_base",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP handler duration in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"method", "path"}),
		BrokerJobsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "motion_base",
			Name:      "broker_jobs_dispatched_total",
			Help:      "Jobs dispatched to the broker or run locally, by job type.",
		}, []string{"job"}),
		BrokerJobsRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "motion_base",
			Name:      "broker_jobs_retried_total",
			Help:      "Broker job delivery retries after a failed handler attempt.",
		}),
		WorkerPresence: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "motion_base",
			Name:      "broker_worker_present",
			Help:      "1 while this process is consuming the job queue, 0 otherwise.",
		}),
		MongoOperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "motion_base",
			Name:      "mongo_operation_duration_seconds",
			Help:      "Mongo driver call duration in seconds, by operation.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5},
		}, []string{"operation"}),
		ElasticOperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "motion_base",
			Name:      "elastic_operation_duration_seconds",
			Help:      "Elasticsearch client call duration in seconds, by operation.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5},
		}, []string{"operation"}),
	}

	prometheus.MustRegister(
		m.RecordsParsed,
		m.RecordsStored,
		m.RecordsIndexed,
		m.ParseErrors,
		m.UploadTaskDuration,
		m.UploadTaskSize,
		m.HTTPRequests,
		m.HTTPRequestDuration,
		m.BrokerJobsDispatched,
		m.BrokerJobsRetried,
		m.WorkerPresence,
		m.MongoOperationDuration,
		m.ElasticOperationDuration,
	)

	return m
}

// NewMetricsForTesting creates Metrics without touching the default
// registry, to avoid "already registered" panics when called from multiple
// tests.
func NewMetricsForTesting() *Metrics {
	return &Metrics{
		RecordsParsed:            prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: "motion_base", Name: "records_parsed_total"}, []string{"region", "outcome"}),
		RecordsStored:            prometheus.NewCounter(prometheus.CounterOpts{Namespace: "motion_base", Name: "records_stored_total"}),
		RecordsIndexed:           prometheus.NewCounter(prometheus.CounterOpts{Namespace: "motion_base", Name: "records_indexed_total"}),
		ParseErrors:              prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: "motion_base", Name: "parse_errors_total"}, []string{"region"}),
		UploadTaskDuration:       prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: "motion_base", Name: "upload_task_duration_seconds"}),
		UploadTaskSize:           prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: "motion_base", Name: "upload_task_size_bytes"}),
		HTTPRequests:             prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: "motion_base", Name: "http_requests_total"}, []string{"method", "path", "status"}),
		HTTPRequestDuration:      prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: "motion_base", Name: "http_request_duration_seconds"}, []string{"method", "path"}),
		BrokerJobsDispatched:     prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: "motion_base", Name: "broker_jobs_dispatched_total"}, []string{"job"}),
		BrokerJobsRetried:        prometheus.NewCounter(prometheus.CounterOpts{Namespace: "motion_base", Name: "broker_jobs_retried_total"}),
		WorkerPresence:           prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "motion_base", Name: "broker_worker_present"}),
		MongoOperationDuration:   prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: "motion_base", Name: "mongo_operation_duration_seconds"}, []string{"operation"}),
		ElasticOperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: "motion_base", Name: "elastic_operation_duration_seconds"}, []string{"operation"}),
	}
}
