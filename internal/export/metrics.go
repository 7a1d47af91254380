package export

import "github.com/prometheus/client_golang/prometheus"

var (
	// exportRequestsTotal tracks the number of batch export attempts.
	exportRequestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_gate_export_requests_total",
		Help: "Total number of batch export attempts",
	})

	// exportErrorsTotal tracks export failures by error type.
	exportErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_gate_export_errors_total",
		Help: "Total number of batch export failures by error type",
	}, []string{"error_type"})

	// exportRecordsTotal tracks records successfully exported downstream.
	exportRecordsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_gate_export_records_total",
		Help: "Total number of records exported downstream",
	})

	// exportBytesTotal tracks bytes sent downstream by content encoding.
	exportBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_gate_export_bytes_total",
		Help: "Total bytes sent to the downstream endpoint",
	}, []string{"encoding"})

	// queueDepth tracks the number of records waiting for export.
	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "telemetry_gate_export_queue_depth",
		Help: "Number of records waiting in the export queue",
	})

	// currentBackoffSeconds tracks the current retry backoff.
	currentBackoffSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "telemetry_gate_export_backoff_seconds",
		Help: "Current export retry backoff in seconds",
	})
)

func init() {
	prometheus.MustRegister(exportRequestsTotal)
	prometheus.MustRegister(exportErrorsTotal)
	prometheus.MustRegister(exportRecordsTotal)
	prometheus.MustRegister(exportBytesTotal)
	prometheus.MustRegister(queueDepth)
	prometheus.MustRegister(currentBackoffSeconds)
}
