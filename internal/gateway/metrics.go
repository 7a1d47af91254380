package gateway

import "github.com/prometheus/client_golang/prometheus"

var (
	// ingestRequestsTotal tracks ingest outcomes by wire code ("queued" for
	// accepted requests). Dotted-path suffixes are stripped from codes to
	// keep cardinality low.
	ingestRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_gate_ingest_requests_total",
		Help: "Total ingest requests by outcome code",
	}, []string{"code"})

	// ingestDurationSeconds tracks ingest request latency.
	ingestDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "telemetry_gate_ingest_duration_seconds",
		Help:    "Ingest request duration",
		Buckets: prometheus.DefBuckets,
	})

	// idempotentReplaysTotal tracks responses served from the idempotency cache.
	idempotentReplaysTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_gate_idempotent_replays_total",
		Help: "Total responses replayed from the idempotency cache",
	})

	// keyRotationsTotal tracks admin-triggered key rotations.
	keyRotationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_gate_key_rotations_total",
		Help: "Total admin key rotations",
	})
)

func init() {
	prometheus.MustRegister(ingestRequestsTotal)
	prometheus.MustRegister(ingestDurationSeconds)
	prometheus.MustRegister(idempotentReplaysTotal)
	prometheus.MustRegister(keyRotationsTotal)
}
