package sqlitecluster

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Coordinator-level gauges are process-wide — there is exactly one
// Coordinator per process — so their label sets are empty; the vector type
// is kept anyway so a future per-shard or per-facade label can be added
// without changing call sites.
var (
	coordinatorCommitCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sqlitecluster_commit_count",
		Help: "Current commit-id counter.",
	}, []string{})

	coordinatorInFlightDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sqlitecluster_inflight_depth",
		Help: "Number of prepared transactions not yet drained.",
	}, []string{})

	// The "id" label is the facade's session id (a fresh uuid per Open call,
	// not the shard name), since multiple concurrent-writer handles can
	// share one "db" label when they're bound to the same shard.
	dbCommitDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sqlitecluster_db_commit_duration_seconds",
		Help:    "Duration of successful commits, by facade.",
		Buckets: prometheus.DefBuckets,
	}, []string{"db", "id"})

	dbAuthorizationDeniedCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sqlitecluster_db_authorization_denied_count",
		Help: "Number of statements rejected by the authorizer, by facade.",
	}, []string{"db", "id"})

	dbWriteCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sqlitecluster_db_write_count",
		Help: "Number of write statements accepted into a transaction, by facade.",
	}, []string{"db", "id"})
)
