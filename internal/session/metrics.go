package session

import "github.com/prometheus/client_golang/prometheus"

var (
	identityFetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "library_portal_identity_fetches_total",
			Help: "Identity fetches issued to the upstream auth endpoint, by outcome.",
		},
		[]string{"outcome"},
	)
	identityFetchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "library_portal_identity_fetch_duration_seconds",
			Help:    "Identity fetch latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
	storeOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "library_portal_session_store_operations_total",
			Help: "Session store operations, by operation and result (hit, fetch, joined).",
		},
		[]string{"op", "result"},
	)
)

func init() {
	prometheus.MustRegister(identityFetchesTotal, identityFetchDuration, storeOperationsTotal)
}
