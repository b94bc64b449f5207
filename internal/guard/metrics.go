package guard

import "github.com/prometheus/client_golang/prometheus"

var guardDecisionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "library_portal_guard_decisions_total",
		Help: "Terminal guard decisions, by decision kind.",
	},
	[]string{"decision"},
)

func init() {
	prometheus.MustRegister(guardDecisionsTotal)
}
