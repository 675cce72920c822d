package lifecycle

import "github.com/prometheus/client_golang/prometheus"

var transitionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "cinder_bundle_transitions_total",
		Help: "Total number of bundle state transitions.",
	},
	[]string{"from", "to"},
)

func init() {
	prometheus.MustRegister(transitionsTotal)
}
