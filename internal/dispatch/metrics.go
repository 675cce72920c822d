package dispatch

import "github.com/prometheus/client_golang/prometheus"

var (
	bundlesDispatched = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cinder_dispatch_bundles_total",
		Help: "Run bundles handed to workers.",
	})

	passDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cinder_dispatch_pass_duration_seconds",
		Help:    "Duration of one scheduling pass.",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(bundlesDispatched, passDuration)
}
