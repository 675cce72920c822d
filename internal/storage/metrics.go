package storage

import "github.com/prometheus/client_golang/prometheus"

var (
	bytesWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cinder_storage_bytes_written_total",
			Help: "Logical bytes committed to bundle stores.",
		},
		[]string{"storage_type"},
	)

	bytesRead = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cinder_storage_bytes_read_total",
			Help: "Bytes served from bundle stores, before content encoding.",
		},
		[]string{"storage_type"},
	)

	writeFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cinder_storage_write_failures_total",
		Help: "Uploads that did not reach a bundle store.",
	})
)

func init() {
	prometheus.MustRegister(bytesWritten, bytesRead, writeFailures)
}
