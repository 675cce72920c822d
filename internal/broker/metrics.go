package broker

import "github.com/prometheus/client_golang/prometheus"

var (
	messagesEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cinder_broker_messages_enqueued_total",
			Help: "Messages queued for workers.",
		},
		[]string{"type"},
	)

	messagesDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cinder_broker_messages_delivered_total",
			Help: "Messages handed to a worker checkin.",
		},
		[]string{"type"},
	)

	messagesRequeued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cinder_broker_messages_requeued_total",
		Help: "Messages put back after a failed hand-off.",
	})

	repliesDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cinder_broker_replies_delivered_total",
		Help: "Socket replies handed to a waiter.",
	})

	repliesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cinder_broker_replies_dropped_total",
		Help: "Socket replies dropped because nobody was waiting.",
	})

	sessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cinder_broker_sessions",
		Help: "Live worker sessions.",
	})

	checkinsWaiting = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cinder_broker_checkins_waiting",
		Help: "Checkins currently suspended waiting for a message.",
	})
)

func init() {
	prometheus.MustRegister(messagesEnqueued, messagesDelivered, messagesRequeued,
		repliesDelivered, repliesDropped, sessionsActive, checkinsWaiting)
}
