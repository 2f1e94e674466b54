package protocol

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	sessionsOpened = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hive",
			Subsystem: "protocol",
			Name:      "sessions_opened_total",
			Help:      "The total number of session endpoints opened by the processes.",
		})
	sessionsAborted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hive",
			Subsystem: "protocol",
			Name:      "sessions_aborted_total",
			Help:      "The total number of sessions closed before the end of the protocol.",
		})
	violations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hive",
			Subsystem: "protocol",
			Name:      "violations_total",
			Help:      "The total number of protocol violations.",
		})
)

// InitMetrics registers all metrics in this file
func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(sessionsOpened)
	registry.MustRegister(sessionsAborted)
	registry.MustRegister(violations)
}
