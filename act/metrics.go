package act

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	handledMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hive",
			Subsystem: "actor",
			Name:      "handled_messages_total",
			Help:      "The total number of envelopes handled by the actors.",
		}, []string{"kind"})
	childRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hive",
			Subsystem: "supervisor",
			Name:      "child_restarts_total",
			Help:      "The total number of restarts of the supervised children.",
		}, []string{"child"})
	restartLimitExceeded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hive",
			Subsystem: "supervisor",
			Name:      "restart_limit_exceeded_total",
			Help:      "The total number of supervisors terminated by the restart intensity.",
		})
)

// InitMetrics registers all metrics in this file
func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(handledMessages)
	registry.MustRegister(childRestarts)
	registry.MustRegister(restartLimitExceeded)
}
