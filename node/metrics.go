package node

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	spawnedProcesses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hive",
			Subsystem: "node",
			Name:      "spawned_processes_total",
			Help:      "The total number of successfully spawned processes.",
		}, []string{"node"})
	aliveProcesses = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "hive",
			Subsystem: "node",
			Name:      "alive_processes",
			Help:      "The number of running processes.",
		}, []string{"node"})
	terminatedProcesses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hive",
			Subsystem: "node",
			Name:      "terminated_processes_total",
			Help:      "The total number of terminated processes by the reason.",
		}, []string{"node", "reason"})
	deliveredMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hive",
			Subsystem: "node",
			Name:      "delivered_messages_total",
			Help:      "The total number of messages put into the mailboxes.",
		}, []string{"node"})
)

// InitMetrics registers all metrics in this file
func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(spawnedProcesses)
	registry.MustRegister(aliveProcesses)
	registry.MustRegister(terminatedProcesses)
	registry.MustRegister(deliveredMessages)
}

type nodeMetrics struct {
	spawned    prometheus.Counter
	alive      prometheus.Gauge
	terminated *prometheus.CounterVec
	delivered  prometheus.Counter
}

func newNodeMetrics(name string) nodeMetrics {
	return nodeMetrics{
		spawned:    spawnedProcesses.WithLabelValues(name),
		alive:      aliveProcesses.WithLabelValues(name),
		terminated: terminatedProcesses.MustCurryWith(prometheus.Labels{"node": name}),
		delivered:  deliveredMessages.WithLabelValues(name),
	}
}

func (m nodeMetrics) cleanup(name string) {
	spawnedProcesses.DeleteLabelValues(name)
	aliveProcesses.DeleteLabelValues(name)
	terminatedProcesses.DeletePartialMatch(prometheus.Labels{"node": name})
	deliveredMessages.DeleteLabelValues(name)
}
