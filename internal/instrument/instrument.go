// Package instrument holds the Prometheus collectors shared by the hub,
// the notifier and the retention loop.
package instrument

import "github.com/prometheus/client_golang/prometheus"

const namespace = "talonwatch"

// Metrics groups every collector talonwatch exports.
type Metrics struct {
	AgentsConnected   prometheus.Gauge
	ViewersConnected  prometheus.Gauge
	AgentFrames       *prometheus.CounterVec
	BroadcastDropped  prometheus.Counter
	HelloRejected     *prometheus.CounterVec
	AlertsSent        *prometheus.CounterVec
	AlertSendFailures *prometheus.CounterVec
	SamplesPruned     prometheus.Counter
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AgentsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agents_connected",
			Help:      "Number of authenticated agent sessions.",
		}),
		ViewersConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "viewers_connected",
			Help:      "Number of open viewer sockets.",
		}),
		AgentFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_frames_total",
			Help:      "Inbound agent frames by message type.",
		}, []string{"type"}),
		BroadcastDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_dropped_total",
			Help:      "Viewer events dropped because the viewer's buffer was full.",
		}),
		HelloRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hello_rejected_total",
			Help:      "Rejected agent hellos by reason.",
		}, []string{"reason"}),
		AlertsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_sent_total",
			Help:      "Alerts delivered to the notification channel by category.",
		}, []string{"category"}),
		AlertSendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_send_failures_total",
			Help:      "Failed notification batches by error kind.",
		}, []string{"kind"}),
		SamplesPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_pruned_total",
			Help:      "Metric samples removed by the retention loop.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.AgentsConnected,
			m.ViewersConnected,
			m.AgentFrames,
			m.BroadcastDropped,
			m.HelloRejected,
			m.AlertsSent,
			m.AlertSendFailures,
			m.SamplesPruned,
		)
	}
	return m
}
