// Package metrics defines the orchestrator's Prometheus instrumentation:
// gauges sampled from the gateway's outbox and the pipeline's queues,
// exposed at GET /metrics via promhttp.Handler().
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the orchestrator's registered collector set.
type Metrics struct {
	ConnectedPilots prometheus.Gauge
	OutboxSize      prometheus.Gauge
	DataQueueDepth  prometheus.Gauge
	TrialQueueDepth prometheus.Gauge
	DataDropped     prometheus.Gauge
	TrialDropped    prometheus.Gauge
}

// New registers and returns the orchestrator's metrics against registry.
func New(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectedPilots: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "orchestrator", Name: "connected_pilots", Help: "Number of pilots with a live websocket connection.",
		}),
		OutboxSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "orchestrator", Name: "outbox_size", Help: "Number of envelopes awaiting CONFIRM.",
		}),
		DataQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "orchestrator", Subsystem: "pipeline", Name: "data_queue_depth", Help: "Pending items in the data queue.",
		}),
		TrialQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "orchestrator", Subsystem: "pipeline", Name: "trial_queue_depth", Help: "Pending items in the trial queue.",
		}),
		DataDropped: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "orchestrator", Subsystem: "pipeline", Name: "data_dropped_total", Help: "Cumulative data events dropped due to a full queue.",
		}),
		TrialDropped: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "orchestrator", Subsystem: "pipeline", Name: "trial_dropped_total", Help: "Cumulative trial events dropped due to a full queue.",
		}),
	}

	registry.MustRegister(m.ConnectedPilots, m.OutboxSize, m.DataQueueDepth, m.TrialQueueDepth, m.DataDropped, m.TrialDropped)
	return m
}
