// Package metrics exposes farm counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tendant/simple-renderfarm/internal/process"
	"github.com/tendant/simple-renderfarm/pkg/schema"
)

type Metrics struct {
	FramesDispatched   prometheus.Counter
	FramesCompleted    *prometheus.CounterVec
	FramesFailed       prometheus.Counter
	Animations         prometheus.Counter
	JobsSubmitted      prometheus.Counter
	ProtocolViolations *prometheus.CounterVec
	ClientsConnected   prometheus.Gauge
	Workers            *prometheus.GaugeVec
}

// New creates the farm metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "renderfarm", Name: "frames_dispatched_total",
			Help: "Frames assigned to workers.",
		}),
		FramesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "renderfarm", Name: "frames_completed_total",
			Help: "Frame results received, by outcome.",
		}, []string{"outcome"}),
		FramesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "renderfarm", Name: "frames_failed_total",
			Help: "Frame renders reported as failed by workers.",
		}),
		Animations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "renderfarm", Name: "animations_total",
			Help: "Animations assembled for current jobs.",
		}),
		JobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "renderfarm", Name: "jobs_submitted_total",
			Help: "Jobs submitted, including the default job.",
		}),
		ProtocolViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "renderfarm", Name: "protocol_violations_total",
			Help: "Malformed or rejected messages received from clients, by reason.",
		}, []string{"reason"}),
		ClientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "renderfarm", Name: "clients_connected",
			Help: "Connected websocket clients.",
		}),
		Workers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "renderfarm", Name: "workers",
			Help: "Registered workers by state.",
		}, []string{"state"}),
	}
	if reg != nil {
		reg.MustRegister(m.FramesDispatched, m.FramesCompleted, m.FramesFailed, m.Animations,
			m.JobsSubmitted, m.ProtocolViolations, m.ClientsConnected, m.Workers)
	}
	return m
}

// ObserveRegistry sets the per-state worker gauges from snap.
func (m *Metrics) ObserveRegistry(snap process.Snapshot) {
	for _, state := range []schema.WorkerState{schema.WorkerPending, schema.WorkerReady, schema.WorkerWorking, schema.WorkerError} {
		m.Workers.WithLabelValues(string(state)).Set(float64(snap.Count(state)))
	}
}

// Violation counts one bad message from a client.
func (m *Metrics) Violation(reason string) {
	m.ProtocolViolations.WithLabelValues(reason).Inc()
}
