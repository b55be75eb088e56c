// Package metrics bundles the Prometheus collectors for the pipeline.
package metrics

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	registry *prometheus.Registry

	EventsSeen         prometheus.Counter
	EventsUndecodable  prometheus.Counter
	Batches            prometheus.Counter
	GenAttempts        *prometheus.CounterVec
	GenFailures        prometheus.Counter
	TriggerFires       *prometheus.CounterVec
	Deliveries         *prometheus.CounterVec
	PollErrors         prometheus.Counter
	TicksInFlight      prometheus.Gauge
	OutstandingBatches prometheus.Gauge
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		EventsSeen: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "deepimsg",
			Name:      "events_seen_total",
			Help:      "Raw events returned by the store poller",
		}),
		EventsUndecodable: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "deepimsg",
			Name:      "events_undecodable_total",
			Help:      "Events dropped because no content could be resolved",
		}),
		Batches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "deepimsg",
			Name:      "batches_total",
			Help:      "Coalesced batches handed to generation",
		}),
		GenAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deepimsg",
			Name:      "generation_attempts_total",
			Help:      "Generation calls by tier",
		}, []string{"tier"}),
		GenFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "deepimsg",
			Name:      "generation_failures_total",
			Help:      "Prompts for which no text could be generated",
		}),
		TriggerFires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deepimsg",
			Name:      "trigger_fires_total",
			Help:      "Scheduler trigger fires by kind",
		}, []string{"kind"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deepimsg",
			Name:      "deliveries_total",
			Help:      "Delivery attempts by outcome",
		}, []string{"outcome"}),
		PollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "deepimsg",
			Name:      "poll_errors_total",
			Help:      "Store polls that failed",
		}),
		TicksInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "deepimsg",
			Name:      "tick_running",
			Help:      "1 while a tick's synchronous work is in flight",
		}),
		OutstandingBatches: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "deepimsg",
			Name:      "outstanding_batches",
			Help:      "Per-batch tasks launched but not yet finished",
		}),
	}
	registry.MustRegister(
		m.EventsSeen, m.EventsUndecodable, m.Batches,
		m.GenAttempts, m.GenFailures, m.TriggerFires,
		m.Deliveries, m.PollErrors, m.TicksInFlight, m.OutstandingBatches,
	)
	return m
}

// Registry exposes the collectors for the status listener's /metrics.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
