// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics of the compensation engine.
type Collector struct {
	registry *prometheus.Registry

	// Consumer metrics
	EventsConsumed *prometheus.CounterVec
	Deadlettered   *prometheus.CounterVec

	// Compensation metrics
	Actions       *prometheus.CounterVec
	Flushes       prometheus.Counter
	SagasStuck    prometheus.Gauge
	SagasSwept    prometheus.Counter
	HandleLatency *prometheus.HistogramVec
}

// NewCollector creates a collector with its own registry so tests never
// collide on duplicate registration.
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	eventsConsumed := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_consumed_total",
			Help:      "Messages consumed, labelled by queue and outcome",
		},
		[]string{"queue", "outcome"},
	)

	deadlettered := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_deadlettered_total",
			Help:      "Messages rejected to the dead letter queue",
		},
		[]string{"queue", "reason"},
	)

	actions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compensation_actions_total",
			Help:      "Compensation actions dispatched, labelled by resource and result",
		},
		[]string{"resource", "result"},
	)

	flushes := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failure_flushes_total",
			Help:      "Aggregation window flushes that started a compensation cycle",
		},
	)

	sagasStuck := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sagas_stuck",
			Help:      "Sagas sitting in a non-terminal status past the stuck threshold",
		},
	)

	sagasSwept := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sagas_swept_total",
			Help:      "Terminal sagas removed by the retention sweeper",
		},
	)

	handleLatency := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_handle_duration_seconds",
			Help:      "Time spent handling one consumed event",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"event_type"},
	)

	registry.MustRegister(eventsConsumed, deadlettered, actions, flushes, sagasStuck, sagasSwept, handleLatency)

	return &Collector{
		registry:       registry,
		EventsConsumed: eventsConsumed,
		Deadlettered:   deadlettered,
		Actions:        actions,
		Flushes:        flushes,
		SagasStuck:     sagasStuck,
		SagasSwept:     sagasSwept,
		HandleLatency:  handleLatency,
	}
}

// Registry returns the collector's registry for the /metrics handler.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
