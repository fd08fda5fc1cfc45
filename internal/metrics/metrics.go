// Package metrics exposes pipeline and stream measurements to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/harvester/internal/oplog"
)

const metricsNamespace = "harvester"

// Collector is a prometheus.Collector for the harvester and the SSE hub.
// It implements harvest.Observer and stream.Observer.
type Collector struct {
	invocations        *prometheus.CounterVec
	retries            *prometheus.CounterVec
	stuckInvocations   prometheus.Gauge
	checkpointSeconds  prometheus.Gauge
	checkpointSequence prometheus.Gauge
	throttleQueue      prometheus.GaugeFunc
	sseSubscribers     prometheus.Gauge
	sseFrames          *prometheus.CounterVec
}

// NewCollector returns a Collector. queueDepth reports the number of
// invocations waiting on the throttle; it may be nil.
func NewCollector(queueDepth func() int) *Collector {
	if queueDepth == nil {
		queueDepth = func() int { return 0 }
	}
	return &Collector{
		invocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "handler_invocations_total",
				Help:      "Change handler attempts by outcome.",
			}, []string{"resource", "operation", "outcome"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "handler_retries_total",
				Help:      "Change handler retries scheduled after a failure.",
			}, []string{"resource", "operation"},
		),
		stuckInvocations: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "stuck_invocations",
				Help:      "Invocations that exceeded the stuck threshold and have not yet succeeded.",
			},
		),
		checkpointSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "checkpoint_seconds",
				Help:      "Seconds part of the last persisted checkpoint.",
			},
		),
		checkpointSequence: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "checkpoint_sequence",
				Help:      "Sequence part of the last persisted checkpoint.",
			},
		),
		throttleQueue: prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "throttle_queue_depth",
				Help:      "Invocations waiting for a throttle slot.",
			},
			func() float64 { return float64(queueDepth()) },
		),
		sseSubscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "sse_subscribers",
				Help:      "Open change stream connections.",
			},
		),
		sseFrames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "sse_frames_total",
				Help:      "Frames written to change stream subscribers.",
			}, []string{"kind"},
		),
	}
}

// Invocation implements harvest.Observer.
func (c *Collector) Invocation(resource string, op oplog.Operation, outcome string) {
	c.invocations.WithLabelValues(resource, string(op), outcome).Inc()
}

// Retry implements harvest.Observer.
func (c *Collector) Retry(resource string, op oplog.Operation) {
	c.retries.WithLabelValues(resource, string(op)).Inc()
}

// Stuck implements harvest.Observer.
func (c *Collector) Stuck(delta int) {
	c.stuckInvocations.Add(float64(delta))
}

// Checkpoint implements harvest.Observer.
func (c *Collector) Checkpoint(pos oplog.Position) {
	c.checkpointSeconds.Set(float64(pos.Seconds))
	c.checkpointSequence.Set(float64(pos.Sequence))
}

// Subscribers implements stream.Observer.
func (c *Collector) Subscribers(delta int) {
	c.sseSubscribers.Add(float64(delta))
}

// Frame implements stream.Observer. kind is "change" or "tick".
func (c *Collector) Frame(kind string) {
	c.sseFrames.WithLabelValues(kind).Inc()
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.invocations.Describe(ch)
	c.retries.Describe(ch)
	c.stuckInvocations.Describe(ch)
	c.checkpointSeconds.Describe(ch)
	c.checkpointSequence.Describe(ch)
	c.throttleQueue.Describe(ch)
	c.sseSubscribers.Describe(ch)
	c.sseFrames.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.invocations.Collect(ch)
	c.retries.Collect(ch)
	c.stuckInvocations.Collect(ch)
	c.checkpointSeconds.Collect(ch)
	c.checkpointSequence.Collect(ch)
	c.throttleQueue.Collect(ch)
	c.sseSubscribers.Collect(ch)
	c.sseFrames.Collect(ch)
}
