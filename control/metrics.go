// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Prometheus collectors for the reactor loop, its resources and secure
// sessions. All observe methods are safe on a nil *Metrics.

package control

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "hioload_reactor"

// Metrics groups the reactor collectors.
type Metrics struct {
	Resources  prometheus.Gauge
	Events     *prometheus.CounterVec
	Dropped    prometheus.Counter
	Commands   *prometheus.CounterVec
	PollCycles prometheus.Counter
	Handshakes *prometheus.CounterVec
	Frames     *prometheus.CounterVec
	Handler    prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Resources: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "resources",
			Help:      "Number of registered resources.",
		}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_total",
			Help:      "Events produced by the loop, by kind.",
		}, []string{"kind"}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_dropped_total",
			Help:      "Events dropped because the event stream was full.",
		}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "commands_total",
			Help:      "Controller commands applied by the loop, by type.",
		}, []string{"type"}),
		PollCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "poll_cycles_total",
			Help:      "Completed backend poll calls.",
		}),
		Handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "handshakes_total",
			Help:      "Secure session handshakes, by outcome.",
		}, []string{"outcome"}),
		Frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_total",
			Help:      "Encrypted transport frames, by direction.",
		}, []string{"direction"}),
		Handler: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "handler_duration_seconds",
			Help:      "Time spent in resource handlers per event.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 10),
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.Resources, m.Events, m.Dropped, m.Commands, m.PollCycles, m.Handshakes, m.Frames, m.Handler} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("control: register metrics: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) ResourceAdded() {
	if m != nil {
		m.Resources.Inc()
	}
}

func (m *Metrics) ResourceRemoved() {
	if m != nil {
		m.Resources.Dec()
	}
}

func (m *Metrics) ObserveEvent(kind string) {
	if m != nil {
		m.Events.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) ObserveEventDropped() {
	if m != nil {
		m.Dropped.Inc()
	}
}

func (m *Metrics) ObserveCommand(typ string) {
	if m != nil {
		m.Commands.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) ObservePoll() {
	if m != nil {
		m.PollCycles.Inc()
	}
}

// ObserveHandshake counts a finished handshake: "established", "failed" or
// "timeout".
func (m *Metrics) ObserveHandshake(outcome string) {
	if m != nil {
		m.Handshakes.WithLabelValues(outcome).Inc()
	}
}

// ObserveHandler records the duration of one handler invocation.
func (m *Metrics) ObserveHandler(d time.Duration) {
	if m != nil {
		m.Handler.Observe(d.Seconds())
	}
}

// ObserveFrame counts one transport frame, direction "in" or "out".
func (m *Metrics) ObserveFrame(direction string) {
	if m != nil {
		m.Frames.WithLabelValues(direction).Inc()
	}
}
