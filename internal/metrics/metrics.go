// Package metrics exposes acquisition counters to Prometheus.
package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaunagostinho/pmsdash/internal/acquisition"
	"github.com/shaunagostinho/pmsdash/internal/device"
	"github.com/shaunagostinho/pmsdash/internal/protocol"
)

const namespace = "pmsdash"

// Metrics holds the collectors on a private registry so tests and multiple
// instances do not collide on the default one.
type Metrics struct {
	reg *prometheus.Registry

	Readings     prometheus.Counter
	TickFailures *prometheus.CounterVec
	Runs         *prometheus.CounterVec
	RunState     prometheus.Gauge
	LastValue    prometheus.Gauge
	RunReadings  prometheus.Histogram
	Connected    prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		Readings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_total",
			Help:      "Readings appended to the sample buffer.",
		}),
		TickFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tick_failures_total",
			Help:      "Polling ticks that produced no reading, by cause.",
		}, []string{"kind"}),
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished runs by outcome.",
		}, []string{"outcome"}),
		RunState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_state",
			Help:      "Current run state: 0 idle, 1 configuring, 2 running, 3 stopping.",
		}),
		LastValue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_value",
			Help:      "Value of the most recent reading.",
		}),
		RunReadings: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_readings",
			Help:      "Readings kept per finished run.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
		}),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_connected",
			Help:      "1 while the device link is open.",
		}),
	}
	m.reg.MustRegister(
		m.Readings,
		m.TickFailures,
		m.Runs,
		m.RunState,
		m.LastValue,
		m.RunReadings,
		m.Connected,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Observe updates the collectors from a worker event.
func (m *Metrics) Observe(ev acquisition.Event) {
	switch ev.Kind {
	case acquisition.EventReading:
		m.Readings.Inc()
		m.LastValue.Set(ev.Reading.Value)
	case acquisition.EventTickFailed:
		m.TickFailures.WithLabelValues(FailureKind(ev.Err)).Inc()
	case acquisition.EventStateChanged:
		m.RunState.Set(float64(ev.State))
	case acquisition.EventRunFinished:
		m.Runs.WithLabelValues(ev.Run.Outcome.String()).Inc()
		m.RunReadings.Observe(float64(len(ev.Readings)))
		if ev.Run.Outcome == acquisition.OutcomeAborted {
			m.TickFailures.WithLabelValues(FailureKind(ev.Err)).Inc()
		}
	}
}

// SetConnected records the device link state.
func (m *Metrics) SetConnected(ok bool) {
	if ok {
		m.Connected.Set(1)
	} else {
		m.Connected.Set(0)
	}
}

// FailureKind labels a tick error.
func FailureKind(err error) string {
	switch {
	case errors.Is(err, device.ErrTimeout):
		return "timeout"
	case errors.Is(err, protocol.ErrMalformedResponse):
		return "malformed"
	case errors.Is(err, device.ErrNotConnected):
		return "disconnected"
	case err == nil:
		return "none"
	}
	return "io"
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }
