// Package metrics exposes device counters in Prometheus format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "thermometer"

// Metrics holds every device metric and the registry they live in.
type Metrics struct {
	registry *prometheus.Registry

	BootCycles         prometheus.Counter
	Polls              prometheus.Counter
	SensorReadFailures prometheus.Counter
	KnownSensors       prometheus.Gauge
	Temperature        *prometheus.GaugeVec
	Publishes          *prometheus.CounterVec
	HTTPRequests       *prometheus.CounterVec
	HTTPDuration       *prometheus.HistogramVec
}

// New creates the metrics and registers them, plus the Go runtime and
// process collectors, on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		BootCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "boot_cycles_total",
			Help:      "Number of boot cycles started by this process",
		}),
		Polls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sensors",
			Name:      "polls_total",
			Help:      "Number of sensor cache refreshes",
		}),
		SensorReadFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sensors",
			Name:      "read_failures_total",
			Help:      "Number of failed sensor reads",
		}),
		KnownSensors: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sensors",
			Name:      "known",
			Help:      "Sensors discovered at startup",
		}),
		Temperature: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sensors",
			Name:      "temperature_fahrenheit",
			Help:      "Last published temperature per sensor",
		}, []string{"id", "name"}),
		Publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "telemetry",
			Name:      "publishes_total",
			Help:      "Telemetry publish attempts by sink and result",
		}, []string{"sink", "result"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Admin API requests by route and status",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin API request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	m.registry.MustRegister(
		m.BootCycles,
		m.Polls,
		m.SensorReadFailures,
		m.KnownSensors,
		m.Temperature,
		m.Publishes,
		m.HTTPRequests,
		m.HTTPDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObservePoll records one sensor cache refresh.
func (m *Metrics) ObservePoll(reads, failures int) {
	m.Polls.Inc()
	m.KnownSensors.Set(float64(reads))
	m.SensorReadFailures.Add(float64(failures))
}

// ObserveRequest records one admin API request.
func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// ObservePublish records one publish attempt to sink.
func (m *Metrics) ObservePublish(sink string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Publishes.WithLabelValues(sink, result).Inc()
}

// ObserveReading records the last published value of a sensor.
func (m *Metrics) ObserveReading(id, name string, fahrenheit float64) {
	m.Temperature.WithLabelValues(id, name).Set(fahrenheit)
}
