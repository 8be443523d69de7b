// Package metrics exposes Prometheus instruments for the PMD engine.
//
// Every method is safe on a nil *Collector so components can run without
// instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pmdctl"

// Endpoints label malformed frames by where they arrived.
const (
	EndpointControl   = "control"
	EndpointData      = "data"
	EndpointHeartRate = "heart_rate"
	EndpointFeatures  = "features"
)

// Collector owns a private registry and the engine's instruments.
type Collector struct {
	registry *prometheus.Registry

	framesDecoded   *prometheus.CounterVec
	samplesDecoded  *prometheus.CounterVec
	framesMalformed *prometheus.CounterVec
	controlRequests *prometheus.CounterVec
	controlDuration *prometheus.HistogramVec
	heartRate       prometheus.Gauge
	streamClients   prometheus.Gauge
	published       *prometheus.CounterVec
}

// New creates a collector registered on its own registry, together with the
// Go runtime and process collectors.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		framesDecoded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pmd",
				Name:      "frames_total",
				Help:      "Sample frames decoded, by sensor.",
			},
			[]string{"sensor"},
		),
		samplesDecoded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pmd",
				Name:      "samples_total",
				Help:      "Sample values decoded, by sensor.",
			},
			[]string{"sensor"},
		),
		framesMalformed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pmd",
				Name:      "malformed_frames_total",
				Help:      "Notifications dropped as malformed, by endpoint.",
			},
			[]string{"endpoint"},
		),
		controlRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "control",
				Name:      "requests_total",
				Help:      "Control point requests, by command and result.",
			},
			[]string{"command", "result"},
		),
		controlDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "control",
				Name:      "request_duration_seconds",
				Help:      "Control point round trip in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"command"},
		),
		heartRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "heart_rate",
			Name:      "bpm",
			Help:      "Last reported heart rate.",
		}),
		streamClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "clients",
			Help:      "Connected websocket clients.",
		}),
		published: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "stream",
				Name:      "events_total",
				Help:      "Events handed to a sink, by sink and result.",
			},
			[]string{"sink", "result"},
		),
	}

	c.registry.MustRegister(
		c.framesDecoded,
		c.samplesDecoded,
		c.framesMalformed,
		c.controlRequests,
		c.controlDuration,
		c.heartRate,
		c.streamClients,
		c.published,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// FrameDecoded counts one decoded frame carrying samples values.
func (c *Collector) FrameDecoded(sensor string, samples int) {
	if c == nil {
		return
	}
	c.framesDecoded.WithLabelValues(sensor).Inc()
	c.samplesDecoded.WithLabelValues(sensor).Add(float64(samples))
}

// FrameMalformed counts one dropped notification.
func (c *Collector) FrameMalformed(endpoint string) {
	if c == nil {
		return
	}
	c.framesMalformed.WithLabelValues(endpoint).Inc()
}

// ControlRequest records a finished control point request.
func (c *Collector) ControlRequest(command, result string, duration time.Duration) {
	if c == nil {
		return
	}
	c.controlRequests.WithLabelValues(command, result).Inc()
	c.controlDuration.WithLabelValues(command).Observe(duration.Seconds())
}

// HeartRate sets the last reported heart rate.
func (c *Collector) HeartRate(bpm uint16) {
	if c == nil {
		return
	}
	c.heartRate.Set(float64(bpm))
}

// StreamClients sets the number of connected websocket clients.
func (c *Collector) StreamClients(n int) {
	if c == nil {
		return
	}
	c.streamClients.Set(float64(n))
}

// Published counts one event handed to sink.
func (c *Collector) Published(sink string, ok bool) {
	if c == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	c.published.WithLabelValues(sink, result).Inc()
}
