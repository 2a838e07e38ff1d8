// Package prometheus implements the metrics recorder using Prometheus.
package prometheus

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/slok/taskstream/internal/metrics"
)

const namespace = "taskstream"

// Config is the configuration of the Prometheus recorder.
type Config struct {
	// Registerer is where the metrics are registered, defaults to the Prometheus default registerer.
	Registerer prometheus.Registerer
}

func (c *Config) defaults() {
	if c.Registerer == nil {
		c.Registerer = prometheus.DefaultRegisterer
	}
}

type recorder struct {
	frames       *prometheus.CounterVec
	reconnects   prometheus.Counter
	openChannels prometheus.Gauge
	hubPublished *prometheus.CounterVec
	hubSubs      prometheus.Gauge
}

// NewRecorder returns a new Prometheus metrics recorder.
func NewRecorder(cfg Config) metrics.Recorder {
	cfg.defaults()
	f := promauto.With(cfg.Registerer)

	return &recorder{
		frames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "frames_total",
			Help:      "Total number of frames received by stream connections.",
		}, []string{"label", "outcome"}),
		reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "reconnects_total",
			Help:      "Total number of scheduled stream reconnections.",
		}),
		openChannels: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "open_channels",
			Help:      "Number of stream channels currently open.",
		}),
		hubPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "published_events_total",
			Help:      "Total number of events published to the hub.",
		}, []string{"label"}),
		hubSubs: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "subscribers",
			Help:      "Number of live hub subscribers.",
		}),
	}
}

func (r *recorder) ObserveFrame(_ context.Context, label string, outcome metrics.FrameOutcome) {
	r.frames.WithLabelValues(label, string(outcome)).Inc()
}

func (r *recorder) IncReconnect(_ context.Context) {
	r.reconnects.Inc()
}

func (r *recorder) AddOpenChannels(_ context.Context, delta int) {
	r.openChannels.Add(float64(delta))
}

func (r *recorder) ObserveHubPublish(_ context.Context, label string) {
	r.hubPublished.WithLabelValues(label).Inc()
}

func (r *recorder) AddHubSubscribers(_ context.Context, delta int) {
	r.hubSubs.Add(float64(delta))
}
