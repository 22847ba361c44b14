package events

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsSink counts session events in a Prometheus registry. With a
// textfile path set, the registry is rewritten after every event for the
// node_exporter textfile collector.
type MetricsSink struct {
	registry *prometheus.Registry
	textfile string
	mu       sync.Mutex

	events  *prometheus.CounterVec
	charged prometheus.Counter
	parked  prometheus.Histogram
}

// NewMetricsSink registers gate metrics on a fresh registry.
func NewMetricsSink(textfile string) *MetricsSink {
	s := &MetricsSink{
		registry: prometheus.NewRegistry(),
		textfile: textfile,
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "parkpay",
			Subsystem: "gate",
			Name:      "events_total",
			Help:      "Session events by type.",
		}, []string{"type"}),
		charged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "parkpay",
			Subsystem: "gate",
			Name:      "charged_total",
			Help:      "Sum of charges collected at the gate.",
		}),
		parked: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "parkpay",
			Subsystem: "gate",
			Name:      "parked_minutes",
			Help:      "Parked duration of settled vehicles.",
			Buckets:   []float64{15, 30, 60, 120, 240, 480, 1440},
		}),
	}
	s.registry.MustRegister(s.events, s.charged, s.parked)
	return s
}

// Registry exposes the underlying registry.
func (s *MetricsSink) Registry() *prometheus.Registry {
	return s.registry
}

// Emit updates the counters.
func (s *MetricsSink) Emit(_ context.Context, e Event) error {
	s.events.WithLabelValues(string(e.Type)).Inc()
	if e.Type == TypeGateOpened {
		s.charged.Add(float64(e.Charge))
		s.parked.Observe(e.Parked.Minutes())
	}
	if s.textfile == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return prometheus.WriteToTextfile(s.textfile, s.registry)
}
