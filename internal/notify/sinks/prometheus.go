package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/crawl-orchestrator/internal/notify"
)

// PrometheusSink counts notifications by type and records delivery lag.
type PrometheusSink struct {
	events *prometheus.CounterVec
	lag    prometheus.Histogram
	now    func() time.Time
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_notifications_total",
			Help: "Lifecycle notifications delivered to sinks, by event type.",
		}, []string{"type"}),
		lag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "orchestrator_notification_lag_seconds",
			Help:    "Time between emitting a notification and its batch being flushed.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),
		now: time.Now,
	}
	for _, c := range []prometheus.Collector{s.events, s.lag} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register notification collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates counters for the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []notify.Event) error {
	now := s.now()
	for _, evt := range batch {
		s.events.WithLabelValues(evt.Type).Inc()
		if lag := now.Sub(evt.TS); lag >= 0 {
			s.lag.Observe(lag.Seconds())
		}
	}
	return nil
}

// Close implements notify.Sink; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
