// Package telemetry exports audit scope activity as Prometheus metrics.
package telemetry

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/auditscope/internal/audit"
	"github.com/roach88/auditscope/internal/pipeline"
)

// Metrics are the collectors fed by the audit pipeline.
type Metrics struct {
	ScopesCreated *prometheus.CounterVec
	EventsSaved   *prometheus.CounterVec
	ScopesEnded   *prometheus.CounterVec
	ScopeDuration *prometheus.HistogramVec
}

// NewMetrics creates unregistered collectors.
func NewMetrics() *Metrics {
	return &Metrics{
		ScopesCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auditscope_scopes_created_total",
				Help: "Total number of audit scopes created",
			},
			[]string{"event_type", "policy"},
		),
		EventsSaved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auditscope_events_saved_total",
				Help: "Total number of end-of-scope audit writes",
			},
			[]string{"event_type"},
		),
		ScopesEnded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auditscope_scopes_disposed_total",
				Help: "Total number of audit scopes disposed",
			},
			[]string{"event_type"},
		),
		ScopeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "auditscope_scope_duration_seconds",
				Help:    "Histogram of audited operation duration",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"event_type"},
		),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.ScopesCreated, m.EventsSaved, m.ScopesEnded, m.ScopeDuration}
}

// Instrument registers fresh metrics with reg and feeds them from the action
// pipeline of cfg.
//
// Saved scopes are counted and their duration observed. A disposed count
// lower than the created count means scopes were abandoned without Dispose.
func Instrument(cfg *audit.Config, reg prometheus.Registerer) (*Metrics, error) {
	m := NewMetrics()
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register audit metrics: %w", err)
		}
	}

	actions := cfg.Actions()
	actions.Add(pipeline.Created, func(s *audit.Scope) {
		m.ScopesCreated.WithLabelValues(s.Event().EventType, s.CreationPolicy().String()).Inc()
	})
	actions.AddContext(pipeline.Saved, func(_ context.Context, s *audit.Scope) error {
		ev := s.Event()
		m.EventsSaved.WithLabelValues(ev.EventType).Inc()
		m.ScopeDuration.WithLabelValues(ev.EventType).Observe(float64(ev.Duration) / 1000)
		return nil
	})
	actions.Add(pipeline.Disposed, func(s *audit.Scope) {
		m.ScopesEnded.WithLabelValues(s.Event().EventType).Inc()
	})
	return m, nil
}
