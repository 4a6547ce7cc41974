package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/xkcd-l10n-crawler/internal/events"
)

// PrometheusSink turns run events into Prometheus collectors.
type PrometheusSink struct {
	runsStarted  *prometheus.CounterVec
	runsFinished *prometheus.CounterVec
	runsInFlight *prometheus.GaugeVec
	runDuration  *prometheus.HistogramVec
	stepDuration *prometheus.HistogramVec
	stepFailures *prometheus.CounterVec
	items        *prometheus.CounterVec
	cursor       *prometheus.GaugeVec
}

// NewPrometheusSink registers its collectors on reg, or the default registerer
// when reg is nil.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "l10n_runs_started_total",
			Help: "Runs started per source.",
		}, []string{"source"}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "l10n_runs_finished_total",
			Help: "Runs finished per source and result.",
		}, []string{"source", "result"}),
		runsInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "l10n_runs_in_flight",
			Help: "Runs currently executing per source.",
		}, []string{"source"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "l10n_run_duration_seconds",
			Help:    "Wall time per finished run.",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 900},
		}, []string{"source", "result"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "l10n_step_duration_seconds",
			Help:    "Duration of executed (non-memoized) run steps.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
		}, []string{"source", "step"}),
		stepFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "l10n_step_failures_total",
			Help: "Failed run steps per source and step.",
		}, []string{"source", "step"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "l10n_items_total",
			Help: "Item outcomes per source.",
		}, []string{"source", "outcome"}),
		cursor: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "l10n_backfill_cursor",
			Help: "Backfill cursor after the last committed run.",
		}, []string{"source"}),
	}
	for _, c := range []prometheus.Collector{
		s.runsStarted, s.runsFinished, s.runsInFlight, s.runDuration,
		s.stepDuration, s.stepFailures, s.items, s.cursor,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register run collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		switch evt.Kind {
		case events.KindRunStarted:
			s.runsStarted.WithLabelValues(evt.Source).Inc()
			s.runsInFlight.WithLabelValues(evt.Source).Inc()
		case events.KindStepDone:
			if !evt.Memoized && evt.Dur > 0 {
				s.stepDuration.WithLabelValues(evt.Source, evt.Step).Observe(evt.Dur.Seconds())
			}
		case events.KindStepFailed:
			s.stepFailures.WithLabelValues(evt.Source, evt.Step).Inc()
		case events.KindItem:
			s.items.WithLabelValues(evt.Source, evt.Outcome).Inc()
		case events.KindRunFinished:
			s.finish(evt)
		}
	}
	return nil
}

func (s *PrometheusSink) finish(evt events.Event) {
	result := "success"
	if !evt.Summary.Success {
		result = "failure"
	}
	s.runsFinished.WithLabelValues(evt.Source, result).Inc()
	s.runsInFlight.WithLabelValues(evt.Source).Dec()
	if evt.Dur > 0 {
		s.runDuration.WithLabelValues(evt.Source, result).Observe(evt.Dur.Seconds())
	}
	if evt.Summary.Cursor > 0 {
		s.cursor.WithLabelValues(evt.Source).Set(float64(evt.Summary.Cursor))
	}
}

// Close is a no-op.
func (s *PrometheusSink) Close(context.Context) error { return nil }
