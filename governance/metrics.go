// Copyright 2025 IntelliPM
// SPDX-License-Identifier: BUSL-1.1

package governance

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for the governance engine.
type Metrics struct {
	QuotaVerdicts       *prometheus.CounterVec
	ThresholdSignals    *prometheus.CounterVec
	DecisionTransitions *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
	ConflictRetries     prometheus.Counter
}

// NewMetrics creates and registers the collectors on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		QuotaVerdicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governance_quota_verdicts_total",
				Help: "Quota check verdicts by kind",
			},
			[]string{"verdict"},
		),
		ThresholdSignals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governance_quota_threshold_signals_total",
				Help: "Quota threshold crossings by dimension",
			},
			[]string{"dimension"},
		),
		DecisionTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governance_decision_transitions_total",
				Help: "Decision status transitions",
			},
			[]string{"to_status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "governance_http_request_duration_seconds",
				Help:    "HTTP request latency by route",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
		ConflictRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "governance_counter_conflicts_total",
				Help: "Optimistic concurrency conflicts observed on usage counters",
			},
		),
	}

	reg.MustRegister(
		m.QuotaVerdicts,
		m.ThresholdSignals,
		m.DecisionTransitions,
		m.RequestDuration,
		m.ConflictRetries,
	)
	return m
}
