package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RenewalOutcomes counts per-identity workflow completions by outcome
	// (renewed, scheduled, skipped, failed).
	RenewalOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "session_keeper",
		Name:      "renewal_outcomes_total",
		Help:      "Renewal workflow completions by outcome.",
	}, []string{"outcome"})

	// ProbeResults counts keep-alive probe results (ok, expired, error).
	ProbeResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "session_keeper",
		Name:      "probe_results_total",
		Help:      "Keep-alive probe results by status.",
	}, []string{"status"})

	// LoginAttempts counts full re-authentications by result.
	LoginAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "session_keeper",
		Name:      "login_attempts_total",
		Help:      "Full login attempts by result.",
	}, []string{"result"})

	// SchedulerCycles counts orchestrator scheduling cycles.
	SchedulerCycles = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "session_keeper",
		Name:      "scheduler_cycles_total",
		Help:      "Orchestrator scheduling cycles executed.",
	})

	// AdmissionRate reports the current health-adjusted admission rate.
	AdmissionRate = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "session_keeper",
		Name:      "admission_rate",
		Help:      "Identities admitted per minute after health adjustment.",
	})

	// StoreFallbacks counts operations served by the in-memory fallback
	// because the primary store was unavailable.
	StoreFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "session_keeper",
		Name:      "store_fallbacks_total",
		Help:      "State store operations degraded to the in-memory fallback.",
	})
)
