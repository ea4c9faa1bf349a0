// Package metrics exposes the prometheus collectors shared by the pipeline.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	FeeSourceSelected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gasguard",
			Subsystem: "aggregator",
			Name:      "fee_source_selected_total",
			Help:      "Current fee resolutions by winning source",
		},
		[]string{"source"},
	)

	SourceFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gasguard",
			Subsystem: "aggregator",
			Name:      "source_fallbacks_total",
			Help:      "Fallbacks taken by chain and failed source",
		},
		[]string{"chain", "source"},
	)

	LastFee = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gasguard",
		Subsystem: "aggregator",
		Name:      "last_fee_gwei",
		Help:      "Last resolved fee in display units",
	})

	LastCongestion = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gasguard",
		Subsystem: "aggregator",
		Name:      "last_congestion_percent",
		Help:      "Last observed congestion percentage",
	})

	CacheErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gasguard",
			Subsystem: "cache",
			Name:      "errors_total",
			Help:      "Cache operations that failed and were degraded",
		},
		[]string{"op"},
	)

	JobRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gasguard",
			Subsystem: "scheduler",
			Name:      "job_runs_total",
			Help:      "Scheduled task executions by result",
		},
		[]string{"task", "result"},
	)

	AlertDispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gasguard",
			Subsystem: "alerting",
			Name:      "dispatches_total",
			Help:      "Matched alert rules by outcome (sent, failed, cooldown)",
		},
		[]string{"rule", "result"},
	)

	MonitorPolls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gasguard",
			Subsystem: "monitor",
			Name:      "polls_total",
			Help:      "Suggested-fee polls by result",
		},
		[]string{"result"},
	)

	Recommendations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gasguard",
			Subsystem: "recommend",
			Name:      "results_total",
			Help:      "Recommendations served by path",
		},
		[]string{"path"},
	)
)

// Register adds every collector to the default registry. Safe to call repeatedly.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			FeeSourceSelected,
			SourceFallbacks,
			LastFee,
			LastCongestion,
			CacheErrors,
			JobRuns,
			AlertDispatches,
			MonitorPolls,
			Recommendations,
		)
	})
}

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}
