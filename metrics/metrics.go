// Package metrics holds the Prometheus collectors for screener runs.
//
// Metrics:
//   - screener_pages_persisted_total (Counter): pages handed to the main table
//   - screener_entities_persisted_total (Counter): entity rows saved to the main table
//   - screener_section_switches_total (Counter): section tab activations
//   - screener_recoveries_total{outcome} (Counter): recovery attempts, "ok" or "failed"
//   - screener_source_errors_total{code} (Counter): data-source faults by error code
//   - screener_save_duration_seconds{table} (Histogram): recorder save latency, "main" or "recovery"
//   - screener_remaining_entities (Gauge): entities left in the current run
//   - screener_runs_total{outcome} (Counter): finished runs, "completed" or "failed"
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the registerer all screener collectors are attached to.
var Registry = prometheus.DefaultRegisterer

var (
	PagesPersisted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "screener_pages_persisted_total",
			Help: "Total number of listing pages saved to the main table",
		},
	)

	EntitiesPersisted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "screener_entities_persisted_total",
			Help: "Total number of entity rows saved to the main table",
		},
	)

	SectionSwitches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "screener_section_switches_total",
			Help: "Total number of section tab activations",
		},
	)

	Recoveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "screener_recoveries_total",
			Help: "Total number of session recoveries by outcome",
		},
		[]string{"outcome"}, // "ok", "failed"
	)

	SourceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "screener_source_errors_total",
			Help: "Total number of data-source errors by error code",
		},
		[]string{"code"},
	)

	SaveDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "screener_save_duration_seconds",
			Help:    "Duration of recorder saves in seconds",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		},
		[]string{"table"}, // "main", "recovery"
	)

	RemainingEntities = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "screener_remaining_entities",
			Help: "Entities not yet persisted in the current run",
		},
	)

	Runs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "screener_runs_total",
			Help: "Total number of finished runs by outcome",
		},
		[]string{"outcome"}, // "completed", "failed"
	)
)

// Label values.
const (
	OutcomeOK        = "ok"
	OutcomeFailed    = "failed"
	OutcomeCompleted = "completed"

	TableMain     = "main"
	TableRecovery = "recovery"
)
