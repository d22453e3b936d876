// Package metrics declares the Prometheus collectors recorded by the
// scheduler and served on the metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OccurrencesMaterialized counts occurrence rows newly inserted by materialization.
	OccurrencesMaterialized = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "recurbill_occurrences_materialized_total",
			Help: "The total number of occurrences inserted by materialization.",
		},
	)

	// MaterializeFailures counts jobs whose materialization failed during a refresh.
	MaterializeFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "recurbill_materialize_failures_total",
			Help: "The total number of per-job materialization failures.",
		},
	)

	// OccurrenceTransitions counts lifecycle transitions by target status.
	OccurrenceTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recurbill_occurrence_transitions_total",
			Help: "The total number of occurrence lifecycle transitions.",
		},
		[]string{"status"},
	)

	// CollaboratorFailures counts failed session and invoice collaborator calls.
	CollaboratorFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recurbill_collaborator_failures_total",
			Help: "The total number of failed collaborator calls.",
		},
		[]string{"collaborator"},
	)

	// RefreshDuration is a histogram of full refresh passes.
	RefreshDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "recurbill_refresh_duration_seconds",
			Help:    "A histogram of the scheduler refresh duration.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
		},
	)

	// RefreshesCoalesced counts refresh calls that arrived while another was in flight.
	RefreshesCoalesced = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "recurbill_refreshes_coalesced_total",
			Help: "The total number of refresh calls coalesced into an in-flight refresh.",
		},
	)

	// RefreshInFlight is 1 while a refresh is materializing.
	RefreshInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "recurbill_refresh_in_flight",
			Help: "Whether a scheduler refresh is currently materializing.",
		},
	)

	// DueOccurrences is the size of the last computed due list.
	DueOccurrences = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "recurbill_due_occurrences",
			Help: "The number of pending occurrences due as of the last refresh.",
		},
	)
)
