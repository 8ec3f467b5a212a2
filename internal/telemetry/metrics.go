// Package telemetry wires logging and Prometheus metrics for the agent.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome label values.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeTimeout = "timeout"
	OutcomeSkipped = "skipped"
)

var (
	// TabCleanupFailures counts tab-close errors that were swallowed.
	TabCleanupFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "companion_tab_cleanup_failures_total",
		Help: "Managed tabs whose close call failed; the failure is suppressed.",
	})
	// ElementNotFound counts soft lookups that degraded the capture.
	ElementNotFound = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "companion_element_not_found_total",
		Help: "Dynamic elements (chart, dropdown, menu item) that were not found on a page.",
	}, []string{"element"})
	PageVisits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "companion_page_visits_total",
		Help: "Page visits by fragment and outcome.",
	}, []string{"fragment", "outcome"})
	PageVisitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "companion_page_visit_seconds",
		Help:    "Wall time of a page visit including pacing.",
		Buckets: []float64{1, 2.5, 5, 10, 15, 20, 30, 60},
	}, []string{"fragment"})
	DispatchFragments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "companion_dispatch_fragments_total",
		Help: "Fragments sent to the ingestion sink by type and outcome.",
	}, []string{"type", "outcome"})
	Collections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "companion_collections_total",
		Help: "Collection cycles by outcome.",
	}, []string{"outcome"})
)
