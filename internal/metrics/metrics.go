package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Executions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tokenmeter_executions_total",
		Help: "Metered action executions by kind and outcome",
	}, []string{"kind", "status"})

	FulfillmentDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tokenmeter_fulfillment_duration_seconds",
		Help:    "Time spent waiting for fulfillment adapters",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"kind"})

	LedgerResolveErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tokenmeter_ledger_resolve_errors_total",
		Help: "Failed commit/rollback attempts, including retried ones",
	}, []string{"op"})

	// CommitFailures counts delivered actions whose charge could not be
	// committed. The sweeper later refunds those holds.
	CommitFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tokenmeter_commit_failures_total",
		Help: "Successful fulfillments whose reservation commit failed",
	}, []string{"kind"})

	SweptReservations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tokenmeter_swept_reservations_total",
		Help: "Orphaned held reservations rolled back by the sweeper",
	})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tokenmeter_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "route", "status"})

	HTTPLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tokenmeter_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	}, []string{"method", "route"})
)
