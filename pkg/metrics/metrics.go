package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Sandbox metrics
	SandboxesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shipyard_sandboxes_total",
			Help: "Number of live sandboxes by profile",
		},
		[]string{"profile"},
	)

	SandboxesCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shipyard_sandboxes_created_total",
			Help: "Total sandboxes created by source (cold or warm)",
		},
		[]string{"profile", "source"},
	)

	SandboxesDeleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shipyard_sandboxes_deleted_total",
			Help: "Total sandboxes deleted by cause",
		},
		[]string{"cause"},
	)

	SessionStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shipyard_session_starts_total",
			Help: "Total session starts by outcome",
		},
		[]string{"outcome"},
	)

	SessionStartDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shipyard_session_start_duration_seconds",
			Help:    "Time from session start request to agent ready in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Warm pool metrics
	WarmPoolSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shipyard_warm_pool_size",
			Help: "Warm pool sandboxes by profile and state",
		},
		[]string{"profile", "state"},
	)

	WarmClaims = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shipyard_warm_claims_total",
			Help: "Total warm claim attempts by outcome (hit, miss, lost)",
		},
		[]string{"profile", "outcome"},
	)

	WarmupQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shipyard_warmup_queue_depth",
			Help: "Current warmup queue depth",
		},
	)

	WarmupQueueDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shipyard_warmup_queue_dropped_total",
			Help: "Total warmup requests dropped by policy",
		},
		[]string{"policy"},
	)

	WarmupProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shipyard_warmup_processed_total",
			Help: "Total warmup requests processed by outcome",
		},
		[]string{"outcome"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shipyard_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shipyard_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	IdempotentReplays = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shipyard_idempotent_replays_total",
			Help: "Total create requests answered from the idempotency cache",
		},
	)

	// Reconciler metrics
	ReconcileRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shipyard_reconcile_runs_total",
			Help: "Total reconciler task runs by task and outcome",
		},
		[]string{"task", "outcome"},
	)

	ReconcileSwept = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shipyard_reconcile_swept_total",
			Help: "Total objects cleaned up by reconciler task",
		},
		[]string{"task"},
	)
)

func init() {
	prometheus.MustRegister(SandboxesTotal)
	prometheus.MustRegister(SandboxesCreated)
	prometheus.MustRegister(SandboxesDeleted)
	prometheus.MustRegister(SessionStarts)
	prometheus.MustRegister(SessionStartDuration)
	prometheus.MustRegister(WarmPoolSize)
	prometheus.MustRegister(WarmClaims)
	prometheus.MustRegister(WarmupQueueDepth)
	prometheus.MustRegister(WarmupQueueDropped)
	prometheus.MustRegister(WarmupProcessed)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(IdempotentReplays)
	prometheus.MustRegister(ReconcileRuns)
	prometheus.MustRegister(ReconcileSwept)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
