package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	IdempotencyOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "subsync_idempotency_outcomes_total",
		Help: "Terminal outcomes of guarded operations",
	}, []string{"outcome"})

	LockRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "subsync_lock_retries_total",
		Help: "Lock acquisition attempts that had to wait",
	})

	OperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "subsync_operation_duration_seconds",
		Help:    "Latency of guarded operations including lock wait",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5},
	}, []string{"outcome"})

	SyncActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "subsync_sync_actions_total",
		Help: "Reconciliation results by action and confidence band",
	}, []string{"action", "band"})

	CleanupDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "subsync_cleanup_deleted_total",
		Help: "Expired rows removed by the cleanup sweep",
	}, []string{"table"})

	WebhookNotifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "subsync_webhook_notifications_total",
		Help: "Provider notifications by processing outcome",
	}, []string{"outcome"})

	SweepItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "subsync_sweep_items_total",
		Help: "Subscriptions visited by the reconcile sweep, by result",
	}, []string{"result"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "subsync_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "subsync_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)
