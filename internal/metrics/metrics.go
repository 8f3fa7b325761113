package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ledgersync"

var (
	syncDurationBuckets = []float64{1, 2, 5, 10, 30, 60, 120, 300, 600, 1200, 1800, 3600}

	// Sync metrics
	SyncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sync_duration_seconds",
		Help:      "Time taken for a vendor sync to complete.",
		Buckets:   syncDurationBuckets,
	}, []string{"vendor", "account"})

	SyncRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_runs_total",
		Help:      "Count of sync executions.",
	}, []string{"vendor", "account", "outcome"})

	RecordsSyncedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_synced_total",
		Help:      "Normalized records emitted to the persistence sink.",
	}, []string{"vendor", "account", "entity"})

	SyncLastSuccessTimestamp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sync_last_success_timestamp_seconds",
		Help:      "Unix timestamp of the last successful sync.",
	}, []string{"vendor", "account"})

	TokenRefreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "token_refreshes_total",
		Help:      "Count of credential refresh attempts.",
	}, []string{"vendor", "status"})

	// Rate limiter metrics
	ThrottleWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "throttle_wait_seconds",
		Help:      "Time spent waiting on the per-vendor rate limiter.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"vendor"})

	ThrottleTimeoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "throttle_timeouts_total",
		Help:      "Throttle waits that exceeded the bounded wait and surfaced an error.",
	}, []string{"vendor"})

	// Webhook metrics
	WebhookVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_verifications_total",
		Help:      "Inbound webhook signature verification results.",
	}, []string{"vendor", "result"})

	ResyncQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "resync_queue_depth",
		Help:      "Entities currently marked for re-sync.",
	}, []string{"vendor"})
)
