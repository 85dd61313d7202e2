package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "power_agent"
	subsystem = "keeper"
)

var (
	startTime = time.Now()

	UptimeSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "uptime_seconds",
		Help:      "Time passed since the keeper started in seconds",
	})

	MemoryUsageBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "memory_usage_bytes",
		Help:      "Host memory in use",
	})

	CPUUsagePercent = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "cpu_usage_percent",
		Help:      "Host CPU utilization percentage",
	})

	GoroutinesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "goroutines_active",
		Help:      "Number of active goroutines",
	})

	// Network

	LatestBlock = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "latest_block",
		Help:      "Latest block seen per network",
	}, []string{"network"})

	BlockLagSeconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "block_lag_seconds",
		Help:      "Wall clock minus latest block timestamp",
	}, []string{"network"})

	DuplicateHeadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "duplicate_heads_total",
		Help:      "New head notifications dropped as already processed",
	}, []string{"network"})

	ResolverBatchSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "resolver_batch_size",
		Help:      "Resolvers evaluated per block",
		Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500},
	}, []string{"network"})

	ResolverBatchErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "resolver_batch_errors_total",
		Help:      "Multicall chunks that failed as a whole",
	}, []string{"network"})

	RegisteredTimers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "registered_timers",
		Help:      "Active timer registrations",
	}, []string{"network"})

	RegisteredResolvers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "registered_resolvers",
		Help:      "Active resolver registrations",
	}, []string{"network"})

	// Agent

	JobsTracked = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "jobs_tracked",
		Help:      "Jobs held in memory per agent",
	}, []string{"network", "agent"})

	EventsAppliedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "events_applied_total",
		Help:      "Agent events applied by name",
	}, []string{"network", "agent", "event"})

	ResyncsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "resyncs_total",
		Help:      "Full job set reloads",
	}, []string{"network", "agent"})

	IndexUnsyncedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "index_unsynced_total",
		Help:      "Reads served by the chain because the index lagged",
	}, []string{"network"})

	// Executor

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "executor_queue_depth",
		Help:      "Envelopes waiting per agent",
	}, []string{"network", "agent"})

	TransactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "transactions_total",
		Help:      "Transaction outcomes: success, failed, estimation_failed, dropped",
	}, []string{"network", "agent", "outcome"})

	GasBumpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "gas_bumps_total",
		Help:      "Resends of a not mined transaction",
	}, []string{"network", "agent"})

	// API and publisher

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "http_requests_total",
		Help:      "Status API requests",
	}, []string{"method", "route", "status"})

	StatusPublishErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "status_publish_errors_total",
		Help:      "Failed status snapshot writes",
	})
)

func TrackHTTPRequest(method, route, status string) {
	HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
}

const (
	OutcomeSuccess          = "success"
	OutcomeFailed           = "failed"
	OutcomeEstimationFailed = "estimation_failed"
	OutcomeDropped          = "dropped"
)
