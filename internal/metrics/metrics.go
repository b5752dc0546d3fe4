package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Engine, orchestrator and store counters, partitioned by chain family.

const namespace = "portfolio"

var (
	// Aggregation
	AggregationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "aggregation",
		Name:      "runs_total",
		Help:      "Total scatter-gather aggregation runs",
	})

	AggregationPartial = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "aggregation",
		Name:      "partial_total",
		Help:      "Aggregation runs that produced a partial portfolio",
	})

	AggregationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "aggregation",
		Name:      "duration_seconds",
		Help:      "End-to-end aggregation duration",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	SourceFetchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "source",
		Name:      "fetch_duration_seconds",
		Help:      "Per-family adapter fetch duration",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"chain_family"})

	SourceFetchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "source",
		Name:      "fetch_errors_total",
		Help:      "Adapter fetch failures by class",
	}, []string{"chain_family", "class"})

	SourceCacheFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "source",
		Name:      "cache_fallbacks_total",
		Help:      "Addresses served from last-known-good cache",
	}, []string{"chain_family"})

	SourceHealthStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "source",
		Name:      "health_status",
		Help:      "Source health (1=healthy, 0.5=degraded, 0=unhealthy)",
	}, []string{"chain_family"})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "source",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"chain_family"})

	EchoAssetsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "aggregation",
		Name:      "echo_assets_dropped_total",
		Help:      "CEX echo assets dropped in favour of on-chain data",
	}, []string{"chain_family"})

	// Subscription orchestrator
	EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "subscription",
		Name:      "events_received_total",
		Help:      "Raw source events received",
	}, []string{"chain_family", "kind"})

	EventsInvalid = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "subscription",
		Name:      "events_invalid_total",
		Help:      "Raw events rejected by normalization",
	}, []string{"chain_family"})

	EventsDeduped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "subscription",
		Name:      "events_deduped_total",
		Help:      "Events collapsed by the dedup window",
	}, []string{"chain_family"})

	DedupWindowEntries = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "subscription",
		Name:      "dedup_window_entries",
		Help:      "Dedup keys currently held per family",
	}, []string{"chain_family"})

	EventsCoalesced = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "subscription",
		Name:      "events_coalesced_total",
		Help:      "Events coalesced into a pending debounce entry",
	}, []string{"chain_family"})

	EventsUnresolvable = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "subscription",
		Name:      "events_unresolvable_total",
		Help:      "Events dropped because no AccountID tracks the address",
	}, []string{"chain_family"})

	MergesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "subscription",
		Name:      "merges_total",
		Help:      "Incremental merges applied to the store",
	}, []string{"chain_family"})

	MergeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "subscription",
		Name:      "merge_errors_total",
		Help:      "Incremental merges that failed to fetch",
	}, []string{"chain_family"})

	ActiveSubscriptions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "subscription",
		Name:      "active",
		Help:      "Active subscriptions by mode",
	}, []string{"chain_family", "mode"})

	PollerRateLimitWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "poller",
		Name:      "rate_limit_waits_total",
		Help:      "Poll calls delayed by the rate limiter",
	}, []string{"chain_family"})

	RPCCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rpc",
		Name:      "calls_total",
		Help:      "Adapter RPC calls by method and status",
	}, []string{"chain_family", "method", "status"})

	// Store
	StaleIncrements = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "stale_increments_total",
		Help:      "Increments discarded as not newer than the current slice",
	}, []string{"chain_family"})

	SnapshotsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "snapshots_applied_total",
		Help:      "Full snapshots applied",
	})

	PreservedSlices = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "preserved_slices_total",
		Help:      "Account slices kept over a snapshot because an increment was newer",
	})

	TotalDriftCorrections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "total_drift_corrections_total",
		Help:      "Times the running total disagreed with a full resum",
	})

	PortfolioTotalValue = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "total_value",
		Help:      "Current aggregate portfolio value",
	})

	TrackedAccounts = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "identity",
		Name:      "tracked_accounts",
		Help:      "Registered AccountIDs",
	})

	AccountsReloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "identity",
		Name:      "accounts_reloads_total",
		Help:      "Accounts file reload outcomes",
	}, []string{"result"})

	// Alerts
	AlertsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "alert",
		Name:      "sent_total",
		Help:      "Alerts delivered by channel and type",
	}, []string{"channel", "type"})

	AlertsCooldownSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "alert",
		Name:      "cooldown_skipped_total",
		Help:      "Alerts suppressed by cooldown",
	}, []string{"channel", "type"})

	// API
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the API rate limiter",
	}, []string{"rule"})

	// Publisher
	PublishErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "publisher",
		Name:      "errors_total",
		Help:      "Portfolio update records that failed to publish",
	})
)
