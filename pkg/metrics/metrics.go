package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Shard registry metrics
	ShardsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "router_shards_total",
			Help: "Total number of shards known to the registry",
		},
	)

	RegistryReloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_registry_reloads_total",
			Help: "Total number of shard registry reloads by trigger",
		},
		[]string{"trigger"},
	)

	// Catalog cache metrics
	CatalogRefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_catalog_refreshes_total",
			Help: "Total number of catalog cache refreshes by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	CatalogRefreshDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "router_catalog_refresh_duration_seconds",
			Help:    "Time taken for a catalog cache refresh in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	CatalogCoalescedWaiters = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "router_catalog_coalesced_waiters_total",
			Help: "Total number of callers that subscribed to an in-flight refresh instead of starting a new one",
		},
	)

	CatalogCachedNamespaces = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "router_catalog_cached_namespaces",
			Help: "Number of namespaces with a cached routing table",
		},
	)

	// Chunk router metrics
	RoutingDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_routing_decisions_total",
			Help: "Total number of routing decisions by shape",
		},
		[]string{"shape"},
	)

	StaleConfigRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "router_stale_config_retries_total",
			Help: "Total number of retries triggered by a stale shard version reply",
		},
	)

	// Transaction coordinator metrics
	CoordinatorTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_coordinator_transitions_total",
			Help: "Total number of transaction coordinator state transitions",
		},
		[]string{"state"},
	)

	CoordinatorDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_coordinator_decisions_total",
			Help: "Total number of commit/abort decisions reached",
		},
		[]string{"decision"},
	)

	CoordinatorFanoutDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "router_coordinator_fanout_duration_seconds",
			Help:    "Time taken for a prepare/commit/abort fan-out to all participants",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"phase"},
	)

	CoordinatorActiveTransactions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "router_coordinator_active_transactions",
			Help: "Number of transaction documents without a durable decision",
		},
	)

	CoordinatorGCedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "router_coordinator_gc_total",
			Help: "Total number of coordinator documents removed by the garbage collector",
		},
	)

	// Config server (raft) metrics
	ConfigSvrIsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "router_configsvr_is_leader",
			Help: "Whether this process holds raft leadership for the config server (1 = leader)",
		},
	)

	ConfigSvrAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "router_configsvr_applied_index",
			Help: "Last applied raft log index for the config server FSM",
		},
	)

	// BSONColumn codec metrics
	CodecDecodeErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_codec_decode_errors_total",
			Help: "Total number of BSONColumn decode errors by reason",
		},
		[]string{"reason"},
	)

	CodecElementsDecodedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "router_codec_elements_decoded_total",
			Help: "Total number of scalar elements decoded from BSONColumn binaries",
		},
	)
)

func init() {
	prometheus.MustRegister(ShardsTotal)
	prometheus.MustRegister(RegistryReloadsTotal)
	prometheus.MustRegister(CatalogRefreshesTotal)
	prometheus.MustRegister(CatalogRefreshDuration)
	prometheus.MustRegister(CatalogCoalescedWaiters)
	prometheus.MustRegister(CatalogCachedNamespaces)
	prometheus.MustRegister(RoutingDecisionsTotal)
	prometheus.MustRegister(StaleConfigRetriesTotal)
	prometheus.MustRegister(CoordinatorTransitionsTotal)
	prometheus.MustRegister(CoordinatorDecisionsTotal)
	prometheus.MustRegister(CoordinatorFanoutDuration)
	prometheus.MustRegister(CoordinatorActiveTransactions)
	prometheus.MustRegister(CoordinatorGCedTotal)
	prometheus.MustRegister(ConfigSvrIsLeader)
	prometheus.MustRegister(ConfigSvrAppliedIndex)
	prometheus.MustRegister(CodecDecodeErrorsTotal)
	prometheus.MustRegister(CodecElementsDecodedTotal)
}

// Handler returns the Prometheus HTTP handler used to serve /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations and recording them to a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
