package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// ShardStatus is 1 while an endpoint is healthy and 0 otherwise
var ShardStatus = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "realtyshard_endpoint_healthy",
		Help: "Whether a shard endpoint passed its last health check",
	},
	[]string{"shard", "role", "pool"},
)

// HealthCheckFailures counts failed liveness queries per endpoint
var HealthCheckFailures = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "realtyshard_health_check_failures_total",
		Help: "Total number of failed shard health checks",
	},
	[]string{"shard", "role"},
)

// RoutedRequests counts routing decisions by target (master, replica, fallback)
var RoutedRequests = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "realtyshard_routed_requests_total",
		Help: "Total number of routed connection requests",
	},
	[]string{"shard", "target"},
)

// QueryLatency records latency of queries issued through the service helpers
var QueryLatency = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "realtyshard_query_latency_seconds",
		Help:    "Latency in seconds of sharded queries",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	},
	[]string{"shard", "op"},
)

// Connection pool metrics
var (
	PoolOpenConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "realtyshard_pool_open_connections",
			Help: "Number of open connections in the shard pool",
		},
		[]string{"pool"},
	)

	PoolIdleConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "realtyshard_pool_idle_connections",
			Help: "Number of idle connections in the shard pool",
		},
		[]string{"pool"},
	)

	PoolInUseConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "realtyshard_pool_in_use_connections",
			Help: "Number of in-use connections in the shard pool",
		},
		[]string{"pool"},
	)
)

func init() {
	prometheus.MustRegister(ShardStatus, HealthCheckFailures, RoutedRequests, QueryLatency)
	prometheus.MustRegister(PoolOpenConns, PoolIdleConns, PoolInUseConns)
}

// ShardLabel formats a shard id for use as a label value
func ShardLabel(shardID int) string {
	return strconv.Itoa(shardID)
}

// SetHealthy records the health gauge for one endpoint
func SetHealthy(shardID int, role, pool string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1
	}
	ShardStatus.WithLabelValues(ShardLabel(shardID), role, pool).Set(v)
}
