// Package promexporter exports client and connection pool statistics to
// Prometheus.
package promexporter

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker/v2"

	memcache "github.com/pior/memcachebin"
)

// Source is implemented by *memcache.Client.
type Source interface {
	ClientStats() memcache.ClientStats
	AllPoolStats() []memcache.NodeStats
}

// Collector reads a fresh snapshot from its source on every scrape.
type Collector struct {
	source Source

	operations *prometheus.Desc
	getHits    *prometheus.Desc
	errors     *prometheus.Desc
	timeouts   *prometheus.Desc

	nodeHealthy   *prometheus.Desc
	circuitState  *prometheus.Desc
	circuitFails  *prometheus.Desc
	poolConns     *prometheus.Desc
	poolCreated   *prometheus.Desc
	poolDestroyed *prometheus.Desc
	poolAcquires  *prometheus.Desc
	poolErrors    *prometheus.Desc
	poolWait      *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

func NewCollector(source Source) *Collector {
	return &Collector{
		source: source,

		operations: prometheus.NewDesc("memcache_operations_total",
			"Total number of memcache requests by operation", []string{"operation"}, nil),
		getHits: prometheus.NewDesc("memcache_get_hits_total",
			"Get requests that found the key", nil, nil),
		errors: prometheus.NewDesc("memcache_errors_total",
			"Requests that returned an error", nil, nil),
		timeouts: prometheus.NewDesc("memcache_timeouts_total",
			"Requests abandoned on deadline", nil, nil),

		nodeHealthy: prometheus.NewDesc("memcache_node_healthy",
			"Whether the node takes part in routing (1) or is isolated (0)", []string{"server"}, nil),
		circuitState: prometheus.NewDesc("memcache_circuit_breaker_state",
			"Circuit breaker state (0=closed, 1=half-open, 2=open)", []string{"server"}, nil),
		circuitFails: prometheus.NewDesc("memcache_circuit_breaker_failures",
			"Circuit breaker failure counts", []string{"server", "type"}, nil),
		poolConns: prometheus.NewDesc("memcache_pool_connections",
			"Connection pool statistics", []string{"server", "state"}, nil),
		poolCreated: prometheus.NewDesc("memcache_pool_connections_created_total",
			"Total connections created", []string{"server"}, nil),
		poolDestroyed: prometheus.NewDesc("memcache_pool_connections_destroyed_total",
			"Total connections destroyed", []string{"server"}, nil),
		poolAcquires: prometheus.NewDesc("memcache_pool_acquires_total",
			"Total connection acquires", []string{"server"}, nil),
		poolErrors: prometheus.NewDesc("memcache_pool_acquire_errors_total",
			"Total connection acquire errors", []string{"server"}, nil),
		poolWait: prometheus.NewDesc("memcache_pool_acquire_wait_seconds_total",
			"Total time spent waiting for a connection", []string{"server"}, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.operations
	ch <- c.getHits
	ch <- c.errors
	ch <- c.timeouts
	ch <- c.nodeHealthy
	ch <- c.circuitState
	ch <- c.circuitFails
	ch <- c.poolConns
	ch <- c.poolCreated
	ch <- c.poolDestroyed
	ch <- c.poolAcquires
	ch <- c.poolErrors
	ch <- c.poolWait
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.source.ClientStats()

	counter := func(desc *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v), labels...)
	}
	gauge := func(desc *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, v, labels...)
	}

	counter(c.operations, stats.Gets, "get")
	counter(c.operations, stats.Stores, "store")
	counter(c.operations, stats.Deletes, "delete")
	counter(c.operations, stats.Counters, "counter")
	counter(c.operations, stats.Touches, "touch")
	counter(c.operations, stats.Broadcasts, "broadcast")
	counter(c.getHits, stats.GetHits)
	counter(c.errors, stats.Errors)
	counter(c.timeouts, stats.Timeouts)

	for _, node := range c.source.AllPoolStats() {
		healthy := 0.0
		if node.Healthy {
			healthy = 1
		}
		gauge(c.nodeHealthy, healthy, node.Addr)
		gauge(c.circuitState, circuitStateValue(node.CircuitBreakerState), node.Addr)
		gauge(c.circuitFails, float64(node.CircuitBreakerCounts.TotalFailures), node.Addr, "total")
		gauge(c.circuitFails, float64(node.CircuitBreakerCounts.ConsecutiveFailures), node.Addr, "consecutive")

		pool := node.PoolStats
		gauge(c.poolConns, float64(pool.TotalConns), node.Addr, "total")
		gauge(c.poolConns, float64(pool.ActiveConns), node.Addr, "active")
		gauge(c.poolConns, float64(pool.IdleConns), node.Addr, "idle")
		counter(c.poolCreated, pool.CreatedConns, node.Addr)
		counter(c.poolDestroyed, pool.DestroyedConns, node.Addr)
		counter(c.poolAcquires, pool.AcquireCount, node.Addr)
		counter(c.poolErrors, pool.AcquireErrors, node.Addr)
		ch <- prometheus.MustNewConstMetric(c.poolWait, prometheus.CounterValue, float64(pool.AcquireWaitTimeNs)/1e9, node.Addr)
	}
}

func circuitStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	}
	return 0
}

// Handler registers a collector for source on a new registry and returns the
// /metrics handler serving it.
func Handler(source Source) (http.Handler, error) {
	registry := prometheus.NewRegistry()
	if err := registry.Register(NewCollector(source)); err != nil {
		return nil, err
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
}
