// Package metrics exposes Prometheus collectors for instance lifecycle,
// query execution, and pool occupancy, served from GET /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dbforge/internal/models"
)

// Collector owns a private registry so tests can construct independent
// instances without colliding on the default global registry.
type Collector struct {
	registry *prometheus.Registry

	instancesCreatedTotal   *prometheus.CounterVec
	instancesDestroyedTotal *prometheus.CounterVec
	instancesActive         *prometheus.GaugeVec
	queriesTotal            *prometheus.CounterVec
	queryDuration           *prometheus.HistogramVec
	poolHosts               *prometheus.GaugeVec
	backupsTotal            *prometheus.CounterVec
	reaperEvictionsTotal    prometheus.Counter
}

func New() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		instancesCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dbforge_instances_created_total",
			Help: "Instances created, by dialect.",
		}, []string{"dialect"}),
		instancesDestroyedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dbforge_instances_destroyed_total",
			Help: "Instances destroyed, by dialect and reason.",
		}, []string{"dialect", "reason"}),
		instancesActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dbforge_instances_active",
			Help: "Instances currently live, by dialect and state.",
		}, []string{"dialect", "state"}),
		queriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dbforge_queries_total",
			Help: "Queries executed, by dialect and outcome.",
		}, []string{"dialect", "outcome"}),
		queryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dbforge_query_duration_seconds",
			Help:    "Query execution latency, by dialect.",
			Buckets: prometheus.DefBuckets,
		}, []string{"dialect"}),
		poolHosts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dbforge_pool_hosts",
			Help: "Host containers currently tracked by the pool, by dialect.",
		}, []string{"dialect"}),
		backupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dbforge_backups_total",
			Help: "Backups taken, by dialect.",
		}, []string{"dialect"}),
		reaperEvictionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dbforge_reaper_evictions_total",
			Help: "Instances evicted by the reaper.",
		}),
	}
	reg.MustRegister(
		c.instancesCreatedTotal, c.instancesDestroyedTotal, c.instancesActive,
		c.queriesTotal, c.queryDuration, c.poolHosts, c.backupsTotal,
		c.reaperEvictionsTotal,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return c
}

// Handler serves the registry in Prometheus text exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) InstanceCreated(dialect models.Dialect) {
	c.instancesCreatedTotal.WithLabelValues(string(dialect)).Inc()
}

func (c *Collector) InstanceDestroyed(dialect models.Dialect, reason string) {
	c.instancesDestroyedTotal.WithLabelValues(string(dialect), reason).Inc()
}

func (c *Collector) Query(dialect models.Dialect, outcome string, elapsed time.Duration) {
	c.queriesTotal.WithLabelValues(string(dialect), outcome).Inc()
	c.queryDuration.WithLabelValues(string(dialect)).Observe(elapsed.Seconds())
}

func (c *Collector) Backup(dialect models.Dialect) {
	c.backupsTotal.WithLabelValues(string(dialect)).Inc()
}

func (c *Collector) Eviction() {
	c.reaperEvictionsTotal.Inc()
}

// SetPoolHosts records the current host-container count for a dialect,
// sampled periodically by the app's health-probe loop.
func (c *Collector) SetPoolHosts(dialect models.Dialect, count int) {
	c.poolHosts.WithLabelValues(string(dialect)).Set(float64(count))
}

// SetActiveInstances records the current live-instance count for a
// dialect/state pair, sampled periodically alongside pool occupancy.
func (c *Collector) SetActiveInstances(dialect models.Dialect, state models.InstanceState, count int) {
	c.instancesActive.WithLabelValues(string(dialect), string(state)).Set(float64(count))
}
