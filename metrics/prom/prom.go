// Package prom binds the cache's observability surface to Prometheus: a
// counter adapter implementing cache.Metrics plus a collector that reads
// usage gauges straight off a Cache on scrape.
package prom

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tierkv/blockcache/cache"
)

// Adapter implements cache.Metrics with Prometheus counters. All counter
// types are goroutine-safe, so shards emit without coordination.
type Adapter struct {
	hits   prometheus.Counter
	misses prometheus.Counter
	evicts *prometheus.CounterVec
}

// New constructs a Prometheus metrics adapter.
//   - reg:         registry to register with (nil => prometheus.DefaultRegisterer)
//   - ns, sub:     Prometheus namespace and subsystem
//   - constLabels: static labels applied to all metrics (may be nil)
func New(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	a := &Adapter{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "hits_total",
			Help:        "Cache hits",
			ConstLabels: constLabels,
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "misses_total",
			Help:        "Cache misses",
			ConstLabels: constLabels,
		}),
		evicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "evictions_total",
				Help:        "Cache evictions by reason",
				ConstLabels: constLabels,
			},
			[]string{"reason"},
		),
	}
	reg.MustRegister(a.hits, a.misses, a.evicts)
	return a
}

// Hit increments the hit counter.
func (a *Adapter) Hit() { a.hits.Inc() }

// Miss increments the miss counter.
func (a *Adapter) Miss() { a.misses.Inc() }

// Evict increments the eviction counter with a reason label.
func (a *Adapter) Evict(r cache.EvictReason) {
	a.evicts.WithLabelValues(reason(r)).Inc()
}

// reason maps EvictReason to a stable label value.
func reason(r cache.EvictReason) string {
	switch r {
	case cache.EvictOverwrite:
		return "overwrite"
	default:
		return "capacity"
	}
}

// Compile-time check: ensure Adapter implements cache.Metrics.
var _ cache.Metrics = (*Adapter)(nil)

// Collector exports a Cache's aggregate gauges. Usage, pinned usage and
// capacity are reads across all shards, so they are sampled at scrape time
// instead of pushed per operation.
type Collector struct {
	c        cache.Cache
	usage    *prometheus.Desc
	pinned   *prometheus.Desc
	capacity *prometheus.Desc
}

// NewCollector builds a prometheus.Collector over c. Register it with the
// same registry as the Adapter:
//
//	reg.MustRegister(prom.NewCollector(c, "tierkv", "blockcache", nil))
func NewCollector(c cache.Cache, ns, sub string, constLabels prometheus.Labels) *Collector {
	fqName := func(name string) string {
		return prometheus.BuildFQName(ns, sub, name)
	}
	return &Collector{
		c:        c,
		usage:    prometheus.NewDesc(fqName("usage_bytes"), "Summed charge of all resident entries", nil, constLabels),
		pinned:   prometheus.NewDesc(fqName("pinned_usage_bytes"), "Summed charge of entries with outstanding references", nil, constLabels),
		capacity: prometheus.NewDesc(fqName("capacity_bytes"), "Configured capacity", nil, constLabels),
	}
}

func (col *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- col.usage
	ch <- col.pinned
	ch <- col.capacity
}

func (col *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(col.usage, prometheus.GaugeValue, float64(col.c.Usage()))
	ch <- prometheus.MustNewConstMetric(col.pinned, prometheus.GaugeValue, float64(col.c.PinnedUsage()))
	ch <- prometheus.MustNewConstMetric(col.capacity, prometheus.GaugeValue, float64(col.c.Capacity()))
}

var _ prometheus.Collector = (*Collector)(nil)
