package metrics

import "github.com/prometheus/client_golang/prometheus"

// CacheMetrics holds Prometheus metrics for the status cache. It implements cache.Observer.
type CacheMetrics struct {
	Hits          prometheus.Counter
	Misses        prometheus.Counter
	Invalidations prometheus.Counter
	Evictions     prometheus.Counter
	Entries       prometheus.Gauge
}

// NewCacheMetrics creates and registers cache metrics on the given registry.
func NewCacheMetrics(reg prometheus.Registerer) *CacheMetrics {
	m := &CacheMetrics{
		Hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "status_cache",
			Name:      "hits_total",
			Help:      "Total number of status cache hits.",
		}),
		Misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "status_cache",
			Name:      "misses_total",
			Help:      "Total number of status cache misses.",
		}),
		Invalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "status_cache",
			Name:      "invalidated_entries_total",
			Help:      "Total number of entries removed by tag invalidation.",
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "status_cache",
			Name:      "expired_entries_total",
			Help:      "Total number of expired entries evicted.",
		}),
		Entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "status_cache",
			Name:      "entries",
			Help:      "Current number of status cache entries.",
		}),
	}

	reg.MustRegister(m.Hits, m.Misses, m.Invalidations, m.Evictions, m.Entries)
	return m
}

func (m *CacheMetrics) CacheHit()              { m.Hits.Inc() }
func (m *CacheMetrics) CacheMiss()             { m.Misses.Inc() }
func (m *CacheMetrics) CacheInvalidated(n int) { m.Invalidations.Add(float64(n)) }
func (m *CacheMetrics) CacheEvicted(n int)     { m.Evictions.Add(float64(n)) }
func (m *CacheMetrics) CacheSize(n int)        { m.Entries.Set(float64(n)) }
