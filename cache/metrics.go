package cache

// EvictReason explains why an entry left the index without an explicit Erase.
type EvictReason int

const (
	// EvictCapacity — removed by the eviction sweep to satisfy capacity.
	EvictCapacity EvictReason = iota
	// EvictOverwrite — displaced by an Insert of the same key.
	EvictOverwrite
)

// Metrics exposes cache-level observability hooks. Implementations must be
// safe for concurrent use; shards emit signals without coordination, and
// Evict may be called with the shard lock held — keep implementations cheap.
// A NoopMetrics implementation is provided and used by default.
//
// Usage/capacity gauges are deliberately not part of the hook: they are
// aggregate reads, served by Cache.Usage/PinnedUsage/Capacity (see the
// metrics/prom collector for a Prometheus binding).
type Metrics interface {
	Hit()
	Miss()
	Evict(reason EvictReason)
}

// NoopMetrics is a drop-in Metrics implementation that does nothing.
type NoopMetrics struct{}

func (NoopMetrics) Hit()              {}
func (NoopMetrics) Miss()             {}
func (NoopMetrics) Evict(EvictReason) {}

var _ Metrics = NoopMetrics{}
