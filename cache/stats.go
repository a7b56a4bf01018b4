package cache

// Stats is a snapshot of the cache's lifetime counters, summed across
// shards. Counters are read without locks; a snapshot taken under
// concurrent mutation is approximate.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
}
