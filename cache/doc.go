// Package cache implements the in-memory caching layer of an embedded
// key-value storage engine: a capacity-bounded, sharded map from opaque
// byte-string keys to in-process values, with reference-counted handles,
// priority-aware eviction, and an optional asynchronous second tier.
//
// # Design
//
//   - Concurrency: the cache is split into 2^num_shard_bits shards selected
//     by the top bits of the key's xxhash. One mutex per shard guards that
//     shard's index and eviction order; no global lock is ever taken on the
//     Insert/Lookup/Release/Erase paths. Per-shard operations are
//     linearizable; cross-shard operations have no relative ordering.
//
//   - Handles: every successful Insert (with a handle slot) and Lookup pins
//     its entry. A pinned entry survives eviction, overwrite and Erase; its
//     value stays valid until the matching Release. An entry is destroyed —
//     its deleter invoked exactly once — at the moment it is both
//     unreferenced and out of the index, wherever that transition happens.
//
//   - Eviction, LRU shard: the order is split at a midpoint into a
//     low-priority and a high-priority sublist, the latter bounded by
//     HighPriPoolRatio of capacity. New low-priority entries enter at the
//     midpoint and so age out faster than anything that has been looked up:
//     a hit promotes the entry to the high-priority end. This is what keeps
//     a single large scan from flushing the working set.
//
//   - Eviction, clock shard: a ring of slots with one atomic word per entry
//     (refcount, visited bit, in-cache bit). Lookups take no lock at all
//     beyond the index read lock; the evicting hand sweep serializes on the
//     shard mutex. Approximate recency, far less contention.
//
//   - Eviction runs synchronously inside Insert and SetCapacity; there is
//     no background thread. Pinned entries are skipped, never forced out.
//     With StrictCapacityLimit an insert that still cannot fit fails with
//     ErrCacheFull; otherwise usage transiently overshoots and converges as
//     references are released.
//
//   - Secondary tier: with a SecondaryCache configured, InsertWithHelper
//     forwards entries outward through the helper's serialization callbacks
//     and LookupWithCreate turns a miss into a possibly-pending handle.
//     IsReady/Wait/WaitAll complete the protocol; Value is nil on a ready
//     handle whose reconstruction failed, so callers always nil-check after
//     waiting.
//
// # Basic usage
//
//	c, _ := cache.NewLRU(cache.LRUOptions{Capacity: 64 << 20, NumShardBits: cache.AutoShardBits})
//	defer c.Close()
//
//	_ = c.Insert([]byte("block#1"), block, int64(block.Size()), deleter, cache.PriorityLow, nil)
//	if h := c.Lookup([]byte("block#1")); h != nil {
//	    use(h.Value())
//	    c.Release(h, false)
//	}
//
// # Construction from a config string
//
//	c, err := cache.NewFromString("capacity=128M;num_shard_bits=6;high_pri_pool_ratio=0.4")
//
// # Pipelined secondary-tier reads
//
//	hs := make([]cache.Handle, 0, len(keys))
//	for _, k := range keys {
//	    if h := c.LookupWithCreate(k, helper, create, cache.PriorityLow, false); h != nil {
//	        hs = append(hs, h)
//	    }
//	}
//	c.WaitAll(hs)
//	for _, h := range hs {
//	    if v := h.Value(); v != nil {
//	        use(v)
//	    }
//	    c.Release(h, false)
//	}
//
// # Misuse
//
// Releasing a handle twice, or using the cache after DisownData, is
// undefined behavior. The hot paths deliberately carry no checks for these;
// the contract is the caller's to keep.
package cache
