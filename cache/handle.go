package cache

import (
	"sync/atomic"
	"unsafe"
)

// lruHandle is one entry of an lruShard: the key/value pair, its deleter and
// charges, intrusive links into the shard's eviction list, and the liveness
// bookkeeping (refs + inCache) that drives the free condition.
//
// All fields except key/value/deleter/charge are guarded by the owning
// shard's mutex. key, value, deleter and the charges are immutable after
// insertion, so Handle accessors read them without the lock.
type lruHandle struct {
	shard *lruShard

	key     string
	value   any
	deleter Deleter

	// charge is the caller-supplied cost; chargeTotal adds the per-entry
	// metadata estimate when metadata charging is enabled. chargeTotal is
	// what usage/pinned accounting tracks.
	charge      int64
	chargeTotal int64

	// Intrusive list links: head is the most recent end, tail the eviction
	// end.
	prev, next *lruHandle

	// refs counts live external holders. inCache is true while the entry is
	// indexed by key. The entry is freed exactly when refs==0 && !inCache.
	refs    uint32
	inCache bool

	// inHighPriPool marks entries counted against the high-priority pool.
	// hasHit marks entries that have seen at least one Lookup hit; a later
	// re-insertion of a hit entry goes straight to the high-priority end.
	inHighPriPool bool
	hasHit        bool
}

// lruHandleOverhead is the metadata estimate charged per entry under
// FullChargeCacheMetadata, on top of the key bytes.
const lruHandleOverhead = int64(unsafe.Sizeof(lruHandle{}))

func (e *lruHandle) Key() []byte   { return []byte(e.key) }
func (e *lruHandle) Value() any    { return e.value }
func (e *lruHandle) Charge() int64 { return e.charge }

func (e *lruHandle) ref() bool               { return e.shard.ref(e) }
func (e *lruHandle) release(force bool) bool { return e.shard.release(e, force) }
func (e *lruHandle) ready() bool             { return true }
func (e *lruHandle) wait()                   {}
func (e *lruHandle) total() int64            { return e.chargeTotal }

// freeValue invokes the deleter unless the cache disowned its data.
// Must be called outside the shard lock.
func (e *lruHandle) freeValue(disowned *atomic.Bool) {
	if e.deleter != nil && !disowned.Load() {
		e.deleter([]byte(e.key), e.value)
	}
}
