package cache

import (
	"sync"
	"sync/atomic"

	"github.com/tierkv/blockcache/internal/util"
)

// Per-entry meta word layout for the clock shard: the low 32 bits hold the
// reference count, bit 32 is the clock "visited" bit, bit 33 the in-cache
// flag. Packing all liveness state into one atomic word lets Lookup and
// Release run without the shard mutex.
const (
	clockRefsMask uint64 = (1 << 32) - 1
	clockVisited  uint64 = 1 << 32
	clockInCache  uint64 = 1 << 33
)

// clockHandle is one entry of a clockShard.
type clockHandle struct {
	shard *clockShard

	key     string
	value   any
	deleter Deleter

	charge      int64
	chargeTotal int64

	// slot is the entry's ring index; guarded by the shard mutex.
	slot int

	meta atomic.Uint64
}

// clockHandleOverhead mirrors lruHandleOverhead for metadata charging.
const clockHandleOverhead = int64(64) // struct estimate, kept independent of atomic padding

func (e *clockHandle) Key() []byte   { return []byte(e.key) }
func (e *clockHandle) Value() any    { return e.value }
func (e *clockHandle) Charge() int64 { return e.charge }

func (e *clockHandle) ref() bool               { return e.shard.ref(e) }
func (e *clockHandle) release(force bool) bool { return e.shard.release(e, force) }
func (e *clockHandle) ready() bool             { return true }
func (e *clockHandle) wait()                   {}
func (e *clockHandle) total() int64            { return e.chargeTotal }

func (e *clockHandle) freeValue(disowned *atomic.Bool) {
	if e.deleter != nil && !disowned.Load() {
		e.deleter([]byte(e.key), e.value)
	}
}

// clockShard trades exact recency for reduced lock contention: the hot read
// path touches only the index RWMutex and per-entry atomics, while inserts,
// erases and the evicting hand sweep serialize on mu.
//
// Lock order: mu before idxMu. Lookup takes only idxMu (read side).
type clockShard struct {
	// mu serializes structural mutation: the ring, the hand, and capacity
	// accounting.
	mu        sync.Mutex
	ring      []*clockHandle // length is always a power of two
	freeSlots []int
	hand      int

	// idxMu guards table. Writers hold mu as well.
	idxMu sync.RWMutex
	table map[string]*clockHandle

	capacity atomic.Int64
	strict   atomic.Bool
	usage    atomic.Int64 // mutated under mu, read lock-free
	pinned   atomic.Int64

	metaPolicy MetadataChargePolicy
	metrics    Metrics
	disowned   *atomic.Bool

	_       util.CacheLinePad
	hits    util.PaddedAtomicUint64
	misses  util.PaddedAtomicUint64
	evicted util.PaddedAtomicUint64
}

func newClockShard(capacity int64, strict bool, metaPolicy MetadataChargePolicy,
	metrics Metrics, disowned *atomic.Bool) *clockShard {
	s := &clockShard{
		table:      make(map[string]*clockHandle),
		metaPolicy: metaPolicy,
		metrics:    metrics,
		disowned:   disowned,
	}
	s.capacity.Store(capacity)
	s.strict.Store(strict)
	return s
}

func (s *clockShard) metadataCharge(key string) int64 {
	if s.metaPolicy == DontChargeCacheMetadata {
		return 0
	}
	return clockHandleOverhead + int64(len(key))
}

// insert ignores priority: the clock shard's scan resistance comes from the
// visited bit, not from a priority pool.
func (s *clockShard) insert(key string, value any, charge int64, deleter Deleter,
	_ Priority, retain bool) (Handle, error) {
	e := &clockHandle{
		shard:   s,
		key:     key,
		value:   value,
		deleter: deleter,
		charge:  charge,
	}
	e.chargeTotal = charge + s.metadataCharge(key)

	var freed []*clockHandle
	s.mu.Lock()

	s.evictLocked(e.chargeTotal, &freed)

	if s.strict.Load() && s.usage.Load()+e.chargeTotal > s.capacity.Load() {
		s.mu.Unlock()
		s.freeHandles(freed)
		if !retain && deleter != nil {
			deleter([]byte(key), value)
		}
		return nil, ErrCacheFull
	}

	s.idxMu.Lock()
	if old, ok := s.table[key]; ok {
		if m, detached := s.detachLocked(old); detached && m&clockRefsMask == 0 {
			freed = append(freed, old)
		}
		s.evicted.Add(1)
		s.metrics.Evict(EvictOverwrite)
	}
	var m uint64 = clockInCache
	if retain {
		m |= 1
	}
	e.meta.Store(m)
	e.slot = s.slotForLocked()
	s.ring[e.slot] = e
	s.table[key] = e
	s.idxMu.Unlock()

	s.usage.Add(e.chargeTotal)
	if retain {
		s.pinned.Add(e.chargeTotal)
	}

	s.mu.Unlock()
	s.freeHandles(freed)
	if retain {
		return e, nil
	}
	return nil, nil
}

// lookup is the lock-free-ish hot path: a read lock on the index and one CAS
// on the entry's meta word, which both takes a reference and sets the
// visited bit.
func (s *clockShard) lookup(key string) Handle {
	s.idxMu.RLock()
	e, ok := s.table[key]
	s.idxMu.RUnlock()
	if !ok {
		s.misses.Add(1)
		s.metrics.Miss()
		return nil
	}
	for {
		m := e.meta.Load()
		if m&clockInCache == 0 {
			// Raced with eviction or overwrite.
			s.misses.Add(1)
			s.metrics.Miss()
			return nil
		}
		if e.meta.CompareAndSwap(m, (m|clockVisited)+1) {
			if m&clockRefsMask == 0 {
				s.pinned.Add(e.chargeTotal)
			}
			s.hits.Add(1)
			s.metrics.Hit()
			return e
		}
	}
}

func (s *clockShard) ref(e *clockHandle) bool {
	for {
		m := e.meta.Load()
		if m&clockRefsMask == 0 && m&clockInCache == 0 {
			return false
		}
		if e.meta.CompareAndSwap(m, m+1) {
			if m&clockRefsMask == 0 {
				s.pinned.Add(e.chargeTotal)
			}
			return true
		}
	}
}

func (s *clockShard) release(e *clockHandle, forceErase bool) bool {
	m := e.meta.Add(^uint64(0)) // refs--
	if m&clockRefsMask != 0 {
		return false
	}
	s.pinned.Add(-e.chargeTotal)
	if m&clockInCache == 0 {
		// Erased or evicted while pinned; the last holder frees it.
		e.freeValue(s.disowned)
		return true
	}
	if forceErase || s.usage.Load() > s.capacity.Load() {
		var free bool
		s.mu.Lock()
		if mm := e.meta.Load(); mm&clockRefsMask == 0 && mm&clockInCache != 0 {
			s.idxMu.Lock()
			if m, detached := s.detachLocked(e); detached && m&clockRefsMask == 0 {
				free = true
			}
			s.idxMu.Unlock()
		}
		s.mu.Unlock()
		if free {
			e.freeValue(s.disowned)
			return true
		}
	}
	return false
}

func (s *clockShard) erase(key string) {
	var freed *clockHandle
	s.mu.Lock()
	s.idxMu.Lock()
	if e, ok := s.table[key]; ok {
		if m, detached := s.detachLocked(e); detached && m&clockRefsMask == 0 {
			freed = e
		}
	}
	s.idxMu.Unlock()
	s.mu.Unlock()
	if freed != nil {
		freed.freeValue(s.disowned)
	}
}

func (s *clockShard) setCapacity(capacity int64) {
	var freed []*clockHandle
	s.mu.Lock()
	s.capacity.Store(capacity)
	s.evictLocked(0, &freed)
	s.mu.Unlock()
	s.freeHandles(freed)
}

func (s *clockShard) setStrict(strict bool) { s.strict.Store(strict) }

func (s *clockShard) getUsage() int64       { return s.usage.Load() }
func (s *clockShard) getPinnedUsage() int64 { return s.pinned.Load() }

func (s *clockShard) applyToAll(fn func(key []byte, value any, charge int64), threadSafe bool) {
	if threadSafe {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.idxMu.RLock()
		defer s.idxMu.RUnlock()
	}
	for _, e := range s.table {
		fn([]byte(e.key), e.value, e.charge)
	}
}

func (s *clockShard) eraseUnref() {
	var freed []*clockHandle
	s.mu.Lock()
	s.idxMu.Lock()
	for _, e := range s.table {
		if e.meta.Load()&clockRefsMask != 0 {
			continue
		}
		if m, detached := s.detachLocked(e); detached && m&clockRefsMask == 0 {
			freed = append(freed, e)
		}
	}
	s.idxMu.Unlock()
	s.mu.Unlock()
	s.freeHandles(freed)
}

func (s *clockShard) stats(st *Stats) {
	st.Hits += s.hits.Load()
	st.Misses += s.misses.Load()
	st.Evictions += s.evicted.Load()
}

// -------------------- internals (mu held) --------------------

// evictLocked advances the clock hand until the incoming charge fits. Per
// classic CLOCK: referenced slots are skipped, visited slots get a second
// chance, unvisited slots are evicted. The sweep is bounded to two full
// revolutions so an all-pinned shard cannot spin forever.
func (s *clockShard) evictLocked(incoming int64, freed *[]*clockHandle) {
	n := len(s.ring)
	if n == 0 {
		return
	}
	for scanned := 0; scanned < 2*n && s.usage.Load()+incoming > s.capacity.Load(); scanned++ {
		e := s.ring[s.hand]
		if e == nil {
			s.advanceHand()
			continue
		}
		m := e.meta.Load()
		if m&clockRefsMask > 0 {
			s.advanceHand()
			continue
		}
		if m&clockVisited != 0 {
			e.meta.And(^clockVisited)
			s.advanceHand()
			continue
		}
		// The CAS guards against a concurrent Lookup reviving the entry
		// between our load and the eviction.
		if e.meta.CompareAndSwap(m, m&^clockInCache) {
			s.idxMu.Lock()
			delete(s.table, e.key)
			s.idxMu.Unlock()
			s.ring[e.slot] = nil
			s.freeSlots = append(s.freeSlots, e.slot)
			s.usage.Add(-e.chargeTotal)
			s.evicted.Add(1)
			s.metrics.Evict(EvictCapacity)
			*freed = append(*freed, e)
		}
		s.advanceHand()
	}
}

// detachLocked removes an entry from the table and ring without freeing it.
// Callers hold both mu and idxMu (write side). It returns the meta word
// captured at the in-cache→detached transition: the refcount in that word
// decides who frees the entry (refs==0: the detacher; refs>0: the last
// Release). Re-loading meta after the transition would race with Release.
func (s *clockShard) detachLocked(e *clockHandle) (uint64, bool) {
	var m uint64
	for {
		m = e.meta.Load()
		if m&clockInCache == 0 {
			return m, false
		}
		if e.meta.CompareAndSwap(m, m&^clockInCache) {
			break
		}
	}
	delete(s.table, e.key)
	s.ring[e.slot] = nil
	s.freeSlots = append(s.freeSlots, e.slot)
	s.usage.Add(-e.chargeTotal)
	return m, true
}

// slotForLocked hands out a free ring slot, growing the ring to the next
// power of two so the hand can wrap with a mask.
func (s *clockShard) slotForLocked() int {
	if n := len(s.freeSlots); n > 0 {
		idx := s.freeSlots[n-1]
		s.freeSlots = s.freeSlots[:n-1]
		return idx
	}
	old := len(s.ring)
	grown := make([]*clockHandle, util.NextPow2(uint64(old+1)))
	copy(grown, s.ring)
	s.ring = grown
	for i := len(s.ring) - 1; i > old; i-- {
		s.freeSlots = append(s.freeSlots, i)
	}
	return old
}

func (s *clockShard) advanceHand() {
	s.hand = (s.hand + 1) & (len(s.ring) - 1)
}

func (s *clockShard) freeHandles(freed []*clockHandle) {
	for _, e := range freed {
		e.freeValue(s.disowned)
	}
}
