package cache

import (
	"sync"
	"sync/atomic"

	"github.com/tierkv/blockcache/internal/util"
)

// lruShard is an independent partition of an LRU cache: a key→handle index
// plus an eviction-ordered intrusive list with midpoint insertion.
//
// List orientation: head is the most recent end (the high-priority sublist
// lives there), tail is the eviction end. lowPriHead marks the boundary of
// the two sublists. New low-priority entries are linked at that boundary, so
// they start "already half-aged" and fall off the tail quickly unless a
// Lookup promotes them into the high-priority pool.
type lruShard struct {
	// ---- guarded by mu ----
	mu    sync.Mutex
	table map[string]*lruHandle

	head, tail *lruHandle
	// lowPriHead is the most recent entry of the low-priority sublist,
	// nil when every resident entry is above the midpoint.
	lowPriHead *lruHandle

	capacity int64
	strict   bool
	usage    int64 // summed chargeTotal of indexed entries
	pinned   int64 // summed chargeTotal of entries with refs > 0

	highPriPoolRatio float64
	highPriPoolCap   int64
	highPriPoolUsage int64

	metaPolicy MetadataChargePolicy
	metrics    Metrics
	disowned   *atomic.Bool

	// ---- hot counters (padded to avoid false sharing across shards) ----
	_       util.CacheLinePad
	hits    util.PaddedAtomicUint64
	misses  util.PaddedAtomicUint64
	evicted util.PaddedAtomicUint64
}

func newLRUShard(capacity int64, ratio float64, strict bool,
	metaPolicy MetadataChargePolicy, metrics Metrics, disowned *atomic.Bool) *lruShard {
	return &lruShard{
		table:            make(map[string]*lruHandle),
		capacity:         capacity,
		strict:           strict,
		highPriPoolRatio: ratio,
		highPriPoolCap:   int64(ratio * float64(capacity)),
		metaPolicy:       metaPolicy,
		metrics:          metrics,
		disowned:         disowned,
	}
}

func (s *lruShard) metadataCharge(key string) int64 {
	if s.metaPolicy == DontChargeCacheMetadata {
		return 0
	}
	return lruHandleOverhead + int64(len(key))
}

// insert adds key→value, displacing an existing entry with the same key.
// retain pins the new entry and returns its handle.
func (s *lruShard) insert(key string, value any, charge int64, deleter Deleter,
	pri Priority, retain bool) (Handle, error) {
	e := &lruHandle{
		shard:   s,
		key:     key,
		value:   value,
		deleter: deleter,
		charge:  charge,
	}
	e.chargeTotal = charge + s.metadataCharge(key)

	var freed []*lruHandle
	s.mu.Lock()

	// Make room before touching the index; pinned entries are skipped and a
	// relaxed-mode insert may leave usage above capacity.
	s.evictLocked(e.chargeTotal, &freed)

	if s.strict && s.usage+e.chargeTotal > s.capacity {
		s.mu.Unlock()
		s.freeHandles(freed)
		if !retain && deleter != nil {
			// No handle requested means the caller walked away from the
			// value; clean it up on their behalf.
			deleter([]byte(key), value)
		}
		return nil, ErrCacheFull
	}

	if old, ok := s.table[key]; ok {
		s.removeFromIndexLocked(old)
		s.evicted.Add(1)
		s.metrics.Evict(EvictOverwrite)
		if old.refs == 0 {
			freed = append(freed, old)
		}
	}

	s.table[key] = e
	e.inCache = true
	s.usage += e.chargeTotal
	if retain {
		e.refs = 1
		s.pinned += e.chargeTotal
	}
	s.linkLocked(e, pri)

	s.mu.Unlock()
	s.freeHandles(freed)
	if retain {
		return e, nil
	}
	return nil, nil
}

// lookup returns a pinned handle or nil and promotes hits to the
// high-priority end.
func (s *lruShard) lookup(key string) Handle {
	s.mu.Lock()
	e, ok := s.table[key]
	if !ok {
		s.mu.Unlock()
		s.misses.Add(1)
		s.metrics.Miss()
		return nil
	}
	e.hasHit = true
	s.promoteLocked(e)
	if e.refs == 0 {
		s.pinned += e.chargeTotal
	}
	e.refs++
	s.mu.Unlock()
	s.hits.Add(1)
	s.metrics.Hit()
	return e
}

// ref upgrades a weak observation to a strong hold without a second index
// lookup. It fails once the entry is no longer live.
func (s *lruShard) ref(e *lruHandle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.refs == 0 && !e.inCache {
		return false
	}
	if e.refs == 0 {
		s.pinned += e.chargeTotal
	}
	e.refs++
	return true
}

func (s *lruShard) release(e *lruHandle, forceErase bool) bool {
	var free bool
	s.mu.Lock()
	e.refs--
	if e.refs == 0 {
		s.pinned -= e.chargeTotal
		// Dropping the last reference also erases the entry when asked to,
		// or when the shard is over capacity: that is how a SetCapacity
		// overshoot converges once holders let go.
		if e.inCache && (forceErase || s.usage > s.capacity) {
			s.removeFromIndexLocked(e)
		}
		free = !e.inCache
	}
	s.mu.Unlock()
	if free {
		e.freeValue(s.disowned)
	}
	return free
}

func (s *lruShard) erase(key string) {
	var freed *lruHandle
	s.mu.Lock()
	if e, ok := s.table[key]; ok {
		s.removeFromIndexLocked(e)
		if e.refs == 0 {
			freed = e
		}
	}
	s.mu.Unlock()
	if freed != nil {
		freed.freeValue(s.disowned)
	}
}

func (s *lruShard) setCapacity(capacity int64) {
	var freed []*lruHandle
	s.mu.Lock()
	s.capacity = capacity
	s.highPriPoolCap = int64(s.highPriPoolRatio * float64(capacity))
	s.maintainPoolLocked()
	s.evictLocked(0, &freed)
	s.mu.Unlock()
	s.freeHandles(freed)
}

func (s *lruShard) setStrict(strict bool) {
	s.mu.Lock()
	s.strict = strict
	s.mu.Unlock()
}

func (s *lruShard) getUsage() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

func (s *lruShard) getPinnedUsage() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pinned
}

func (s *lruShard) applyToAll(fn func(key []byte, value any, charge int64), threadSafe bool) {
	if threadSafe {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	for _, e := range s.table {
		fn([]byte(e.key), e.value, e.charge)
	}
}

func (s *lruShard) eraseUnref() {
	var freed []*lruHandle
	s.mu.Lock()
	for _, e := range s.table {
		if e.refs == 0 {
			s.removeFromIndexLocked(e)
			freed = append(freed, e)
		}
	}
	s.mu.Unlock()
	s.freeHandles(freed)
}

func (s *lruShard) stats(st *Stats) {
	st.Hits += s.hits.Load()
	st.Misses += s.misses.Load()
	st.Evictions += s.evicted.Load()
}

// -------------------- internals (mu held) --------------------

// evictLocked sweeps from the tail until usage+incoming fits the capacity,
// skipping pinned entries. A single pass bounds the work; anything pinned is
// left in place and re-examined on the next pressure event.
func (s *lruShard) evictLocked(incoming int64, freed *[]*lruHandle) {
	cur := s.tail
	for cur != nil && s.usage+incoming > s.capacity {
		prev := cur.prev
		if cur.refs == 0 {
			s.removeFromIndexLocked(cur)
			s.evicted.Add(1)
			s.metrics.Evict(EvictCapacity)
			*freed = append(*freed, cur)
		}
		cur = prev
	}
}

// removeFromIndexLocked unlinks the entry from both the table and the list.
// The entry stays alive if references remain; freeing is the caller's call.
func (s *lruShard) removeFromIndexLocked(e *lruHandle) {
	delete(s.table, e.key)
	s.unlinkLocked(e)
	e.inCache = false
	s.usage -= e.chargeTotal
}

// linkLocked places a fresh entry per its priority: high-priority (and
// previously-hit) entries go to the head inside the pool, low-priority
// entries go to the midpoint. With the pool disabled this is plain LRU.
func (s *lruShard) linkLocked(e *lruHandle, pri Priority) {
	if s.highPriPoolRatio <= 0 {
		s.pushFrontLocked(e)
		return
	}
	if pri == PriorityHigh || e.hasHit {
		s.pushFrontLocked(e)
		e.inHighPriPool = true
		s.highPriPoolUsage += e.chargeTotal
		s.maintainPoolLocked()
		return
	}
	s.insertAtMidpointLocked(e)
}

// promoteLocked relinks a hit entry to the head as a pool member.
func (s *lruShard) promoteLocked(e *lruHandle) {
	s.unlinkLocked(e)
	s.pushFrontLocked(e)
	if s.highPriPoolRatio > 0 {
		e.inHighPriPool = true
		s.highPriPoolUsage += e.chargeTotal
		s.maintainPoolLocked()
	}
}

// maintainPoolLocked demotes entries out of the high-priority pool while it
// exceeds its share. Demotion only moves the midpoint boundary backward; the
// demoted entry keeps its list position.
func (s *lruShard) maintainPoolLocked() {
	for s.highPriPoolUsage > s.highPriPoolCap {
		var demote *lruHandle
		if s.lowPriHead == nil {
			demote = s.tail
		} else {
			demote = s.lowPriHead.prev
		}
		if demote == nil || !demote.inHighPriPool {
			break
		}
		demote.inHighPriPool = false
		s.highPriPoolUsage -= demote.chargeTotal
		s.lowPriHead = demote
	}
}

func (s *lruShard) pushFrontLocked(e *lruHandle) {
	e.prev = nil
	e.next = s.head
	if s.head != nil {
		s.head.prev = e
	}
	s.head = e
	if s.tail == nil {
		s.tail = e
	}
}

func (s *lruShard) pushBackLocked(e *lruHandle) {
	e.next = nil
	e.prev = s.tail
	if s.tail != nil {
		s.tail.next = e
	}
	s.tail = e
	if s.head == nil {
		s.head = e
	}
}

// insertAtMidpointLocked links e as the new most-recent low-priority entry.
func (s *lruShard) insertAtMidpointLocked(e *lruHandle) {
	if s.lowPriHead == nil {
		// Every resident entry is above the midpoint; the boundary is the
		// tail.
		s.pushBackLocked(e)
	} else {
		at := s.lowPriHead
		e.next = at
		e.prev = at.prev
		if at.prev != nil {
			at.prev.next = e
		} else {
			s.head = e
		}
		at.prev = e
	}
	s.lowPriHead = e
}

func (s *lruShard) unlinkLocked(e *lruHandle) {
	if e == s.lowPriHead {
		s.lowPriHead = e.next
	}
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		s.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		s.tail = e.prev
	}
	e.prev, e.next = nil, nil
	if e.inHighPriPool {
		e.inHighPriPool = false
		s.highPriPoolUsage -= e.chargeTotal
	}
}

// freeHandles runs deleters outside the lock.
func (s *lruShard) freeHandles(freed []*lruHandle) {
	for _, e := range freed {
		e.freeValue(s.disowned)
	}
}
