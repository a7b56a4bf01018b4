package cache

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/tierkv/blockcache/internal/util"
)

// shardOps is the per-shard contract the router composes. Both the LRU and
// the clock shard implement it; the router never knows which.
type shardOps interface {
	insert(key string, value any, charge int64, deleter Deleter, pri Priority, retain bool) (Handle, error)
	lookup(key string) Handle
	erase(key string)
	setCapacity(capacity int64)
	setStrict(strict bool)
	getUsage() int64
	getPinnedUsage() int64
	applyToAll(fn func(key []byte, value any, charge int64), threadSafe bool)
	eraseUnref()
	stats(*Stats)
}

// shardedCache routes each key to one of 2^shardBits shards by the top bits
// of its xxhash and aggregates capacity/usage queries across them. No global
// lock exists: shards are fully independent, so cross-shard aggregates are
// point-in-time sums, not snapshots.
type shardedCache struct {
	name      string
	shards    []shardOps
	shardBits int

	capacity  atomic.Int64
	strict    atomic.Bool
	idCounter atomic.Uint64
	closed    atomic.Bool
	disowned  atomic.Bool

	secondary SecondaryCache
	printable string
}

// NewLRU builds a sharded cache with midpoint-insertion LRU shards.
func NewLRU(opts LRUOptions) (Cache, error) {
	if opts.Capacity < 0 {
		return nil, fmt.Errorf("%w: negative capacity %d", ErrInvalidOption, opts.Capacity)
	}
	ratio := opts.HighPriPoolRatio
	switch {
	case ratio == 0:
		ratio = DefaultHighPriPoolRatio
	case ratio < 0:
		ratio = 0
	case ratio > 1:
		return nil, fmt.Errorf("%w: high_pri_pool_ratio %v outside [0, 1]", ErrInvalidOption, opts.HighPriPoolRatio)
	}
	bits, err := resolveShardBits(opts.NumShardBits, opts.Capacity)
	if err != nil {
		return nil, err
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	metaPolicy := opts.MetadataChargePolicy
	if metaPolicy == defaultMetadataChargePolicy {
		metaPolicy = FullChargeCacheMetadata
	}

	c := &shardedCache{
		name:      "lru",
		shards:    make([]shardOps, util.NumShards(bits)),
		shardBits: bits,
		secondary: opts.Secondary,
	}
	if opts.Allocator != nil && opts.Secondary != nil {
		if s, ok := opts.Secondary.(interface{ SetAllocator(Allocator) }); ok {
			s.SetAllocator(opts.Allocator)
		}
	}
	c.capacity.Store(opts.Capacity)
	c.strict.Store(opts.StrictCapacityLimit)

	perShard := util.PerShardCapacity(opts.Capacity, bits)
	for i := range c.shards {
		c.shards[i] = newLRUShard(perShard, ratio, opts.StrictCapacityLimit,
			metaPolicy, metrics, &c.disowned)
	}

	c.printable = fmt.Sprintf(
		"    capacity : %d\n"+
			"    num_shard_bits : %d\n"+
			"    strict_capacity_limit : %t\n"+
			"    high_pri_pool_ratio : %.3f\n"+
			"    adaptive_mutex : %t\n"+
			"    metadata_charge_policy : %s\n",
		opts.Capacity, bits, opts.StrictCapacityLimit, ratio,
		opts.AdaptiveMutex, metadataPolicyString(metaPolicy))
	return c, nil
}

// NewClock builds a sharded cache with CLOCK shards: approximate recency,
// lock-free lookups. Priorities are accepted and ignored.
func NewClock(opts ClockOptions) (Cache, error) {
	if opts.Capacity < 0 {
		return nil, fmt.Errorf("%w: negative capacity %d", ErrInvalidOption, opts.Capacity)
	}
	bits, err := resolveShardBits(opts.NumShardBits, opts.Capacity)
	if err != nil {
		return nil, err
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	metaPolicy := opts.MetadataChargePolicy
	if metaPolicy == defaultMetadataChargePolicy {
		metaPolicy = FullChargeCacheMetadata
	}

	c := &shardedCache{
		name:      "clock",
		shards:    make([]shardOps, util.NumShards(bits)),
		shardBits: bits,
	}
	c.capacity.Store(opts.Capacity)
	c.strict.Store(opts.StrictCapacityLimit)

	perShard := util.PerShardCapacity(opts.Capacity, bits)
	for i := range c.shards {
		c.shards[i] = newClockShard(perShard, opts.StrictCapacityLimit,
			metaPolicy, metrics, &c.disowned)
	}

	c.printable = fmt.Sprintf(
		"    capacity : %d\n"+
			"    num_shard_bits : %d\n"+
			"    strict_capacity_limit : %t\n"+
			"    metadata_charge_policy : %s\n",
		opts.Capacity, bits, opts.StrictCapacityLimit, metadataPolicyString(metaPolicy))
	return c, nil
}

func (c *shardedCache) shardFor(key string) shardOps {
	h := xxhash.Sum64String(key)
	return c.shards[util.ShardForHash(h, c.shardBits)]
}

// ---- Cache implementation ----

func (c *shardedCache) Name() string { return c.name }

func (c *shardedCache) Insert(key []byte, value any, charge int64, deleter Deleter,
	pri Priority, h *Handle) error {
	if c.closed.Load() {
		return ErrClosed
	}
	k := string(key)
	got, err := c.shardFor(k).insert(k, value, charge, deleter, pri, h != nil)
	if err != nil {
		return err
	}
	if h != nil {
		*h = got
	}
	return nil
}

func (c *shardedCache) InsertWithHelper(key []byte, value any, helper *ItemHelper,
	charge int64, pri Priority, h *Handle) error {
	if c.closed.Load() {
		return ErrClosed
	}
	var deleter Deleter
	if helper != nil {
		deleter = helper.Delete
	}
	// Forward to the secondary tier before the volatile insert: a strict
	// failure below may destroy the value, and serialization never takes
	// ownership. The tier's admission decision is its own business.
	if c.secondary != nil && helper != nil && helper.Size != nil && helper.SaveTo != nil {
		_ = c.secondary.Insert(key, value, helper)
	}
	k := string(key)
	got, err := c.shardFor(k).insert(k, value, charge, deleter, pri, h != nil)
	if err != nil {
		return err
	}
	if h != nil {
		*h = got
	}
	return nil
}

func (c *shardedCache) Lookup(key []byte) Handle {
	if c.closed.Load() {
		return nil
	}
	k := string(key)
	return c.shardFor(k).lookup(k)
}

func (c *shardedCache) LookupWithCreate(key []byte, helper *ItemHelper, create CreateCallback,
	pri Priority, wait bool) Handle {
	if c.closed.Load() {
		return nil
	}
	k := string(key)
	if h := c.shardFor(k).lookup(k); h != nil {
		return h
	}
	if c.secondary == nil || create == nil {
		return nil
	}
	sec := c.secondary.Lookup(key, create, wait)
	if sec == nil {
		return nil
	}
	p := &pendingHandle{cache: c, key: k, pri: pri, sec: sec}
	if helper != nil {
		p.deleter = helper.Delete
	}
	if wait {
		p.wait()
	}
	return p
}

func (c *shardedCache) Ref(h Handle) bool {
	if h == nil {
		return false
	}
	return h.(internalHandle).ref()
}

func (c *shardedCache) Release(h Handle, forceErase bool) bool {
	if h == nil {
		return false
	}
	return h.(internalHandle).release(forceErase)
}

func (c *shardedCache) Erase(key []byte) {
	if c.closed.Load() {
		return
	}
	k := string(key)
	c.shardFor(k).erase(k)
}

func (c *shardedCache) NewID() uint64 { return c.idCounter.Add(1) }

func (c *shardedCache) SetCapacity(capacity int64) {
	if capacity < 0 {
		capacity = 0
	}
	c.capacity.Store(capacity)
	perShard := util.PerShardCapacity(capacity, c.shardBits)
	// Shards shrink independently; a reader may transiently observe total
	// usage above the new capacity mid-transition.
	for _, s := range c.shards {
		s.setCapacity(perShard)
	}
}

func (c *shardedCache) Capacity() int64 { return c.capacity.Load() }

func (c *shardedCache) SetStrictCapacityLimit(strict bool) {
	c.strict.Store(strict)
	for _, s := range c.shards {
		s.setStrict(strict)
	}
}

func (c *shardedCache) HasStrictCapacityLimit() bool { return c.strict.Load() }

func (c *shardedCache) Usage() int64 {
	var total int64
	for _, s := range c.shards {
		total += s.getUsage()
	}
	return total
}

func (c *shardedCache) PinnedUsage() int64 {
	var total int64
	for _, s := range c.shards {
		total += s.getPinnedUsage()
	}
	return total
}

func (c *shardedCache) UsageOf(h Handle) int64 {
	if h == nil {
		return 0
	}
	return h.(internalHandle).total()
}

func (c *shardedCache) IsReady(h Handle) bool {
	if h == nil {
		return false
	}
	return h.(internalHandle).ready()
}

func (c *shardedCache) Wait(h Handle) {
	if h == nil {
		return
	}
	h.(internalHandle).wait()
}

// WaitAll waits for every handle in turn. Secondary-tier fetches already run
// concurrently, so the total wait is bounded by the slowest fetch rather
// than the sum.
func (c *shardedCache) WaitAll(hs []Handle) {
	for _, h := range hs {
		if h != nil {
			h.(internalHandle).wait()
		}
	}
}

func (c *shardedCache) ApplyToAllEntries(fn func(key []byte, value any, charge int64), threadSafe bool) {
	for _, s := range c.shards {
		s.applyToAll(fn, threadSafe)
	}
}

func (c *shardedCache) EraseUnrefEntries() {
	for _, s := range c.shards {
		s.eraseUnref()
	}
}

func (c *shardedCache) DisownData() { c.disowned.Store(true) }

func (c *shardedCache) PrintableOptions() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", c.name)
	b.WriteString(c.printable)
	return b.String()
}

func (c *shardedCache) Stats() Stats {
	var st Stats
	for _, s := range c.shards {
		s.stats(&st)
	}
	return st
}

// Close frees every unreferenced entry and rejects further operations.
// A configured secondary tier is caller-owned and stays open.
func (c *shardedCache) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	for _, s := range c.shards {
		s.eraseUnref()
	}
	return nil
}
