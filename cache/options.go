package cache

import (
	"fmt"
	"strings"
)

// MetadataChargePolicy controls whether per-entry bookkeeping bytes count
// against capacity alongside the caller-supplied charge.
type MetadataChargePolicy int8

const (
	// defaultMetadataChargePolicy is the zero value so that leaving the
	// options field unset picks the default (full charging).
	defaultMetadataChargePolicy MetadataChargePolicy = iota
	// DontChargeCacheMetadata counts only the caller-supplied charge.
	DontChargeCacheMetadata
	// FullChargeCacheMetadata additionally counts an estimate of the
	// entry's in-memory bookkeeping (handle struct plus key bytes).
	FullChargeCacheMetadata
)

// DefaultToAdaptiveMutex is the build-time default for LRUOptions.AdaptiveMutex.
// Go mutexes already spin adaptively before parking, so the flag is recorded
// for configuration fidelity but changes no behavior.
const DefaultToAdaptiveMutex = true

// AutoShardBits selects the shard count automatically: every shard gets at
// least 512KB of capacity and the bit count never exceeds 6.
const AutoShardBits = -1

// DefaultHighPriPoolRatio reserves half the capacity for the high-priority
// pool when LRUOptions leaves the ratio unset.
const DefaultHighPriPoolRatio = 0.5

// Allocator is a pluggable source of byte buffers for the cache's own
// serialization paths (the secondary-tier bridge). Implementations must be
// safe for concurrent use; multiple shards may allocate at once.
type Allocator interface {
	Allocate(n int) []byte
	Release(buf []byte)
}

// LRUOptions configures NewLRU. The zero value of every field is usable;
// defaults are applied in the constructor:
//   - NumShardBits == 0        => single shard (use AutoShardBits for auto)
//   - HighPriPoolRatio == 0    => DefaultHighPriPoolRatio; negative disables
//     the pool entirely (plain LRU order)
//   - nil Metrics              => NoopMetrics
type LRUOptions struct {
	// Capacity is the total charge budget across all shards.
	Capacity int64

	// NumShardBits shards the cache into 2^NumShardBits partitions by key
	// hash. AutoShardBits picks a value from Capacity.
	NumShardBits int

	// StrictCapacityLimit makes Insert fail with ErrCacheFull instead of
	// overshooting capacity when eviction cannot make room.
	StrictCapacityLimit bool

	// HighPriPoolRatio is the fraction of capacity reserved for entries in
	// the high-priority pool. See the package documentation for the
	// midpoint insertion strategy this enables.
	HighPriPoolRatio float64

	// Allocator supplies buffers for secondary-tier serialization. It is
	// handed to a Secondary that accepts one (a SetAllocator method) at
	// construction. Nil means plain garbage-collected allocation.
	Allocator Allocator

	// AdaptiveMutex is recorded for configuration fidelity; shard mutexes in
	// Go adapt regardless of the flag.
	AdaptiveMutex bool

	// MetadataChargePolicy defaults to FullChargeCacheMetadata.
	MetadataChargePolicy MetadataChargePolicy

	// Secondary, when non-nil, is consulted by LookupWithCreate on a miss
	// and receives entries forwarded by InsertWithHelper.
	Secondary SecondaryCache

	// Metrics receives hit/miss/eviction/usage signals. Nil => NoopMetrics.
	Metrics Metrics
}

// ClockOptions configures NewClock. The clock shard has no priority pool;
// scan resistance comes from the visited bit instead.
type ClockOptions struct {
	Capacity             int64
	NumShardBits         int
	StrictCapacityLimit  bool
	MetadataChargePolicy MetadataChargePolicy
	Metrics              Metrics
}

const minShardCapacity = 512 * 1024 // auto sharding keeps shards at least this big

// resolveShardBits validates bits and resolves AutoShardBits against capacity.
func resolveShardBits(bits int, capacity int64) (int, error) {
	if bits >= 20 {
		return 0, fmt.Errorf("%w: num_shard_bits %d too large", ErrInvalidOption, bits)
	}
	if bits >= 0 {
		return bits, nil
	}
	n := capacity / minShardCapacity
	b := 0
	for n > 1 && b < 6 {
		n >>= 1
		b++
	}
	return b, nil
}

// metadataPolicyString renders the policy for PrintableOptions and config
// round-trips.
func metadataPolicyString(p MetadataChargePolicy) string {
	if p == DontChargeCacheMetadata {
		return "none"
	}
	return "full"
}

func parseMetadataPolicy(s string) (MetadataChargePolicy, error) {
	switch strings.ToLower(s) {
	case "none", "dont_charge":
		return DontChargeCacheMetadata, nil
	case "full", "full_charge":
		return FullChargeCacheMetadata, nil
	default:
		return 0, fmt.Errorf("%w: metadata_charge_policy %q", ErrInvalidOption, s)
	}
}
