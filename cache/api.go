package cache

import "errors"

// Priority is the eviction priority of an entry. Depending on the shard
// implementation, high-priority entries are less likely to be evicted than
// low-priority ones.
type Priority int8

const (
	// PriorityLow entries are linked at the midpoint of the LRU order and
	// age out quickly unless a Lookup promotes them.
	PriorityLow Priority = iota
	// PriorityHigh entries start at the most-recent end of the LRU order.
	PriorityHigh
)

// Deleter destroys a cached value. It is invoked exactly once per entry,
// at the moment the entry is both unreferenced and no longer indexed,
// unless DisownData was called first.
//
// Deleters run outside shard locks; they may be arbitrarily slow but must
// not call back into the cache for the same key.
type Deleter func(key []byte, value any)

// SizeCallback reports the persistable size of a cached value. It must be
// pure: the secondary tier uses it to size serialization buffers.
type SizeCallback func(value any) int

// SaveToCallback serializes a slice of the value into buf. It may be called
// multiple times with increasing offsets for chunked writers and must write
// exactly len(buf) bytes of the representation starting at offset.
type SaveToCallback func(value any, offset int, buf []byte) error

// CreateCallback reconstructs a value from a secondary-tier buffer and
// reports its charge, which may differ from the charge at insertion time
// (a compressed on-tier representation can expand on reload). The callback
// must copy out of buf; the buffer is reused after it returns.
type CreateCallback func(buf []byte) (value any, charge int64, err error)

// ItemHelper bundles the callbacks that let a volatile-tier entry cross into
// the secondary tier. Size and SaveTo may be nil, in which case the entry is
// never forwarded; Delete is the ordinary deleter.
type ItemHelper struct {
	Size   SizeCallback
	SaveTo SaveToCallback
	Delete Deleter
}

// Handle is an opaque, reference-counted view of one cache entry. A non-nil
// Handle returned by Insert, Lookup or LookupWithCreate pins the entry: the
// value stays valid until the matching Release, even if the entry is evicted
// or overwritten concurrently.
//
// Value returns nil on a pending secondary-tier handle before Wait, and nil
// after Wait if reconstruction failed; callers must always nil-check after
// waiting.
type Handle interface {
	// Key returns the entry key. The slice must not be mutated.
	Key() []byte
	// Value returns the cached value, or nil if it is not (yet) materialized.
	Value() any
	// Charge returns the capacity charge of the entry.
	Charge() int64
}

// SecondaryHandle is a possibly-asynchronous result of a secondary-tier
// lookup. Value and Charge are valid only once IsReady reports true.
type SecondaryHandle interface {
	IsReady() bool
	Wait()
	Value() any
	Charge() int64
}

// SecondaryCache is the optional non-volatile tier behind a volatile cache.
// Insert must never block on the tier's admission decision; whether the item
// is actually persisted is opaque to the caller. Lookup returns nil when the
// tier has no mapping for the key.
type SecondaryCache interface {
	Name() string
	Insert(key []byte, value any, helper *ItemHelper) error
	Lookup(key []byte, create CreateCallback, wait bool) SecondaryHandle
	Erase(key []byte)
	Close() error
}

// Cache maps opaque byte-string keys to in-process values with capacity
// accounting and priority-aware eviction. All methods are safe for
// concurrent use by multiple goroutines; operations on one shard are
// serialized, operations on different shards proceed independently.
type Cache interface {
	// Name identifies the shard implementation ("lru" or "clock").
	Name() string

	// Insert maps key to value with the given charge against capacity.
	// The cache takes ownership of value on success and will eventually pass
	// it to deleter. If h is non-nil, a pinned Handle is stored into *h and
	// the caller must Release it exactly once.
	//
	// Under a strict capacity limit a full cache returns ErrCacheFull. In
	// that case, if h is nil the deleter is invoked on the caller's behalf;
	// if h is non-nil the caller keeps ownership of the value.
	Insert(key []byte, value any, charge int64, deleter Deleter, pri Priority, h *Handle) error

	// InsertWithHelper behaves like Insert with helper.Delete as the deleter
	// and additionally forwards the entry to the secondary tier, if one is
	// configured, using helper's serialization callbacks.
	InsertWithHelper(key []byte, value any, helper *ItemHelper, charge int64, pri Priority, h *Handle) error

	// Lookup returns a pinned Handle for key, or nil if the volatile tier
	// has no mapping. A successful Lookup must be matched by exactly one
	// Release.
	Lookup(key []byte) Handle

	// LookupWithCreate additionally consults the secondary tier on a
	// volatile miss. The returned Handle may not be ready: check IsReady,
	// then Wait (or WaitAll), then nil-check Value. If wait is true the
	// call blocks until the handle is ready before returning.
	LookupWithCreate(key []byte, helper *ItemHelper, create CreateCallback, pri Priority, wait bool) Handle

	// Ref adds a reference to h if the entry is still live. It reports
	// whether the reference was taken.
	Ref(h Handle) bool

	// Release drops one reference to h. If the count reaches zero and the
	// entry is no longer indexed (or forceErase is set), the entry is freed.
	// It reports whether the entry was freed as a result.
	//
	// Releasing a handle more often than it was acquired is undefined
	// behavior; the hot path carries no check for it.
	Release(h Handle, forceErase bool) bool

	// Erase removes key from the index if present. The entry itself is kept
	// alive until every outstanding Handle has been released.
	Erase(key []byte)

	// NewID returns a process-wide unique id. Clients sharing one cache use
	// it to namespace their keys.
	NewID() uint64

	// SetCapacity changes the total capacity, shrinking usage by evicting
	// unreferenced entries where needed. When pinned usage exceeds the new
	// capacity the overshoot is transient and resolves as handles are
	// released.
	SetCapacity(capacity int64)
	Capacity() int64

	SetStrictCapacityLimit(strict bool)
	HasStrictCapacityLimit() bool

	// Usage is the summed charge of all indexed entries. PinnedUsage is the
	// summed charge of entries with outstanding references, including
	// erased-but-pinned ones. Both are point-in-time sums across shards,
	// not atomic snapshots.
	Usage() int64
	PinnedUsage() int64

	// UsageOf returns the capacity this handle's entry counts against,
	// including per-entry metadata when metadata charging is enabled.
	UsageOf(h Handle) int64

	// IsReady reports whether h has a materialized value. Handles from the
	// volatile tier are always ready.
	IsReady(h Handle) bool

	// Wait blocks until h is ready. A ready handle does not imply a valid
	// value; check Value for nil afterwards.
	Wait(h Handle)

	// WaitAll blocks until every handle in hs is ready, letting a caller
	// pipeline multiple secondary-tier fetches instead of serializing them.
	WaitAll(hs []Handle)

	// ApplyToAllEntries calls fn for every indexed entry. If threadSafe is
	// true each shard is locked for its own traversal; otherwise the caller
	// must guarantee no concurrent mutation.
	ApplyToAllEntries(fn func(key []byte, value any, charge int64), threadSafe bool)

	// EraseUnrefEntries drops every entry with no outstanding references.
	// Intended for bulk teardown only; unsafe if any entry is mid-lookup.
	EraseUnrefEntries()

	// DisownData irreversibly disables deleter invocation. Intended only at
	// process shutdown; using the cache afterwards is unsafe.
	DisownData()

	// PrintableOptions returns the construction options in a loggable form.
	PrintableOptions() string

	// Stats snapshots the lifetime hit/miss/eviction counters.
	Stats() Stats

	// Close frees all unreferenced entries and marks the cache closed.
	Close() error
}

// Sentinel errors returned by constructors and Insert.
var (
	// ErrCacheFull reports an incomplete insertion under a strict capacity
	// limit: the eviction sweep could not make enough room.
	ErrCacheFull = errors.New("cache: insert failed due to strict capacity limit")

	// ErrUnknownCacheType reports an unrecognized cache type name in a
	// configuration string.
	ErrUnknownCacheType = errors.New("cache: unknown cache type")

	// ErrInvalidOption reports a malformed option value in a configuration
	// string or an out-of-range field in an options struct.
	ErrInvalidOption = errors.New("cache: invalid option")

	// ErrClosed reports use of a cache after Close.
	ErrClosed = errors.New("cache: closed")
)

// internalHandle is the contract every Handle implementation satisfies so
// the router can dispatch Ref/Release/Wait without knowing the shard type.
type internalHandle interface {
	Handle
	ref() bool
	release(forceErase bool) bool
	ready() bool
	wait()
	total() int64
}
