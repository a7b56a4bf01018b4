package cache

import (
	"strconv"
	"testing"
)

// plainLRU builds a single-shard cache with the priority pool disabled so
// the eviction order is classic LRU and fully deterministic.
func plainLRU(t *testing.T, capacity int64) Cache {
	t.Helper()
	c, err := NewLRU(LRUOptions{
		Capacity:             capacity,
		NumShardBits:         0,
		HighPriPoolRatio:     -1, // disable the pool
		MetadataChargePolicy: DontChargeCacheMetadata,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func mustInsert(t *testing.T, c Cache, key string, charge int64, pri Priority) {
	t.Helper()
	if err := c.Insert([]byte(key), key, charge, nil, pri, nil); err != nil {
		t.Fatalf("insert %s: %v", key, err)
	}
}

func hit(c Cache, key string) bool {
	h := c.Lookup([]byte(key))
	if h == nil {
		return false
	}
	c.Release(h, false)
	return true
}

// Classic LRU: the least recently used entry goes first, and a lookup
// refreshes recency.
func TestLRU_EvictionOrder(t *testing.T) {
	t.Parallel()

	c := plainLRU(t, 2)

	mustInsert(t, c, "a", 1, PriorityLow)
	mustInsert(t, c, "b", 1, PriorityLow)

	if !hit(c, "a") { // refresh a; b is now the LRU
		t.Fatal("expect hit for a")
	}
	mustInsert(t, c, "c", 1, PriorityLow) // overflow evicts b

	if hit(c, "b") {
		t.Fatal("b must be evicted")
	}
	if !hit(c, "a") || !hit(c, "c") {
		t.Fatal("a and c must survive")
	}
}

// With the pool enabled, low-priority entries enter at the midpoint: they
// are evicted before high-priority entries that are nominally older.
func TestLRU_MidpointInsertion(t *testing.T) {
	t.Parallel()

	c, err := NewLRU(LRUOptions{
		Capacity:             4,
		NumShardBits:         0,
		HighPriPoolRatio:     0.5,
		MetadataChargePolicy: DontChargeCacheMetadata,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })

	mustInsert(t, c, "hi1", 1, PriorityHigh)
	mustInsert(t, c, "hi2", 1, PriorityHigh)
	mustInsert(t, c, "lo1", 1, PriorityLow)
	mustInsert(t, c, "lo2", 1, PriorityLow)

	// One more low-priority insert: lo1 (the oldest below the midpoint)
	// goes, the high-priority pool is untouched despite being older.
	mustInsert(t, c, "lo3", 1, PriorityLow)

	if hit(c, "lo1") {
		t.Fatal("lo1 must be evicted first")
	}
	for _, k := range []string{"hi1", "hi2", "lo2", "lo3"} {
		if !hit(c, k) {
			t.Fatalf("%s must survive", k)
		}
	}
}

// A long sequential scan of cold low-priority keys cannot displace the
// high-priority working set.
func TestLRU_ScanResistance(t *testing.T) {
	t.Parallel()

	c, err := NewLRU(LRUOptions{
		Capacity:             8,
		NumShardBits:         0,
		HighPriPoolRatio:     0.5,
		MetadataChargePolicy: DontChargeCacheMetadata,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })

	for i := 0; i < 4; i++ {
		mustInsert(t, c, "hot"+strconv.Itoa(i), 1, PriorityHigh)
	}
	for i := 0; i < 100; i++ {
		mustInsert(t, c, "scan"+strconv.Itoa(i), 1, PriorityLow)
	}

	for i := 0; i < 4; i++ {
		if !hit(c, "hot"+strconv.Itoa(i)) {
			t.Fatalf("hot%d displaced by the scan", i)
		}
	}
}

// A lookup hit promotes a low-priority entry into the high-priority pool,
// after which the scan cannot displace it either.
func TestLRU_HitPromotesIntoPool(t *testing.T) {
	t.Parallel()

	c, err := NewLRU(LRUOptions{
		Capacity:             8,
		NumShardBits:         0,
		HighPriPoolRatio:     0.5,
		MetadataChargePolicy: DontChargeCacheMetadata,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })

	mustInsert(t, c, "warm", 1, PriorityLow)
	if !hit(c, "warm") {
		t.Fatal("expect hit for warm")
	}

	for i := 0; i < 100; i++ {
		mustInsert(t, c, "scan"+strconv.Itoa(i), 1, PriorityLow)
	}
	if !hit(c, "warm") {
		t.Fatal("promoted entry displaced by the scan")
	}
}

// When the pool overflows its share, its oldest members are demoted below
// the midpoint and become evictable again.
func TestLRU_PoolOverflowDemotes(t *testing.T) {
	t.Parallel()

	c, err := NewLRU(LRUOptions{
		Capacity:             4,
		NumShardBits:         0,
		HighPriPoolRatio:     0.5,
		MetadataChargePolicy: DontChargeCacheMetadata,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })

	// Three high-priority entries against a pool share of 2: hi1 is
	// demoted upon hi3's arrival.
	mustInsert(t, c, "hi1", 1, PriorityHigh)
	mustInsert(t, c, "hi2", 1, PriorityHigh)
	mustInsert(t, c, "hi3", 1, PriorityHigh)

	// Fill the rest and overflow: the demoted hi1 goes before any pool
	// member.
	mustInsert(t, c, "lo1", 1, PriorityLow)
	mustInsert(t, c, "lo2", 1, PriorityLow)

	if hit(c, "hi1") {
		t.Fatal("demoted hi1 must be evicted first")
	}
	for _, k := range []string{"hi2", "hi3"} {
		if !hit(c, k) {
			t.Fatalf("%s must stay in the pool", k)
		}
	}
}

// Pinned entries are never evicted, whatever the pressure.
func TestLRU_PinnedNeverEvicted(t *testing.T) {
	t.Parallel()

	c := plainLRU(t, 4)

	var h Handle
	if err := c.Insert([]byte("pinned"), "p", 1, nil, PriorityLow, &h); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 100; i++ {
		mustInsert(t, c, "x"+strconv.Itoa(i), 1, PriorityLow)
	}
	if !hit(c, "pinned") {
		t.Fatal("pinned entry evicted")
	}
	c.Release(h, false)
}

// Charges are respected: a large entry displaces several small ones.
func TestLRU_ChargeWeightedEviction(t *testing.T) {
	t.Parallel()

	c := plainLRU(t, 10)

	for i := 0; i < 5; i++ {
		mustInsert(t, c, "small"+strconv.Itoa(i), 2, PriorityLow)
	}
	if got := c.Usage(); got != 10 {
		t.Fatalf("Usage = %d, want 10", got)
	}

	mustInsert(t, c, "big", 6, PriorityLow)

	// The three oldest small entries must have been displaced.
	for i := 0; i < 3; i++ {
		if hit(c, "small"+strconv.Itoa(i)) {
			t.Fatalf("small%d must be evicted", i)
		}
	}
	for _, k := range []string{"small3", "small4", "big"} {
		if !hit(c, k) {
			t.Fatalf("%s must survive", k)
		}
	}
	if got := c.Usage(); got != 10 {
		t.Fatalf("Usage = %d, want 10", got)
	}

	st := c.Stats()
	if st.Evictions != 3 {
		t.Fatalf("Evictions = %d, want 3", st.Evictions)
	}
}

// An entry larger than the whole capacity is accepted in relaxed mode and
// immediately evicted once unpinned entries allow, ending with usage above
// capacity only while pinned.
func TestLRU_OversizedEntryRelaxed(t *testing.T) {
	t.Parallel()

	c := plainLRU(t, 10)

	var h Handle
	if err := c.Insert([]byte("huge"), "h", 100, nil, PriorityLow, &h); err != nil {
		t.Fatal(err)
	}
	if got := c.Usage(); got != 100 {
		t.Fatalf("Usage = %d, want 100", got)
	}
	// The last release finds usage above capacity and erases the entry.
	c.Release(h, false)
	if got := c.Usage(); got != 0 {
		t.Fatalf("Usage after release = %d, want 0", got)
	}
}
