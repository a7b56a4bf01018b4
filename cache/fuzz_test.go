//go:build go1.18

package cache

import (
	"bytes"
	"strings"
	"testing"
)

// Fuzz basic Insert/Lookup/Erase semantics under arbitrary byte keys.
// Guards against panics and checks the core invariants for both shard
// implementations.
// NOTE: Key/value lengths are capped to avoid pathological memory usage
// during fuzzing (this does not weaken the invariants we check).
func FuzzCache_InsertLookupErase(f *testing.F) {
	// Seed corpus: empty, ASCII, Unicode, long keys.
	f.Add([]byte(""), "")
	f.Add([]byte("a"), "1")
	f.Add([]byte("block#42"), "payload")
	f.Add([]byte("αβγ"), "δ")
	f.Add([]byte{0x00, 0xff, 0x00}, "binary")
	f.Add([]byte("long"), strings.Repeat("x", 1024))

	f.Fuzz(func(t *testing.T, key []byte, val string) {
		const limit = 1 << 12
		if len(key) > limit {
			key = key[:limit]
		}
		if len(val) > limit {
			val = val[:limit]
		}
		charge := int64(len(val) + 1)

		caches := []Cache{}
		if c, err := NewLRU(LRUOptions{Capacity: 1 << 16, NumShardBits: 1}); err == nil {
			caches = append(caches, c)
		}
		if c, err := NewClock(ClockOptions{Capacity: 1 << 16, NumShardBits: 1}); err == nil {
			caches = append(caches, c)
		}
		for _, c := range caches {
			t.Cleanup(func() { _ = c.Close() })

			// Insert then Lookup must return the value.
			if err := c.Insert(key, val, charge, nil, PriorityLow, nil); err != nil {
				t.Fatalf("insert: %v", err)
			}
			h := c.Lookup(key)
			if h == nil {
				t.Fatal("lookup after insert must hit")
			}
			if !bytes.Equal(h.Key(), key) || h.Value() != val || h.Charge() != charge {
				t.Fatalf("handle mismatch: key=%q value=%v charge=%d", h.Key(), h.Value(), h.Charge())
			}
			c.Release(h, false)

			// Overwrite replaces the value.
			if err := c.Insert(key, val+"!", charge, nil, PriorityLow, nil); err != nil {
				t.Fatalf("overwrite: %v", err)
			}
			if h := c.Lookup(key); h == nil || h.Value() != val+"!" {
				t.Fatalf("after overwrite: %v", h)
			} else {
				c.Release(h, false)
			}

			// Erase removes the mapping.
			c.Erase(key)
			if c.Lookup(key) != nil {
				t.Fatal("key must be absent after Erase")
			}
			if got := c.Usage(); got != 0 {
				t.Fatalf("usage leak: %d", got)
			}
		}
	})
}

// Fuzz the config-string parser: it must never panic, and every accepted
// spec must produce a working cache.
func FuzzNewFromString(f *testing.F) {
	f.Add("16M")
	f.Add("capacity=1M;num_shard_bits=4")
	f.Add("type=clock;capacity=512k;strict_capacity_limit=true")
	f.Add("type=lru;capacity=1M;high_pri_pool_ratio=0.5;metadata_charge_policy=none")
	f.Add(";;;=;=x;x=")

	f.Fuzz(func(t *testing.T, spec string) {
		if len(spec) > 1<<10 {
			spec = spec[:1<<10]
		}
		c, err := NewFromString(spec)
		if err != nil {
			return
		}
		// Accepted specs must build a usable cache.
		if err := c.Insert([]byte("k"), "v", 1, nil, PriorityLow, nil); err != nil && err != ErrCacheFull {
			t.Fatalf("insert on accepted spec %q: %v", spec, err)
		}
		_ = c.Close()
	})
}
