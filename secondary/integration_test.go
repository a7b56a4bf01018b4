package secondary

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tierkv/blockcache/cache"
)

// End-to-end: a volatile cache in front of a DirStore-backed blob tier.
// Entries written through InsertWithHelper and dropped from the volatile
// tier come back through LookupWithCreate.
func TestIntegration_TwoTierRoundtrip(t *testing.T) {
	store, err := NewDirStore(t.TempDir())
	require.NoError(t, err)
	tier, err := NewBlobCache(Options{Store: store})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tier.Close() })

	c, err := cache.NewLRU(cache.LRUOptions{
		Capacity:             1 << 20,
		NumShardBits:         0,
		MetadataChargePolicy: cache.DontChargeCacheMetadata,
		Secondary:            tier,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	rh := newRecordingHelper()
	payloads := map[string][]byte{}
	for i := 0; i < 8; i++ {
		k := fmt.Sprintf("block#%d", i)
		p := bytes16k(byte(i))
		payloads[k] = p
		require.NoError(t, c.InsertWithHelper([]byte(k), p, rh.helper, int64(len(p)), cache.PriorityLow, nil))
	}

	// Drop everything from the volatile tier; the blobs survive outward.
	c.EraseUnrefEntries()
	require.EqualValues(t, 0, c.Usage())

	var hs []cache.Handle
	var keys []string
	for k := range payloads {
		h := c.LookupWithCreate([]byte(k), rh.helper, bytesCreate, cache.PriorityLow, false)
		require.NotNil(t, h, "secondary must hold %s", k)
		hs = append(hs, h)
		keys = append(keys, k)
	}
	c.WaitAll(hs)

	for i, h := range hs {
		require.NotNil(t, h.Value(), "reconstruction of %s", keys[i])
		assert.Equal(t, payloads[keys[i]], h.Value().([]byte))
		c.Release(h, false)
	}

	// Everything was promoted back into the volatile tier.
	for k := range payloads {
		h := c.Lookup([]byte(k))
		require.NotNil(t, h, "%s must be resident again", k)
		c.Release(h, false)
	}
}

// Erasing through the cache leaves the secondary copy in place; erasing the
// tier itself makes the key unrecoverable.
func TestIntegration_EraseScopes(t *testing.T) {
	tier, err := NewBlobCache(Options{Store: NewMemoryStore(0)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tier.Close() })

	c, err := cache.NewLRU(cache.LRUOptions{
		Capacity:  1 << 20,
		Secondary: tier,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	rh := newRecordingHelper()
	require.NoError(t, c.InsertWithHelper([]byte("k"), []byte("v"), rh.helper, 1, cache.PriorityLow, nil))

	c.Erase([]byte("k"))
	h := c.LookupWithCreate([]byte("k"), rh.helper, bytesCreate, cache.PriorityLow, true)
	require.NotNil(t, h, "volatile erase must not touch the blob tier")
	c.Release(h, false)

	c.Erase([]byte("k"))
	tier.Erase([]byte("k"))
	assert.Nil(t, c.LookupWithCreate([]byte("k"), rh.helper, bytesCreate, cache.PriorityLow, true))
}

func bytes16k(fill byte) []byte {
	b := make([]byte, 16<<10)
	for i := range b {
		b[i] = fill
	}
	return b
}
