package secondary

import (
	"bytes"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tierkv/blockcache/cache"
)

// bytesHelper serializes []byte values, recording every SaveTo call so
// tests can check the chunking contract.
type recordingHelper struct {
	helper  *cache.ItemHelper
	offsets []int
	sizes   []int
}

func newRecordingHelper() *recordingHelper {
	r := &recordingHelper{}
	r.helper = &cache.ItemHelper{
		Size: func(v any) int { return len(v.([]byte)) },
		SaveTo: func(v any, offset int, buf []byte) error {
			r.offsets = append(r.offsets, offset)
			r.sizes = append(r.sizes, len(buf))
			copy(buf, v.([]byte)[offset:])
			return nil
		},
		Delete: func(key []byte, value any) {},
	}
	return r
}

func bytesCreate(buf []byte) (any, int64, error) {
	cp := append([]byte(nil), buf...)
	return cp, int64(len(cp)), nil
}

func newTestBlobCache(t *testing.T, store Store) *BlobCache {
	t.Helper()
	c, err := NewBlobCache(Options{Store: store})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestBlobCache_RequiresStore(t *testing.T) {
	_, err := NewBlobCache(Options{})
	assert.ErrorIs(t, err, cache.ErrInvalidOption)
}

func TestBlobCache_Roundtrip(t *testing.T) {
	c := newTestBlobCache(t, NewMemoryStore(0))
	rh := newRecordingHelper()

	payload := []byte("compress me compress me compress me")
	require.NoError(t, c.Insert([]byte("k"), payload, rh.helper))

	h := c.Lookup([]byte("k"), bytesCreate, true)
	require.NotNil(t, h)
	assert.True(t, h.IsReady())
	require.NotNil(t, h.Value())
	assert.Equal(t, payload, h.Value().([]byte))
	assert.Equal(t, int64(len(payload)), h.Charge())
}

type trackingAllocator struct {
	allocs   atomic.Int64
	releases atomic.Int64
	lastSize int
}

func (a *trackingAllocator) Allocate(n int) []byte {
	a.allocs.Add(1)
	a.lastSize = n
	return make([]byte, n)
}

func (a *trackingAllocator) Release(buf []byte) { a.releases.Add(1) }

// SetAllocator swaps the serialization buffer source; subsequent inserts
// draw from it and release back into it.
func TestBlobCache_SetAllocator(t *testing.T) {
	c := newTestBlobCache(t, NewMemoryStore(0))
	alloc := &trackingAllocator{}
	c.SetAllocator(alloc)

	payload := []byte("allocator-backed payload")
	require.NoError(t, c.Insert([]byte("k"), payload, newRecordingHelper().helper))

	assert.Equal(t, int64(1), alloc.allocs.Load())
	assert.Equal(t, int64(1), alloc.releases.Load())
	assert.Equal(t, len(payload), alloc.lastSize)

	// The stored blob is independent of the released buffer.
	h := c.Lookup([]byte("k"), bytesCreate, true)
	require.NotNil(t, h)
	require.NotNil(t, h.Value())
	assert.Equal(t, payload, h.Value().([]byte))

	// nil leaves the current allocator in place.
	c.SetAllocator(nil)
	require.NoError(t, c.Insert([]byte("k2"), payload, newRecordingHelper().helper))
	assert.Equal(t, int64(2), alloc.allocs.Load())
}

// Values above the chunk size are serialized through several SaveTo calls
// with strictly increasing offsets that tile the value exactly.
func TestBlobCache_ChunkedSerialization(t *testing.T) {
	c := newTestBlobCache(t, NewMemoryStore(0))
	rh := newRecordingHelper()

	payload := make([]byte, 150<<10)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, c.Insert([]byte("big"), payload, rh.helper))

	require.Greater(t, len(rh.offsets), 1, "large value must be chunked")
	covered := 0
	for i, off := range rh.offsets {
		assert.Equal(t, covered, off, "offsets must be increasing and gapless")
		covered += rh.sizes[i]
	}
	assert.Equal(t, len(payload), covered)

	h := c.Lookup([]byte("big"), bytesCreate, true)
	require.NotNil(t, h)
	require.NotNil(t, h.Value())
	assert.True(t, bytes.Equal(payload, h.Value().([]byte)))
}

// The charge reported by the CreateCallback wins over the stored size.
func TestBlobCache_CreateControlsCharge(t *testing.T) {
	c := newTestBlobCache(t, NewMemoryStore(0))
	rh := newRecordingHelper()

	require.NoError(t, c.Insert([]byte("k"), []byte("eight..."), rh.helper))

	inflate := func(buf []byte) (any, int64, error) {
		return append([]byte(nil), buf...), int64(len(buf)) * 3, nil
	}
	h := c.Lookup([]byte("k"), inflate, true)
	require.NotNil(t, h)
	assert.Equal(t, int64(24), h.Charge())
}

func TestBlobCache_MissReturnsNil(t *testing.T) {
	c := newTestBlobCache(t, NewMemoryStore(0))

	assert.Nil(t, c.Lookup([]byte("absent"), bytesCreate, true))
	assert.Nil(t, c.Lookup([]byte("absent"), bytesCreate, false))
	// Without a create callback the lookup is declined outright.
	assert.Nil(t, c.Lookup([]byte("absent"), nil, true))
}

func TestBlobCache_Erase(t *testing.T) {
	c := newTestBlobCache(t, NewMemoryStore(0))
	rh := newRecordingHelper()

	require.NoError(t, c.Insert([]byte("k"), []byte("v"), rh.helper))
	c.Erase([]byte("k"))
	assert.Nil(t, c.Lookup([]byte("k"), bytesCreate, true))
}

// A corrupted blob yields a ready handle with a nil value, never a panic.
func TestBlobCache_CorruptedBlob(t *testing.T) {
	store := NewMemoryStore(0)
	c := newTestBlobCache(t, store)
	rh := newRecordingHelper()

	require.NoError(t, c.Insert([]byte("k"), []byte("original payload"), rh.helper))

	// Tamper with the stored bytes: claim s2 framing over garbage.
	require.NoError(t, store.Put("k", []byte{blobS2, 0xde, 0xad, 0xbe, 0xef}))

	h := c.Lookup([]byte("k"), bytesCreate, true)
	require.NotNil(t, h)
	assert.True(t, h.IsReady())
	assert.Nil(t, h.Value())

	// Unknown format byte behaves the same.
	require.NoError(t, store.Put("k", []byte{0x7f, 1, 2, 3}))
	h = c.Lookup([]byte("k"), bytesCreate, true)
	require.NotNil(t, h)
	assert.Nil(t, h.Value())
}

func TestBlobCache_DisableCompression(t *testing.T) {
	store := NewMemoryStore(0)
	c, err := NewBlobCache(Options{Store: store, DisableCompression: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	rh := newRecordingHelper()

	payload := []byte("stored verbatim")
	require.NoError(t, c.Insert([]byte("k"), payload, rh.helper))

	blob, ok, err := store.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, blob)
	assert.Equal(t, blobRaw, blob[0])
	assert.Equal(t, payload, blob[1:])

	h := c.Lookup([]byte("k"), bytesCreate, true)
	require.NotNil(t, h)
	assert.Equal(t, payload, h.Value().([]byte))
}

// Asynchronous lookup: not ready while the store read is blocked, ready
// after Wait.
func TestBlobCache_AsyncLookup(t *testing.T) {
	store := &gatedStore{Store: NewMemoryStore(0), gate: make(chan struct{})}
	c := newTestBlobCache(t, store)
	rh := newRecordingHelper()

	require.NoError(t, c.Insert([]byte("k"), []byte("v"), rh.helper))

	h := c.Lookup([]byte("k"), bytesCreate, false)
	require.NotNil(t, h)
	assert.False(t, h.IsReady())

	close(store.gate)
	h.Wait()
	assert.True(t, h.IsReady())
	require.NotNil(t, h.Value())
	assert.Equal(t, []byte("v"), h.Value().([]byte))
}

// Concurrent lookups of one key are coalesced into a single store read.
func TestBlobCache_LookupCoalescing(t *testing.T) {
	store := &gatedStore{
		Store:   NewMemoryStore(0),
		gate:    make(chan struct{}),
		blocked: make(chan struct{}),
	}
	c := newTestBlobCache(t, store)
	rh := newRecordingHelper()

	require.NoError(t, c.Insert([]byte("k"), []byte("shared"), rh.helper))

	const callers = 16
	var wg sync.WaitGroup
	wg.Add(callers)
	handles := make([]cache.SecondaryHandle, callers)
	for i := 0; i < callers; i++ {
		i := i
		go func() {
			defer wg.Done()
			handles[i] = c.Lookup([]byte("k"), bytesCreate, true)
		}()
	}

	// Every caller is parked on the gated read; releasing it serves all of
	// them with one Get. The pause gives stragglers time to join before the
	// leader's fetch completes.
	store.waitBlocked()
	time.Sleep(50 * time.Millisecond)
	close(store.gate)
	wg.Wait()

	assert.Equal(t, int64(1), store.gets.Load())
	for i, h := range handles {
		require.NotNil(t, h, "caller %d", i)
		require.NotNil(t, h.Value(), "caller %d", i)
		assert.Equal(t, []byte("shared"), h.Value().([]byte))
	}
}

// gatedStore blocks Get until the gate opens and counts calls.
type gatedStore struct {
	Store
	gate    chan struct{}
	gets    atomic.Int64
	blocked chan struct{}
	once    sync.Once
}

func (s *gatedStore) Get(key string) ([]byte, bool, error) {
	s.gets.Add(1)
	s.once.Do(func() {
		if s.blocked != nil {
			close(s.blocked)
		}
	})
	<-s.gate
	return s.Store.Get(key)
}

func (s *gatedStore) waitBlocked() {
	<-s.blocked
}
