// Package secondary implements the non-volatile tier behind the volatile
// cache: entries are serialized through their ItemHelper callbacks into
// compressed blobs, kept in a pluggable Store, and reconstructed
// asynchronously on lookup.
package secondary

import (
	"context"
	"fmt"

	"github.com/klauspost/compress/s2"

	"github.com/tierkv/blockcache/cache"
	"github.com/tierkv/blockcache/internal/singleflight"
)

// Blob format prefix. DirStore contents survive process restarts, so the
// encoding is recorded per blob rather than assumed from configuration.
const (
	blobRaw byte = 0
	blobS2  byte = 1
)

// saveChunkSize bounds single SaveTo calls. Values larger than this are
// serialized in several calls with increasing offsets.
const saveChunkSize = 64 << 10

// Options configures NewBlobCache.
type Options struct {
	// Store is the byte backend. Required. The BlobCache takes ownership
	// and closes it on Close.
	Store Store

	// DisableCompression stores serialized values verbatim instead of
	// s2-compressed.
	DisableCompression bool

	// Allocator supplies serialization buffers. Nil means plain make.
	Allocator cache.Allocator
}

// BlobCache adapts a Store into a cache.SecondaryCache. Lookups of the same
// key are coalesced: one read and decompression serves every concurrent
// waiter, each running its own CreateCallback over the shared bytes.
type BlobCache struct {
	store    Store
	compress bool
	alloc    cache.Allocator
	group    singleflight.Group[string, []byte]
}

var _ cache.SecondaryCache = (*BlobCache)(nil)

// NewBlobCache returns a BlobCache over opts.Store.
func NewBlobCache(opts Options) (*BlobCache, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: secondary store is required", cache.ErrInvalidOption)
	}
	alloc := opts.Allocator
	if alloc == nil {
		alloc = heapAllocator{}
	}
	return &BlobCache{
		store:    opts.Store,
		compress: !opts.DisableCompression,
		alloc:    alloc,
	}, nil
}

func (c *BlobCache) Name() string { return "blob" }

// SetAllocator replaces the serialization buffer source. The volatile cache
// calls this at construction when it was configured with an Allocator; call
// it before the first Insert.
func (c *BlobCache) SetAllocator(a cache.Allocator) {
	if a != nil {
		c.alloc = a
	}
}

// Insert serializes value through helper and hands the blob to the store.
// Whether the store admits it is opaque to the caller.
func (c *BlobCache) Insert(key []byte, value any, helper *cache.ItemHelper) error {
	if helper == nil || helper.Size == nil || helper.SaveTo == nil {
		return fmt.Errorf("%w: helper with Size and SaveTo is required", cache.ErrInvalidOption)
	}
	n := helper.Size(value)
	if n < 0 {
		return fmt.Errorf("%w: negative size %d", cache.ErrInvalidOption, n)
	}
	buf := c.alloc.Allocate(n)
	defer c.alloc.Release(buf)
	for off := 0; off < n; off += saveChunkSize {
		end := off + saveChunkSize
		if end > n {
			end = n
		}
		if err := helper.SaveTo(value, off, buf[off:end]); err != nil {
			return fmt.Errorf("secondary: serialize %q: %w", key, err)
		}
	}

	blob := make([]byte, 1, 1+n)
	if c.compress {
		blob[0] = blobS2
		blob = append(blob, s2.Encode(nil, buf[:n])...)
	} else {
		blob[0] = blobRaw
		blob = append(blob, buf[:n]...)
	}
	return c.store.Put(string(key), blob)
}

// Lookup returns nil when the store has no blob for key. Otherwise the
// returned handle becomes ready once the blob has been read, decompressed
// and run through create; a handle that is ready with a nil Value marks a
// failed reconstruction. With wait set the whole fetch runs before Lookup
// returns.
func (c *BlobCache) Lookup(key []byte, create cache.CreateCallback, wait bool) cache.SecondaryHandle {
	if create == nil || !c.store.Has(string(key)) {
		return nil
	}
	h := &blobHandle{done: make(chan struct{})}
	run := func() {
		defer close(h.done)
		buf, err := c.fetch(string(key))
		if err != nil || buf == nil {
			return
		}
		v, charge, err := create(buf)
		if err != nil {
			return
		}
		h.value, h.charge = v, charge
	}
	if wait {
		run()
	} else {
		go run()
	}
	return h
}

func (c *BlobCache) Erase(key []byte) {
	_ = c.store.Delete(string(key))
}

func (c *BlobCache) Close() error {
	return c.store.Close()
}

// fetch reads and decompresses one blob, coalescing concurrent callers.
// A nil buffer with a nil error is a miss.
func (c *BlobCache) fetch(key string) ([]byte, error) {
	return c.group.Do(context.Background(), key, func() ([]byte, error) {
		blob, ok, err := c.store.Get(key)
		if err != nil || !ok {
			return nil, err
		}
		if len(blob) == 0 {
			return nil, fmt.Errorf("secondary: empty blob for %q", key)
		}
		switch blob[0] {
		case blobRaw:
			return blob[1:], nil
		case blobS2:
			return s2.Decode(nil, blob[1:])
		default:
			return nil, fmt.Errorf("secondary: unknown blob format 0x%02x", blob[0])
		}
	})
}

// blobHandle is the possibly-pending result of a Lookup. value and charge
// are published before done is closed and read only after.
type blobHandle struct {
	done   chan struct{}
	value  any
	charge int64
}

func (h *blobHandle) IsReady() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *blobHandle) Wait() { <-h.done }

func (h *blobHandle) Value() any    { return h.value }
func (h *blobHandle) Charge() int64 { return h.charge }

type heapAllocator struct{}

func (heapAllocator) Allocate(n int) []byte { return make([]byte, n) }
func (heapAllocator) Release([]byte)        {}
