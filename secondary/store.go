package secondary

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Store is the byte-addressed backend under a BlobCache. Implementations
// must be safe for concurrent use. Get reports ok=false on a plain miss and
// reserves the error return for backend failures.
type Store interface {
	Has(key string) bool
	Get(key string) ([]byte, bool, error)
	Put(key string, blob []byte) error
	Delete(key string) error
	Close() error
}

// ErrStoreClosed reports use of a store after Close.
var ErrStoreClosed = errors.New("secondary: store closed")

// -----------------------------------------------------------------------
// MemoryStore
// -----------------------------------------------------------------------

// MemoryStore keeps blobs in process memory under a byte budget. Admission
// is first-in-first-out: when a Put would exceed the budget the oldest
// blobs are dropped until it fits, and a blob larger than the whole budget
// is silently not admitted. Useful as a simulation tier and in tests.
type MemoryStore struct {
	mu       sync.Mutex
	m        map[string][]byte
	order    []string // insertion order, oldest first
	curBytes int64
	maxBytes int64
	closed   bool
}

// NewMemoryStore returns a MemoryStore holding at most maxBytes of blob
// payload. maxBytes <= 0 means unbounded.
func NewMemoryStore(maxBytes int64) *MemoryStore {
	return &MemoryStore{
		m:        make(map[string][]byte),
		maxBytes: maxBytes,
	}
}

func (s *MemoryStore) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.m[key]
	return ok
}

func (s *MemoryStore) Get(key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, ErrStoreClosed
	}
	blob, ok := s.m[key]
	return blob, ok, nil
}

func (s *MemoryStore) Put(key string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if s.maxBytes > 0 && int64(len(blob)) > s.maxBytes {
		// Not admitted. Admission decisions are opaque to the caller.
		return nil
	}
	if old, ok := s.m[key]; ok {
		s.curBytes -= int64(len(old))
		s.dropFromOrder(key)
	}
	cp := make([]byte, len(blob))
	copy(cp, blob)
	s.m[key] = cp
	s.order = append(s.order, key)
	s.curBytes += int64(len(cp))
	s.evictOldest()
	return nil
}

func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if old, ok := s.m[key]; ok {
		s.curBytes -= int64(len(old))
		delete(s.m, key)
		s.dropFromOrder(key)
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.m = nil
	s.order = nil
	s.curBytes = 0
	return nil
}

// Len reports the number of stored blobs.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

// -------- internals (mu held) --------

func (s *MemoryStore) evictOldest() {
	if s.maxBytes <= 0 {
		return
	}
	for s.curBytes > s.maxBytes && len(s.order) > 0 {
		victim := s.order[0]
		s.order = s.order[1:]
		if old, ok := s.m[victim]; ok {
			s.curBytes -= int64(len(old))
			delete(s.m, victim)
		}
	}
}

func (s *MemoryStore) dropFromOrder(key string) {
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

// -----------------------------------------------------------------------
// DirStore
// -----------------------------------------------------------------------

// DirStore persists one file per blob under a directory. File names derive
// from the key's xxhash; the file itself carries the full key so a hash
// collision degrades to a miss, never to wrong data. Writes go through a
// temp file and rename, so readers only ever see complete blobs.
type DirStore struct {
	dir    string
	mu     sync.RWMutex
	closed bool
}

// NewDirStore opens (creating if needed) a blob directory.
func NewDirStore(dir string) (*DirStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("secondary: open blob dir: %w", err)
	}
	return &DirStore{dir: dir}, nil
}

func (s *DirStore) path(key string) string {
	name := strconv.FormatUint(xxhash.Sum64String(key), 16) + ".blob"
	return filepath.Join(s.dir, name)
}

func (s *DirStore) Has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	_, err := os.Stat(s.path(key))
	return err == nil
}

func (s *DirStore) Get(key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, false, ErrStoreClosed
	}
	raw, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("secondary: read blob: %w", err)
	}
	storedKey, blob, err := splitKeyHeader(raw)
	if err != nil {
		return nil, false, err
	}
	if storedKey != key {
		// Hash collision with another key's file.
		return nil, false, nil
	}
	return blob, true, nil
}

func (s *DirStore) Put(key string, blob []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	buf := make([]byte, 0, binary.MaxVarintLen64+len(key)+len(blob))
	buf = binary.AppendUvarint(buf, uint64(len(key)))
	buf = append(buf, key...)
	buf = append(buf, blob...)

	dst := s.path(key)
	tmp, err := os.CreateTemp(s.dir, "put-*")
	if err != nil {
		return fmt.Errorf("secondary: write blob: %w", err)
	}
	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("secondary: write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("secondary: write blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("secondary: write blob: %w", err)
	}
	return nil
}

func (s *DirStore) Delete(key string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("secondary: delete blob: %w", err)
	}
	return nil
}

func (s *DirStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func splitKeyHeader(raw []byte) (key string, blob []byte, err error) {
	klen, n := binary.Uvarint(raw)
	if n <= 0 || uint64(len(raw)-n) < klen {
		return "", nil, errors.New("secondary: truncated blob header")
	}
	return string(raw[n : n+int(klen)]), raw[n+int(klen):], nil
}
