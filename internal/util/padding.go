// Package util contains internal helpers shared by the cache shards
// (shard selection, cache-line padding, power-of-two sizing).
package util

import (
	"sync/atomic"
	"unsafe"
)

// CacheLineSize is assumed to be 64 bytes, which holds for the CPUs this
// code targets. The runtime's own constant is unexported.
const CacheLineSize = 64

// CacheLinePad separates groups of hot fields onto distinct cache lines.
// The shard structs place one between the mutex-guarded state and the
// lock-free statistics counters.
type CacheLinePad struct{ _ [CacheLineSize]byte }

// PaddedAtomicUint64 is an atomic uint64 occupying a full cache line, so
// that per-shard counters updated from many goroutines do not false-share.
type PaddedAtomicUint64 struct {
	atomic.Uint64
	_ [CacheLineSize - 8]byte
}

// Compile-time check: exactly one cache line.
var _ [CacheLineSize - int(unsafe.Sizeof(PaddedAtomicUint64{}))]byte
