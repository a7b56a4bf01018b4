// Package singleflight coalesces concurrent fetches of the same blob so
// that a burst of cache misses for one key performs a single read and
// decompression, with every caller sharing the result.
package singleflight

import (
	"context"
	"sync"
)

// Group runs at most one fn per key at a time. The first caller for a key
// becomes the leader and executes fn; concurrent callers for the same key
// wait for the leader's result.
//
// Publishing (val, err) happens-before close(done), so a follower that
// returns after <-done observes the final values. Cancelling a follower's
// ctx unblocks only that follower; the leader's fn keeps running. Work that
// must itself be cancellable has to take ctx inside fn.
type Group[K comparable, V any] struct {
	mu sync.Mutex
	m  map[K]*call[V]
}

type call[V any] struct {
	done chan struct{} // closed once val/err are published
	val  V
	err  error
}

// Do executes fn once for key, sharing the result with concurrent callers.
// A follower whose ctx is cancelled returns ctx.Err() and leaves the
// in-flight fetch running for the remaining waiters.
func (g *Group[K, V]) Do(ctx context.Context, key K, fn func() (V, error)) (V, error) {
	g.mu.Lock()
	if g.m == nil {
		g.m = make(map[K]*call[V])
	}
	if c, ok := g.m[key]; ok {
		done := c.done
		g.mu.Unlock()

		select {
		case <-done:
			return c.val, c.err
		case <-ctx.Done():
			var zero V
			return zero, ctx.Err()
		}
	}

	c := &call[V]{done: make(chan struct{})}
	g.m[key] = c
	g.mu.Unlock()

	// fn runs outside the lock; other keys proceed concurrently.
	v, err := fn()

	c.val, c.err = v, err
	close(c.done)

	g.mu.Lock()
	delete(g.m, key)
	g.mu.Unlock()

	return v, err
}
