package cache

import "sync"

// pendingHandle bridges a secondary-tier lookup into the volatile tier. It
// is returned by LookupWithCreate on a volatile miss with a secondary hit:
// not indexed, pinned by construction, value unmaterialized until wait.
//
// On wait the reconstructed value is promoted into the volatile tier through
// the ordinary insert path, with the charge the CreateCallback reported
// (which may differ from the charge at original insertion). A failed
// reconstruction leaves the handle ready with a nil Value — a first-class
// outcome the caller must check for, not an error.
type pendingHandle struct {
	cache   *shardedCache
	key     string
	pri     Priority
	deleter Deleter
	sec     SecondaryHandle

	once sync.Once
	// After materialization exactly one of these is set: inner when the
	// value was promoted into the volatile tier, orphan when a strict
	// capacity limit kept it out.
	inner  Handle
	orphan any
	charge int64
}

func (p *pendingHandle) Key() []byte { return []byte(p.key) }

// Value is valid only after the handle is ready; callers go through
// Wait/WaitAll first per the Cache contract.
func (p *pendingHandle) Value() any {
	if p.inner != nil {
		return p.inner.Value()
	}
	return p.orphan
}

func (p *pendingHandle) Charge() int64 {
	if p.inner != nil {
		return p.inner.Charge()
	}
	return p.charge
}

// ready materializes as soon as the secondary handle reports ready, so a
// poller that never calls Wait still observes the final Value.
func (p *pendingHandle) ready() bool {
	if !p.sec.IsReady() {
		return false
	}
	p.once.Do(p.materialize)
	return true
}

func (p *pendingHandle) wait() {
	p.sec.Wait()
	p.once.Do(p.materialize)
}

func (p *pendingHandle) materialize() {
	v := p.sec.Value()
	if v == nil {
		// Reconstruction failed in the secondary tier.
		return
	}
	charge := p.sec.Charge()
	var h Handle
	err := p.cache.Insert([]byte(p.key), v, charge, p.deleter, p.pri, &h)
	if err != nil {
		// Strict capacity limit: hand the value through uncached. The
		// handle owns it until Release.
		p.orphan = v
		p.charge = charge
		return
	}
	p.inner = h
}

func (p *pendingHandle) ref() bool {
	if p.inner != nil {
		return p.inner.(internalHandle).ref()
	}
	return false
}

// release drops the pin. Releasing before the handle is ready abandons the
// fetch: the reconstructed value never enters the cache and is left to the
// garbage collector.
func (p *pendingHandle) release(forceErase bool) bool {
	if p.inner != nil {
		return p.inner.(internalHandle).release(forceErase)
	}
	if p.orphan != nil {
		if p.deleter != nil {
			p.deleter([]byte(p.key), p.orphan)
		}
		p.orphan = nil
		return true
	}
	return false
}

func (p *pendingHandle) total() int64 {
	if p.inner != nil {
		return p.inner.(internalHandle).total()
	}
	return p.charge
}
