// Package qsr implements quiescent-state reclamation: a reader/writer
// synchronization protocol that lets many lock-free readers traverse a
// shared structure while a single writer retires old versions of it
// without ever blocking a reader or taking a lock on the read path.
//
// A reader registers once per goroutine lifetime, then toggles between
// online (may hold references into the structure) and offline (holds
// none, typically while blocked in a syscall) around each unit of work.
// A writer calls Synchronize after detaching a structure; it returns only
// once every reader that was online when the call began has either gone
// offline or advanced its epoch at least once.
package qsr

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// offlineEpoch is a sentinel epoch value distinct from any value returned by
// the global clock, so a writer can tell "not participating" apart from
// "participating, epoch N" with a single load.
const offlineEpoch uint64 = 0

// Domain coordinates one family of readers against one writer discipline.
// The zero value is not usable; construct with NewDomain.
type Domain struct {
	clock   atomic.Uint64
	readers sync.Map // *Reader -> struct{}
}

// NewDomain creates a reclamation domain. One Domain is normally shared by
// every worker reading a single Registry.
func NewDomain() *Domain {
	d := &Domain{}
	d.clock.Store(1) // 0 is reserved for "offline"
	return d
}

// Reader is a single goroutine's participation handle in a Domain. Obtain
// one with Domain.Register at worker startup and call Unregister exactly
// once at worker exit.
type Reader struct {
	domain *Domain
	epoch  atomic.Uint64
}

// Register enrolls the calling goroutine as a reader. Safe to call once
// per goroutine; the returned Reader must not be shared across goroutines.
func (d *Domain) Register() *Reader {
	r := &Reader{domain: d}
	r.epoch.Store(offlineEpoch)
	d.readers.Store(r, struct{}{})
	return r
}

// Unregister removes a reader from the domain. Idempotent.
func (d *Domain) Unregister(r *Reader) {
	d.readers.Delete(r)
}

// Online declares that the calling reader may hold references obtained
// from the domain's guarded structure from this point forward. Must be
// paired with a later Offline call before any blocking operation of
// unbounded duration.
func (r *Reader) Online() {
	r.epoch.Store(r.domain.clock.Load())
}

// Offline declares that the reader currently holds no references. A
// reader MUST go offline before any syscall that can block for longer
// than the maximum tolerable reload stall.
func (r *Reader) Offline() {
	r.epoch.Store(offlineEpoch)
}

// Quiesce is a lightweight pass-through signal meaning "I hold no
// references right now, but I'm about to keep going" — cheaper than a
// full Offline/Online pair, intended to be called between unrelated
// units of work (e.g. between handling two separate queries) so a writer
// doesn't have to wait a full epoch for a long-lived but idle reader.
func (r *Reader) Quiesce() {
	r.epoch.Store(r.domain.clock.Load())
}

// Synchronize blocks until every reader that was online when the call
// began has either gone offline or observed a newer epoch (via Online or
// Quiesce) at least once since the call started. After it returns, any
// object retired before the call is safe to free.
//
// The writer never spins indefinitely on an offline reader: a reader
// observed offline at any poll is immediately considered past, since it
// holds no references by definition.
func (d *Domain) Synchronize() {
	target := d.clock.Add(1)

	d.readers.Range(func(key, _ any) bool {
		r := key.(*Reader)
		for {
			e := r.epoch.Load()
			if e == offlineEpoch || e >= target {
				return true
			}
			// Reader is online at a stale epoch; yield and repoll rather
			// than spin hot, since the reader may itself be scheduled out.
			runtime.Gosched()
		}
	})
}

// NumReaders reports the number of currently registered readers. Intended
// for diagnostics and tests, not for synchronization decisions.
func (d *Domain) NumReaders() int {
	n := 0
	d.readers.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
