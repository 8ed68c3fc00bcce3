// Package registry implements the lock-free, read-mostly zone lookup
// table: a hash table of installed Zones keyed by the owner-name
// fingerprint, published behind a single atomic pointer so that readers
// never take a lock on the query path. Replacement is coordinated with
// readers through internal/qsr.
package registry

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/netgrove/authdnsd/internal/dns"
	"github.com/netgrove/authdnsd/internal/qsr"
	"github.com/netgrove/authdnsd/internal/zone"
)

// ErrUpdatePrecondition is returned by Update when called with a
// combination of arguments that violates its contract. Per spec, this is
// a programmer error, not a runtime condition — callers should treat it
// as fatal.
var ErrUpdatePrecondition = errors.New("registry: update precondition violated")

type bucketMap map[uint32][]*zone.Zone

// Registry is a hash table from owner-name fingerprint to the Zones
// sharing that fingerprint (normally exactly one; collisions are
// resolved by exact origin comparison). The single writer replaces the
// whole map on every Update; readers only ever dereference an
// atomic.Pointer load, so Find never blocks on Update.
type Registry struct {
	domain  *qsr.Domain
	buckets atomic.Pointer[bucketMap]
	mu      sync.Mutex // serializes writers; Update is single-writer by contract, this just guards misuse
}

// New creates an empty Registry backed by the given reclamation domain.
// The same Domain must be shared by every reader (I/O worker) that calls
// Find, and the registry's writer must call domain.Synchronize after
// detaching a bucket map before treating retired Zones as free.
func New(domain *qsr.Domain) *Registry {
	r := &Registry{domain: domain}
	empty := make(bucketMap)
	r.buckets.Store(&empty)
	return r
}

// Domain returns the reclamation domain this registry's readers must
// register with. The reload orchestrator calls Domain().Synchronize()
// after an Update to learn when a displaced Zone is safe to free.
func (r *Registry) Domain() *qsr.Domain {
	return r.domain
}

// Find returns the installed Zone whose owner name is the longest
// label-boundary suffix of name, and the byte offset within name's
// wire-encoded form at which that suffix begins. Returns ok=false if no
// ancestor zone is installed. Safe to call from any number of goroutines
// concurrently without locking; callers must bracket the call with
// qsr.Reader.Online/Offline per the worker's reclamation discipline.
func (r *Registry) Find(name string) (z *zone.Zone, authDepth int, ok bool) {
	wire, err := dns.EncodeName(dns.NormalizeName(name))
	if err != nil {
		return nil, 0, false
	}
	m := *r.buckets.Load()

	offset := 0
	for {
		suffixText, decErr := decodeSuffix(wire, offset)
		if decErr == nil {
			fp := suffixFingerprint(wire, offset)
			for _, candidate := range m[fp] {
				if candidate.OriginText == suffixText {
					return candidate, offset, true
				}
			}
		}
		if wire[offset] == 0 {
			break
		}
		offset += 1 + int(wire[offset])
		if offset >= len(wire) {
			break
		}
	}
	return nil, 0, false
}

// decodeSuffix decodes the name starting at offset within wire into its
// normalized (lowercase, no trailing dot) textual form.
func decodeSuffix(wire []byte, offset int) (string, error) {
	off := offset
	return dns.DecodeName(wire, &off)
}

// suffixFingerprint computes zone.Fingerprint over the label-boundary
// suffix of wire starting at offset, up to and including its terminating
// zero label. wire[offset:] always starts at a label boundary.
func suffixFingerprint(wire []byte, offset int) uint32 {
	end := offset
	for end < len(wire) {
		l := int(wire[end])
		if l == 0 {
			end++
			break
		}
		end += 1 + l
	}
	return zone.Fingerprint(wire[offset:end])
}

// Update installs new if non-nil, removing the entry for old.OriginText if new
// is nil. If both are non-nil, old.OriginText must equal new.OriginText
// and the entry is atomically replaced. Exactly one of old/new may be
// nil; passing both nil violates the contract. Must be called from a
// single writer (the reload orchestrator).
//
// After Update returns, the previous bucket map is still reachable by
// any reader that loaded it before this call; the caller MUST call
// Domain.Synchronize() before treating a displaced Zone as free to
// reclaim.
func (r *Registry) Update(old, repl *zone.Zone) error {
	if old == nil && repl == nil {
		return ErrUpdatePrecondition
	}
	if old != nil && repl != nil && old.OriginText != repl.OriginText {
		return ErrUpdatePrecondition
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev := *r.buckets.Load()
	next := make(bucketMap, len(prev))
	for fp, zones := range prev {
		next[fp] = zones
	}

	if old != nil {
		fp := zone.Fingerprint(old.OriginWire)
		next[fp] = removeZone(next[fp], old)
		if len(next[fp]) == 0 {
			delete(next, fp)
		}
	}
	if repl != nil {
		repl.Finalize()
		fp := zone.Fingerprint(repl.OriginWire)
		filtered := make([]*zone.Zone, 0, len(next[fp])+1)
		for _, z := range next[fp] {
			if z.OriginText != repl.OriginText {
				filtered = append(filtered, z)
			}
		}
		filtered = append(filtered, repl)
		next[fp] = filtered
	}

	r.buckets.Store(&next)
	return nil
}

func removeZone(zones []*zone.Zone, target *zone.Zone) []*zone.Zone {
	out := make([]*zone.Zone, 0, len(zones))
	for _, z := range zones {
		if z != target {
			out = append(out, z)
		}
	}
	return out
}
