// Package reload implements the reload orchestrator: on demand it builds
// a new set of Zones from a zone.Source and installs each one into a
// Registry, coalescing overlapping requests so that at most one reload
// runs at a time.
package reload

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/netgrove/authdnsd/internal/registry"
	"github.com/netgrove/authdnsd/internal/zone"
)

// ZoneResult records the outcome of reloading a single zone.
type ZoneResult struct {
	Origin string
	Err    error
}

// Result is published once a reload job finishes. Success is true only
// if every zone in the source enumerated and parsed cleanly.
type Result struct {
	JobID   uuid.UUID
	Success bool
	Zones   []ZoneResult
}

// Orchestrator drives reload jobs against a single Registry. Trigger may
// be called from any goroutine (startup, a signal handler, a control
// message); the dispatch loop started by Start serializes actual work.
type Orchestrator struct {
	registry *registry.Registry
	source   zone.Source
	logger   *slog.Logger

	requests chan struct{} // buffered 1: coalesces a pending request
	results  chan Result   // buffered 1: latest completed job

	mu        sync.Mutex
	installed map[string]*zone.Zone // origin text -> currently installed zone
}

// New creates an Orchestrator. logger may be nil, in which case
// slog.Default() is used.
func New(reg *registry.Registry, source zone.Source, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		registry:  reg,
		source:    source,
		logger:    logger,
		requests:  make(chan struct{}, 1),
		results:   make(chan Result, 1),
		installed: make(map[string]*zone.Zone),
	}
}

// Start runs the orchestrator's dispatch loop until ctx is canceled. Must
// be called once before Trigger has any effect.
func (o *Orchestrator) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-o.requests:
				res := o.runOnce(ctx)
				select {
				case o.results <- res:
				default:
					// Nobody drained the previous result; it is superseded.
					select {
					case <-o.results:
					default:
					}
					o.results <- res
				}
			}
		}
	}()
}

// Trigger requests a reload. If a reload is already running, a single
// pending request is coalesced; further triggers while one is already
// pending are dropped, matching the "at most one in progress, one
// coalesced" discipline.
func (o *Orchestrator) Trigger() {
	select {
	case o.requests <- struct{}{}:
	default:
	}
}

// Results returns the channel on which completed reload outcomes are
// published. The channel is buffered by one, so a caller that polls
// occasionally always sees the most recent completed job.
func (o *Orchestrator) Results() <-chan Result {
	return o.results
}

// runOnce performs a single reload pass: enumerate the source, parse and
// install every zone it names, independently of one another. An
// unparseable zone leaves its prior installation (if any) in place and
// marks the overall job as failed without aborting the remaining zones.
func (o *Orchestrator) runOnce(_ context.Context) Result {
	jobID := uuid.New()

	descs, err := o.source.Enumerate()
	if err != nil {
		o.logger.Error("reload: enumerate failed", "job", jobID, "error", err)
		return Result{JobID: jobID, Success: false}
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	zoneResults := make([]ZoneResult, 0, len(descs))
	success := true

	for _, desc := range descs {
		newZone, err := o.source.Parse(desc)
		if err != nil {
			success = false
			zoneResults = append(zoneResults, ZoneResult{Origin: desc.Name, Err: err})
			o.logger.Warn("reload: zone parse failed, keeping prior installation",
				"job", jobID, "source", desc.Name, "error", err)
			continue
		}
		newZone.Finalize()

		old := o.installed[newZone.OriginText]
		if err := o.registry.Update(old, newZone); err != nil {
			success = false
			zoneResults = append(zoneResults, ZoneResult{Origin: newZone.OriginText, Err: err})
			o.logger.Error("reload: registry update rejected", "job", jobID, "origin", newZone.OriginText, "error", err)
			continue
		}
		if old != nil {
			// Block until every reader that might still hold old is past
			// it, then it is safe to let old be garbage collected.
			o.registry.Domain().Synchronize()
		}
		o.installed[newZone.OriginText] = newZone
		zoneResults = append(zoneResults, ZoneResult{Origin: newZone.OriginText})
	}

	o.logger.Info("reload: completed", "job", jobID, "success", success, "zones", len(zoneResults))
	return Result{JobID: jobID, Success: success, Zones: zoneResults}
}
