package coverage

import (
	"container/list"
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/RakibFiha/kcov/internal/breakpoint"
)

// Scheduler runs a work item exactly once on an unrestricted goroutine.
// It must be callable from the restricted trigger context, so it may
// not block.
type Scheduler interface {
	Schedule(fn func())
}

// Resolver reports the load base of a currently resolvable unit.
type Resolver interface {
	Lookup(name string) (uint64, bool)
}

// Config wires a Registry's collaborators.
type Config struct {
	Logger      zerolog.Logger
	Breakpoints breakpoint.Facility
	Scheduler   Scheduler
	// Units resolves unit names at registration time. Nil means no unit
	// is ever resolvable at registration; such probes stay deferred
	// until UnitComing.
	Units Resolver
}

// Registry owns the three probe lists and their locking discipline.
//
// deferredMu guards deferred. pendingHitMu guards pending and hit
// jointly, because triggered entries move atomically between them.
// Clear is the only operation taking both, always deferredMu first.
type Registry struct {
	logger   zerolog.Logger
	bp       breakpoint.Facility
	sched    Scheduler
	resolver Resolver

	deferredMu sync.Mutex
	deferred   *list.List

	pendingHitMu sync.Mutex
	pending      *list.List
	hit          *list.List

	// wake is closed and replaced under pendingHitMu whenever hit grows,
	// waking every waiter (they race for the head).
	wake chan struct{}
}

// New creates an empty registry.
func New(cfg Config) *Registry {
	return &Registry{
		logger:   cfg.Logger,
		bp:       cfg.Breakpoints,
		sched:    cfg.Scheduler,
		resolver: cfg.Units,
		deferred: list.New(),
		pending:  list.New(),
		hit:      list.New(),
		wake:     make(chan struct{}),
	}
}

// AddProbe registers one instrumentation point. addr is absolute when
// unitName is empty (base image), otherwise relative to the unit's load
// base. Registration is best effort: arming failures drop the probe.
//
// Three cases:
//  1. unit named but not resolvable: defer until the unit comes.
//  2. base image: arm immediately at the absolute address.
//  3. unit named and resolvable: arm immediately at base+addr.
func (r *Registry) AddProbe(unitName string, addr uint64) {
	var base uint64
	resolved := false
	if unitName != "" && r.resolver != nil {
		base, resolved = r.resolver.Lookup(unitName)
	}

	e := r.newEntry(unitName, base, addr)

	if unitName != "" && !resolved {
		r.deferredMu.Lock()
		e.elem = r.deferred.PushBack(e)
		e.state = stateDeferred
		r.deferredMu.Unlock()

		r.logger.Debug().
			Str("unit", unitName).
			Uint64("offset", addr).
			Msg("Deferred probe for unloaded unit")
		return
	}

	if err := r.enable(e); err != nil {
		r.logger.Debug().
			Err(err).
			Str("unit", unitName).
			Uint64("address", e.addr()).
			Msg("Dropping probe, arming failed")
	}
}

// enable registers and arms the entry's breakpoint and moves it onto
// pending. On any failure the entry is left unlinked with no live
// handle, so the caller can simply forget it.
func (r *Registry) enable(e *Entry) error {
	h, err := r.bp.Register(e.addr(), func() { r.sched.Schedule(e.work) })
	if err != nil {
		return err
	}
	e.handle = h

	r.pendingHitMu.Lock()
	e.elem = r.pending.PushBack(e)
	e.state = statePending
	r.pendingHitMu.Unlock()

	if err := r.bp.Arm(h); err != nil {
		// Undo the insertion before releasing the handle, so the entry
		// is never freed while still linked.
		r.pendingHitMu.Lock()
		r.pending.Remove(e.elem)
		e.elem = nil
		e.state = stateNone
		r.pendingHitMu.Unlock()

		r.bp.Unregister(h)
		e.handle = nil
		return err
	}

	return nil
}

// drain is the scheduled work item for a triggered entry: it releases
// the breakpoint, moves the entry from pending to hit, and wakes the
// consumers. An entry that was cleared or unloaded between trigger and
// drain is ignored.
func (r *Registry) drain(e *Entry) {
	r.pendingHitMu.Lock()
	if e.state != statePending {
		r.pendingHitMu.Unlock()
		return
	}

	r.bp.Unregister(e.handle)
	e.handle = nil

	r.pending.Remove(e.elem)
	e.elem = r.hit.PushBack(e)
	e.state = stateHit

	wake := r.wake
	r.wake = make(chan struct{})
	r.pendingHitMu.Unlock()

	close(wake)
}

// UnlinkNext blocks until the hit list is non-empty, then pops and
// returns its head (oldest drained trigger first). Ownership of the
// entry transfers to the caller. Context cancellation returns nil; it
// is not an error.
func (r *Registry) UnlinkNext(ctx context.Context) *Entry {
	for {
		r.pendingHitMu.Lock()
		if el := r.hit.Front(); el != nil {
			e := el.Value.(*Entry)
			r.hit.Remove(el)
			e.elem = nil
			e.state = stateNone
			r.pendingHitMu.Unlock()
			return e
		}
		wake := r.wake
		r.pendingHitMu.Unlock()

		select {
		case <-ctx.Done():
			return nil
		case <-wake:
		}
	}
}

// Clear removes every probe: deferred entries are dropped, pending
// breakpoints are released, unread hits are discarded. Lock order is
// deferredMu then pendingHitMu, the one place both are held.
func (r *Registry) Clear() {
	r.deferredMu.Lock()
	defer r.deferredMu.Unlock()

	for el := r.deferred.Front(); el != nil; el = el.Next() {
		e := el.Value.(*Entry)
		e.elem = nil
		e.state = stateNone
	}
	r.deferred.Init()

	r.pendingHitMu.Lock()
	defer r.pendingHitMu.Unlock()

	for _, l := range []*list.List{r.pending, r.hit} {
		for el := l.Front(); el != nil; el = el.Next() {
			e := el.Value.(*Entry)
			if e.handle != nil {
				r.bp.Unregister(e.handle)
				e.handle = nil
			}
			e.elem = nil
			e.state = stateNone
		}
		l.Init()
	}

	r.logger.Debug().Msg("Cleared all probes")
}

// Close tears the registry down. Same sequence as an explicit Clear.
func (r *Registry) Close() {
	r.Clear()
}

// Stats reports the current list lengths.
func (r *Registry) Stats() (deferred, pending, hit int) {
	r.deferredMu.Lock()
	deferred = r.deferred.Len()
	r.deferredMu.Unlock()

	r.pendingHitMu.Lock()
	pending = r.pending.Len()
	hit = r.hit.Len()
	r.pendingHitMu.Unlock()
	return
}
