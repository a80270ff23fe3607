package coverage

import "container/list"

// UnitComing resolves every deferred probe for the newly resolvable
// unit: its base address is recorded and the probe is armed at
// base+offset. Probes whose arming fails are dropped.
//
// The deferred lock is held across the scan; enable nests the
// pending/hit lock inside it, the same order Clear uses.
func (r *Registry) UnitComing(name string, base uint64) {
	sum := Checksum(name)

	r.deferredMu.Lock()
	defer r.deferredMu.Unlock()

	var next *list.Element
	for el := r.deferred.Front(); el != nil; el = next {
		next = el.Next()

		e := el.Value.(*Entry)
		if e.Fingerprint != sum {
			continue
		}

		r.deferred.Remove(el)
		e.elem = nil
		e.state = stateNone
		e.BaseAddr = base

		if err := r.enable(e); err != nil {
			r.logger.Debug().
				Err(err).
				Str("unit", name).
				Uint64("address", e.addr()).
				Msg("Dropping deferred probe, arming failed")
		}
	}
}

// UnitGoing removes every pending probe owned by the vanishing unit and
// releases its breakpoint; the instrumented code is about to disappear,
// so the probe cannot usefully be re-armed. Entries already on the hit
// list stay readable: their recorded offset remains valid as history.
func (r *Registry) UnitGoing(name string) {
	sum := Checksum(name)

	r.pendingHitMu.Lock()
	defer r.pendingHitMu.Unlock()

	var next *list.Element
	for el := r.pending.Front(); el != nil; el = next {
		next = el.Next()

		e := el.Value.(*Entry)
		if e.Fingerprint != sum {
			continue
		}

		r.bp.Unregister(e.handle)
		e.handle = nil
		r.pending.Remove(el)
		e.elem = nil
		e.state = stateNone
	}
}
