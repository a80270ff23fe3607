// Package units tracks loadable code regions ("units") appearing and
// disappearing in a target process, and notifies a subscriber so probes
// deferred against an unloaded unit can be armed once its load base is
// known.
package units

import (
	"sync"
)

// Handler receives unit lifecycle events. UnitComing is delivered when
// a unit has just become resolvable; UnitGoing when it is about to
// become unresolvable.
type Handler interface {
	UnitComing(name string, base uint64)
	UnitGoing(name string)
}

// Hub is an in-process notifier. It records the currently resolvable
// units and fans lifecycle events out to a single subscriber.
type Hub struct {
	mu      sync.RWMutex
	units   map[string]uint64
	handler Handler
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		units: make(map[string]uint64),
	}
}

// Subscribe registers the single lifecycle subscriber. Later calls
// replace the previous one.
func (h *Hub) Subscribe(handler Handler) {
	h.mu.Lock()
	h.handler = handler
	h.mu.Unlock()
}

// Lookup reports the load base of a currently resolvable unit.
func (h *Hub) Lookup(name string) (uint64, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	base, ok := h.units[name]
	return base, ok
}

// Announce records a unit as resolvable and notifies the subscriber.
func (h *Hub) Announce(name string, base uint64) {
	h.mu.Lock()
	h.units[name] = base
	handler := h.handler
	h.mu.Unlock()

	if handler != nil {
		handler.UnitComing(name, base)
	}
}

// Retire notifies the subscriber that a unit is about to become
// unresolvable and forgets it.
func (h *Hub) Retire(name string) {
	h.mu.Lock()
	_, known := h.units[name]
	delete(h.units, name)
	handler := h.handler
	h.mu.Unlock()

	if known && handler != nil {
		handler.UnitGoing(name)
	}
}
