// Package coverage implements first-hit probe coverage: breakpoint
// probes are installed at requested addresses and each probe's first
// trigger is reported once to a draining consumer.
//
// Every probe entry lives on exactly one of three lists:
//
//   - deferred: the owning unit is not resolvable yet
//   - pending:  armed, waiting to trigger
//   - hit:      triggered, waiting for readout
package coverage

import (
	"container/list"
	"hash/crc32"

	"github.com/RakibFiha/kcov/internal/breakpoint"
)

// Checksum fingerprints a unit name. The empty name denotes the base
// image and maps to 0.
func Checksum(name string) uint32 {
	if name == "" {
		return 0
	}
	return crc32.ChecksumIEEE([]byte(name))
}

type state int

const (
	stateNone state = iota
	stateDeferred
	statePending
	stateHit
)

// Entry is the record for one instrumented address.
type Entry struct {
	// Fingerprint is the checksum of the owning unit's name, 0 for the
	// base image.
	Fingerprint uint32

	// BaseAddr is the load base of the owning unit; 0 until resolved.
	BaseAddr uint64

	// Offset is the instrumented address relative to BaseAddr. For the
	// base image and for still-deferred entries, BaseAddr is 0 and
	// Offset holds the caller-supplied value unchanged.
	Offset uint64

	// handle is live iff the entry is pending.
	handle breakpoint.Handle

	// work is the prebuilt drain item, scheduled from the trigger
	// callback so the restricted context never allocates.
	work func()

	state state
	elem  *list.Element
}

func (r *Registry) newEntry(unitName string, base, offset uint64) *Entry {
	e := &Entry{
		Fingerprint: Checksum(unitName),
		BaseAddr:    base,
		Offset:      offset,
	}
	e.work = func() { r.drain(e) }
	return e
}

// addr is the absolute address to instrument.
func (e *Entry) addr() uint64 {
	return e.BaseAddr + e.Offset
}
