// Package breakpoint defines the probe-injection facility used by the
// coverage registry, and an eBPF uprobe implementation of it.
package breakpoint

// Handle identifies one registered probe within a Facility. Handles are
// owned by their creator and must be released with Unregister.
type Handle interface{}

// Facility installs breakpoint-style probes at virtual addresses.
//
// Register reserves a probe at addr and records the callback invoked
// when execution reaches it. The callback runs in a restricted context:
// it must not block, take locks, or allocate. No callback is delivered
// before Arm succeeds or after Unregister returns.
//
// A facility must support registering a new probe at a different
// address for the same logical target, so callers can re-register after
// a loadable unit moves.
type Facility interface {
	Register(addr uint64, fn func()) (Handle, error)
	Arm(h Handle) error
	Unregister(h Handle)
}
