package breakpoint

import (
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/rs/zerolog"
)

// NewUprobeFacilityFromPins builds an UprobeFacility from bpffs pin
// paths, for deployments where the probe program is loaded out of band
// (e.g. by bpftool) and pinned.
func NewUprobeFacilityFromPins(exePath string, pid int, progPin, eventsPin string, logger zerolog.Logger) (*UprobeFacility, error) {
	prog, err := ebpf.LoadPinnedProgram(progPin, nil)
	if err != nil {
		return nil, fmt.Errorf("load pinned program (path=%s): %w", progPin, err)
	}

	events, err := ebpf.LoadPinnedMap(eventsPin, nil)
	if err != nil {
		prog.Close() //nolint:errcheck
		return nil, fmt.Errorf("load pinned events map (path=%s): %w", eventsPin, err)
	}

	f, err := NewUprobeFacility(UprobeConfig{
		ExePath: exePath,
		PID:     pid,
		Program: prog,
		Events:  events,
		Logger:  logger,
	})
	if err != nil {
		events.Close() //nolint:errcheck
		prog.Close()   //nolint:errcheck
		return nil, err
	}
	return f, nil
}
