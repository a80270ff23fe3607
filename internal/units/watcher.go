package units

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/process"
)

// Watcher polls the memory map of a target process and turns mapped
// executable objects appearing and disappearing into hub events. The
// object's lowest executable mapping start is taken as its load base.
type Watcher struct {
	logger   zerolog.Logger
	hub      *Hub
	pid      int32
	interval time.Duration

	// snapshot is swappable for tests.
	snapshot func() (map[string]uint64, error)

	known map[string]uint64
}

// NewWatcher validates the target pid and creates a watcher publishing
// into hub.
func NewWatcher(logger zerolog.Logger, hub *Hub, pid int32, interval time.Duration) (*Watcher, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return nil, fmt.Errorf("target process %d: %w", pid, err)
	}
	if exe, err := proc.Exe(); err == nil {
		logger.Info().Int32("pid", pid).Str("exe", exe).Msg("Watching loadable units")
	} else {
		logger.Info().Int32("pid", pid).Msg("Watching loadable units")
	}

	w := &Watcher{
		logger:   logger,
		hub:      hub,
		pid:      pid,
		interval: interval,
		known:    make(map[string]uint64),
	}
	w.snapshot = w.readMaps
	return w, nil
}

// Run polls until ctx is cancelled or the target process exits.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if err := w.poll(); err != nil {
			if ok, perr := process.PidExists(w.pid); perr == nil && !ok {
				w.logger.Info().Int32("pid", w.pid).Msg("Target process exited")
				return nil
			}
			w.logger.Warn().Err(err).Msg("poll unit map")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// poll diffs the current snapshot against the last one and publishes
// the changes. Going events fire before the unit record is dropped, so
// subscribers can still match pending probes.
func (w *Watcher) poll() error {
	current, err := w.snapshot()
	if err != nil {
		return err
	}

	for name := range w.known {
		if _, ok := current[name]; !ok {
			w.logger.Debug().Str("unit", name).Msg("Unit going")
			w.hub.Retire(name)
			delete(w.known, name)
		}
	}

	for name, base := range current {
		if _, ok := w.known[name]; !ok {
			w.logger.Debug().Str("unit", name).Uint64("base", base).Msg("Unit coming")
			w.known[name] = base
			w.hub.Announce(name, base)
		}
	}

	return nil
}

// readMaps parses /proc/<pid>/maps and returns the load base of every
// executable file-backed mapping, keyed by object base name. The main
// executable is skipped; probes against it use absolute addresses.
func (w *Watcher) readMaps() (map[string]uint64, error) {
	proc, err := process.NewProcess(w.pid)
	if err != nil {
		return nil, fmt.Errorf("target process %d: %w", w.pid, err)
	}
	exe, _ := proc.Exe()

	path := fmt.Sprintf("/proc/%d/maps", w.pid)
	f, err := os.Open(path) //nolint:gosec // G304: pid-derived procfs path.
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	out := make(map[string]uint64)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		// address           perms offset  dev   inode      pathname
		// 7f3a1c000000-...  r-xp  00000000 08:01 1234      /usr/lib/libfoo.so
		fields := strings.Fields(scanner.Text())
		if len(fields) < 6 {
			continue
		}
		perms, objPath := fields[1], fields[5]
		if !strings.Contains(perms, "x") || !strings.HasPrefix(objPath, "/") {
			continue
		}
		if exe != "" && objPath == exe {
			continue
		}

		start, _, ok := strings.Cut(fields[0], "-")
		if !ok {
			continue
		}
		addr, err := strconv.ParseUint(start, 16, 64)
		if err != nil {
			continue
		}

		name := filepath.Base(objPath)
		if prev, ok := out[name]; !ok || addr < prev {
			out[name] = addr
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", path, err)
	}

	return out, nil
}
