package breakpoint

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/rs/zerolog"
)

// UprobeConfig contains configuration for the eBPF-backed facility.
type UprobeConfig struct {
	// ExePath is the executable probes are attached to. With a PID
	// target, /proc/{pid}/exe avoids mount-namespace path mismatches.
	ExePath string

	// PID restricts probe delivery to one process. 0 traces every
	// process executing the binary.
	PID int

	// Program is the loaded probe program. It must stamp the attach
	// cookie (bpf_get_attach_cookie) into the first 8 bytes of every
	// ring buffer record it emits.
	Program *ebpf.Program

	// Events is the ring buffer map the program writes records to.
	Events *ebpf.Map

	Logger zerolog.Logger
}

// UprobeFacility implements Facility over eBPF uprobes. Each armed
// probe is a uprobe link carrying a distinct cookie; a dispatcher
// goroutine reads cookie-stamped ring buffer records and invokes the
// registered callback.
type UprobeFacility struct {
	logger zerolog.Logger
	exe    *link.Executable
	prog   *ebpf.Program
	reader *ringbuf.Reader
	pid    int

	mu         sync.Mutex
	probes     map[uint64]*uprobe
	nextCookie uint64

	wg sync.WaitGroup
}

type uprobe struct {
	addr   uint64
	cookie uint64
	fn     func()
	link   link.Link
}

// NewUprobeFacility opens the target executable, creates the ring
// buffer reader, and starts the dispatcher.
func NewUprobeFacility(cfg UprobeConfig) (*UprobeFacility, error) {
	if cfg.Program == nil {
		return nil, fmt.Errorf("probe program is required")
	}
	if cfg.Events == nil {
		return nil, fmt.Errorf("events map is required")
	}

	exe, err := link.OpenExecutable(cfg.ExePath)
	if err != nil {
		return nil, fmt.Errorf("open executable (path=%s): %w", cfg.ExePath, err)
	}

	reader, err := ringbuf.NewReader(cfg.Events)
	if err != nil {
		return nil, fmt.Errorf("create ringbuf reader: %w", err)
	}

	f := &UprobeFacility{
		logger: cfg.Logger,
		exe:    exe,
		prog:   cfg.Program,
		reader: reader,
		pid:    cfg.PID,
		probes: make(map[uint64]*uprobe),
	}

	f.wg.Add(1)
	go f.dispatch()

	return f, nil
}

// Register reserves a probe at addr. The uprobe is not attached until
// Arm.
func (f *UprobeFacility) Register(addr uint64, fn func()) (Handle, error) {
	if fn == nil {
		return nil, fmt.Errorf("callback is required")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextCookie++
	p := &uprobe{
		addr:   addr,
		cookie: f.nextCookie,
		fn:     fn,
	}
	f.probes[p.cookie] = p

	f.logger.Debug().
		Uint64("address", addr).
		Uint64("cookie", p.cookie).
		Msg("Registered probe")

	return p, nil
}

// Arm attaches the uprobe at the probe's address. On failure the handle
// is released and must not be reused.
func (f *UprobeFacility) Arm(h Handle) error {
	p, ok := h.(*uprobe)
	if !ok {
		return fmt.Errorf("foreign handle %T", h)
	}

	l, err := f.exe.Uprobe("", f.prog, &link.UprobeOptions{
		Address: p.addr,
		PID:     f.pid,
		Cookie:  p.cookie,
	})
	if err != nil {
		f.mu.Lock()
		delete(f.probes, p.cookie)
		f.mu.Unlock()
		return fmt.Errorf("attach uprobe (address=%#x): %w", p.addr, err)
	}

	f.mu.Lock()
	p.link = l
	f.mu.Unlock()

	f.logger.Debug().
		Uint64("address", p.addr).
		Uint64("cookie", p.cookie).
		Msg("Armed probe")

	return nil
}

// Unregister detaches and forgets the probe. Safe to call for handles
// that were never armed.
func (f *UprobeFacility) Unregister(h Handle) {
	p, ok := h.(*uprobe)
	if !ok {
		return
	}

	f.mu.Lock()
	delete(f.probes, p.cookie)
	l := p.link
	p.link = nil
	f.mu.Unlock()

	if l != nil {
		if err := l.Close(); err != nil {
			f.logger.Warn().Err(err).Uint64("address", p.addr).Msg("close uprobe link")
		}
	}
}

func (f *UprobeFacility) dispatch() {
	defer f.wg.Done()

	for {
		rec, err := f.reader.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				return
			}
			f.logger.Warn().Err(err).Msg("read probe event")
			continue
		}
		if len(rec.RawSample) < 8 {
			f.logger.Warn().Int("len", len(rec.RawSample)).Msg("short probe event")
			continue
		}

		cookie := binary.LittleEndian.Uint64(rec.RawSample)

		f.mu.Lock()
		p := f.probes[cookie]
		f.mu.Unlock()

		if p != nil {
			p.fn()
		}
	}
}

// Close detaches every remaining probe and stops the dispatcher.
func (f *UprobeFacility) Close() error {
	var errs []error

	if err := f.reader.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close reader: %w", err))
	}
	f.wg.Wait()

	f.mu.Lock()
	for cookie, p := range f.probes {
		if p.link != nil {
			if err := p.link.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close link (address=%#x): %w", p.addr, err))
			}
		}
		delete(f.probes, cookie)
	}
	f.mu.Unlock()

	if len(errs) > 0 {
		return fmt.Errorf("errors during cleanup: %v", errs)
	}
	return nil
}
