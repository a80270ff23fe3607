package testutil

import (
	"fmt"
	"sync"

	"github.com/RakibFiha/kcov/internal/breakpoint"
)

// InlineScheduler runs scheduled work synchronously on the caller's
// goroutine, making trigger handling deterministic in tests.
type InlineScheduler struct{}

// Schedule runs fn immediately.
func (InlineScheduler) Schedule(fn func()) { fn() }

// MockProbe is one probe registered with a MockFacility.
type MockProbe struct {
	Addr  uint64
	fn    func()
	armed bool
}

// MockFacility is a scriptable in-memory breakpoint facility.
type MockFacility struct {
	mu     sync.Mutex
	probes map[*MockProbe]struct{}

	// RegisterErr and ArmErr, when set, fail the next corresponding
	// call and are consumed.
	RegisterErr error
	ArmErr      error
}

// NewMockFacility creates an empty facility.
func NewMockFacility() *MockFacility {
	return &MockFacility{
		probes: make(map[*MockProbe]struct{}),
	}
}

// Register records a probe at addr.
func (m *MockFacility) Register(addr uint64, fn func()) (breakpoint.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.RegisterErr; err != nil {
		m.RegisterErr = nil
		return nil, err
	}

	p := &MockProbe{Addr: addr, fn: fn}
	m.probes[p] = struct{}{}
	return p, nil
}

// Arm marks the probe armed, enabling Fire delivery.
func (m *MockFacility) Arm(h breakpoint.Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ArmErr; err != nil {
		m.ArmErr = nil
		return err
	}

	p, ok := h.(*MockProbe)
	if !ok {
		return fmt.Errorf("foreign handle %T", h)
	}
	if _, ok := m.probes[p]; !ok {
		return fmt.Errorf("handle not registered")
	}
	p.armed = true
	return nil
}

// Unregister forgets the probe. No callback is delivered afterwards.
func (m *MockFacility) Unregister(h breakpoint.Handle) {
	p, ok := h.(*MockProbe)
	if !ok {
		return
	}
	m.mu.Lock()
	delete(m.probes, p)
	m.mu.Unlock()
}

// Fire simulates execution reaching addr: the callback of one armed
// probe at that address is invoked on the caller's goroutine. Reports
// whether a probe fired.
func (m *MockFacility) Fire(addr uint64) bool {
	m.mu.Lock()
	var fn func()
	for p := range m.probes {
		if p.Addr == addr && p.armed {
			fn = p.fn
			break
		}
	}
	m.mu.Unlock()

	if fn == nil {
		return false
	}
	fn()
	return true
}

// Armed reports whether an armed probe exists at addr.
func (m *MockFacility) Armed(addr uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for p := range m.probes {
		if p.Addr == addr && p.armed {
			return true
		}
	}
	return false
}

// Live returns the number of registered probes.
func (m *MockFacility) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.probes)
}
