package coverage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RakibFiha/kcov/internal/testutil"
	"github.com/RakibFiha/kcov/internal/units"
)

func newTestRegistry(t *testing.T) (*Registry, *testutil.MockFacility, *units.Hub) {
	t.Helper()

	mock := testutil.NewMockFacility()
	hub := units.NewHub()
	reg := New(Config{
		Logger:      zerolog.Nop(),
		Breakpoints: mock,
		Scheduler:   testutil.InlineScheduler{},
		Units:       hub,
	})
	hub.Subscribe(reg)
	return reg, mock, hub
}

// tryUnlink drains with a short deadline, for asserting both presence
// and absence of output.
func tryUnlink(reg *Registry, d time.Duration) *Entry {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return reg.UnlinkNext(ctx)
}

func TestAddProbe_BaseImageTriggerDrain(t *testing.T) {
	reg, mock, _ := newTestRegistry(t)

	reg.AddProbe("", 0x1000)

	deferred, pending, hit := reg.Stats()
	assert.Equal(t, [3]int{0, 1, 0}, [3]int{deferred, pending, hit})
	assert.True(t, mock.Armed(0x1000))

	require.True(t, mock.Fire(0x1000))

	deferred, pending, hit = reg.Stats()
	assert.Equal(t, [3]int{0, 0, 1}, [3]int{deferred, pending, hit})
	assert.Equal(t, 0, mock.Live(), "hit entries must not hold a live breakpoint")

	e := tryUnlink(reg, time.Second)
	require.NotNil(t, e)
	assert.Equal(t, uint32(0), e.Fingerprint)
	assert.Equal(t, uint64(0x1000), e.Offset)
	assert.Equal(t, "0x00000000:0x0000000000001000\n", e.Record())

	_, _, hit = reg.Stats()
	assert.Zero(t, hit)
}

func TestAddProbe_NRegistrationsDrainN(t *testing.T) {
	reg, mock, _ := newTestRegistry(t)

	const n = 16
	for i := 0; i < n; i++ {
		reg.AddProbe("", uint64(0x1000+i*8))
	}
	for i := 0; i < n; i++ {
		require.True(t, mock.Fire(uint64(0x1000+i*8)))
	}

	seen := make(map[string]bool)
	for i := 0; i < n; i++ {
		e := tryUnlink(reg, time.Second)
		require.NotNil(t, e)
		assert.Equal(t, uint32(0), e.Fingerprint)
		seen[e.Record()] = true
	}
	assert.Len(t, seen, n, "records must be distinct")

	assert.Nil(t, tryUnlink(reg, 50*time.Millisecond), "no extra output")
}

func TestAddProbe_UnknownUnitDefers(t *testing.T) {
	reg, mock, hub := newTestRegistry(t)

	reg.AddProbe("mymod", 0x40)

	deferred, pending, _ := reg.Stats()
	assert.Equal(t, 1, deferred)
	assert.Zero(t, pending)
	assert.Zero(t, mock.Live(), "deferred entries never hold a handle")

	// No output while the unit is unloaded.
	assert.Nil(t, tryUnlink(reg, 50*time.Millisecond))

	// Unit loads: probe is armed at base+offset.
	hub.Announce("mymod", 0x7f0000000000)

	deferred, pending, _ = reg.Stats()
	assert.Zero(t, deferred)
	assert.Equal(t, 1, pending)
	assert.True(t, mock.Armed(0x7f0000000040))

	require.True(t, mock.Fire(0x7f0000000040))

	e := tryUnlink(reg, time.Second)
	require.NotNil(t, e)
	assert.Equal(t, Checksum("mymod"), e.Fingerprint)
	assert.Equal(t, uint64(0x40), e.Offset, "reported offset stays unit-relative")
	assert.Equal(t, uint64(0x7f0000000000), e.BaseAddr)
}

func TestAddProbe_LoadedUnitArmsImmediately(t *testing.T) {
	reg, mock, hub := newTestRegistry(t)
	hub.Announce("mymod", 0x7f0000000000)

	reg.AddProbe("mymod", 0x80)

	deferred, pending, _ := reg.Stats()
	assert.Zero(t, deferred)
	assert.Equal(t, 1, pending)
	assert.True(t, mock.Armed(0x7f0000000080))
}

func TestUnitComing_OnlyMatchingEntriesMove(t *testing.T) {
	reg, mock, hub := newTestRegistry(t)

	reg.AddProbe("mymod", 0x10)
	reg.AddProbe("othermod", 0x20)

	hub.Announce("mymod", 0x1000)

	deferred, pending, _ := reg.Stats()
	assert.Equal(t, 1, deferred, "othermod stays deferred")
	assert.Equal(t, 1, pending)
	assert.True(t, mock.Armed(0x1010))
	assert.False(t, mock.Armed(0x1020))
}

func TestUnitComing_ArmFailureDropsEntry(t *testing.T) {
	reg, mock, hub := newTestRegistry(t)

	reg.AddProbe("mymod", 0x10)
	mock.ArmErr = fmt.Errorf("bad address")

	hub.Announce("mymod", 0x1000)

	deferred, pending, hit := reg.Stats()
	assert.Equal(t, [3]int{0, 0, 0}, [3]int{deferred, pending, hit})
	assert.Zero(t, mock.Live())
}

func TestUnitGoing_RemovesPendingKeepsHit(t *testing.T) {
	reg, mock, hub := newTestRegistry(t)
	hub.Announce("mymod", 0x1000)

	reg.AddProbe("mymod", 0x10) // will be drained into hit
	reg.AddProbe("mymod", 0x20) // stays pending until the unit goes

	require.True(t, mock.Fire(0x1010))

	hub.Retire("mymod")

	deferred, pending, hit := reg.Stats()
	assert.Zero(t, deferred)
	assert.Zero(t, pending, "pending probes for the gone unit are removed")
	assert.Equal(t, 1, hit, "already-triggered probes stay readable")
	assert.Zero(t, mock.Live())

	// The drained probe still produces its record.
	e := tryUnlink(reg, time.Second)
	require.NotNil(t, e)
	assert.Equal(t, uint64(0x10), e.Offset)

	// The removed probe never does.
	assert.Nil(t, tryUnlink(reg, 50*time.Millisecond))
}

func TestEnable_RegisterFailureDrops(t *testing.T) {
	reg, mock, _ := newTestRegistry(t)

	mock.RegisterErr = fmt.Errorf("address already instrumented")
	reg.AddProbe("", 0x1000)

	deferred, pending, hit := reg.Stats()
	assert.Equal(t, [3]int{0, 0, 0}, [3]int{deferred, pending, hit})
}

func TestEnable_PostInsertArmFailureUnlinks(t *testing.T) {
	reg, mock, _ := newTestRegistry(t)

	mock.ArmErr = fmt.Errorf("arming rejected")
	reg.AddProbe("", 0x1000)

	// The entry must not be left on pending, and its handle must be
	// released.
	deferred, pending, hit := reg.Stats()
	assert.Equal(t, [3]int{0, 0, 0}, [3]int{deferred, pending, hit})
	assert.Zero(t, mock.Live())
}

func TestClear_EmptiesAllListsAndReleasesHandles(t *testing.T) {
	reg, mock, hub := newTestRegistry(t)
	hub.Announce("mymod", 0x1000)

	reg.AddProbe("othermod", 0x10) // deferred
	reg.AddProbe("", 0x2000)       // pending
	reg.AddProbe("mymod", 0x20)    // pending
	require.True(t, mock.Fire(0x2000)) // hit

	reg.Clear()

	deferred, pending, hit := reg.Stats()
	assert.Equal(t, [3]int{0, 0, 0}, [3]int{deferred, pending, hit})
	assert.Zero(t, mock.Live())

	// A read after clear blocks until something new triggers.
	assert.Nil(t, tryUnlink(reg, 50*time.Millisecond))

	reg.AddProbe("", 0x3000)
	require.True(t, mock.Fire(0x3000))

	e := tryUnlink(reg, time.Second)
	require.NotNil(t, e)
	assert.Equal(t, uint64(0x3000), e.Offset)
}

func TestDrain_FIFOByDrainOrder(t *testing.T) {
	reg, mock, _ := newTestRegistry(t)

	reg.AddProbe("", 0xa0)
	reg.AddProbe("", 0xb0)
	reg.AddProbe("", 0xc0)

	require.True(t, mock.Fire(0xb0))
	require.True(t, mock.Fire(0xa0))
	require.True(t, mock.Fire(0xc0))

	var got []uint64
	for i := 0; i < 3; i++ {
		e := tryUnlink(reg, time.Second)
		require.NotNil(t, e)
		got = append(got, e.Offset)
	}
	assert.Equal(t, []uint64{0xb0, 0xa0, 0xc0}, got)
}

func TestTrigger_SecondFireIsInert(t *testing.T) {
	reg, mock, _ := newTestRegistry(t)

	reg.AddProbe("", 0x1000)
	require.True(t, mock.Fire(0x1000))

	// The breakpoint was released on drain; nothing is armed anymore.
	assert.False(t, mock.Fire(0x1000))

	require.NotNil(t, tryUnlink(reg, time.Second))
	assert.Nil(t, tryUnlink(reg, 50*time.Millisecond))
}

func TestUnlinkNext_CancelReturnsNil(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *Entry, 1)
	go func() { done <- reg.UnlinkNext(ctx) }()

	cancel()

	select {
	case e := <-done:
		assert.Nil(t, e, "interruption is no data, not an error")
	case <-time.After(2 * time.Second):
		t.Fatal("UnlinkNext did not return after cancellation")
	}
}

func TestUnlinkNext_BroadcastWakesAllWaiters(t *testing.T) {
	reg, mock, _ := newTestRegistry(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	results := make(chan *Entry, 2)
	for i := 0; i < 2; i++ {
		go func() { results <- reg.UnlinkNext(ctx) }()
	}

	reg.AddProbe("", 0x10)
	reg.AddProbe("", 0x20)
	require.True(t, mock.Fire(0x10))
	require.True(t, mock.Fire(0x20))

	seen := make(map[uint64]bool)
	for i := 0; i < 2; i++ {
		select {
		case e := <-results:
			require.NotNil(t, e)
			seen[e.Offset] = true
		case <-time.After(2 * time.Second):
			t.Fatal("waiter was not woken")
		}
	}
	assert.Equal(t, map[uint64]bool{0x10: true, 0x20: true}, seen)
}

func TestConcurrentTriggers_EachDrainedExactlyOnce(t *testing.T) {
	mock := testutil.NewMockFacility()
	reg := New(Config{
		Logger:      zerolog.Nop(),
		Breakpoints: mock,
		Scheduler:   goScheduler{},
	})

	const n = 64
	for i := 0; i < n; i++ {
		reg.AddProbe("", uint64(0x10000+i*16))
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(addr uint64) {
			defer wg.Done()
			mock.Fire(addr)
		}(uint64(0x10000 + i*16))
	}
	wg.Wait()

	seen := make(map[uint64]int)
	for i := 0; i < n; i++ {
		e := tryUnlink(reg, 5*time.Second)
		require.NotNil(t, e)
		seen[e.Offset]++
	}
	for addr, count := range seen {
		assert.Equal(t, 1, count, "offset %#x drained %d times", addr, count)
	}
	assert.Len(t, seen, n)
	assert.Nil(t, tryUnlink(reg, 50*time.Millisecond))
}

// goScheduler runs each work item on its own goroutine, exercising
// out-of-order drains.
type goScheduler struct{}

func (goScheduler) Schedule(fn func()) { go fn() }

func TestStats_SingleListMembership(t *testing.T) {
	reg, mock, hub := newTestRegistry(t)
	hub.Announce("mymod", 0x1000)

	total := func() int {
		deferred, pending, hit := reg.Stats()
		return deferred + pending + hit
	}

	reg.AddProbe("othermod", 0x10)
	assert.Equal(t, 1, total())

	reg.AddProbe("mymod", 0x20)
	assert.Equal(t, 2, total())

	require.True(t, mock.Fire(0x1020))
	assert.Equal(t, 2, total())

	hub.Announce("othermod", 0x2000)
	assert.Equal(t, 2, total())

	e := tryUnlink(reg, time.Second)
	require.NotNil(t, e)
	assert.Equal(t, 1, total(), "drained entry left every list")
}
