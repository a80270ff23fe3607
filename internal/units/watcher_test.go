package units

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestWatcher builds a watcher around a swappable snapshot without
// touching procfs.
func newTestWatcher(hub *Hub) *Watcher {
	return &Watcher{
		logger: zerolog.Nop(),
		hub:    hub,
		known:  make(map[string]uint64),
	}
}

func TestWatcher_PollDiffsSnapshots(t *testing.T) {
	hub := NewHub()
	h := newRecordingHandler()
	hub.Subscribe(h)

	w := newTestWatcher(hub)

	snapshots := []map[string]uint64{
		{"liba.so": 0x1000},
		{"liba.so": 0x1000, "libb.so": 0x2000},
		{"libb.so": 0x2000},
	}
	i := 0
	w.snapshot = func() (map[string]uint64, error) {
		s := snapshots[i]
		if i < len(snapshots)-1 {
			i++
		}
		return s, nil
	}

	require.NoError(t, w.poll())
	assert.Equal(t, []string{"liba.so"}, h.coming)
	assert.Empty(t, h.going)

	require.NoError(t, w.poll())
	assert.Equal(t, []string{"liba.so", "libb.so"}, h.coming)
	assert.Empty(t, h.going)

	require.NoError(t, w.poll())
	assert.Equal(t, []string{"liba.so"}, h.going)

	// Hub state follows the events.
	_, ok := hub.Lookup("liba.so")
	assert.False(t, ok)
	base, ok := hub.Lookup("libb.so")
	assert.True(t, ok)
	assert.Equal(t, uint64(0x2000), base)
}

func TestWatcher_PollStableSnapshotIsQuiet(t *testing.T) {
	hub := NewHub()
	h := newRecordingHandler()
	hub.Subscribe(h)

	w := newTestWatcher(hub)
	w.snapshot = func() (map[string]uint64, error) {
		return map[string]uint64{"liba.so": 0x1000}, nil
	}

	require.NoError(t, w.poll())
	require.NoError(t, w.poll())
	require.NoError(t, w.poll())

	assert.Equal(t, []string{"liba.so"}, h.coming)
	assert.Empty(t, h.going)
}

func TestWatcher_PollPropagatesSnapshotError(t *testing.T) {
	w := newTestWatcher(NewHub())
	w.snapshot = func() (map[string]uint64, error) {
		return nil, assert.AnError
	}

	assert.Error(t, w.poll())
}
