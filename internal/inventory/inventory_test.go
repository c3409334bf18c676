package inventory

import (
	"testing"
	"time"

	"github.com/neuroplastio/keysync/internal/devices"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newService(t *testing.T, now func() time.Time) *Service {
	t.Helper()
	log := zaptest.NewLogger(t)
	db, err := Open(t.TempDir(), log.Named("badger"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, log, now)
}

func TestRecordKeepsFirstSeen(t *testing.T) {
	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s := newService(t, func() time.Time { return clock })

	kb := devices.Info{Path: "/dev/input/event3", Name: "AT Translated Set 2 keyboard", Keyboard: true}
	recorded, err := s.Record("evdev", []devices.Info{kb})
	require.NoError(t, err)
	require.Len(t, recorded, 1)
	assert.Equal(t, clock, recorded[0].FirstSeenAt)

	first := clock
	clock = clock.Add(time.Hour)
	kb.Name = "Renamed keyboard"
	_, err = s.Record("evdev", []devices.Info{kb, {Path: "/dev/input/event5", Name: "Mouse"}})
	require.NoError(t, err)

	dev, err := s.Get("evdev", kb.Path)
	require.NoError(t, err)
	assert.True(t, first.Equal(dev.FirstSeenAt))
	assert.True(t, clock.Equal(dev.LastSeenAt))
	assert.Equal(t, "Renamed keyboard", dev.Name)
	assert.True(t, dev.Keyboard)
}

func TestListAcrossBackends(t *testing.T) {
	s := newService(t, time.Now)
	_, err := s.Record("hidraw", []devices.Info{{Path: "/dev/hidraw0", Name: "Pad", Keyboard: true}})
	require.NoError(t, err)
	_, err = s.Record("evdev", []devices.Info{
		{Path: "/dev/input/event2", Name: "Keyboard", Keyboard: true},
		{Path: "/dev/input/event1", Name: "Power Button"},
	})
	require.NoError(t, err)

	list, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "/dev/input/event1", list[0].Path)
	assert.Equal(t, "/dev/input/event2", list[1].Path)
	assert.Equal(t, "hidraw", list[2].Backend)
}

func TestGetUnknownDevice(t *testing.T) {
	s := newService(t, time.Now)
	_, err := s.Get("evdev", "/dev/input/event9")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}
