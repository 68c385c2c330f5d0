package sync

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"filesyncd/internal/backend"
)

func TestScannerExcludes(t *testing.T) {
	fs := afero.NewMemMapFs()
	for _, name := range []string{"/src/keep.txt", "/src/skip.tmp", "/src/cache/x.bin", "/src/sub/keep.md", "/src/.secret"} {
		require.NoError(t, afero.WriteFile(fs, name, []byte("x"), 0o644))
	}
	s := NewScanner((&SyncConfig{IgnoreMask: "*.tmp, cache"}).IgnorePatterns())
	m, err := s.Scan(context.Background(), backend.NewLocal("/src", backend.Options{LocalFS: fs}), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"keep.txt", "sub/keep.md"}, m.Paths())
	assert.EqualValues(t, 2, m.TotalSize())

	assert.True(t, s.Excluded("a/.git/config"))
	assert.True(t, s.Excluded("deep/cache/file"))
	assert.False(t, s.Excluded("deep/file"))
}

func TestMtimeDrift(t *testing.T) {
	now := time.Now()
	assert.False(t, mtimeDrift(now, now.Add(time.Second)))
	assert.True(t, mtimeDrift(now, now.Add(1001*time.Millisecond)))
	assert.True(t, mtimeDrift(now.Add(2*time.Second), now))
}

func TestConfigValidate(t *testing.T) {
	cfg := &SyncConfig{Name: "x", SourcePath: "/a", TargetType: "local"}
	cfg.Normalize()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, Push, cfg.Direction)

	cfg.Direction = "sideways"
	cfg.Schedule = Schedule{Enabled: true, Type: "hourly", Value: "1"}
	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidSchedule)
	assert.Contains(t, err.Error(), "direction")

	assert.Error(t, (&SyncConfig{}).Validate())
}

func TestBusDropsForSlowSubscriber(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe(1)
	b.Publish(Event{Type: EventRunStarted})
	b.Publish(Event{Type: EventRunFinished})
	assert.EqualValues(t, 1, b.Dropped())
	assert.Equal(t, EventRunStarted, (<-ch).Type)
	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
}
