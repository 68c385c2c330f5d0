package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"filesyncd/internal/backend"
	"filesyncd/internal/monitor/config"
	fsync "filesyncd/internal/sync"
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	cfg := config.Default()
	cfg.DBPath = filepath.Join(t.TempDir(), "filesyncd.db")
	log, _ := test.NewNullLogger()

	a, err := New(context.Background(), cfg, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestSyncOnceCopiesToLocalTarget(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	src, dst := t.TempDir(), t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "report.txt"), []byte("quarterly"), 0o644))
	c := &fsync.SyncConfig{
		Name:               "reports",
		SourcePath:         src,
		TargetType:         backend.TypeLocal,
		TargetSettings:     backend.Settings{"path": dst},
		IsActive:           true,
		PreserveTimestamps: true,
	}
	require.NoError(t, a.Store.CreateConfig(ctx, c))

	res, err := a.SyncOnce(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, fsync.RunCompleted, res.Status)
	assert.Equal(t, 1, res.Counts.Created)

	data, err := os.ReadFile(filepath.Join(dst, "report.txt"))
	require.NoError(t, err)
	assert.Equal(t, "quarterly", string(data))

	run, err := a.Store.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, "manual", run.Trigger)
}

func TestRecoverClosesInterruptedRuns(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	c := &fsync.SyncConfig{
		Name:           "media",
		SourcePath:     t.TempDir(),
		TargetType:     backend.TypeLocal,
		TargetSettings: backend.Settings{"path": t.TempDir()},
		IsActive:       true,
	}
	require.NoError(t, a.Store.CreateConfig(ctx, c))
	id, err := a.Store.StartRun(ctx, c.ID, "schedule", time.Now().Add(-time.Hour))
	require.NoError(t, err)

	a.Recover(ctx)

	run, err := a.Store.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, fsync.RunFailed, run.Status)
	assert.NotNil(t, run.EndTime)
}

func TestPruneRespectsRetention(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	a.clock = clockwork.NewFakeClockAt(now)
	a.Config.History.RetentionDays = 30

	c := &fsync.SyncConfig{
		Name:           "archive",
		SourcePath:     t.TempDir(),
		TargetType:     backend.TypeLocal,
		TargetSettings: backend.Settings{"path": t.TempDir()},
		IsActive:       true,
	}
	require.NoError(t, a.Store.CreateConfig(ctx, c))
	old, err := a.Store.StartRun(ctx, c.ID, "schedule", now.AddDate(0, 0, -45))
	require.NoError(t, err)
	require.NoError(t, a.Store.FinishRun(ctx, old, fsync.RunCompleted, fsync.Counts{}, "", now.AddDate(0, 0, -45)))
	recent, err := a.Store.StartRun(ctx, c.ID, "schedule", now.AddDate(0, 0, -2))
	require.NoError(t, err)
	require.NoError(t, a.Store.FinishRun(ctx, recent, fsync.RunCompleted, fsync.Counts{}, "", now.AddDate(0, 0, -2)))

	a.prune(ctx)

	_, err = a.Store.GetRun(ctx, old)
	assert.Error(t, err)
	_, err = a.Store.GetRun(ctx, recent)
	assert.NoError(t, err)
}
