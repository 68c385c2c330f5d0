package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"filesyncd/internal/backend"
	fsync "filesyncd/internal/sync"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	log, _ := test.NewNullLogger()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "state", "filesyncd.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newConfig(t *testing.T, s *Store, name string) *fsync.SyncConfig {
	t.Helper()
	c := &fsync.SyncConfig{
		Name:           name,
		SourcePath:     "/data/" + name,
		TargetType:     backend.TypeS3,
		TargetSettings: backend.Settings{"bucket": "b", "region": "eu-west-1"},
		IsActive:       true,
		Schedule:       fsync.Schedule{Enabled: true, Type: fsync.ScheduleDaily, Value: "02:30"},
	}
	require.NoError(t, s.CreateConfig(context.Background(), c))
	return c
}

func TestOpenRunsMigrationsOnce(t *testing.T) {
	log, _ := test.NewNullLogger()
	path := filepath.Join(t.TempDir(), "filesyncd.db")
	ctx := context.Background()

	s, err := Open(ctx, path, log)
	require.NoError(t, err)
	v, err := s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	require.NoError(t, s.Close())

	s, err = Open(ctx, path, log)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Migrate(ctx))

	var n int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&n))
	assert.Equal(t, 1, n)
}

func TestConfigCRUD(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	c := newConfig(t, s, "photos")
	assert.NotZero(t, c.ID)
	assert.Equal(t, fsync.Push, c.Direction)

	got, err := s.GetConfig(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "photos", got.Name)
	assert.Equal(t, "b", got.TargetSettings["bucket"])
	assert.Equal(t, fsync.ScheduleDaily, got.Schedule.Type)
	assert.True(t, got.IsActive)

	next := time.Date(2024, 5, 2, 2, 30, 0, 0, time.UTC)
	require.NoError(t, s.UpdateScheduleRun(ctx, c.ID, nil, &next))
	got, err = s.GetConfig(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ScheduleNextRun)
	assert.True(t, next.Equal(*got.ScheduleNextRun))
	assert.Nil(t, got.ScheduleLastRun)

	// unchanged schedule keeps bookkeeping
	got.Description = "family photos"
	require.NoError(t, s.UpdateConfig(ctx, got))
	got, err = s.GetConfig(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "family photos", got.Description)
	assert.NotNil(t, got.ScheduleNextRun)

	// a new schedule resets next run
	got.Schedule.Value = "03:00"
	require.NoError(t, s.UpdateConfig(ctx, got))
	got, err = s.GetConfig(ctx, c.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ScheduleNextRun)

	newConfig(t, s, "docs")
	all, err := s.ListConfigs(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.DeleteConfig(ctx, c.ID))
	_, err = s.GetConfig(ctx, c.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeleteConfig(ctx, c.ID), ErrNotFound)
}

func TestCreateConfigValidates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	err := s.CreateConfig(ctx, &fsync.SyncConfig{Name: "x"})
	assert.ErrorIs(t, err, fsync.ErrInvalidConfig)

	newConfig(t, s, "dup")
	err = s.CreateConfig(ctx, &fsync.SyncConfig{Name: "dup", SourcePath: "/d", TargetType: backend.TypeLocal})
	assert.ErrorIs(t, err, ErrDuplicateName)
}

func TestUpsertConfigByName(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	orig := newConfig(t, s, "music")

	c := &fsync.SyncConfig{Name: "music", SourcePath: "/music", TargetType: backend.TypeLocal, IsActive: true}
	created, err := s.UpsertConfig(ctx, c)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, orig.ID, c.ID)

	got, err := s.GetConfig(ctx, orig.ID)
	require.NoError(t, err)
	assert.Equal(t, "/music", got.SourcePath)

	created, err = s.UpsertConfig(ctx, &fsync.SyncConfig{Name: "video", SourcePath: "/v", TargetType: backend.TypeLocal})
	require.NoError(t, err)
	assert.True(t, created)
}

func TestRunLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := newConfig(t, s, "docs")

	start := time.Now().Add(-time.Minute)
	id, err := s.StartRun(ctx, c.ID, "manual", start)
	require.NoError(t, err)

	require.NoError(t, s.AddFileOperation(ctx, fsync.FileOperation{HistoryID: id, Kind: fsync.OpCreated, Path: "a.txt", Size: 10}))
	require.NoError(t, s.AddFileOperation(ctx, fsync.FileOperation{HistoryID: id, Kind: fsync.OpUpdated, Path: "b.txt", Status: "error", Error: "boom"}))

	counts := fsync.Counts{Created: 1, Errors: 1}
	require.NoError(t, s.FinishRun(ctx, id, fsync.RunFailed, counts, "created 1", time.Now()))
	// second finalization is refused
	assert.ErrorIs(t, s.FinishRun(ctx, id, fsync.RunTimeout, counts, "late", time.Now()), ErrNotFound)

	h, err := s.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, fsync.RunFailed, h.Status)
	assert.Equal(t, counts, h.Counts)
	assert.Equal(t, "manual", h.Trigger)
	require.NotNil(t, h.EndTime)
	assert.WithinDuration(t, start, h.StartTime, time.Millisecond)

	ops, err := s.FileOperations(ctx, id)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, "success", ops[0].Status)
	assert.Equal(t, "boom", ops[1].Error)
}

func TestListHistoryAndPendingMarker(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a := newConfig(t, s, "a")
	b := newConfig(t, s, "b")

	for i := 0; i < 3; i++ {
		id, err := s.StartRun(ctx, a.ID, "schedule", time.Now())
		require.NoError(t, err)
		require.NoError(t, s.FinishRun(ctx, id, fsync.RunCompleted, fsync.Counts{}, "", time.Now()))
	}
	_, err := s.AddPendingMarker(ctx, b.ID, "monitor", "change detected: x.txt", time.Now())
	require.NoError(t, err)

	items, total, err := s.ListHistory(ctx, HistoryFilter{ConfigID: a.ID, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, items, 2)
	assert.Greater(t, items[0].ID, items[1].ID)

	items, total, err = s.ListHistory(ctx, HistoryFilter{Status: fsync.RunPending})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, b.ID, items[0].ConfigID)
}

func TestAbandonRunning(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := newConfig(t, s, "x")
	id, err := s.StartRun(ctx, c.ID, "manual", time.Now())
	require.NoError(t, err)

	n, err := s.AbandonRunning(ctx, time.Now())
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	h, err := s.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, fsync.RunFailed, h.Status)
}

func TestPruneHistory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := newConfig(t, s, "x")
	now := time.Now()

	old, err := s.StartRun(ctx, c.ID, "schedule", now.AddDate(0, 0, -10))
	require.NoError(t, err)
	require.NoError(t, s.AddFileOperation(ctx, fsync.FileOperation{HistoryID: old, Kind: fsync.OpCreated, Path: "a"}))
	require.NoError(t, s.FinishRun(ctx, old, fsync.RunCompleted, fsync.Counts{}, "", now.AddDate(0, 0, -10)))

	stuck, err := s.StartRun(ctx, c.ID, "schedule", now.AddDate(0, 0, -10))
	require.NoError(t, err)
	recent, err := s.StartRun(ctx, c.ID, "schedule", now.AddDate(0, 0, -1))
	require.NoError(t, err)

	n, err := s.PruneHistory(ctx, 5, now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = s.GetRun(ctx, old)
	assert.ErrorIs(t, err, ErrNotFound)
	ops, err := s.FileOperations(ctx, old)
	require.NoError(t, err)
	assert.Empty(t, ops)

	_, err = s.GetRun(ctx, stuck)
	assert.NoError(t, err)
	_, err = s.GetRun(ctx, recent)
	assert.NoError(t, err)
}

func TestFileStates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := newConfig(t, s, "x")

	mtime := time.Date(2024, 5, 1, 10, 0, 0, 250_000_000, time.UTC)
	synced := time.Now()
	require.NoError(t, s.UpsertFileState(ctx, fsync.FileState{
		ConfigID: c.ID, Path: "a.txt", Fingerprint: "abc", ModTime: mtime, Status: fsync.FileSynced, LastSync: &synced,
	}))

	states, err := s.FileStates(ctx, c.ID)
	require.NoError(t, err)
	require.Contains(t, states, "a.txt")
	st := states["a.txt"]
	assert.Equal(t, "abc", st.Fingerprint)
	assert.WithinDuration(t, mtime, st.ModTime, time.Millisecond)
	assert.True(t, st.Owned())

	// marking an owned row pending keeps its ownership
	require.NoError(t, s.MarkPending(ctx, c.ID, "a.txt", time.Now()))
	// a fresh pending row grants none
	require.NoError(t, s.MarkPending(ctx, c.ID, "b.txt", time.Now()))

	pending, err := s.PendingFiles(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "a.txt", pending[0].Path)
	assert.True(t, pending[0].Owned())
	assert.Equal(t, "abc", pending[0].Fingerprint)
	assert.False(t, pending[1].Owned())

	require.NoError(t, s.DeleteFileState(ctx, c.ID, "a.txt"))
	require.NoError(t, s.DeleteFileState(ctx, c.ID, "missing"))
	states, err = s.FileStates(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, states, 1)
}

func TestSettings(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	assert.Equal(t, "dflt", s.GetSetting(ctx, "nope", "dflt"))
	assert.False(t, s.GetBoolSetting(ctx, SettingSchedulerPaused))
	require.NoError(t, s.SaveSetting(ctx, SettingSchedulerPaused, "true"))
	assert.True(t, s.GetBoolSetting(ctx, SettingSchedulerPaused))
}

func TestTrafficAndStats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := newConfig(t, s, "x")
	now := time.Now()

	events := make(chan fsync.Event, 4)
	events <- fsync.Event{Type: fsync.EventFileSynced, ConfigID: c.ID, Action: string(fsync.OpCreated), Size: 100}
	events <- fsync.Event{Type: fsync.EventFileSynced, ConfigID: c.ID, Action: string(fsync.OpDeleted), Size: 999}
	events <- fsync.Event{Type: fsync.EventFileFailed, ConfigID: c.ID, Size: 999}
	events <- fsync.Event{Type: fsync.EventFileSynced, ConfigID: c.ID, Action: string(fsync.OpUpdated), Size: 50}
	close(events)
	s.RecordTraffic(ctx, events, time.Hour)

	id, err := s.StartRun(ctx, c.ID, "manual", now.Add(-2*time.Second))
	require.NoError(t, err)
	require.NoError(t, s.FinishRun(ctx, id, fsync.RunCompleted, fsync.Counts{Created: 2}, "", now))
	id, err = s.StartRun(ctx, c.ID, "manual", now)
	require.NoError(t, err)
	require.NoError(t, s.FinishRun(ctx, id, fsync.RunTimeout, fsync.Counts{Errors: 1}, "", now))
	_, err = s.AddPendingMarker(ctx, c.ID, "monitor", "", now)
	require.NoError(t, err)

	st, err := s.Stats(ctx, 7, now)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Runs.Total)
	assert.Equal(t, 1, st.Runs.Completed)
	assert.Equal(t, 1, st.Runs.Timeout)
	assert.Equal(t, 2, st.Runs.FilesCreated)
	assert.Equal(t, 1, st.Runs.Errors)
	assert.InDelta(t, 1.0, st.Runs.AvgDuration, 0.01)
	require.Len(t, st.Targets, 1)
	assert.Equal(t, TargetStats{TargetType: backend.TypeS3, Total: 2, Completed: 1, Failed: 1}, st.Targets[0])
	require.Len(t, st.Traffic, 1)
	assert.EqualValues(t, 150, st.Traffic[0].Bytes)

	grade, err := s.Health(ctx, c.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, "D", grade)
}

func TestGrade(t *testing.T) {
	assert.Equal(t, "N/A", grade(0, 0))
	assert.Equal(t, "A", grade(19, 20))
	assert.Equal(t, "F", grade(1, 4))
}
