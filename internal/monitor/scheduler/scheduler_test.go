package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fsync "filesyncd/internal/sync"
)

// fakeRunner blocks each run until release is closed or the run context
// ends, recording the cancellation cause.
type fakeRunner struct {
	mu       sync.Mutex
	calls    []int64
	triggers []string
	causes   map[int64]error
	started  chan int64
	release  chan struct{}
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		causes:  make(map[int64]error),
		started: make(chan int64, 16),
		release: make(chan struct{}),
	}
}

func (f *fakeRunner) Trigger(ctx context.Context, id int64, trigger string) (*fsync.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, id)
	f.triggers = append(f.triggers, trigger)
	f.mu.Unlock()
	f.started <- id

	select {
	case <-f.release:
		return &fsync.Result{ConfigID: id, Status: fsync.RunCompleted}, nil
	case <-ctx.Done():
		f.mu.Lock()
		f.causes[id] = context.Cause(ctx)
		f.mu.Unlock()
		return &fsync.Result{ConfigID: id, Status: fsync.RunTimeout}, nil
	}
}

func (f *fakeRunner) cause(id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.causes[id]
}

type bookWrite struct {
	id         int64
	last, next *time.Time
}

type runFinish struct {
	runID   int64
	status  fsync.RunStatus
	message string
}

type fakeBooks struct {
	mu       sync.Mutex
	writes   []bookWrite
	finishes []runFinish
}

func (b *fakeBooks) UpdateScheduleRun(_ context.Context, id int64, last, next *time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writes = append(b.writes, bookWrite{id, last, next})
	return nil
}

func (b *fakeBooks) FinishRun(_ context.Context, runID int64, status fsync.RunStatus, _ fsync.Counts, message string, _ time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finishes = append(b.finishes, runFinish{runID, status, message})
	return nil
}

func (b *fakeBooks) finished() []runFinish {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]runFinish(nil), b.finishes...)
}

// stuckRunner starts a run and then ignores cancellation until released,
// like a backend write stalled on the network.
type stuckRunner struct {
	runID   int64
	started chan struct{}
	release chan struct{}
}

func (r *stuckRunner) Trigger(ctx context.Context, id int64, _ string) (*fsync.Result, error) {
	fsync.NotifyRunStarted(ctx, r.runID)
	close(r.started)
	<-r.release
	return &fsync.Result{RunID: r.runID, ConfigID: id, Status: fsync.RunTimeout}, nil
}

func newTestScheduler(t *testing.T, max int, clock clockwork.Clock) (*Scheduler, *fakeRunner, *fakeBooks) {
	t.Helper()
	log, _ := test.NewNullLogger()
	r := newFakeRunner()
	b := &fakeBooks{}
	s := New(r, b, Options{MaxConcurrent: max, TaskTimeout: time.Hour, Clock: clock, Logger: log})
	return s, r, b
}

func TestEnqueueBoundAndCoalesce(t *testing.T) {
	s, _, _ := newTestScheduler(t, 2, clockwork.NewFakeClock())

	_, err := s.Enqueue(1, "manual")
	require.NoError(t, err)
	_, err = s.Enqueue(1, "manual")
	assert.ErrorIs(t, err, ErrCoalesced)
	_, err = s.Enqueue(2, "manual")
	require.NoError(t, err)
	_, err = s.Enqueue(3, "manual")
	assert.ErrorIs(t, err, ErrAtCapacity)

	active := s.Active()
	require.Len(t, active, 2)
	assert.Equal(t, TaskQueued, active[0].Status)
	assert.NotEmpty(t, active[0].ID)
}

func TestConcurrencyNeverExceedsBound(t *testing.T) {
	s, r, _ := newTestScheduler(t, 3, clockwork.NewRealClock())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	accepted := 0
	for id := int64(1); id <= 10; id++ {
		if _, err := s.Enqueue(id, "manual"); err == nil {
			accepted++
		}
	}
	assert.Equal(t, 3, accepted)
	for i := 0; i < 3; i++ {
		<-r.started
	}
	assert.Len(t, s.Active(), 3)
	for _, ti := range s.Active() {
		assert.Equal(t, TaskRunning, ti.Status)
		assert.NotNil(t, ti.StartedAt)
	}

	close(r.release)
	require.Eventually(t, func() bool { return len(s.Active()) == 0 }, 2*time.Second, 10*time.Millisecond)
	s.Wait()
	assert.Len(t, r.calls, 3)
}

func TestSameConfigRunsOnce(t *testing.T) {
	s, r, _ := newTestScheduler(t, 3, clockwork.NewRealClock())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	_, err := s.Enqueue(7, "manual")
	require.NoError(t, err)
	<-r.started
	_, err = s.Enqueue(7, TriggerSchedule)
	assert.ErrorIs(t, err, ErrCoalesced)
	assert.Len(t, s.Active(), 1)

	close(r.release)
	require.Eventually(t, func() bool { return len(s.Active()) == 0 }, 2*time.Second, 10*time.Millisecond)
	s.Wait()
	assert.Equal(t, []int64{7}, r.calls)
}

func TestReaperCancelsOverdueTask(t *testing.T) {
	clock := clockwork.NewFakeClock()
	log, _ := test.NewNullLogger()
	r := newFakeRunner()
	var notes []string
	var mu sync.Mutex
	s := New(r, nil, Options{
		TaskTimeout: time.Hour,
		Clock:       clock,
		Logger:      log,
		Notify: func(msg, _ string) {
			mu.Lock()
			notes = append(notes, msg)
			mu.Unlock()
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.worker(ctx)

	_, err := s.Enqueue(4, "manual")
	require.NoError(t, err)
	<-r.started

	clock.Advance(30 * time.Minute)
	assert.Zero(t, s.reaper.Sweep())
	assert.Len(t, s.Active(), 1)

	clock.Advance(31 * time.Minute)
	assert.Equal(t, 1, s.reaper.Sweep())
	assert.Empty(t, s.Active())

	// the run itself observed the cancellation
	s.Wait()
	assert.ErrorIs(t, r.cause(4), fsync.ErrRunTimeout)
	mu.Lock()
	require.Len(t, notes, 1)
	assert.Contains(t, notes[0], "config 4")
	mu.Unlock()

	// the config can be scheduled again
	_, err = s.Enqueue(4, "manual")
	assert.NoError(t, err)
}

func TestReapFinalizesStuckRun(t *testing.T) {
	clock := clockwork.NewFakeClock()
	log, _ := test.NewNullLogger()
	r := &stuckRunner{runID: 42, started: make(chan struct{}), release: make(chan struct{})}
	books := &fakeBooks{}
	s := New(r, books, Options{TaskTimeout: time.Hour, Clock: clock, Logger: log})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.worker(ctx)

	_, err := s.Enqueue(7, "schedule")
	require.NoError(t, err)
	<-r.started

	clock.Advance(61 * time.Minute)
	require.Equal(t, 1, s.reaper.Sweep())
	assert.Empty(t, s.Active())

	// the run is still blocked, yet its row is already final
	fin := books.finished()
	require.Len(t, fin, 1)
	assert.Equal(t, int64(42), fin[0].runID)
	assert.Equal(t, fsync.RunTimeout, fin[0].status)
	assert.Contains(t, fin[0].message, "timed out after 1h1m0s")

	close(r.release)
	s.Wait()
	assert.Len(t, books.finished(), 1)
}

func TestTickInterval(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(t0)
	s, _, books := newTestScheduler(t, 3, clock)
	ctx := context.Background()

	require.NoError(t, s.Register(ctx, 1, fsync.Schedule{Enabled: true, Type: fsync.ScheduleInterval, Value: "5"}))
	require.Len(t, books.writes, 1)
	assert.Equal(t, t0.Add(5*time.Minute), *books.writes[0].next)
	assert.Nil(t, books.writes[0].last)

	s.tick(ctx, t0.Add(4*time.Minute))
	assert.Empty(t, s.Active())

	s.tick(ctx, t0.Add(5*time.Minute))
	active := s.Active()
	require.Len(t, active, 1)
	assert.Equal(t, TriggerSchedule, active[0].Trigger)

	require.Len(t, books.writes, 2)
	assert.Equal(t, t0.Add(5*time.Minute), *books.writes[1].last)
	assert.Equal(t, t0.Add(10*time.Minute), *books.writes[1].next)

	// still active: the next fire is coalesced but bookkeeping advances
	s.tick(ctx, t0.Add(10*time.Minute))
	assert.Len(t, s.Active(), 1)
	assert.Len(t, books.writes, 3)
}

func TestTickPaused(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 2, 29, 0, 0, time.UTC)
	s, _, _ := newTestScheduler(t, 3, clockwork.NewFakeClockAt(t0))
	ctx := context.Background()
	require.NoError(t, s.Register(ctx, 1, fsync.Schedule{Enabled: true, Type: fsync.ScheduleDaily, Value: "02:30"}))

	s.Pause()
	assert.True(t, s.Paused())
	s.tick(ctx, t0.Add(time.Minute))
	assert.Empty(t, s.Active())

	s.Resume()
	s.tick(ctx, t0.Add(time.Minute+10*time.Second))
	assert.Len(t, s.Active(), 1)
}

func TestRegisterIdempotent(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(t0)
	s, _, books := newTestScheduler(t, 3, clock)
	ctx := context.Background()
	sched := fsync.Schedule{Enabled: true, Type: fsync.ScheduleInterval, Value: "5"}

	require.NoError(t, s.Register(ctx, 1, sched))
	clock.Advance(3 * time.Minute)
	require.NoError(t, s.Register(ctx, 1, sched))
	assert.Len(t, books.writes, 1)
	assert.Equal(t, t0.Add(5*time.Minute), s.schedules[1].next)

	sched.Value = "10"
	require.NoError(t, s.Register(ctx, 1, sched))
	assert.Equal(t, t0.Add(13*time.Minute), s.schedules[1].next)

	assert.Error(t, s.Register(ctx, 2, fsync.Schedule{Enabled: true, Type: fsync.ScheduleDaily, Value: "25:00"}))
	assert.Equal(t, map[int64]fsync.Schedule{1: sched}, s.Registered())

	s.Unregister(1)
	assert.Empty(t, s.Registered())
}

func TestStartupTaskRunsThroughWorker(t *testing.T) {
	s, r, _ := newTestScheduler(t, 1, clockwork.NewRealClock())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	_, err := s.Enqueue(9, TriggerStartup)
	require.NoError(t, err)
	assert.Equal(t, int64(9), <-r.started)
	close(r.release)
	require.Eventually(t, func() bool { return len(s.Active()) == 0 }, 2*time.Second, 10*time.Millisecond)
	s.Wait()
	assert.Equal(t, []string{TriggerStartup}, r.triggers)
}
