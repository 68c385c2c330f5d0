// Package scheduler fires time-based sync triggers and executes sync tasks
// under a global concurrency bound with per-config exclusion.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"filesyncd/internal/monitor/watchdog"
	fsync "filesyncd/internal/sync"
)

// Defaults for Options.
const (
	DefaultMaxConcurrent = 3
	DefaultTaskTimeout   = time.Hour
	DefaultTickInterval  = time.Second
	DefaultReapInterval  = time.Minute
)

var (
	// ErrCoalesced is returned when the config already has an active task.
	ErrCoalesced = errors.New("sync task already active for config")
	// ErrAtCapacity is returned when the active set is full.
	ErrAtCapacity = errors.New("scheduler at capacity")
)

// Trigger sources recorded on history rows.
const (
	TriggerSchedule = "schedule"
	TriggerStartup  = "startup"
)

// Runner executes one sync for a configuration. The orchestrator is the
// production implementation.
type Runner interface {
	Trigger(ctx context.Context, configID int64, trigger string) (*fsync.Result, error)
}

// Bookkeeper persists schedule_last_run and schedule_next_run, and closes
// the history row of a reaped run. A nil time leaves the stored value alone.
type Bookkeeper interface {
	UpdateScheduleRun(ctx context.Context, configID int64, lastRun, nextRun *time.Time) error
	FinishRun(ctx context.Context, runID int64, status fsync.RunStatus, c fsync.Counts, message string, end time.Time) error
}

// TaskStatus is the lifecycle of an in-memory task.
type TaskStatus string

const (
	TaskQueued  TaskStatus = "queued"
	TaskRunning TaskStatus = "running"
)

// TaskInfo is a snapshot of one active task.
type TaskInfo struct {
	ID        string     `json:"id"`
	ConfigID  int64      `json:"config_id"`
	Trigger   string     `json:"trigger"`
	Status    TaskStatus `json:"status"`
	QueuedAt  time.Time  `json:"queued_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
}

type task struct {
	id       string
	configID int64
	trigger  string
	status   TaskStatus
	queued   time.Time
	started  time.Time
	runID    int64
	cancel   context.CancelCauseFunc
}

func (t *task) info() TaskInfo {
	ti := TaskInfo{ID: t.id, ConfigID: t.configID, Trigger: t.trigger, Status: t.status, QueuedAt: t.queued}
	if t.status == TaskRunning {
		started := t.started
		ti.StartedAt = &started
	}
	return ti
}

// entry is a registered schedule and its firing state.
type entry struct {
	schedule fsync.Schedule
	spec     Spec
	next     time.Time // interval schedules
	lastFire time.Time // minute of the last calendar fire
}

// due reports whether the entry fires at now and advances its state.
func (e *entry) due(now time.Time) bool {
	if e.spec.Type == fsync.ScheduleInterval {
		if now.Before(e.next) {
			return false
		}
		for !e.next.After(now) {
			e.next = e.next.Add(e.spec.Every)
		}
		return true
	}
	minute := now.Truncate(time.Minute)
	if !e.spec.Matches(now) || minute.Equal(e.lastFire) {
		return false
	}
	e.lastFire = minute
	return true
}

func (e *entry) nextRun(now time.Time) time.Time {
	if e.spec.Type == fsync.ScheduleInterval {
		return e.next
	}
	return e.spec.Next(now)
}

// Options configures a Scheduler. Zero values take the defaults.
type Options struct {
	MaxConcurrent int
	TaskTimeout   time.Duration
	TickInterval  time.Duration
	ReapInterval  time.Duration
	Clock         clockwork.Clock
	Notify        watchdog.NotifyFunc
	Logger        logrus.FieldLogger
}

// Scheduler owns schedule registrations and the active-task set.
type Scheduler struct {
	runner Runner
	books  Bookkeeper
	opts   Options
	clock  clockwork.Clock
	log    logrus.FieldLogger
	reaper *watchdog.Watchdog

	mu        sync.Mutex
	schedules map[int64]*entry
	active    map[int64]*task
	paused    bool
	queue     chan *task
	wg        sync.WaitGroup
}

// New creates a scheduler. books may be nil.
func New(runner Runner, books Bookkeeper, opts Options) *Scheduler {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = DefaultTaskTimeout
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = DefaultReapInterval
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	s := &Scheduler{
		runner:    runner,
		books:     books,
		opts:      opts,
		clock:     opts.Clock,
		log:       opts.Logger.WithField("component", "scheduler"),
		schedules: make(map[int64]*entry),
		active:    make(map[int64]*task),
		queue:     make(chan *task, opts.MaxConcurrent),
	}
	s.reaper = watchdog.New(s, opts.TaskTimeout, opts.ReapInterval, opts.Clock, opts.Notify, opts.Logger)
	return s
}

// Start runs the tick loop, the task worker and the timeout reaper until
// ctx is done. It does not block.
func (s *Scheduler) Start(ctx context.Context) {
	s.log.WithFields(logrus.Fields{
		"max_concurrent": s.opts.MaxConcurrent,
		"task_timeout":   s.opts.TaskTimeout,
	}).Info("Starting scheduler")
	go s.tickLoop(ctx)
	go s.worker(ctx)
	go s.reaper.Start(ctx)
}

// Wait blocks until every started task has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	ticker := s.clock.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.Chan():
			s.tick(ctx, now)
		}
	}
}

// tick enqueues every schedule due at now and writes back its bookkeeping.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	type fired struct {
		id   int64
		next time.Time
	}
	var due []fired

	s.mu.Lock()
	if s.paused {
		s.mu.Unlock()
		return
	}
	for id, e := range s.schedules {
		if e.due(now) {
			due = append(due, fired{id: id, next: e.nextRun(now)})
		}
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].id < due[j].id })
	for _, f := range due {
		log := s.log.WithField("config", f.id)
		if _, err := s.Enqueue(f.id, TriggerSchedule); err != nil {
			log.WithError(err).Info("Scheduled sync dropped")
		}
		last, next := now, f.next
		s.writeBack(ctx, f.id, &last, &next)
	}
}

func (s *Scheduler) writeBack(ctx context.Context, id int64, last, next *time.Time) {
	if s.books == nil {
		return
	}
	if err := s.books.UpdateScheduleRun(context.WithoutCancel(ctx), id, last, next); err != nil {
		s.log.WithError(err).WithField("config", id).Warn("Failed to write schedule bookkeeping")
	}
}

// Register installs or replaces the schedule of a config. Registering an
// unchanged schedule is a no-op that keeps its firing state.
func (s *Scheduler) Register(ctx context.Context, configID int64, sched fsync.Schedule) error {
	spec, err := Parse(sched)
	if err != nil {
		return err
	}
	now := s.clock.Now()

	s.mu.Lock()
	if e, ok := s.schedules[configID]; ok && e.schedule == sched {
		s.mu.Unlock()
		return nil
	}
	e := &entry{schedule: sched, spec: spec}
	if spec.Type == fsync.ScheduleInterval {
		e.next = now.Add(spec.Every)
	}
	s.schedules[configID] = e
	next := e.nextRun(now)
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{"config": configID, "type": sched.Type, "value": sched.Value, "next_run": next}).
		Info("Schedule registered")
	s.writeBack(ctx, configID, nil, &next)
	return nil
}

// Unregister removes the schedule of a config. Running tasks are not affected.
func (s *Scheduler) Unregister(configID int64) {
	s.mu.Lock()
	_, ok := s.schedules[configID]
	delete(s.schedules, configID)
	s.mu.Unlock()
	if ok {
		s.log.WithField("config", configID).Info("Schedule removed")
	}
}

// Registered returns the schedule of every registered config.
func (s *Scheduler) Registered() map[int64]fsync.Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]fsync.Schedule, len(s.schedules))
	for id, e := range s.schedules {
		out[id] = e.schedule
	}
	return out
}

// Enqueue adds a task for configID to the active set. A config that
// already has an active task is coalesced, and a full active set drops the
// request; neither is queued for later.
func (s *Scheduler) Enqueue(configID int64, trigger string) (TaskInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, busy := s.active[configID]; busy {
		return TaskInfo{}, ErrCoalesced
	}
	if len(s.active) >= s.opts.MaxConcurrent {
		s.log.WithFields(logrus.Fields{"config": configID, "active": len(s.active)}).Warn("Scheduler at capacity, dropping sync request")
		return TaskInfo{}, ErrAtCapacity
	}
	t := &task{
		id:       uuid.NewString(),
		configID: configID,
		trigger:  trigger,
		status:   TaskQueued,
		queued:   s.clock.Now(),
	}
	s.active[configID] = t
	// Never blocks: the buffer equals the active-set bound.
	s.queue <- t
	return t.info(), nil
}

func (s *Scheduler) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-s.queue:
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.execute(ctx, t)
			}()
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, t *task) {
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	s.mu.Lock()
	if s.active[t.configID] != t {
		// reaped or removed before it started
		s.mu.Unlock()
		return
	}
	t.status = TaskRunning
	t.started = s.clock.Now()
	t.cancel = cancel
	s.mu.Unlock()

	log := s.log.WithFields(logrus.Fields{"task": t.id, "config": t.configID, "trigger": t.trigger})
	log.Debug("Sync task started")

	runCtx = fsync.WithRunObserver(runCtx, func(runID int64) {
		s.mu.Lock()
		t.runID = runID
		s.mu.Unlock()
	})
	res, err := s.runner.Trigger(runCtx, t.configID, t.trigger)
	switch {
	case err != nil:
		log.WithError(err).Warn("Sync task failed")
	case res != nil:
		log.WithFields(logrus.Fields{"run": res.RunID, "status": res.Status}).Info("Sync task finished")
	}

	s.mu.Lock()
	if s.active[t.configID] == t {
		delete(s.active, t.configID)
	}
	s.mu.Unlock()
}

// Active returns a snapshot of the active-task set ordered by config.
func (s *Scheduler) Active() []TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskInfo, 0, len(s.active))
	for _, t := range s.active {
		out = append(out, t.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConfigID < out[j].ConfigID })
	return out
}

// Overdue lists running tasks started before the deadline.
func (s *Scheduler) Overdue(startedBefore time.Time) []watchdog.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []watchdog.Task
	for _, t := range s.active {
		if t.status == TaskRunning && t.started.Before(startedBefore) {
			out = append(out, watchdog.Task{ID: t.id, ConfigID: t.configID, Started: t.started})
		}
	}
	return out
}

// Reap force-removes a task from the active set, cancels its run and
// finalizes the run's history row as timed out, whether or not the run
// has returned.
func (s *Scheduler) Reap(id string, cause error) bool {
	var reaped task
	found := false
	s.mu.Lock()
	for cfg, t := range s.active {
		if t.id == id {
			delete(s.active, cfg)
			reaped, found = *t, true
			break
		}
	}
	s.mu.Unlock()
	if !found {
		return false
	}
	if reaped.cancel != nil {
		reaped.cancel(cause)
	}
	s.closeRun(&reaped, cause)
	return true
}

func (s *Scheduler) closeRun(t *task, cause error) {
	if s.books == nil || t.runID == 0 {
		return
	}
	now := s.clock.Now()
	msg := fmt.Sprintf("timed out after %s: %v", now.Sub(t.started).Round(time.Second), cause)
	log := s.log.WithFields(logrus.Fields{"config": t.configID, "run": t.runID})
	if err := s.books.FinishRun(context.Background(), t.runID, fsync.RunTimeout, fsync.Counts{}, msg, now); err != nil {
		// the run finished on its own in the meantime
		log.WithError(err).Debug("Reaped run already finalized")
		return
	}
	log.Warn("Recorded reaped run as timed out")
}

// Pause stops schedule ticks from firing. Enqueue still works.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	s.log.Info("Scheduler paused")
}

// Resume re-enables schedule ticks.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.log.Info("Scheduler resumed")
}

// Paused reports whether ticks are suppressed.
func (s *Scheduler) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}
