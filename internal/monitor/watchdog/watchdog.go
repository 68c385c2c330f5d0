// Package watchdog reaps sync tasks that run past their deadline.
package watchdog

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	fsync "filesyncd/internal/sync"
)

// NotifyFunc is a callback for sending notifications
type NotifyFunc func(msg, msgType string)

// Task is a running task as seen by the watchdog.
type Task struct {
	ID       string
	ConfigID int64
	Started  time.Time
}

// Tasks is the active-task set being watched.
type Tasks interface {
	// Overdue lists running tasks started before the deadline.
	Overdue(startedBefore time.Time) []Task
	// Reap removes a task from the active set and cancels its context with
	// cause. It reports false when the task already finished.
	Reap(id string, cause error) bool
}

// Watchdog periodically cancels tasks that exceed the timeout.
type Watchdog struct {
	tasks    Tasks
	timeout  time.Duration
	interval time.Duration
	clock    clockwork.Clock
	notifyFn NotifyFunc
	log      logrus.FieldLogger
}

// New creates a watchdog. A nil notify function disables notifications.
func New(tasks Tasks, timeout, interval time.Duration, clock clockwork.Clock, notifyFn NotifyFunc, log logrus.FieldLogger) *Watchdog {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Watchdog{
		tasks:    tasks,
		timeout:  timeout,
		interval: interval,
		clock:    clock,
		notifyFn: notifyFn,
		log:      log.WithField("component", "watchdog"),
	}
}

// Start runs the sweep loop until ctx is done.
func (w *Watchdog) Start(ctx context.Context) {
	w.log.WithFields(logrus.Fields{"timeout": w.timeout, "interval": w.interval}).Info("Starting task watchdog")
	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			w.Sweep()
		}
	}
}

// Sweep reaps every overdue task once and returns how many were reaped.
func (w *Watchdog) Sweep() int {
	if w.timeout <= 0 {
		return 0
	}
	now := w.clock.Now()
	reaped := 0
	for _, t := range w.tasks.Overdue(now.Add(-w.timeout)) {
		if !w.tasks.Reap(t.ID, fsync.ErrRunTimeout) {
			continue
		}
		reaped++
		running := now.Sub(t.Started).Truncate(time.Second)
		w.log.WithFields(logrus.Fields{"task": t.ID, "config": t.ConfigID, "running": running}).
			Warn("Sync task exceeded timeout, cancelling")
		if w.notifyFn != nil {
			w.notifyFn(fmt.Sprintf("Sync for config %d ran for %v (limit %v) and was cancelled", t.ConfigID, running, w.timeout), "ERROR")
		}
	}
	return reaped
}
