package watchdog

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"

	fsync "filesyncd/internal/sync"
)

type fakeTasks struct {
	tasks  []Task
	reaped map[string]error
}

func (f *fakeTasks) Overdue(before time.Time) []Task {
	var out []Task
	for _, t := range f.tasks {
		if _, gone := f.reaped[t.ID]; !gone && t.Started.Before(before) {
			out = append(out, t)
		}
	}
	return out
}

func (f *fakeTasks) Reap(id string, cause error) bool {
	if _, gone := f.reaped[id]; gone {
		return false
	}
	f.reaped[id] = cause
	return true
}

func TestSweep(t *testing.T) {
	clock := clockwork.NewFakeClock()
	start := clock.Now()
	tasks := &fakeTasks{
		tasks: []Task{
			{ID: "old", ConfigID: 1, Started: start},
			{ID: "new", ConfigID: 2, Started: start.Add(50 * time.Minute)},
		},
		reaped: map[string]error{},
	}
	var msgs []string
	log, _ := test.NewNullLogger()
	w := New(tasks, time.Hour, time.Minute, clock, func(msg, _ string) { msgs = append(msgs, msg) }, log)

	clock.Advance(90 * time.Minute)
	assert.Equal(t, 1, w.Sweep())
	assert.ErrorIs(t, tasks.reaped["old"], fsync.ErrRunTimeout)
	assert.NotContains(t, tasks.reaped, "new")
	assert.Len(t, msgs, 1)

	assert.Zero(t, w.Sweep())
}

func TestSweepDisabled(t *testing.T) {
	log, _ := test.NewNullLogger()
	w := New(&fakeTasks{reaped: map[string]error{}}, 0, time.Minute, nil, nil, log)
	assert.Zero(t, w.Sweep())
}
