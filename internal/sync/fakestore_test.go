package sync

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// memStore is an in-memory Store for reconciler tests.
type memStore struct {
	mu      sync.Mutex
	states  map[int64]map[string]FileState
	runs    map[int64]*History
	ops     []FileOperation
	nextRun int64
}

func newMemStore() *memStore {
	return &memStore{
		states: make(map[int64]map[string]FileState),
		runs:   make(map[int64]*History),
	}
}

func (m *memStore) FileStates(_ context.Context, configID int64) (map[string]FileState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]FileState)
	for k, v := range m.states[configID] {
		out[k] = v
	}
	return out, nil
}

func (m *memStore) UpsertFileState(_ context.Context, st FileState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.states[st.ConfigID] == nil {
		m.states[st.ConfigID] = make(map[string]FileState)
	}
	m.states[st.ConfigID][st.Path] = st
	return nil
}

func (m *memStore) DeleteFileState(_ context.Context, configID int64, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states[configID], path)
	return nil
}

func (m *memStore) StartRun(_ context.Context, configID int64, trigger string, start time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextRun++
	m.runs[m.nextRun] = &History{ID: m.nextRun, ConfigID: configID, Status: RunRunning, Trigger: trigger, StartTime: start}
	return m.nextRun, nil
}

func (m *memStore) FinishRun(_ context.Context, runID int64, status RunStatus, counts Counts, message string, end time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.runs[runID]
	if h == nil || h.Status != RunRunning {
		return fmt.Errorf("run %d is not running", runID)
	}
	h.Status = status
	h.Counts = counts
	h.Message = message
	h.EndTime = &end
	return nil
}

func (m *memStore) AddFileOperation(_ context.Context, op FileOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, op)
	return nil
}

func (m *memStore) run(id int64) History {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.runs[id]
}

func (m *memStore) state(configID int64, path string) (FileState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[configID][path]
	return st, ok
}
