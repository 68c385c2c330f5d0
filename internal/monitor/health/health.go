package health

import (
	"context"
	"sort"
	"sync"
	"time"

	fsync "filesyncd/internal/sync"
)

// ConfigStatus is the outcome of the latest finished run of one config.
type ConfigStatus struct {
	ConfigID            int64           `json:"config_id"`
	LastStatus          fsync.RunStatus `json:"last_status"`
	LastRun             time.Time       `json:"last_run"`
	LastError           string          `json:"last_error,omitempty"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
}

// Report is the daemon-wide view served by /health.
type Report struct {
	Status  string         `json:"status"`
	Healthy bool           `json:"healthy"`
	Started time.Time      `json:"started"`
	Running int            `json:"running"`
	Configs []ConfigStatus `json:"configs,omitempty"`
}

type State struct {
	mu      sync.RWMutex
	started time.Time
	running map[int64]bool
	configs map[int64]*ConfigStatus
}

func New(started time.Time) *State {
	return &State{
		started: started,
		running: make(map[int64]bool),
		configs: make(map[int64]*ConfigStatus),
	}
}

// ReportSuccess clears the failure streak of configID.
func (s *State) ReportSuccess(configID int64, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.config(configID)
	c.LastStatus = fsync.RunCompleted
	c.LastRun = at
	c.LastError = ""
	c.ConsecutiveFailures = 0
}

// ReportError records a failed or timed out run of configID.
func (s *State) ReportError(configID int64, status fsync.RunStatus, msg string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.config(configID)
	c.LastStatus = status
	c.LastRun = at
	c.LastError = msg
	c.ConsecutiveFailures++
}

// Forget drops a deleted config.
func (s *State) Forget(configID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.configs, configID)
	delete(s.running, configID)
}

func (s *State) config(id int64) *ConfigStatus {
	c, ok := s.configs[id]
	if !ok {
		c = &ConfigStatus{ConfigID: id}
		s.configs[id] = c
	}
	return c
}

// Observe folds run events into the state until events is closed or ctx
// ends.
func (s *State) Observe(ctx context.Context, events <-chan fsync.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			switch e.Type {
			case fsync.EventRunStarted:
				s.mu.Lock()
				s.running[e.ConfigID] = true
				s.mu.Unlock()
			case fsync.EventRunFinished:
				s.mu.Lock()
				delete(s.running, e.ConfigID)
				s.mu.Unlock()
				if e.Status == fsync.RunCompleted {
					s.ReportSuccess(e.ConfigID, e.Time)
				} else {
					msg := e.Error
					if msg == "" && e.Counts != nil && e.Counts.Errors > 0 {
						msg = "some files failed to sync"
					}
					s.ReportError(e.ConfigID, e.Status, msg, e.Time)
				}
			}
		}
	}
}

// GetStatus reports whether every config's latest run succeeded, and the
// error of the first one that did not.
func (s *State) GetStatus() (bool, string) {
	r := s.Report()
	if r.Healthy {
		return true, ""
	}
	for _, c := range r.Configs {
		if c.ConsecutiveFailures > 0 {
			return false, c.LastError
		}
	}
	return false, ""
}

// Report returns a snapshot ordered by config id.
func (s *State) Report() Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r := Report{Status: "ok", Healthy: true, Started: s.started, Running: len(s.running)}
	for _, c := range s.configs {
		r.Configs = append(r.Configs, *c)
		if c.ConsecutiveFailures > 0 {
			r.Healthy = false
		}
	}
	sort.Slice(r.Configs, func(i, j int) bool { return r.Configs[i].ConfigID < r.Configs[j].ConfigID })
	return r
}
