package sync

import (
	"context"
	"time"
)

// FileStatus is the lifecycle of a tracked path.
type FileStatus string

const (
	FilePending FileStatus = "pending"
	FileSynced  FileStatus = "synced"
)

// FileState records what the engine last wrote for one relative path. A row
// that has been synced at least once (LastSync set) is the only thing that
// authorizes deleting the path at the destination.
type FileState struct {
	ConfigID    int64      `json:"config_id"`
	Path        string     `json:"file_path"`
	Fingerprint string     `json:"file_hash,omitempty"`
	ModTime     time.Time  `json:"modified_time"`
	Status      FileStatus `json:"sync_status"`
	LastSync    *time.Time `json:"last_sync,omitempty"`
}

// Owned reports whether the engine itself wrote this path.
func (s FileState) Owned() bool {
	return s.LastSync != nil
}

// RunStatus is the state of a history row.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunTimeout   RunStatus = "timeout"
)

// Counts aggregates the actions of one run.
type Counts struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Deleted int `json:"deleted"`
	Skipped int `json:"skipped"`
	Errors  int `json:"errors"`
}

// History is one run record.
type History struct {
	ID        int64      `json:"id"`
	ConfigID  int64      `json:"config_id"`
	Status    RunStatus  `json:"status"`
	Trigger   string     `json:"trigger"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	Counts
	Message string `json:"message"`
}

// OpKind is the action recorded for one file.
type OpKind string

const (
	OpCreated OpKind = "created"
	OpUpdated OpKind = "updated"
	OpDeleted OpKind = "deleted"
)

// FileOperation is the per-file log entry of a run.
type FileOperation struct {
	ID         int64     `json:"id"`
	HistoryID  int64     `json:"history_id"`
	Kind       OpKind    `json:"operation_type"`
	Path       string    `json:"file_path"`
	SourcePath string    `json:"source_path,omitempty"`
	TargetPath string    `json:"target_path,omitempty"`
	Size       int64     `json:"file_size"`
	Status     string    `json:"status"`
	Error      string    `json:"error_message,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store is the persistence the reconciler needs: file states, run records
// and the per-file operation log.
type Store interface {
	FileStates(ctx context.Context, configID int64) (map[string]FileState, error)
	UpsertFileState(ctx context.Context, st FileState) error
	DeleteFileState(ctx context.Context, configID int64, path string) error
	StartRun(ctx context.Context, configID int64, trigger string, start time.Time) (int64, error)
	FinishRun(ctx context.Context, runID int64, status RunStatus, counts Counts, message string, end time.Time) error
	AddFileOperation(ctx context.Context, op FileOperation) error
}
