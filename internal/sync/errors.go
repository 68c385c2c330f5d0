package sync

import "errors"

var (
	// ErrRunInProgress is returned when a run for the same configuration is
	// already executing. The trigger is dropped, not queued.
	ErrRunInProgress = errors.New("sync already running for this configuration")
	// ErrConfigInactive is returned when triggering a disabled configuration.
	ErrConfigInactive = errors.New("configuration is not active")
	// ErrInvalidConfig wraps every validation failure of a SyncConfig.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrInvalidSchedule marks a malformed schedule type or value.
	ErrInvalidSchedule = errors.New("invalid schedule")
	// ErrRunTimeout is the cancellation cause used when a run exceeds its
	// allotted time; the run is then recorded as timed out.
	ErrRunTimeout = errors.New("sync run timed out")
)
