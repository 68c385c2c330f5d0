package sync

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"filesyncd/internal/backend"
)

// Direction selects which side of a configuration is the source of truth.
type Direction string

const (
	// Push copies the local source tree to the target.
	Push Direction = "push"
	// Pull copies the target into the local source path.
	Pull Direction = "pull"
)

// ScheduleType names a schedule kind.
type ScheduleType string

const (
	ScheduleInterval ScheduleType = "interval"
	ScheduleDaily    ScheduleType = "daily"
	ScheduleWeekly   ScheduleType = "weekly"
	ScheduleMonthly  ScheduleType = "monthly"
	ScheduleCustom   ScheduleType = "custom"
)

// Schedule is the time-based trigger policy of a configuration. Value is
// minutes for interval, "HH:MM" for daily and custom, "monday,HH:MM" for
// weekly and "15,HH:MM" for monthly.
type Schedule struct {
	Enabled bool         `json:"enabled" yaml:"enabled"`
	Type    ScheduleType `json:"type,omitempty" yaml:"type,omitempty"`
	Value   string       `json:"value,omitempty" yaml:"value,omitempty"`
}

// Set reports whether the schedule is enabled and fully specified.
func (s Schedule) Set() bool {
	return s.Enabled && s.Type != "" && strings.TrimSpace(s.Value) != ""
}

// SyncConfig pairs a local directory with a destination backend and policy.
type SyncConfig struct {
	ID                 int64            `json:"id" yaml:"id,omitempty"`
	Name               string           `json:"name" yaml:"name"`
	Description        string           `json:"description,omitempty" yaml:"description,omitempty"`
	SourcePath         string           `json:"source_path" yaml:"source_path"`
	TargetType         string           `json:"target_type" yaml:"target_type"`
	TargetSettings     backend.Settings `json:"target_settings" yaml:"target_settings"`
	Direction          Direction        `json:"direction" yaml:"direction"`
	DeleteMissing      bool             `json:"delete_missing" yaml:"delete_missing"`
	RealtimeMonitor    bool             `json:"realtime_monitor" yaml:"realtime_monitor"`
	Schedule           Schedule         `json:"schedule" yaml:"schedule"`
	IsActive           bool             `json:"is_active" yaml:"is_active"`
	IgnoreMask         string           `json:"ignore_mask,omitempty" yaml:"ignore_mask,omitempty"`
	RunOnStartup       bool             `json:"run_on_startup" yaml:"run_on_startup"`
	PreserveTimestamps bool             `json:"preserve_timestamps" yaml:"preserve_timestamps"`

	ScheduleLastRun *time.Time `json:"schedule_last_run,omitempty" yaml:"-"`
	ScheduleNextRun *time.Time `json:"schedule_next_run,omitempty" yaml:"-"`
	CreatedAt       time.Time  `json:"created_at" yaml:"-"`
	UpdatedAt       time.Time  `json:"updated_at" yaml:"-"`
}

// Normalize fills defaults for fields left empty.
func (c *SyncConfig) Normalize() {
	if c.Direction == "" {
		c.Direction = Push
	}
	if c.TargetSettings == nil {
		c.TargetSettings = backend.Settings{}
	}
	c.Name = strings.TrimSpace(c.Name)
	c.SourcePath = strings.TrimSpace(c.SourcePath)
}

// Validate checks the fields the engine depends on.
func (c *SyncConfig) Validate() error {
	var errs []error
	if c.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if c.SourcePath == "" {
		errs = append(errs, errors.New("source_path is required"))
	}
	if c.TargetType == "" {
		errs = append(errs, errors.New("target_type is required"))
	}
	if c.Direction != Push && c.Direction != Pull {
		errs = append(errs, fmt.Errorf("direction must be %q or %q", Push, Pull))
	}
	if c.Schedule.Enabled {
		switch c.Schedule.Type {
		case ScheduleInterval, ScheduleDaily, ScheduleWeekly, ScheduleMonthly, ScheduleCustom:
		default:
			errs = append(errs, fmt.Errorf("%w: unknown type %q", ErrInvalidSchedule, c.Schedule.Type))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// IgnorePatterns splits IgnoreMask into glob patterns.
func (c *SyncConfig) IgnorePatterns() []string {
	var out []string
	for _, p := range strings.Split(c.IgnoreMask, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
