package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"filesyncd/internal/backend"
	fsync "filesyncd/internal/sync"
)

const configColumns = `id, name, description, source_path, target_type, target_settings, direction,
	delete_missing, realtime_monitor, schedule_enabled, schedule_type, schedule_value,
	schedule_last_run, schedule_next_run, is_active, ignore_mask, run_on_startup,
	preserve_timestamps, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConfig(row rowScanner) (*fsync.SyncConfig, error) {
	var (
		c                                fsync.SyncConfig
		settings                         string
		direction, schedType, created    string
		updated                          string
		deleteMissing, realtime, schedOn int
		active, onStartup, preserve      int
		lastRun, nextRun                 sql.NullString
		description, schedValue, mask    sql.NullString
	)
	err := row.Scan(&c.ID, &c.Name, &description, &c.SourcePath, &c.TargetType, &settings, &direction,
		&deleteMissing, &realtime, &schedOn, &schedType, &schedValue,
		&lastRun, &nextRun, &active, &mask, &onStartup,
		&preserve, &created, &updated)
	if err != nil {
		return nil, err
	}
	c.Description = description.String
	c.Direction = fsync.Direction(direction)
	c.DeleteMissing = deleteMissing == 1
	c.RealtimeMonitor = realtime == 1
	c.Schedule = fsync.Schedule{Enabled: schedOn == 1, Type: fsync.ScheduleType(schedType), Value: schedValue.String}
	c.ScheduleLastRun = parseTimePtr(lastRun)
	c.ScheduleNextRun = parseTimePtr(nextRun)
	c.IsActive = active == 1
	c.IgnoreMask = mask.String
	c.RunOnStartup = onStartup == 1
	c.PreserveTimestamps = preserve == 1
	c.CreatedAt = parseTime(created)
	c.UpdatedAt = parseTime(updated)

	c.TargetSettings = backend.Settings{}
	if settings != "" {
		if err := json.Unmarshal([]byte(settings), &c.TargetSettings); err != nil {
			return nil, fmt.Errorf("config %d: bad target_settings: %w", c.ID, err)
		}
	}
	return &c, nil
}

// GetConfig loads one configuration.
func (s *Store) GetConfig(ctx context.Context, id int64) (*fsync.SyncConfig, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+configColumns+" FROM sync_configs WHERE id = ?", id)
	c, err := scanConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("config %d: %w", id, ErrNotFound)
	}
	return c, err
}

// GetConfigByName loads a configuration by its unique name.
func (s *Store) GetConfigByName(ctx context.Context, name string) (*fsync.SyncConfig, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+configColumns+" FROM sync_configs WHERE name = ?", name)
	c, err := scanConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("config %q: %w", name, ErrNotFound)
	}
	return c, err
}

// ListConfigs returns every configuration, or only active ones.
func (s *Store) ListConfigs(ctx context.Context, activeOnly bool) ([]*fsync.SyncConfig, error) {
	q := "SELECT " + configColumns + " FROM sync_configs"
	if activeOnly {
		q += " WHERE is_active = 1"
	}
	q += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*fsync.SyncConfig
	for rows.Next() {
		c, err := scanConfig(rows)
		if err != nil {
			s.log.WithError(err).Warn("Config scan error")
			continue
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CreateConfig validates and inserts c, setting its ID and timestamps.
func (s *Store) CreateConfig(ctx context.Context, c *fsync.SyncConfig) error {
	c.Normalize()
	if err := c.Validate(); err != nil {
		return err
	}
	settings, err := json.Marshal(c.TargetSettings)
	if err != nil {
		return err
	}
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `INSERT INTO sync_configs (name, description, source_path, target_type,
		target_settings, direction, delete_missing, realtime_monitor, schedule_enabled, schedule_type,
		schedule_value, is_active, ignore_mask, run_on_startup, preserve_timestamps, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Name, c.Description, c.SourcePath, c.TargetType, string(settings), string(c.Direction),
		boolInt(c.DeleteMissing), boolInt(c.RealtimeMonitor), boolInt(c.Schedule.Enabled),
		string(c.Schedule.Type), c.Schedule.Value, boolInt(c.IsActive), c.IgnoreMask,
		boolInt(c.RunOnStartup), boolInt(c.PreserveTimestamps), formatTime(now), formatTime(now))
	if err != nil {
		return fmt.Errorf("insert config: %w", uniqueName(err, c.Name))
	}
	if c.ID, err = res.LastInsertId(); err != nil {
		return err
	}
	c.CreatedAt, c.UpdatedAt = now, now
	return nil
}

// UpdateConfig overwrites the operator-owned fields of c. Schedule
// bookkeeping is left alone unless the schedule itself changed.
func (s *Store) UpdateConfig(ctx context.Context, c *fsync.SyncConfig) error {
	c.Normalize()
	if err := c.Validate(); err != nil {
		return err
	}
	prev, err := s.GetConfig(ctx, c.ID)
	if err != nil {
		return err
	}
	settings, err := json.Marshal(c.TargetSettings)
	if err != nil {
		return err
	}

	lastRun, nextRun := prev.ScheduleLastRun, prev.ScheduleNextRun
	if prev.Schedule != c.Schedule {
		nextRun = nil
	}

	now := time.Now()
	_, err = s.db.ExecContext(ctx, `UPDATE sync_configs SET name = ?, description = ?, source_path = ?,
		target_type = ?, target_settings = ?, direction = ?, delete_missing = ?, realtime_monitor = ?,
		schedule_enabled = ?, schedule_type = ?, schedule_value = ?, schedule_last_run = ?,
		schedule_next_run = ?, is_active = ?, ignore_mask = ?, run_on_startup = ?,
		preserve_timestamps = ?, updated_at = ? WHERE id = ?`,
		c.Name, c.Description, c.SourcePath, c.TargetType, string(settings), string(c.Direction),
		boolInt(c.DeleteMissing), boolInt(c.RealtimeMonitor), boolInt(c.Schedule.Enabled),
		string(c.Schedule.Type), c.Schedule.Value, formatTimePtr(lastRun), formatTimePtr(nextRun),
		boolInt(c.IsActive), c.IgnoreMask, boolInt(c.RunOnStartup), boolInt(c.PreserveTimestamps),
		formatTime(now), c.ID)
	if err != nil {
		return fmt.Errorf("update config %d: %w", c.ID, uniqueName(err, c.Name))
	}
	c.CreatedAt, c.UpdatedAt = prev.CreatedAt, now
	c.ScheduleLastRun, c.ScheduleNextRun = lastRun, nextRun
	return nil
}

// UpsertConfig creates c, or updates the existing configuration with the
// same ID or name.
func (s *Store) UpsertConfig(ctx context.Context, c *fsync.SyncConfig) (created bool, err error) {
	if c.ID == 0 {
		existing, err := s.GetConfigByName(ctx, c.Name)
		switch {
		case errors.Is(err, ErrNotFound):
			return true, s.CreateConfig(ctx, c)
		case err != nil:
			return false, err
		}
		c.ID = existing.ID
	}
	return false, s.UpdateConfig(ctx, c)
}

// DeleteConfig removes a configuration with its history, operations,
// file states and traffic.
func (s *Store) DeleteConfig(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, "DELETE FROM sync_configs WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("config %d: %w", id, ErrNotFound)
	}
	for _, q := range []string{
		"DELETE FROM sync_file_operations WHERE history_id IN (SELECT id FROM sync_history WHERE config_id = ?)",
		"DELETE FROM sync_history WHERE config_id = ?",
		"DELETE FROM file_states WHERE config_id = ?",
		"DELETE FROM traffic WHERE config_id = ?",
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// UpdateScheduleRun writes the scheduler's bookkeeping for a configuration.
// A nil argument leaves the stored value unchanged.
func (s *Store) UpdateScheduleRun(ctx context.Context, id int64, lastRun, nextRun *time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sync_configs SET
		schedule_last_run = COALESCE(?, schedule_last_run),
		schedule_next_run = COALESCE(?, schedule_next_run)
		WHERE id = ?`, formatTimePtr(lastRun), formatTimePtr(nextRun), id)
	return err
}

// uniqueName maps a violation of the unique name index to ErrDuplicateName.
func uniqueName(err error, name string) error {
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %q", ErrDuplicateName, name)
	}
	return err
}
