package database

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
)

// SettingSchedulerPaused persists the scheduler pause flag across restarts.
const SettingSchedulerPaused = "scheduler.paused"

// SaveSetting saves or updates a setting
func (s *Store) SaveSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, "INSERT OR REPLACE INTO settings (key, value) VALUES (?, ?)", key, value)
	return err
}

// GetSetting retrieves a setting, or defaultValue when it is unset
func (s *Store) GetSetting(ctx context.Context, key, defaultValue string) string {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.log.WithError(err).WithField("key", key).Warn("Setting lookup failed")
		}
		return defaultValue
	}
	return value
}

// GetBoolSetting parses a stored boolean setting.
func (s *Store) GetBoolSetting(ctx context.Context, key string) bool {
	b, _ := strconv.ParseBool(s.GetSetting(ctx, key, "false"))
	return b
}
