package database

import (
	"context"
	"database/sql"
	"time"

	fsync "filesyncd/internal/sync"
)

// RunStats aggregates history over a period.
type RunStats struct {
	Total        int     `json:"total"`
	Completed    int     `json:"completed"`
	Failed       int     `json:"failed"`
	Timeout      int     `json:"timeout"`
	Running      int     `json:"running"`
	FilesCreated int     `json:"files_created"`
	FilesUpdated int     `json:"files_updated"`
	FilesDeleted int     `json:"files_deleted"`
	Errors       int     `json:"errors"`
	AvgDuration  float64 `json:"avg_duration_seconds"`
}

// TargetStats is the run outcome breakdown for one backend kind.
type TargetStats struct {
	TargetType string `json:"target_type"`
	Total      int    `json:"total"`
	Completed  int    `json:"completed"`
	Failed     int    `json:"failed"`
}

// DailyTraffic is the byte volume transferred on one day.
type DailyTraffic struct {
	Date  string `json:"date"`
	Bytes int64  `json:"bytes"`
}

// Stats is the reporting snapshot served by the API.
type Stats struct {
	Runs    RunStats       `json:"runs"`
	Targets []TargetStats  `json:"targets"`
	Traffic []DailyTraffic `json:"traffic"`
}

// Stats aggregates the last days of history; days <= 0 covers everything.
// Pending markers are not runs and are excluded.
func (s *Store) Stats(ctx context.Context, days int, now time.Time) (*Stats, error) {
	since := ""
	if days > 0 {
		since = formatTime(now.AddDate(0, 0, -days))
	}
	out := &Stats{}

	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'timeout' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'running' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(files_created), 0), COALESCE(SUM(files_updated), 0),
			COALESCE(SUM(files_deleted), 0), COALESCE(SUM(errors), 0),
			AVG(CASE WHEN end_time IS NOT NULL
				THEN (julianday(end_time) - julianday(start_time)) * 86400.0 END)
		FROM sync_history WHERE status != ? AND start_time >= ?`, string(fsync.RunPending), since).
		Scan(&out.Runs.Total, &out.Runs.Completed, &out.Runs.Failed, &out.Runs.Timeout, &out.Runs.Running,
			&out.Runs.FilesCreated, &out.Runs.FilesUpdated, &out.Runs.FilesDeleted, &out.Runs.Errors, &avg)
	if err != nil {
		return nil, err
	}
	out.Runs.AvgDuration = avg.Float64

	rows, err := s.db.QueryContext(ctx, `SELECT sc.target_type, COUNT(sh.id),
			SUM(CASE WHEN sh.status = 'completed' THEN 1 ELSE 0 END),
			SUM(CASE WHEN sh.status IN ('failed', 'timeout') THEN 1 ELSE 0 END)
		FROM sync_history sh JOIN sync_configs sc ON sc.id = sh.config_id
		WHERE sh.status != ? AND sh.start_time >= ?
		GROUP BY sc.target_type ORDER BY sc.target_type`, string(fsync.RunPending), since)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var t TargetStats
		if err := rows.Scan(&t.TargetType, &t.Total, &t.Completed, &t.Failed); err != nil {
			rows.Close()
			return nil, err
		}
		out.Targets = append(out.Targets, t)
	}
	rows.Close()

	if out.Traffic, err = s.DailyTraffic(ctx, days, now); err != nil {
		return nil, err
	}
	return out, nil
}

// DailyTraffic returns transferred bytes per day, oldest first.
func (s *Store) DailyTraffic(ctx context.Context, days int, now time.Time) ([]DailyTraffic, error) {
	since := ""
	if days > 0 {
		since = now.AddDate(0, 0, -days).UTC().Format(trafficDateLayout)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT date, SUM(bytes_sent) FROM traffic
		WHERE date >= ? GROUP BY date ORDER BY date`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DailyTraffic
	for rows.Next() {
		var d DailyTraffic
		if err := rows.Scan(&d.Date, &d.Bytes); err != nil {
			continue
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Health grades a configuration by the success ratio of its last runs.
func (s *Store) Health(ctx context.Context, configID int64, lastN int) (string, error) {
	var ok, total int
	err := s.db.QueryRowContext(ctx, `SELECT
			COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0), COUNT(*)
		FROM (SELECT status FROM sync_history
			WHERE config_id = ? AND status IN ('completed', 'failed', 'timeout')
			ORDER BY id DESC LIMIT ?)`, configID, lastN).Scan(&ok, &total)
	if err != nil {
		return "", err
	}
	return grade(ok, total), nil
}

func grade(ok, total int) string {
	if total == 0 {
		return "N/A"
	}
	ratio := float64(ok) / float64(total)
	switch {
	case ratio >= 0.95:
		return "A"
	case ratio >= 0.85:
		return "B"
	case ratio >= 0.70:
		return "C"
	case ratio >= 0.50:
		return "D"
	}
	return "F"
}
