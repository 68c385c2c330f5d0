package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	fsync "filesyncd/internal/sync"
)

const historyColumns = `id, config_id, status, trigger_source, message, files_created, files_updated,
	files_deleted, files_skipped, errors, start_time, end_time`

// HistoryFilter narrows ListHistory. Zero values mean "no filter".
type HistoryFilter struct {
	ConfigID int64
	Status   fsync.RunStatus
	Limit    int
	Offset   int
}

// StartRun opens a history row in running state.
func (s *Store) StartRun(ctx context.Context, configID int64, trigger string, start time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO sync_history (config_id, status, trigger_source, message, start_time)
		VALUES (?, ?, ?, '', ?)`, configID, string(fsync.RunRunning), trigger, formatTime(start))
	if err != nil {
		return 0, fmt.Errorf("start run: %w", err)
	}
	return res.LastInsertId()
}

// FinishRun finalizes a running history row. A row that is no longer
// running is left untouched so each run is finalized once.
func (s *Store) FinishRun(ctx context.Context, runID int64, status fsync.RunStatus, c fsync.Counts, message string, end time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sync_history SET status = ?, message = ?, files_created = ?,
		files_updated = ?, files_deleted = ?, files_skipped = ?, errors = ?, end_time = ?
		WHERE id = ? AND status = ?`,
		string(status), message, c.Created, c.Updated, c.Deleted, c.Skipped, c.Errors, formatTime(end),
		runID, string(fsync.RunRunning))
	if err != nil {
		return fmt.Errorf("finish run %d: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %d is not running: %w", runID, ErrNotFound)
	}
	return nil
}

// AddPendingMarker appends a pending history row noting that a change was
// detected for configID. The row is informational and never transitions.
func (s *Store) AddPendingMarker(ctx context.Context, configID int64, trigger, message string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO sync_history (config_id, status, trigger_source, message, start_time, end_time)
		VALUES (?, ?, ?, ?, ?, ?)`, configID, string(fsync.RunPending), trigger, message, formatTime(at), formatTime(at))
	if err != nil {
		return 0, fmt.Errorf("add pending marker: %w", err)
	}
	return res.LastInsertId()
}

// AbandonRunning finalizes rows left running by a previous process as
// failed. Returns the number of rows changed.
func (s *Store) AbandonRunning(ctx context.Context, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE sync_history SET status = ?, message = ?, end_time = ?
		WHERE status = ?`, string(fsync.RunFailed), "interrupted by shutdown", formatTime(at), string(fsync.RunRunning))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanHistory(row rowScanner) (fsync.History, error) {
	var (
		h       fsync.History
		status  string
		trigger sql.NullString
		message sql.NullString
		start   string
		end     sql.NullString
	)
	err := row.Scan(&h.ID, &h.ConfigID, &status, &trigger, &message, &h.Created, &h.Updated,
		&h.Deleted, &h.Skipped, &h.Errors, &start, &end)
	if err != nil {
		return h, err
	}
	h.Status = fsync.RunStatus(status)
	h.Trigger = trigger.String
	h.Message = message.String
	h.StartTime = parseTime(start)
	h.EndTime = parseTimePtr(end)
	return h, nil
}

// GetRun loads one history row.
func (s *Store) GetRun(ctx context.Context, id int64) (fsync.History, error) {
	h, err := scanHistory(s.db.QueryRowContext(ctx, "SELECT "+historyColumns+" FROM sync_history WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return h, fmt.Errorf("run %d: %w", id, ErrNotFound)
	}
	return h, err
}

// ListHistory returns history rows, newest first, and the total count
// matching the filter.
func (s *Store) ListHistory(ctx context.Context, f HistoryFilter) ([]fsync.History, int, error) {
	where := " WHERE 1 = 1"
	var args []any
	if f.ConfigID > 0 {
		where += " AND config_id = ?"
		args = append(args, f.ConfigID)
	}
	if f.Status != "" {
		where += " AND status = ?"
		args = append(args, string(f.Status))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sync_history"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	q := "SELECT " + historyColumns + " FROM sync_history" + where + " ORDER BY id DESC"
	if f.Limit > 0 {
		q += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []fsync.History
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			s.log.WithError(err).Warn("History scan error")
			continue
		}
		items = append(items, h)
	}
	return items, total, rows.Err()
}

// AddFileOperation appends one per-file record to a run.
func (s *Store) AddFileOperation(ctx context.Context, op fsync.FileOperation) error {
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now()
	}
	if op.Status == "" {
		op.Status = "success"
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO sync_file_operations (history_id, operation_type, file_path,
		source_path, target_path, file_size, status, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.HistoryID, string(op.Kind), op.Path, op.SourcePath, op.TargetPath, op.Size, op.Status,
		op.Error, formatTime(op.CreatedAt))
	return err
}

// FileOperations lists the per-file records of a run in insertion order.
func (s *Store) FileOperations(ctx context.Context, historyID int64) ([]fsync.FileOperation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, history_id, operation_type, file_path, source_path,
		target_path, file_size, status, error_message, created_at
		FROM sync_file_operations WHERE history_id = ? ORDER BY id`, historyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []fsync.FileOperation
	for rows.Next() {
		var (
			op                       fsync.FileOperation
			kind, created            string
			src, dst, status, errMsg sql.NullString
		)
		if err := rows.Scan(&op.ID, &op.HistoryID, &kind, &op.Path, &src, &dst, &op.Size, &status, &errMsg, &created); err != nil {
			s.log.WithError(err).Warn("File operation scan error")
			continue
		}
		op.Kind = fsync.OpKind(kind)
		op.SourcePath, op.TargetPath = src.String, dst.String
		op.Status, op.Error = status.String, errMsg.String
		op.CreatedAt = parseTime(created)
		out = append(out, op)
	}
	return out, rows.Err()
}

// PruneHistory deletes finished history rows, and their file operations,
// that started before now minus the retention period. Returns the number
// of history rows removed.
func (s *Store) PruneHistory(ctx context.Context, days int, now time.Time) (int64, error) {
	if days <= 0 {
		return 0, nil
	}
	cutoff := formatTime(now.AddDate(0, 0, -days))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_file_operations WHERE history_id IN
		(SELECT id FROM sync_history WHERE start_time < ? AND status != ?)`, cutoff, string(fsync.RunRunning)); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM sync_history WHERE start_time < ? AND status != ?", cutoff, string(fsync.RunRunning))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if _, err := tx.ExecContext(ctx, "DELETE FROM traffic WHERE date < ?", now.AddDate(0, 0, -days).UTC().Format(trafficDateLayout)); err != nil {
		return 0, err
	}
	return n, tx.Commit()
}
