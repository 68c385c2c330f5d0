package database

import (
	"context"
	"database/sql"
	"time"

	fsync "filesyncd/internal/sync"
)

func scanFileStates(rows *sql.Rows) ([]fsync.FileState, error) {
	defer rows.Close()
	var out []fsync.FileState
	for rows.Next() {
		var (
			st       fsync.FileState
			hash     sql.NullString
			mtime    sql.NullFloat64
			status   sql.NullString
			lastSync sql.NullString
		)
		if err := rows.Scan(&st.ConfigID, &st.Path, &hash, &mtime, &status, &lastSync); err != nil {
			return nil, err
		}
		st.Fingerprint = hash.String
		st.ModTime = fromUnixSeconds(mtime.Float64)
		st.Status = fsync.FileStatus(status.String)
		if st.Status == "" {
			st.Status = fsync.FilePending
		}
		st.LastSync = parseTimePtr(lastSync)
		out = append(out, st)
	}
	return out, rows.Err()
}

// FileStates returns every tracked path of a configuration keyed by its
// relative path.
func (s *Store) FileStates(ctx context.Context, configID int64) (map[string]fsync.FileState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT config_id, file_path, file_hash, modified_time, sync_status, last_sync
		FROM file_states WHERE config_id = ?`, configID)
	if err != nil {
		return nil, err
	}
	list, err := scanFileStates(rows)
	if err != nil {
		return nil, err
	}
	out := make(map[string]fsync.FileState, len(list))
	for _, st := range list {
		out[st.Path] = st
	}
	return out, nil
}

// UpsertFileState writes the full row for (config, path).
func (s *Store) UpsertFileState(ctx context.Context, st fsync.FileState) error {
	var hash any
	if st.Fingerprint != "" {
		hash = st.Fingerprint
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO file_states (config_id, file_path, file_hash, modified_time, sync_status, last_sync)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(config_id, file_path) DO UPDATE SET
			file_hash = excluded.file_hash,
			modified_time = excluded.modified_time,
			sync_status = excluded.sync_status,
			last_sync = excluded.last_sync`,
		st.ConfigID, st.Path, hash, unixSeconds(st.ModTime), string(st.Status), formatTimePtr(st.LastSync))
	return err
}

// DeleteFileState drops the row for (config, path). Missing rows are fine.
func (s *Store) DeleteFileState(ctx context.Context, configID int64, path string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM file_states WHERE config_id = ? AND file_path = ?", configID, path)
	return err
}

// MarkPending flags a path as changed since the last sync. An existing row
// keeps its fingerprint and last_sync so deletion ownership survives; a new
// row is created without last_sync and so grants no ownership.
func (s *Store) MarkPending(ctx context.Context, configID int64, path string, mtime time.Time) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO file_states (config_id, file_path, modified_time, sync_status)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(config_id, file_path) DO UPDATE SET sync_status = excluded.sync_status`,
		configID, path, unixSeconds(mtime), string(fsync.FilePending))
	return err
}

// PendingFiles lists the rows of a configuration still waiting for a sync.
func (s *Store) PendingFiles(ctx context.Context, configID int64) ([]fsync.FileState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT config_id, file_path, file_hash, modified_time, sync_status, last_sync
		FROM file_states WHERE config_id = ? AND sync_status = ? ORDER BY file_path`, configID, string(fsync.FilePending))
	if err != nil {
		return nil, err
	}
	return scanFileStates(rows)
}
