// Package database is the sqlite persistence layer: sync configurations,
// run history, per-file operations, file states, settings and traffic.
package database

import (
	"database/sql"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	fsync "filesyncd/internal/sync"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateName is returned when a configuration name is taken.
	ErrDuplicateName = errors.New("configuration name already exists")
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store is the sqlite-backed implementation of sync.Store plus the
// configuration and reporting queries used by the daemon.
type Store struct {
	db  *sql.DB
	log logrus.FieldLogger

	trafficMu sync.Mutex
	traffic   map[int64]int64
}

var _ fsync.Store = (*Store)(nil)

// Close flushes buffered traffic and closes the database.
func (s *Store) Close() error {
	if err := s.FlushTraffic(); err != nil {
		s.log.WithError(err).Warn("Traffic flush on close failed")
	}
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

// unixSeconds stores mtimes as REAL seconds, keeping sub-second precision.
func unixSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}

func fromUnixSeconds(f float64) time.Time {
	if f == 0 {
		return time.Time{}
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(math.Round(frac*1e9)))
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
