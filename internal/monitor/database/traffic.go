package database

import (
	"context"
	"time"

	fsync "filesyncd/internal/sync"
)

const trafficDateLayout = "2006-01-02"

// TrafficFlushInterval is how often buffered byte counts are written.
const TrafficFlushInterval = 10 * time.Second

// AddTraffic records transferred bytes for a configuration in memory.
func (s *Store) AddTraffic(configID, bytes int64) {
	if bytes <= 0 {
		return
	}
	s.trafficMu.Lock()
	s.traffic[configID] += bytes
	s.trafficMu.Unlock()
}

// RecordTraffic consumes engine events, buffering the size of every
// transferred file, and flushes the buffer periodically until ctx ends or
// events is closed.
func (s *Store) RecordTraffic(ctx context.Context, events <-chan fsync.Event, interval time.Duration) {
	if interval <= 0 {
		interval = TrafficFlushInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer func() {
		if err := s.FlushTraffic(); err != nil {
			s.log.WithError(err).Warn("Traffic flush failed")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if e.Type == fsync.EventFileSynced && e.Action != string(fsync.OpDeleted) {
				s.AddTraffic(e.ConfigID, e.Size)
			}
		case <-ticker.C:
			if err := s.FlushTraffic(); err != nil {
				s.log.WithError(err).Warn("Traffic flush failed")
			}
		}
	}
}

// FlushTraffic writes buffered traffic under today's date. Counts that
// fail to write are put back into the buffer.
func (s *Store) FlushTraffic() error {
	s.trafficMu.Lock()
	if len(s.traffic) == 0 {
		s.trafficMu.Unlock()
		return nil
	}
	toFlush := s.traffic
	s.traffic = make(map[int64]int64)
	s.trafficMu.Unlock()

	restore := func() {
		s.trafficMu.Lock()
		for id, b := range toFlush {
			s.traffic[id] += b
		}
		s.trafficMu.Unlock()
	}

	today := time.Now().UTC().Format(trafficDateLayout)
	tx, err := s.db.Begin()
	if err != nil {
		restore()
		return err
	}
	for id, bytes := range toFlush {
		_, err := tx.Exec(`INSERT INTO traffic (date, config_id, bytes_sent) VALUES (?, ?, ?)
			ON CONFLICT(date, config_id) DO UPDATE SET bytes_sent = bytes_sent + excluded.bytes_sent`,
			today, id, bytes)
		if err != nil {
			_ = tx.Rollback()
			restore()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		restore()
		return err
	}
	return nil
}
