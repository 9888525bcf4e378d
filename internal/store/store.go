// Package store implements the durable event store backing the upload
// pipeline: a SQLite database holding pending events keyed by id, with
// session and timestamp indexes for eviction, plus a small key/value block
// for persisted pipeline state.
package store

import (
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/telemetry-tools/event-courier/internal/event"
	_ "modernc.org/sqlite" // CGO-free SQLite
)

var (
	storeEvents = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "event_courier_store_events",
		Help: "Number of events currently buffered in the store",
	})

	storeBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "event_courier_store_bytes",
		Help: "Total serialized size of buffered events in bytes",
	})

	storeDeletedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "event_courier_store_deleted_events_total",
		Help: "Total events deleted from the store by reason",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(storeEvents)
	prometheus.MustRegister(storeBytes)
	prometheus.MustRegister(storeDeletedTotal)

	storeDeletedTotal.WithLabelValues("uploaded").Add(0)
	storeDeletedTotal.WithLabelValues("evicted").Add(0)
	storeDeletedTotal.WithLabelValues("purged").Add(0)
}

// BatchItem is one (id, payload) pair selected for an upload attempt.
type BatchItem struct {
	ID   string
	Data []byte
}

// Store is a SQLite-backed event store. All mutating calls are made by the
// single pipeline worker; the cached size counter is atomic only so that
// health and metrics paths can read it concurrently.
type Store struct {
	db        *sql.DB
	totalSize atomic.Int64
}

// Open opens (or creates) the event database at path and loads the size
// accounting. WAL mode plus a busy timeout avoids "database is locked"
// under concurrent readers.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db}

	var size int64
	var count int64
	row := db.QueryRow(`SELECT COALESCE(SUM(size), 0), COUNT(*) FROM events`)
	if err := row.Scan(&size, &count); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load size accounting: %w", err)
	}
	s.totalSize.Store(size)
	storeBytes.Set(float64(size))
	storeEvents.Set(float64(count))

	return s, nil
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS events(
	  id         TEXT    PRIMARY KEY,
	  type       TEXT    NOT NULL,
	  session_id TEXT    NOT NULL,
	  ts         INTEGER NOT NULL,
	  data       TEXT    NOT NULL,
	  size       INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id);
	CREATE INDEX IF NOT EXISTS idx_events_ts      ON events(ts);
	CREATE TABLE IF NOT EXISTS pipeline_state(
	  key   TEXT    PRIMARY KEY,
	  value INTEGER NOT NULL
	);
	`)
	if err != nil {
		return fmt.Errorf("failed to create database tables: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable. Used by readiness checks.
func (s *Store) Ping() error {
	return s.db.Ping()
}

// Insert persists one event and returns the number of rows written. A
// non-positive count means the event was not stored; the caller logs and
// drops it.
func (s *Store) Insert(ev *event.Event) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO events(id, type, session_id, ts, data, size) VALUES(?,?,?,?,?,?)`,
		ev.ID, ev.Type, ev.SessionID, ev.Timestamp, string(ev.Data), ev.Size(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n > 0 {
		s.totalSize.Add(ev.Size())
		storeBytes.Set(float64(s.totalSize.Load()))
		storeEvents.Add(float64(n))
	}
	return n, nil
}

// Count returns the number of buffered events.
func (s *Store) Count() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}

// TotalSizeBytes returns the tracked total serialized size of all buffered
// events. The value is maintained incrementally and loaded once at Open.
func (s *Store) TotalSizeBytes() int64 {
	return s.totalSize.Load()
}

// OldestSessionID returns the session id of the event with the earliest
// timestamp, or "" when the store is empty.
func (s *Store) OldestSessionID() (string, error) {
	var id string
	err := s.db.QueryRow(`SELECT session_id FROM events ORDER BY ts ASC LIMIT 1`).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query oldest session: %w", err)
	}
	return id, nil
}

// DeleteSession removes every event belonging to sessionID and returns the
// number of deleted events. Used only for space eviction.
func (s *Store) DeleteSession(sessionID string) (int64, error) {
	return s.deleteWhere("evicted", `session_id = ?`, sessionID)
}

// SelectBatch returns up to limit events in timestamp order without
// removing them. The batch is owned by the current upload attempt and is
// committed as deletions only after a confirmed success.
func (s *Store) SelectBatch(limit int) ([]BatchItem, error) {
	if limit < 1 {
		limit = 1
	}
	rows, err := s.db.Query(`SELECT id, data FROM events ORDER BY ts ASC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select batch: %w", err)
	}
	defer rows.Close()

	var batch []BatchItem
	for rows.Next() {
		var item BatchItem
		var data string
		if err := rows.Scan(&item.ID, &data); err != nil {
			return nil, fmt.Errorf("failed to scan batch row: %w", err)
		}
		item.Data = []byte(data)
		batch = append(batch, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate batch rows: %w", err)
	}
	return batch, nil
}

// Delete removes exactly the given events after a confirmed successful upload.
func (s *Store) Delete(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.deleteWhere("uploaded", `id IN (`+placeholders+`)`, args...)
	return err
}

// DeleteAll purges every buffered event.
func (s *Store) DeleteAll() error {
	_, err := s.deleteWhere("purged", `1=1`)
	return err
}

// deleteWhere removes matching events inside one transaction, keeping the
// size accounting consistent with the rows actually removed.
func (s *Store) deleteWhere(reason, where string, args ...interface{}) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}

	var freed int64
	row := tx.QueryRow(`SELECT COALESCE(SUM(size), 0) FROM events WHERE `+where, args...)
	if err := row.Scan(&freed); err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("failed to sum deleted sizes: %w", err)
	}

	res, err := tx.Exec(`DELETE FROM events WHERE `+where, args...)
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("failed to delete events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit delete: %w", err)
	}

	if n > 0 {
		s.totalSize.Add(-freed)
		storeBytes.Set(float64(s.totalSize.Load()))
		storeEvents.Sub(float64(n))
		storeDeletedTotal.WithLabelValues(reason).Add(float64(n))
	}
	return n, nil
}

// StateGet reads one persisted pipeline state value. The second return is
// false when the key has never been written.
func (s *Store) StateGet(key string) (int64, bool, error) {
	var v int64
	err := s.db.QueryRow(`SELECT value FROM pipeline_state WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read state %q: %w", key, err)
	}
	return v, true, nil
}

// StateSet writes one persisted pipeline state value.
func (s *Store) StateSet(key string, value int64) error {
	_, err := s.db.Exec(
		`INSERT INTO pipeline_state(key, value) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("failed to write state %q: %w", key, err)
	}
	return nil
}
