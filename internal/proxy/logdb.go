package proxy

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Schema version history:
//   v1: attempts and events tables
const currentSchemaVersion = 1

// migrations is an ordered list of schema upgrade functions.
// migrations[0] upgrades v1 → v2, and so on.
var migrations = []func(tx *sql.Tx) error{}

// DBFileName is the SQLite file created inside the store directory.
const DBFileName = "bgproxy.db"

// Timestamps are stored as fixed-width UTC text so they compare correctly as
// strings.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

func formatTS(t time.Time) string { return t.UTC().Format(tsLayout) }

func parseTS(s string) (time.Time, error) { return time.Parse(tsLayout, s) }

// storeRecord is one queued write: exactly one field is set.
type storeRecord struct {
	attempt *Attempt
	event   *Event
}

// LogDB stores attempt outcomes and pool events in SQLite with batched writes.
type LogDB struct {
	db      *sql.DB
	writeCh chan storeRecord
	done    chan struct{}
}

// OpenLogDB opens (or creates) the SQLite store in dir.
func OpenLogDB(dir string) (*LogDB, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	dbPath := filepath.Join(dir, DBFileName)
	db, err := openAndMigrate(dbPath)
	if err != nil {
		// Database is corrupt or has incompatible schema, rebuild.
		db, err = rebuildDatabase(dbPath)
		if err != nil {
			return nil, fmt.Errorf("rebuild store: %w", err)
		}
	}

	ldb := &LogDB{
		db:      db,
		writeCh: make(chan storeRecord, 256),
		done:    make(chan struct{}),
	}
	go ldb.flushLoop()
	return ldb, nil
}

// openAndMigrate opens the database, configures it, and runs schema migration.
func openAndMigrate(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// Set restrictive permissions - ignore error as file may not exist yet
	_ = os.Chmod(dbPath, 0600)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, err
		}
	}
	if err := migrateSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// rebuildDatabase removes the corrupt database and creates a fresh one.
func rebuildDatabase(dbPath string) (*sql.DB, error) {
	for _, suffix := range []string{"", "-wal", "-shm"} {
		_ = os.Remove(dbPath + suffix)
	}
	return openAndMigrate(dbPath)
}

// migrateSchema ensures the database is at the latest schema version.
func migrateSchema(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	version := getSchemaVersion(db)
	if version == 0 {
		return initFreshSchema(db)
	}
	if version == currentSchemaVersion {
		return nil
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, currentSchemaVersion)
	}

	for v := version; v < currentSchemaVersion; v++ {
		idx := v - 1
		if idx < 0 || idx >= len(migrations) {
			return fmt.Errorf("no migration defined for v%d → v%d", v, v+1)
		}
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration v%d→v%d: %w", v, v+1, err)
		}
		if err := migrations[idx](tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration v%d→v%d: %w", v, v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d→v%d: %w", v, v+1, err)
		}
	}

	setSchemaVersion(db, currentSchemaVersion)
	return nil
}

// initFreshSchema creates the full schema for a brand new database.
func initFreshSchema(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS attempts (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp   TEXT NOT NULL,
			request_id  TEXT NOT NULL,
			pool        TEXT NOT NULL,
			backend     TEXT NOT NULL,
			role        TEXT NOT NULL,
			outcome     TEXT NOT NULL,
			status_code INTEGER DEFAULT 0,
			latency_ms  INTEGER NOT NULL,
			error       TEXT DEFAULT ''
		)
	`); err != nil {
		return fmt.Errorf("create attempts table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp   TEXT NOT NULL,
			type        TEXT NOT NULL,
			pool        TEXT DEFAULT '',
			backend     TEXT DEFAULT '',
			next        TEXT DEFAULT '',
			reason      TEXT DEFAULT '',
			failures    INTEGER DEFAULT 0,
			request_id  TEXT DEFAULT ''
		)
	`); err != nil {
		return fmt.Errorf("create events table: %w", err)
	}

	for _, idx := range []string{
		"CREATE INDEX IF NOT EXISTS idx_attempts_timestamp ON attempts(timestamp)",
		"CREATE INDEX IF NOT EXISTS idx_attempts_backend ON attempts(backend)",
		"CREATE INDEX IF NOT EXISTS idx_attempts_request_id ON attempts(request_id)",
		"CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp)",
	} {
		if _, err := db.Exec(idx); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	setSchemaVersion(db, currentSchemaVersion)
	return nil
}

// --- Schema version helpers ---

func getSchemaVersion(db *sql.DB) int {
	var version int
	if err := db.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return 0
	}
	return version
}

func setSchemaVersion(db *sql.DB, version int) {
	// Best-effort schema version update - errors are not critical
	_, _ = db.Exec("DELETE FROM schema_version")
	_, _ = db.Exec("INSERT INTO schema_version (version) VALUES (?)", version)
}

// RecordAttempt queues an attempt for batched writing. It never blocks; when
// the queue is full the record is dropped.
func (ldb *LogDB) RecordAttempt(a Attempt) {
	ldb.enqueue(storeRecord{attempt: &a})
}

// RecordEvent queues an event for batched writing.
func (ldb *LogDB) RecordEvent(e Event) {
	ldb.enqueue(storeRecord{event: &e})
}

func (ldb *LogDB) enqueue(r storeRecord) {
	select {
	case ldb.writeCh <- r:
	default:
		// Channel full: drop entry to avoid blocking the caller.
	}
}

// Follow records every event published on bus until the returned stop func
// is called.
func (ldb *LogDB) Follow(bus *EventBus) (stop func()) {
	ch, cancel := bus.Subscribe(64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range ch {
			ldb.RecordEvent(e)
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// flushLoop collects records and flushes them periodically or when the batch is large enough.
func (ldb *LogDB) flushLoop() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	var batch []storeRecord
	for {
		select {
		case r, ok := <-ldb.writeCh:
			if !ok {
				ldb.flushBatch(batch)
				close(ldb.done)
				return
			}
			batch = append(batch, r)
			if len(batch) >= 50 {
				ldb.flushBatch(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				ldb.flushBatch(batch)
				batch = batch[:0]
			}
		}
	}
}

// flushBatch inserts a slice of records in a single transaction.
func (ldb *LogDB) flushBatch(batch []storeRecord) {
	if len(batch) == 0 {
		return
	}

	tx, err := ldb.db.Begin()
	if err != nil {
		return
	}

	attemptStmt, err := tx.Prepare(`
		INSERT INTO attempts (timestamp, request_id, pool, backend, role, outcome, status_code, latency_ms, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return
	}
	defer attemptStmt.Close()

	eventStmt, err := tx.Prepare(`
		INSERT INTO events (timestamp, type, pool, backend, next, reason, failures, request_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return
	}
	defer eventStmt.Close()

	var execErr error
	for _, r := range batch {
		switch {
		case r.attempt != nil:
			a := r.attempt
			errMsg := ""
			if a.Err != nil {
				errMsg = a.Err.Error()
			}
			_, err = attemptStmt.Exec(
				formatTS(a.Start),
				a.RequestID,
				a.Pool,
				a.Backend,
				string(a.Role),
				string(a.Outcome),
				a.StatusCode,
				a.Duration.Milliseconds(),
				errMsg,
			)
		case r.event != nil:
			e := r.event
			_, err = eventStmt.Exec(
				formatTS(e.Time),
				string(e.Type),
				e.Pool,
				e.Backend,
				e.Next,
				e.Reason,
				e.Failures,
				e.RequestID,
			)
		}
		if err != nil {
			execErr = err
		}
	}

	if execErr != nil {
		_ = tx.Rollback()
		return
	}
	_ = tx.Commit()
}

// AttemptRecord is a stored attempt.
type AttemptRecord struct {
	Timestamp  time.Time `json:"timestamp"`
	RequestID  string    `json:"request_id"`
	Pool       string    `json:"pool"`
	Backend    string    `json:"backend"`
	Role       string    `json:"role"`
	Outcome    Outcome   `json:"outcome"`
	StatusCode int       `json:"status_code,omitempty"`
	LatencyMs  int64     `json:"latency_ms"`
	Error      string    `json:"error,omitempty"`
}

// AttemptFilter narrows QueryAttempts.
type AttemptFilter struct {
	Backend      string
	RequestID    string
	Outcome      Outcome
	FailuresOnly bool
	Since        time.Time
	Limit        int
}

// QueryAttempts returns stored attempts matching the filter, newest first.
func (ldb *LogDB) QueryAttempts(filter AttemptFilter) ([]AttemptRecord, error) {
	var conditions []string
	var args []interface{}

	if filter.Backend != "" {
		conditions = append(conditions, "backend = ?")
		args = append(args, filter.Backend)
	}
	if filter.RequestID != "" {
		conditions = append(conditions, "request_id = ?")
		args = append(args, filter.RequestID)
	}
	if filter.Outcome != "" {
		conditions = append(conditions, "outcome = ?")
		args = append(args, string(filter.Outcome))
	}
	if filter.FailuresOnly {
		conditions = append(conditions, "outcome NOT IN ('success', 'canceled')")
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, formatTS(filter.Since))
	}

	query := "SELECT timestamp, request_id, pool, backend, role, outcome, status_code, latency_ms, error FROM attempts"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY timestamp DESC, id DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := ldb.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var records []AttemptRecord
	for rows.Next() {
		var r AttemptRecord
		var tsStr, outcome string
		if err := rows.Scan(&tsStr, &r.RequestID, &r.Pool, &r.Backend, &r.Role, &outcome, &r.StatusCode, &r.LatencyMs, &r.Error); err != nil {
			continue
		}
		r.Outcome = Outcome(outcome)
		if t, err := parseTS(tsStr); err == nil {
			r.Timestamp = t
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// QueryEvents returns stored events since the given time, newest first.
func (ldb *LogDB) QueryEvents(since time.Time, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := ldb.db.Query(`
		SELECT timestamp, type, pool, backend, next, reason, failures, request_id
		FROM events
		WHERE timestamp >= ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, formatTS(since), limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var tsStr, typ string
		if err := rows.Scan(&tsStr, &typ, &e.Pool, &e.Backend, &e.Next, &e.Reason, &e.Failures, &e.RequestID); err != nil {
			continue
		}
		e.Type = EventType(typ)
		if t, err := parseTS(tsStr); err == nil {
			e.Time = t
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ErrStoreClosed is returned by Close on a second call.
var ErrStoreClosed = errors.New("store already closed")

// Close stops the background writer, flushing what is queued, and closes the
// database.
func (ldb *LogDB) Close() error {
	select {
	case <-ldb.done:
		return ErrStoreClosed
	default:
	}
	close(ldb.writeCh)
	<-ldb.done
	return ldb.db.Close()
}
