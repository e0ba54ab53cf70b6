package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	task_id        TEXT PRIMARY KEY,
	owner_identity TEXT NOT NULL,
	device         TEXT NOT NULL,
	task_type      TEXT NOT NULL,
	cost_nano      INTEGER NOT NULL CHECK (cost_nano >= 0),
	recorded_at    TEXT NOT NULL,
	expires_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_expires ON tasks(expires_at);
`

// OpenDB opens the costguard SQLite database with WAL and a busy timeout.
// Ledger and aggregate stores share the returned handle.
func OpenDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY churn under concurrent writers.
	db.SetMaxOpenConns(1)
	return db, nil
}

// SQLiteStore is the SQLite-backed Task Ledger.
type SQLiteStore struct {
	db   *sql.DB
	stop chan struct{}
	done chan struct{}
}

// NewSQLiteStore migrates the tasks schema and starts the expiry sweep.
func NewSQLiteStore(db *sql.DB, sweepInterval time.Duration) (*SQLiteStore, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate tasks schema: %w", err)
	}
	s := &SQLiteStore{
		db:   db,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go s.sweep(sweepInterval)
	return s, nil
}

// ConditionalPut implements the insert-if-absent dedup write.
func (s *SQLiteStore) ConditionalPut(ctx context.Context, rec TaskRecord) (PutResult, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (task_id, owner_identity, device, task_type, cost_nano, recorded_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO NOTHING`,
		rec.TaskID, rec.OwnerIdentity, rec.Device, rec.TaskType, rec.CostNano,
		rec.RecordedAt.UTC().Format(time.RFC3339Nano),
		rec.ExpiresAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return PutFailed, fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return PutFailed, fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	if n == 0 {
		return PutAlreadyExists, nil
	}
	return PutInserted, nil
}

// Get returns the record for a task id. Expired records read as absent even
// before the sweep physically deletes them.
func (s *SQLiteStore) Get(ctx context.Context, taskID string) (*TaskRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT task_id, owner_identity, device, task_type, cost_nano, recorded_at, expires_at
		FROM tasks WHERE task_id = ? AND expires_at > ?`,
		taskID, time.Now().UTC().Format(time.RFC3339Nano),
	)

	var rec TaskRecord
	var recordedAt, expiresAt string
	err := row.Scan(&rec.TaskID, &rec.OwnerIdentity, &rec.Device, &rec.TaskType,
		&rec.CostNano, &recordedAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read task %s: %w", taskID, err)
	}
	if rec.RecordedAt, err = time.Parse(time.RFC3339Nano, recordedAt); err != nil {
		return nil, fmt.Errorf("read task %s: %w", taskID, err)
	}
	if rec.ExpiresAt, err = time.Parse(time.RFC3339Nano, expiresAt); err != nil {
		return nil, fmt.Errorf("read task %s: %w", taskID, err)
	}
	return &rec, nil
}

// Close stops the sweep goroutine. The shared database handle is closed by
// the owner that opened it.
func (s *SQLiteStore) Close() error {
	close(s.stop)
	<-s.done
	return nil
}

// sweep deletes expired task records on a ticker. Aggregates already credited
// by these records are untouched.
func (s *SQLiteStore) sweep(interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			res, err := s.db.Exec(`DELETE FROM tasks WHERE expires_at <= ?`,
				time.Now().UTC().Format(time.RFC3339Nano))
			if err != nil {
				log.Warn().Err(err).Msg("ledger: expiry sweep failed")
				continue
			}
			if n, _ := res.RowsAffected(); n > 0 {
				log.Debug().Int64("expired", n).Msg("ledger: swept expired task records")
			}
		}
	}
}
