package aggregator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrUpdateFailed marks a transient aggregate store failure. Safe to retry via
// notification redelivery: applied contributions are remembered per bin.
var ErrUpdateFailed = errors.New("aggregate update failed")

// Totals is a point-in-time view of one aggregate bin.
type Totals struct {
	Bin           string
	TotalCostNano int64
	TaskCount     int64
	LastUpdatedAt time.Time
}

// Store persists aggregate bins with idempotent, atomic contribution applies.
type Store interface {
	// Apply credits the task's cost to the bin unless this task was already
	// applied to it. Returns the bin totals after the call and whether this
	// call changed them.
	Apply(ctx context.Context, bin, taskID string, costNano int64, at time.Time) (applied bool, totals Totals, err error)

	// Totals reads current totals for a bin. A bin that never received a
	// contribution reads as zero.
	Totals(ctx context.Context, bin string) (Totals, error)

	Close() error
}

const aggregateSchema = `
CREATE TABLE IF NOT EXISTS aggregates (
	bin             TEXT PRIMARY KEY,
	total_cost_nano INTEGER NOT NULL DEFAULT 0 CHECK (total_cost_nano >= 0),
	task_count      INTEGER NOT NULL DEFAULT 0 CHECK (task_count >= 0),
	last_updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS applied_contributions (
	bin        TEXT NOT NULL,
	task_id    TEXT NOT NULL,
	applied_at TEXT NOT NULL,
	PRIMARY KEY (bin, task_id)
);
`

// SQLiteStore is the SQLite-backed aggregate store. It shares the database
// handle with the task ledger.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore migrates the aggregate schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(aggregateSchema); err != nil {
		return nil, fmt.Errorf("migrate aggregate schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Apply runs one transaction per (bin, task): the applied-set insert decides
// idempotence, the aggregate upsert is an atomic in-database add. Redelivery
// of an already-applied task leaves the totals untouched.
func (s *SQLiteStore) Apply(ctx context.Context, bin, taskID string, costNano int64, at time.Time) (bool, Totals, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, Totals{}, fmt.Errorf("%w: %v", ErrUpdateFailed, err)
	}
	defer func() { _ = tx.Rollback() }()

	now := at.UTC().Format(time.RFC3339Nano)

	res, err := tx.ExecContext(ctx, `
		INSERT INTO applied_contributions (bin, task_id, applied_at)
		VALUES (?, ?, ?)
		ON CONFLICT(bin, task_id) DO NOTHING`,
		bin, taskID, now,
	)
	if err != nil {
		return false, Totals{}, fmt.Errorf("%w: %v", ErrUpdateFailed, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, Totals{}, fmt.Errorf("%w: %v", ErrUpdateFailed, err)
	}

	if n == 0 {
		// Already applied: read-only path, nothing to commit
		totals, err := s.totalsTx(ctx, tx, bin)
		if err != nil {
			return false, Totals{}, err
		}
		return false, totals, nil
	}

	row := tx.QueryRowContext(ctx, `
		INSERT INTO aggregates (bin, total_cost_nano, task_count, last_updated_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(bin) DO UPDATE SET
			total_cost_nano = total_cost_nano + excluded.total_cost_nano,
			task_count      = task_count + 1,
			last_updated_at = excluded.last_updated_at
		RETURNING total_cost_nano, task_count, last_updated_at`,
		bin, costNano, now,
	)
	totals, err := scanTotals(row, bin)
	if err != nil {
		return false, Totals{}, fmt.Errorf("%w: %v", ErrUpdateFailed, err)
	}

	if err := tx.Commit(); err != nil {
		return false, Totals{}, fmt.Errorf("%w: %v", ErrUpdateFailed, err)
	}
	return true, totals, nil
}

// Totals implements Store.
func (s *SQLiteStore) Totals(ctx context.Context, bin string) (Totals, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT total_cost_nano, task_count, last_updated_at
		FROM aggregates WHERE bin = ?`, bin)
	totals, err := scanTotals(row, bin)
	if errors.Is(err, sql.ErrNoRows) {
		return Totals{Bin: bin}, nil
	}
	if err != nil {
		return Totals{}, fmt.Errorf("read aggregate %s: %w", bin, err)
	}
	return totals, nil
}

// Close is a no-op; the shared database handle is closed by its owner.
func (s *SQLiteStore) Close() error { return nil }

func (s *SQLiteStore) totalsTx(ctx context.Context, tx *sql.Tx, bin string) (Totals, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT total_cost_nano, task_count, last_updated_at
		FROM aggregates WHERE bin = ?`, bin)
	totals, err := scanTotals(row, bin)
	if errors.Is(err, sql.ErrNoRows) {
		return Totals{Bin: bin}, nil
	}
	if err != nil {
		return Totals{}, fmt.Errorf("%w: %v", ErrUpdateFailed, err)
	}
	return totals, nil
}

func scanTotals(row *sql.Row, bin string) (Totals, error) {
	var t Totals
	var updatedAt string
	if err := row.Scan(&t.TotalCostNano, &t.TaskCount, &updatedAt); err != nil {
		return Totals{}, err
	}
	t.Bin = bin
	parsed, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return Totals{}, err
	}
	t.LastUpdatedAt = parsed
	return t, nil
}
