// Package ledger is the durable, deduplicated store of task cost records.
//
// DESIGN: One immutable record per task, keyed by task ARN. The conditional
// insert is the system's sole deduplication boundary: every downstream
// consumer branches on its tri-state result, never on re-reading state.
// Records expire after their TTL; expired rows are invisible to reads and
// removed by a background sweep.
package ledger

import (
	"context"
	"errors"
	"time"
)

// ErrWriteFailed marks a ledger write that failed for a reason other than a
// key conflict. The event is unprocessed and must be retried by the caller.
var ErrWriteFailed = errors.New("ledger write failed")

// TaskRecord is the one-per-task cost record. Immutable once written.
type TaskRecord struct {
	TaskID        string
	OwnerIdentity string
	Device        string
	TaskType      string
	CostNano      int64
	RecordedAt    time.Time
	ExpiresAt     time.Time
}

// PutResult is the tri-state outcome of a conditional insert.
type PutResult int

const (
	// PutInserted: the record was written; this is the unique trigger for
	// downstream aggregation.
	PutInserted PutResult = iota
	// PutAlreadyExists: a record with this task id exists. Expected under
	// duplicate delivery; not an error and never re-triggers aggregation.
	PutAlreadyExists
	// PutFailed: the write failed for infrastructure reasons; retry.
	PutFailed
)

// Store is the Task Ledger interface.
type Store interface {
	// ConditionalPut inserts the record only if no record with the same
	// TaskID exists. Returns PutFailed together with an error wrapping
	// ErrWriteFailed on non-conflict failures.
	ConditionalPut(ctx context.Context, rec TaskRecord) (PutResult, error)

	// Get returns the record for a task id, or nil if absent or expired.
	Get(ctx context.Context, taskID string) (*TaskRecord, error)

	Close() error
}
