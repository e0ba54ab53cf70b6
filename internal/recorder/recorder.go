// Package recorder turns classified chargeable tasks into ledger records and
// triggers the change notifications that drive aggregation.
package recorder

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/qubitops/costguard/internal/event"
	"github.com/qubitops/costguard/internal/ledger"
	"github.com/qubitops/costguard/internal/metrics"
	"github.com/qubitops/costguard/internal/notify"
	"github.com/qubitops/costguard/internal/pricing"
)

// Recorder performs the conditional ledger write and publishes change
// notifications, at least once per recorded task.
type Recorder struct {
	store      ledger.Store
	dispatcher *notify.Dispatcher
	taskTTL    time.Duration
	counters   *metrics.Counters
}

// New creates a Recorder. taskTTL maps to each record's ExpiresAt
// (RecordedAt + TTL).
func New(store ledger.Store, dispatcher *notify.Dispatcher, taskTTL time.Duration, counters *metrics.Counters) *Recorder {
	return &Recorder{
		store:      store,
		dispatcher: dispatcher,
		taskTTL:    taskTTL,
		counters:   counters,
	}
}

// Record writes the task into the ledger if absent and publishes the change
// notification. Returns whether this call inserted the record.
//
// The notification is published on the conflict path too: a previous
// invocation may have inserted the record and then failed before the
// contribution was aggregated, and upstream redelivery then arrives here.
// Republishing closes that gap; the aggregator's per-bin applied-set makes it
// a no-op when the contribution already landed.
//
// Non-conflict write failures surface as errors wrapping
// ledger.ErrWriteFailed; the event is unprocessed and the caller must let the
// delivery mechanism retry it.
func (r *Recorder) Record(ctx context.Context, task *event.ChargeableTask) (bool, error) {
	rec := ledger.TaskRecord{
		TaskID:        task.TaskID,
		OwnerIdentity: task.OwnerIdentity,
		Device:        task.Device,
		TaskType:      string(task.TaskType),
		CostNano:      task.CostNano,
		RecordedAt:    task.OccurredAt,
		ExpiresAt:     task.OccurredAt.Add(r.taskTTL),
	}
	notification := notify.ChangeNotification{
		TaskID:        rec.TaskID,
		OwnerIdentity: rec.OwnerIdentity,
		Device:        rec.Device,
		TaskType:      rec.TaskType,
		CostNano:      rec.CostNano,
		RecordedAt:    rec.RecordedAt,
	}

	res, err := r.store.ConditionalPut(ctx, rec)
	switch res {
	case ledger.PutFailed:
		return false, err
	case ledger.PutAlreadyExists:
		r.counters.DuplicateTasks.Add(1)
		log.Debug().
			Str("task_arn", rec.TaskID).
			Str("device", rec.Device).
			Msg("recorder: task already recorded, republishing contribution")
		return false, r.dispatcher.Publish(ctx, notification)
	}

	r.counters.TasksRecorded.Add(1)
	log.Info().
		Str("task_arn", rec.TaskID).
		Str("device", rec.Device).
		Str("owner_identity", rec.OwnerIdentity).
		Str("cost", pricing.FormatUSD(rec.CostNano)).
		Msg("recorder: task cost recorded")

	return true, r.dispatcher.Publish(ctx, notification)
}
