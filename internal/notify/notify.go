// Package notify carries change notifications from ledger insertions to the
// aggregator.
//
// DESIGN: The transport contract is at-least-once. A notification is produced
// for every delivery of a recorded task's event, including conflicts, so an
// aggregation failure after the insert heals on the next redelivery; the
// handler must be idempotent. The dispatcher delivers synchronously within
// the triggering invocation and redelivers with exponential backoff on
// transient handler failures.
package notify

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ChangeNotification describes one newly recorded task.
type ChangeNotification struct {
	ID            string
	TaskID        string
	OwnerIdentity string
	Device        string
	TaskType      string
	CostNano      int64
	RecordedAt    time.Time
}

// Handler consumes change notifications. ApplyContribution must be idempotent
// per TaskID: redelivery of the same notification must change nothing.
type Handler interface {
	ApplyContribution(ctx context.Context, n ChangeNotification) error
}

// Dispatcher delivers notifications to a single handler with bounded
// redelivery.
type Dispatcher struct {
	handler       Handler
	maxRedeliver  uint64
	initialPause  time.Duration
	onRedelivered func()
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMaxRedeliveries bounds retry attempts after the first delivery.
func WithMaxRedeliveries(n uint64) Option {
	return func(d *Dispatcher) { d.maxRedeliver = n }
}

// WithInitialPause sets the first backoff interval.
func WithInitialPause(p time.Duration) Option {
	return func(d *Dispatcher) { d.initialPause = p }
}

// WithRedeliveryHook registers a callback invoked on every redelivery attempt.
func WithRedeliveryHook(fn func()) Option {
	return func(d *Dispatcher) { d.onRedelivered = fn }
}

// NewDispatcher creates a dispatcher for the given handler.
func NewDispatcher(h Handler, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		handler:      h,
		maxRedeliver: 3,
		initialPause: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Publish assigns the notification an id and delivers it. On handler failure
// it redelivers up to the configured bound; the final error is returned so
// the triggering invocation itself can be redelivered, which is safe because
// the handler is idempotent.
func (d *Dispatcher) Publish(ctx context.Context, n ChangeNotification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}

	attempt := 0
	op := func() error {
		if attempt > 0 {
			if d.onRedelivered != nil {
				d.onRedelivered()
			}
			log.Debug().
				Str("notification_id", n.ID).
				Str("task_arn", n.TaskID).
				Int("attempt", attempt).
				Msg("notify: redelivering change notification")
		}
		attempt++
		return d.handler.ApplyContribution(ctx, n)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.initialPause
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, d.maxRedeliver), ctx)

	if err := backoff.Retry(op, policy); err != nil {
		log.Error().Err(err).
			Str("notification_id", n.ID).
			Str("task_arn", n.TaskID).
			Msg("notify: delivery failed after redeliveries")
		return err
	}
	return nil
}
