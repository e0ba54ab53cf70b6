// Package pipeline wires the classifier, recorder, notifier and aggregator
// into the event-processing path.
//
// DESIGN: One ProcessEvent call is one invocation: classify, conditionally
// record, and propagate the change notification synchronously. Every failure
// mode leaves the event safe to redeliver: non-chargeable events drop for
// good, duplicates hit the ledger conflict, and unprocessed events surface an
// error for the delivery mechanism to retry.
package pipeline

import (
	"context"
	"errors"

	"github.com/qubitops/costguard/internal/event"
	"github.com/qubitops/costguard/internal/metrics"
	"github.com/qubitops/costguard/internal/recorder"
)

// Outcome classifies what ProcessEvent did with an event.
type Outcome string

const (
	// OutcomeRecorded: a new task record was written and aggregated.
	OutcomeRecorded Outcome = "recorded"
	// OutcomeDuplicate: the task was already recorded; nothing changed.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeIgnored: the event is not a chargeable transition.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeFailed: the event is unprocessed and must be redelivered.
	OutcomeFailed Outcome = "failed"
)

// Pipeline processes raw lifecycle events end to end.
type Pipeline struct {
	classifier *event.Classifier
	recorder   *recorder.Recorder
	counters   *metrics.Counters
}

// New wires a pipeline.
func New(classifier *event.Classifier, rec *recorder.Recorder, counters *metrics.Counters) *Pipeline {
	return &Pipeline{
		classifier: classifier,
		recorder:   rec,
		counters:   counters,
	}
}

// ProcessEvent handles one raw event. The returned error is non-nil exactly
// when the outcome is OutcomeFailed.
func (p *Pipeline) ProcessEvent(ctx context.Context, raw []byte) (Outcome, error) {
	p.counters.EventsSeen.Add(1)

	ev, err := event.Parse(raw)
	if err != nil {
		// Malformed payloads can never become processable; dropping is safe.
		if errors.Is(err, event.ErrMalformedEvent) {
			p.counters.EventsIgnored.Add(1)
			return OutcomeIgnored, nil
		}
		p.counters.EventsFailed.Add(1)
		return OutcomeFailed, err
	}

	task, err := p.classifier.Classify(ev)
	if err != nil {
		// Includes pricing.ErrPricingUnavailable: unprocessed, redeliver.
		p.counters.EventsFailed.Add(1)
		return OutcomeFailed, err
	}
	if task == nil {
		p.counters.EventsIgnored.Add(1)
		return OutcomeIgnored, nil
	}

	inserted, err := p.recorder.Record(ctx, task)
	if err != nil {
		p.counters.EventsFailed.Add(1)
		return OutcomeFailed, err
	}
	if !inserted {
		return OutcomeDuplicate, nil
	}
	return OutcomeRecorded, nil
}
