package metrics

import (
	"sync/atomic"
	"time"
)

// Counters collects operational counters for the /stats endpoint.
type Counters struct {
	startedAt time.Time

	// Ingest counters
	EventsSeen    atomic.Int64
	EventsIgnored atomic.Int64
	EventsFailed  atomic.Int64

	// Ledger counters
	TasksRecorded  atomic.Int64
	DuplicateTasks atomic.Int64

	// Aggregation counters
	ContributionsApplied atomic.Int64
	Redeliveries         atomic.Int64
	SamplesEmitted       atomic.Int64
	SampleFailures       atomic.Int64

	// Enforcement counters
	Breaches        atomic.Int64
	Clears          atomic.Int64
	PolicyAttaches  atomic.Int64
	PolicyDetaches  atomic.Int64
	ActionsFailed   atomic.Int64
	Reconciliations atomic.Int64
}

// NewCounters creates a counter set.
func NewCounters() *Counters {
	return &Counters{startedAt: time.Now()}
}

// StartedAt returns when the counter set was created.
func (c *Counters) StartedAt() time.Time { return c.startedAt }

// Stats returns current counters as a flat map.
func (c *Counters) Stats() map[string]int64 {
	return map[string]int64{
		"events_seen":           c.EventsSeen.Load(),
		"events_ignored":        c.EventsIgnored.Load(),
		"events_failed":         c.EventsFailed.Load(),
		"tasks_recorded":        c.TasksRecorded.Load(),
		"duplicate_tasks":       c.DuplicateTasks.Load(),
		"contributions_applied": c.ContributionsApplied.Load(),
		"redeliveries":          c.Redeliveries.Load(),
		"samples_emitted":       c.SamplesEmitted.Load(),
		"sample_failures":       c.SampleFailures.Load(),
		"breaches":              c.Breaches.Load(),
		"clears":                c.Clears.Load(),
		"policy_attaches":       c.PolicyAttaches.Load(),
		"policy_detaches":       c.PolicyDetaches.Load(),
		"actions_failed":        c.ActionsFailed.Load(),
		"reconciliations":       c.Reconciliations.Load(),
	}
}
