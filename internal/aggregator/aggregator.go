// Package aggregator maintains monotonically-growing cost totals per
// aggregation bin and publishes point-in-time metric samples.
//
// DESIGN: The change notifier delivers at-least-once, so applyContribution is
// idempotent by construction: each bin keeps an applied-set of task ids and a
// redelivered contribution credits nothing. Each bin updates independently
// with an atomic in-database add, so contributions from different tasks to the
// same bin commute and nothing needs a cross-bin lock. Metric emission happens
// after the authoritative update and is best-effort.
package aggregator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/qubitops/costguard/internal/metrics"
	"github.com/qubitops/costguard/internal/notify"
	"github.com/qubitops/costguard/internal/pricing"
)

// AllTimeBin is the sentinel bin key for the running all-time total.
const AllTimeBin = "ALL"

// MonthKey formats a time as the monthly period key.
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// IdentityBin is the monthly bin for one owning identity.
func IdentityBin(month, identity string) string {
	return month + "#" + identity
}

// DeviceBin is the monthly bin for one device.
func DeviceBin(month, device string) string {
	return month + "#" + device
}

// Observer is notified with fresh bin totals after each applied contribution.
// The threshold watchers hang off this hook.
type Observer interface {
	ObserveBin(ctx context.Context, bin string, totalCostNano int64)
}

// Aggregator applies change notifications to the aggregate store.
type Aggregator struct {
	store    Store
	sink     metrics.Sink
	counters *metrics.Counters
	observer Observer // may be nil
}

// New creates an Aggregator. observer may be nil.
func New(store Store, sink metrics.Sink, counters *metrics.Counters, observer Observer) *Aggregator {
	return &Aggregator{
		store:    store,
		sink:     sink,
		counters: counters,
		observer: observer,
	}
}

// ApplyContribution credits the task's cost to its four bins: the all-time
// bin, the plain month bin, the month-identity bin and the month-device bin.
// Idempotent per task id; partial application is safe because each bin has
// its own applied-set, so a redelivery completes only the missing bins.
func (a *Aggregator) ApplyContribution(ctx context.Context, n notify.ChangeNotification) error {
	month := MonthKey(n.RecordedAt)
	bins := []string{
		AllTimeBin,
		month,
		IdentityBin(month, n.OwnerIdentity),
		DeviceBin(month, n.Device),
	}

	results := make(map[string]Totals, len(bins))
	anyApplied := false
	for _, bin := range bins {
		applied, totals, err := a.store.Apply(ctx, bin, n.TaskID, n.CostNano, n.RecordedAt)
		if err != nil {
			return fmt.Errorf("apply contribution for task %s to bin %s: %w", n.TaskID, bin, err)
		}
		anyApplied = anyApplied || applied
		results[bin] = totals
	}

	if !anyApplied {
		log.Debug().
			Str("task_arn", n.TaskID).
			Msg("aggregator: contribution already applied, redelivery ignored")
		return nil
	}

	a.counters.ContributionsApplied.Add(1)
	log.Info().
		Str("task_arn", n.TaskID).
		Str("month", month).
		Str("task_cost", pricing.FormatUSD(n.CostNano)).
		Str("month_total", pricing.FormatUSD(results[month].TotalCostNano)).
		Str("all_time_total", pricing.FormatUSD(results[AllTimeBin].TotalCostNano)).
		Msg("aggregator: cost aggregated")

	a.emitSamples(ctx, n, month, results)

	if a.observer != nil {
		for _, bin := range bins {
			a.observer.ObserveBin(ctx, bin, results[bin].TotalCostNano)
		}
	}
	return nil
}

// Totals exposes current totals for a bin.
func (a *Aggregator) Totals(ctx context.Context, bin string) (Totals, error) {
	return a.store.Totals(ctx, bin)
}

// emitSamples publishes metric samples for the contribution. Failures are
// logged and dropped: the stored totals are authoritative, samples are not.
func (a *Aggregator) emitSamples(ctx context.Context, n notify.ChangeNotification, month string, results map[string]Totals) {
	identityBin := IdentityBin(month, n.OwnerIdentity)
	deviceBin := DeviceBin(month, n.Device)
	ts := n.RecordedAt

	samples := []metrics.Sample{
		{
			Name:  metrics.MetricTaskCost,
			Value: pricing.USD(n.CostNano),
			Dimensions: map[string]string{
				metrics.DimOwnerIdentity: n.OwnerIdentity,
				metrics.DimDevice:        n.Device,
			},
			Timestamp: ts,
		},
		{
			Name:       metrics.MetricMonthlyCost,
			Value:      pricing.USD(results[month].TotalCostNano),
			Dimensions: map[string]string{metrics.DimPeriod: month},
			Timestamp:  ts,
		},
		{
			Name:  metrics.MetricMonthlyCost,
			Value: pricing.USD(results[identityBin].TotalCostNano),
			Dimensions: map[string]string{
				metrics.DimPeriod:        month,
				metrics.DimOwnerIdentity: n.OwnerIdentity,
			},
			Timestamp: ts,
		},
		{
			Name:  metrics.MetricMonthlyCost,
			Value: pricing.USD(results[deviceBin].TotalCostNano),
			Dimensions: map[string]string{
				metrics.DimPeriod: month,
				metrics.DimDevice: n.Device,
			},
			Timestamp: ts,
		},
		{
			Name:      metrics.MetricAllTimeCost,
			Value:     pricing.USD(results[AllTimeBin].TotalCostNano),
			Timestamp: ts,
		},
		{
			Name:      metrics.MetricTaskCount,
			Value:     float64(results[AllTimeBin].TaskCount),
			Timestamp: ts,
		},
	}

	if err := a.sink.Emit(ctx, samples); err != nil {
		a.counters.SampleFailures.Add(1)
		log.Warn().Err(err).
			Str("task_arn", n.TaskID).
			Msg("aggregator: metric emission failed, totals remain authoritative")
		return
	}
	a.counters.SamplesEmitted.Add(int64(len(samples)))
}
