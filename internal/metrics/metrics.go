// Package metrics defines point-in-time metric samples and the sinks they are
// pushed to.
//
// DESIGN: Metric emission is best-effort. Aggregate totals in the store are
// authoritative; a sink failure is logged and never rolls back or blocks the
// pipeline. Sinks are pluggable: a JSONL file sink for local operation and a
// CloudWatch adapter for AWS deployments.
package metrics

import (
	"context"
	"time"
)

// Metric names emitted by the aggregator.
const (
	MetricTaskCost    = "TaskCost"
	MetricMonthlyCost = "MonthlyCost"
	MetricAllTimeCost = "AllTimeCost"
	MetricTaskCount   = "TaskCount"
)

// Dimension keys.
const (
	DimOwnerIdentity = "OwnerIdentity"
	DimDevice        = "Device"
	DimPeriod        = "Period"
)

// Sample is one point-in-time metric observation.
type Sample struct {
	Name       string            `json:"metric_name"`
	Value      float64           `json:"value"`
	Dimensions map[string]string `json:"dimensions,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Sink receives metric samples. Implementations must be safe for concurrent use.
type Sink interface {
	Emit(ctx context.Context, samples []Sample) error
}

// NopSink discards all samples.
type NopSink struct{}

func (NopSink) Emit(context.Context, []Sample) error { return nil }

// MultiSink fans samples out to several sinks. The first error is returned
// after all sinks were attempted.
type MultiSink []Sink

func (m MultiSink) Emit(ctx context.Context, samples []Sample) error {
	var firstErr error
	for _, s := range m {
		if err := s.Emit(ctx, samples); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
