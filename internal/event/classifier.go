package event

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/qubitops/costguard/internal/pricing"
)

// ChargeableTask is a priced cost-incurring state transition, ready to record.
type ChargeableTask struct {
	TaskID        string
	OwnerIdentity string
	Device        string
	TaskType      DeviceType
	CostNano      int64
	OccurredAt    time.Time
}

// Classifier decides whether a lifecycle event is chargeable and prices it.
type Classifier struct {
	catalog *pricing.Catalog
}

// NewClassifier creates a classifier backed by the given pricing catalog.
func NewClassifier(catalog *pricing.Catalog) *Classifier {
	return &Classifier{catalog: catalog}
}

// Classify returns the priced chargeable task for an event, or nil when the
// transition is not chargeable. A QPU task incurs cost when it starts RUNNING;
// a simulator task when it reaches COMPLETED. Everything else is dropped
// without side effects.
//
// Pricing failures wrap pricing.ErrPricingUnavailable; the caller must leave
// the event to upstream redelivery; no retry happens here.
func (c *Classifier) Classify(ev LifecycleEvent) (*ChargeableTask, error) {
	if !chargeable(ev) {
		log.Debug().
			Str("task_arn", ev.TaskID).
			Str("status", string(ev.Status)).
			Str("device_type", string(ev.DeviceType)).
			Msg("classifier: not chargeable")
		return nil, nil
	}

	var costNano int64
	var err error
	switch ev.DeviceType {
	case DeviceQPU:
		costNano, err = c.catalog.QPUTaskCost(ev.Device, ev.Shots)
	case DeviceSimulator:
		costNano, err = c.catalog.SimulatorTaskCost(ev.Device, ev.ExecutionDuration)
	}
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("task_arn", ev.TaskID).
		Str("device", ev.Device).
		Str("cost", pricing.FormatUSD(costNano)).
		Msg("classifier: priced chargeable task")

	return &ChargeableTask{
		TaskID:        ev.TaskID,
		OwnerIdentity: ev.OwnerIdentity,
		Device:        ev.Device,
		TaskType:      ev.DeviceType,
		CostNano:      costNano,
		OccurredAt:    ev.Timestamp,
	}, nil
}

// chargeable is the single policy point for cost-incurring transitions.
func chargeable(ev LifecycleEvent) bool {
	switch ev.DeviceType {
	case DeviceQPU:
		return ev.Status == StatusRunning
	case DeviceSimulator:
		return ev.Status == StatusCompleted
	}
	return false
}
