// Package event parses raw task-lifecycle events and classifies chargeable
// state transitions.
//
// DESIGN: The inbound stream is duplicate-prone and out of order, so nothing
// here has side effects. Parsing tolerates unknown fields and unknown status
// values; classification either yields a priced chargeable task or nothing.
// Deduplication happens downstream at the ledger write.
package event

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// ErrMalformedEvent is returned for events missing required fields.
var ErrMalformedEvent = errors.New("malformed event")

// DeviceType identifies the execution target class of a task.
type DeviceType string

const (
	DeviceQPU       DeviceType = "QPU"
	DeviceSimulator DeviceType = "SIMULATOR"
)

// Status is a task lifecycle status. Unrecognized values are carried through
// and simply never classify as chargeable.
type Status string

const (
	StatusCreated     Status = "CREATED"
	StatusInitialized Status = "INITIALIZED"
	StatusQueued      Status = "QUEUED"
	StatusRunning     Status = "RUNNING"
	StatusCompleted   Status = "COMPLETED"
	StatusCancelled   Status = "CANCELLED"
	StatusFailed      Status = "FAILED"
)

// LifecycleEvent is one raw task state transition from the event source.
type LifecycleEvent struct {
	DetailType        string
	TaskID            string
	DeviceType        DeviceType
	Device            string
	Status            Status
	Timestamp         time.Time
	OwnerIdentity     string
	Shots             int64
	ExecutionDuration time.Duration
}

// Parse decodes a raw JSON lifecycle event.
//
// The payload shape varies by source, so fields are extracted individually
// rather than unmarshalled into a rigid struct. deviceType may be given
// explicitly or derived from the device ARN's resource segment.
func Parse(raw []byte) (LifecycleEvent, error) {
	if !gjson.ValidBytes(raw) {
		return LifecycleEvent{}, fmt.Errorf("%w: invalid JSON", ErrMalformedEvent)
	}

	ev := LifecycleEvent{
		DetailType:    gjson.GetBytes(raw, "detailType").String(),
		TaskID:        gjson.GetBytes(raw, "taskId").String(),
		Device:        gjson.GetBytes(raw, "device").String(),
		Status:        Status(strings.ToUpper(gjson.GetBytes(raw, "status").String())),
		OwnerIdentity: gjson.GetBytes(raw, "ownerIdentity").String(),
		Shots:         gjson.GetBytes(raw, "shots").Int(),
	}

	if ev.TaskID == "" {
		return LifecycleEvent{}, fmt.Errorf("%w: missing taskId", ErrMalformedEvent)
	}
	if ev.Device == "" {
		return LifecycleEvent{}, fmt.Errorf("%w: missing device", ErrMalformedEvent)
	}

	if ts := gjson.GetBytes(raw, "timestamp").String(); ts != "" {
		t, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return LifecycleEvent{}, fmt.Errorf("%w: bad timestamp %q", ErrMalformedEvent, ts)
		}
		ev.Timestamp = t.UTC()
	} else {
		ev.Timestamp = time.Now().UTC()
	}

	if dt := gjson.GetBytes(raw, "deviceType").String(); dt != "" {
		ev.DeviceType = DeviceType(strings.ToUpper(dt))
	} else {
		ev.DeviceType = deviceTypeFromARN(ev.Device)
	}

	if ms := gjson.GetBytes(raw, "executionDurationMs"); ms.Exists() {
		ev.ExecutionDuration = time.Duration(ms.Int()) * time.Millisecond
	}

	return ev, nil
}

// deviceTypeFromARN derives the device class from the ARN resource path,
// e.g. arn:aws:braket:::device/qpu/ionq/ionQdevice.
func deviceTypeFromARN(arn string) DeviceType {
	parts := strings.Split(arn, "/")
	if len(parts) < 2 {
		return ""
	}
	switch parts[1] {
	case "qpu":
		return DeviceQPU
	case "quantum-simulator":
		return DeviceSimulator
	}
	return ""
}
