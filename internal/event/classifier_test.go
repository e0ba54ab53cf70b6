package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/sjson"

	"github.com/qubitops/costguard/internal/pricing"
)

const (
	ionqDevice = "arn:aws:braket:::device/qpu/ionq/ionQdevice"
	sv1Device  = "arn:aws:braket:::device/quantum-simulator/amazon/sv1"
)

func rawEvent(t *testing.T, fields map[string]any) []byte {
	t.Helper()
	raw := `{}`
	var err error
	for k, v := range fields {
		raw, err = sjson.Set(raw, k, v)
		require.NoError(t, err)
	}
	return []byte(raw)
}

func TestParse(t *testing.T) {
	raw := rawEvent(t, map[string]any{
		"detailType":    "Braket Task State Change",
		"taskId":        "arn:aws:braket:us-east-1:111122223333:quantum-task/t1",
		"device":        ionqDevice,
		"status":        "RUNNING",
		"timestamp":     "2026-08-14T10:30:00Z",
		"ownerIdentity": "arn:aws:iam::111122223333:user/alice",
		"shots":         220,
	})

	ev, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, ev.Status)
	assert.Equal(t, DeviceQPU, ev.DeviceType) // derived from the device ARN
	assert.Equal(t, int64(220), ev.Shots)
	assert.Equal(t, time.Date(2026, 8, 14, 10, 30, 0, 0, time.UTC), ev.Timestamp)
}

func TestParse_ExplicitDeviceTypeWins(t *testing.T) {
	raw := rawEvent(t, map[string]any{
		"taskId":     "t1",
		"device":     "arn:aws:braket:::device/qpu/ionq/ionQdevice",
		"deviceType": "simulator",
		"status":     "COMPLETED",
	})

	ev, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, DeviceSimulator, ev.DeviceType)
}

func TestParse_Malformed(t *testing.T) {
	cases := []struct {
		name string
		raw  []byte
	}{
		{"invalid json", []byte(`{not json`)},
		{"missing taskId", []byte(`{"device":"d","status":"RUNNING"}`)},
		{"missing device", []byte(`{"taskId":"t1","status":"RUNNING"}`)},
		{"bad timestamp", []byte(`{"taskId":"t1","device":"d","timestamp":"yesterday"}`)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.raw)
			assert.ErrorIs(t, err, ErrMalformedEvent)
		})
	}
}

func TestClassify_ChargeableMatrix(t *testing.T) {
	c := NewClassifier(pricing.NewCatalog())

	cases := []struct {
		name       string
		deviceType DeviceType
		device     string
		status     Status
		chargeable bool
	}{
		{"qpu running", DeviceQPU, ionqDevice, StatusRunning, true},
		{"qpu completed", DeviceQPU, ionqDevice, StatusCompleted, false},
		{"qpu created", DeviceQPU, ionqDevice, StatusCreated, false},
		{"qpu queued", DeviceQPU, ionqDevice, StatusQueued, false},
		{"qpu cancelled", DeviceQPU, ionqDevice, StatusCancelled, false},
		{"qpu failed", DeviceQPU, ionqDevice, StatusFailed, false},
		{"simulator completed", DeviceSimulator, sv1Device, StatusCompleted, true},
		{"simulator running", DeviceSimulator, sv1Device, StatusRunning, false},
		{"simulator cancelled", DeviceSimulator, sv1Device, StatusCancelled, false},
		{"unknown device type", "", ionqDevice, StatusRunning, false},
		{"unknown status", DeviceQPU, ionqDevice, Status("SOMETHING_NEW"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			task, err := c.Classify(LifecycleEvent{
				TaskID:     "t1",
				Device:     tc.device,
				DeviceType: tc.deviceType,
				Status:     tc.status,
				Shots:      100,
			})
			require.NoError(t, err)
			if tc.chargeable {
				require.NotNil(t, task)
				assert.Positive(t, task.CostNano)
			} else {
				assert.Nil(t, task)
			}
		})
	}
}

func TestClassify_QPUCost(t *testing.T) {
	c := NewClassifier(pricing.NewCatalog())
	occurred := time.Date(2026, 8, 14, 10, 30, 0, 0, time.UTC)

	task, err := c.Classify(LifecycleEvent{
		TaskID:        "t1",
		OwnerIdentity: "arn:aws:iam::111122223333:user/alice",
		Device:        ionqDevice,
		DeviceType:    DeviceQPU,
		Status:        StatusRunning,
		Shots:         220,
		Timestamp:     occurred,
	})
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, pricing.FromUSD(2.50), task.CostNano)
	assert.Equal(t, DeviceQPU, task.TaskType)
	assert.Equal(t, occurred, task.OccurredAt)
}

func TestClassify_PricingUnavailable(t *testing.T) {
	c := NewClassifier(pricing.NewCatalog())

	_, err := c.Classify(LifecycleEvent{
		TaskID:     "t1",
		Device:     "arn:aws:braket:::device/qpu/unknown-vendor/xyz",
		DeviceType: DeviceQPU,
		Status:     StatusRunning,
	})
	assert.ErrorIs(t, err, pricing.ErrPricingUnavailable)
}
