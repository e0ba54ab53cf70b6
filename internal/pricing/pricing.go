// Package pricing resolves device pricing metadata and computes task costs.
//
// DESIGN: Costs are carried as int64 nanodollars everywhere in the pipeline so
// aggregate updates are exact integer adds. Floats appear only at the edges
// (metric samples, display). The built-in catalog can be extended or overridden
// from a YAML file; lookup is exact match first, then longest device-family
// prefix, never a silent default: an unpriceable device is a hard error so the
// event is redelivered instead of recorded with a wrong cost.
package pricing

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrPricingUnavailable is returned when a device's pricing metadata cannot be
// resolved. The event must not be recorded; upstream redelivery retries it.
var ErrPricingUnavailable = errors.New("pricing unavailable")

// NanosPerDollar is the fixed-point scale for costs.
const NanosPerDollar = 1_000_000_000

// FromUSD converts a dollar amount to nanodollars. Rounded, not truncated,
// so sub-cent catalog rates convert exactly despite binary float error.
func FromUSD(usd float64) int64 {
	return int64(math.Round(usd * NanosPerDollar))
}

// USD converts nanodollars to a dollar amount for display and metric samples.
func USD(nano int64) float64 {
	return float64(nano) / NanosPerDollar
}

// FormatUSD renders nanodollars as a dollar string with minor-unit precision.
func FormatUSD(nano int64) string {
	return fmt.Sprintf("$%.2f", USD(nano))
}

// DevicePricing holds the billing rates for one device or device family.
// QPU devices bill per task plus per shot; simulators bill per minute of
// execution with a minimum billed duration.
type DevicePricing struct {
	PerTaskUSD   float64 `yaml:"per_task_usd"`
	PerShotUSD   float64 `yaml:"per_shot_usd"`
	PerMinuteUSD float64 `yaml:"per_minute_usd"`
}

// defaultCatalog maps device family prefixes to pricing. Longest prefix wins
// so a specific device entry beats its provider family entry.
var defaultCatalog = map[string]DevicePricing{
	// QPU providers
	"arn:aws:braket:::device/qpu/ionq":    {PerTaskUSD: 0.30, PerShotUSD: 0.01},
	"arn:aws:braket:::device/qpu/rigetti": {PerTaskUSD: 0.30, PerShotUSD: 0.00035},
	"arn:aws:braket:::device/qpu/oqc":     {PerTaskUSD: 0.30, PerShotUSD: 0.00035},
	"arn:aws:braket:::device/qpu/iqm":     {PerTaskUSD: 0.30, PerShotUSD: 0.00145},
	"arn:aws:braket:::device/qpu/quera":   {PerTaskUSD: 0.30, PerShotUSD: 0.01},

	// Managed simulators
	"arn:aws:braket:::device/quantum-simulator/amazon/sv1": {PerMinuteUSD: 0.075},
	"arn:aws:braket:::device/quantum-simulator/amazon/tn1": {PerMinuteUSD: 0.275},
	"arn:aws:braket:::device/quantum-simulator/amazon/dm1": {PerMinuteUSD: 0.075},
}

// MinSimulatorBilledDuration is the billing floor for simulator execution.
const MinSimulatorBilledDuration = 3 * time.Second

// Catalog resolves device ARNs to pricing metadata.
type Catalog struct {
	entries map[string]DevicePricing
}

// NewCatalog returns a catalog with the built-in rates.
func NewCatalog() *Catalog {
	entries := make(map[string]DevicePricing, len(defaultCatalog))
	for k, v := range defaultCatalog {
		entries[k] = v
	}
	return &Catalog{entries: entries}
}

// LoadCatalog reads a YAML catalog file and merges it over the built-in rates.
// File entries win on prefix collisions.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing catalog: %w", err)
	}

	var overrides map[string]DevicePricing
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("parse pricing catalog %s: %w", path, err)
	}

	c := NewCatalog()
	for k, v := range overrides {
		c.entries[k] = v
	}
	return c, nil
}

// Lookup resolves pricing for a device ARN. Exact match first, then longest
// prefix match. Returns ErrPricingUnavailable when nothing matches.
func (c *Catalog) Lookup(device string) (DevicePricing, error) {
	if p, ok := c.entries[device]; ok {
		return p, nil
	}

	bestPrefix := ""
	var bestPricing DevicePricing
	for prefix, p := range c.entries {
		if strings.HasPrefix(device, prefix) && len(prefix) > len(bestPrefix) {
			bestPrefix = prefix
			bestPricing = p
		}
	}
	if bestPrefix != "" {
		return bestPricing, nil
	}

	return DevicePricing{}, fmt.Errorf("%w: no catalog entry for device %s", ErrPricingUnavailable, device)
}

// QPUTaskCost computes the cost of a QPU task in nanodollars.
func (c *Catalog) QPUTaskCost(device string, shots int64) (int64, error) {
	p, err := c.Lookup(device)
	if err != nil {
		return 0, err
	}
	if p.PerTaskUSD == 0 && p.PerShotUSD == 0 {
		return 0, fmt.Errorf("%w: device %s has no QPU rates", ErrPricingUnavailable, device)
	}
	return FromUSD(p.PerTaskUSD) + shots*FromUSD(p.PerShotUSD), nil
}

// SimulatorTaskCost computes the cost of a simulator task in nanodollars.
// Execution shorter than the billing floor is billed at the floor.
func (c *Catalog) SimulatorTaskCost(device string, execution time.Duration) (int64, error) {
	p, err := c.Lookup(device)
	if err != nil {
		return 0, err
	}
	if p.PerMinuteUSD == 0 {
		return 0, fmt.Errorf("%w: device %s has no simulator rate", ErrPricingUnavailable, device)
	}
	billed := execution
	if billed < MinSimulatorBilledDuration {
		billed = MinSimulatorBilledDuration
	}
	return FromUSD(p.PerMinuteUSD) * billed.Milliseconds() / time.Minute.Milliseconds(), nil
}
