package watcher

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qubitops/costguard/internal/pricing"
)

type captureHandler struct {
	signals []Signal
}

func (h *captureHandler) HandleSignal(_ context.Context, sig Signal) error {
	h.signals = append(h.signals, sig)
	return nil
}

func TestObserveBin_EdgeTriggered(t *testing.T) {
	h := &captureHandler{}
	w := NewThresholdWatcher("monthly-limit", ScopeMonthly, pricing.FromUSD(100), []string{"alice"}, h)
	ctx := context.Background()

	// Below the limit: no signal
	w.ObserveBin(ctx, "2026-08", pricing.FromUSD(50))
	assert.Empty(t, h.signals)

	// Crossing above: one BREACH
	w.ObserveBin(ctx, "2026-08", pricing.FromUSD(150))
	require.Len(t, h.signals, 1)
	assert.Equal(t, StateBreach, h.signals[0].NewState)
	assert.Equal(t, []string{"alice"}, h.signals[0].IdentityScope)

	// Still above: no duplicate edge
	w.ObserveBin(ctx, "2026-08", pricing.FromUSD(160))
	w.ObserveBin(ctx, "2026-08", pricing.FromUSD(170))
	assert.Len(t, h.signals, 1)
}

func TestObserveBin_MonthRolloverClears(t *testing.T) {
	h := &captureHandler{}
	w := NewThresholdWatcher("monthly-limit", ScopeMonthly, pricing.FromUSD(100), nil, h)
	ctx := context.Background()

	w.ObserveBin(ctx, "2026-08", pricing.FromUSD(150))
	require.Len(t, h.signals, 1)

	// New month starts from zero: watcher clears
	w.ObserveBin(ctx, "2026-09", pricing.FromUSD(2))
	require.Len(t, h.signals, 2)
	assert.Equal(t, StateClear, h.signals[1].NewState)
}

func TestObserveBin_ScopeFiltering(t *testing.T) {
	h := &captureHandler{}
	w := NewThresholdWatcher("all-time-limit", ScopeAllTime, pricing.FromUSD(100), nil, h)
	ctx := context.Background()

	// Monthly and identity bins are outside an all-time watcher's scope
	w.ObserveBin(ctx, "2026-08", pricing.FromUSD(500))
	w.ObserveBin(ctx, "2026-08#arn:aws:iam::1:user/alice", pricing.FromUSD(500))
	assert.Empty(t, h.signals)

	w.ObserveBin(ctx, "ALL", pricing.FromUSD(500))
	require.Len(t, h.signals, 1)
	assert.Equal(t, StateBreach, h.signals[0].NewState)
}

func TestObserveBin_ZeroLimitDisabled(t *testing.T) {
	h := &captureHandler{}
	w := NewThresholdWatcher("disabled", ScopeAllTime, 0, nil, h)

	w.ObserveBin(context.Background(), "ALL", pricing.FromUSD(1_000_000))
	assert.Empty(t, h.signals)
}

func TestSet_FansOut(t *testing.T) {
	h1 := &captureHandler{}
	h2 := &captureHandler{}
	set := Set{
		NewThresholdWatcher("monthly", ScopeMonthly, pricing.FromUSD(10), nil, h1),
		NewThresholdWatcher("all-time", ScopeAllTime, pricing.FromUSD(10), nil, h2),
	}
	ctx := context.Background()

	set.ObserveBin(ctx, "2026-08", pricing.FromUSD(20))
	set.ObserveBin(ctx, "ALL", pricing.FromUSD(20))
	assert.Len(t, h1.signals, 1)
	assert.Len(t, h2.signals, 1)
}
