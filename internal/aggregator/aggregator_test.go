package aggregator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qubitops/costguard/internal/ledger"
	"github.com/qubitops/costguard/internal/metrics"
	"github.com/qubitops/costguard/internal/notify"
	"github.com/qubitops/costguard/internal/pricing"
)

const (
	alice  = "arn:aws:iam::111122223333:user/alice"
	bob    = "arn:aws:iam::111122223333:user/bob"
	device = "arn:aws:braket:::device/qpu/ionq/ionQdevice"
)

type captureSink struct {
	mu      sync.Mutex
	samples []metrics.Sample
	err     error
}

func (s *captureSink) Emit(_ context.Context, samples []metrics.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.samples = append(s.samples, samples...)
	return nil
}

func newTestAggregator(t *testing.T, sink metrics.Sink) (*Aggregator, *SQLiteStore) {
	t.Helper()
	db, err := ledger.OpenDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewSQLiteStore(db)
	require.NoError(t, err)

	if sink == nil {
		sink = metrics.NopSink{}
	}
	return New(store, sink, metrics.NewCounters(), nil), store
}

func notification(taskID, owner string, costNano int64, at time.Time) notify.ChangeNotification {
	return notify.ChangeNotification{
		TaskID:        taskID,
		OwnerIdentity: owner,
		Device:        device,
		TaskType:      "QPU",
		CostNano:      costNano,
		RecordedAt:    at,
	}
}

func TestApplyContribution_UpdatesAllBins(t *testing.T) {
	agg, _ := newTestAggregator(t, nil)
	ctx := context.Background()
	at := time.Date(2026, 8, 14, 10, 30, 0, 0, time.UTC)

	err := agg.ApplyContribution(ctx, notification("t1", alice, pricing.FromUSD(2.50), at))
	require.NoError(t, err)

	for _, bin := range []string{
		AllTimeBin,
		"2026-08",
		IdentityBin("2026-08", alice),
		DeviceBin("2026-08", device),
	} {
		totals, err := agg.Totals(ctx, bin)
		require.NoError(t, err)
		assert.Equal(t, pricing.FromUSD(2.50), totals.TotalCostNano, "bin %s", bin)
		assert.Equal(t, int64(1), totals.TaskCount, "bin %s", bin)
	}
}

func TestApplyContribution_IdempotentUnderRedelivery(t *testing.T) {
	agg, _ := newTestAggregator(t, nil)
	ctx := context.Background()
	at := time.Date(2026, 8, 14, 10, 30, 0, 0, time.UTC)

	n := notification("t1", alice, pricing.FromUSD(2.50), at)
	for i := 0; i < 5; i++ {
		require.NoError(t, agg.ApplyContribution(ctx, n))
	}

	totals, err := agg.Totals(ctx, IdentityBin("2026-08", alice))
	require.NoError(t, err)
	assert.Equal(t, pricing.FromUSD(2.50), totals.TotalCostNano)
	assert.Equal(t, int64(1), totals.TaskCount)
}

func TestApplyContribution_Additivity(t *testing.T) {
	agg, _ := newTestAggregator(t, nil)
	ctx := context.Background()
	at := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	costs := []float64{0.50, 1.25, 2.50, 0.05}
	var wg sync.WaitGroup
	for i, c := range costs {
		wg.Add(1)
		go func(i int, c float64) {
			defer wg.Done()
			n := notification(string(rune('a'+i)), alice, pricing.FromUSD(c), at)
			require.NoError(t, agg.ApplyContribution(ctx, n))
		}(i, c)
	}
	wg.Wait()

	totals, err := agg.Totals(ctx, IdentityBin("2026-08", alice))
	require.NoError(t, err)
	assert.Equal(t, pricing.FromUSD(4.30), totals.TotalCostNano)
	assert.Equal(t, int64(4), totals.TaskCount)
}

func TestApplyContribution_SeparateIdentitiesAndMonths(t *testing.T) {
	agg, _ := newTestAggregator(t, nil)
	ctx := context.Background()

	aug := time.Date(2026, 8, 14, 0, 0, 0, 0, time.UTC)
	sep := time.Date(2026, 9, 2, 0, 0, 0, 0, time.UTC)

	require.NoError(t, agg.ApplyContribution(ctx, notification("t1", alice, pricing.FromUSD(1.00), aug)))
	require.NoError(t, agg.ApplyContribution(ctx, notification("t2", bob, pricing.FromUSD(2.00), aug)))
	require.NoError(t, agg.ApplyContribution(ctx, notification("t3", alice, pricing.FromUSD(4.00), sep)))

	aliceAug, err := agg.Totals(ctx, IdentityBin("2026-08", alice))
	require.NoError(t, err)
	assert.Equal(t, pricing.FromUSD(1.00), aliceAug.TotalCostNano)

	aliceSep, err := agg.Totals(ctx, IdentityBin("2026-09", alice))
	require.NoError(t, err)
	assert.Equal(t, pricing.FromUSD(4.00), aliceSep.TotalCostNano)

	allTime, err := agg.Totals(ctx, AllTimeBin)
	require.NoError(t, err)
	assert.Equal(t, pricing.FromUSD(7.00), allTime.TotalCostNano)
	assert.Equal(t, int64(3), allTime.TaskCount)
}

func TestApplyContribution_EmitsSamples(t *testing.T) {
	sink := &captureSink{}
	agg, _ := newTestAggregator(t, sink)
	at := time.Date(2026, 8, 14, 10, 30, 0, 0, time.UTC)

	require.NoError(t, agg.ApplyContribution(context.Background(),
		notification("t1", alice, pricing.FromUSD(2.50), at)))

	names := map[string]int{}
	for _, s := range sink.samples {
		names[s.Name]++
	}
	assert.Equal(t, 1, names[metrics.MetricTaskCost])
	assert.Equal(t, 3, names[metrics.MetricMonthlyCost])
	assert.Equal(t, 1, names[metrics.MetricAllTimeCost])
	assert.Equal(t, 1, names[metrics.MetricTaskCount])
}

func TestApplyContribution_SinkFailureDoesNotFail(t *testing.T) {
	sink := &captureSink{err: errors.New("sink down")}
	agg, _ := newTestAggregator(t, sink)
	ctx := context.Background()
	at := time.Date(2026, 8, 14, 0, 0, 0, 0, time.UTC)

	// Metric emission is best-effort; the aggregate update must stand
	require.NoError(t, agg.ApplyContribution(ctx, notification("t1", alice, pricing.FromUSD(2.50), at)))

	totals, err := agg.Totals(ctx, AllTimeBin)
	require.NoError(t, err)
	assert.Equal(t, pricing.FromUSD(2.50), totals.TotalCostNano)
}

func TestApplyContribution_RedeliveryEmitsNoSamples(t *testing.T) {
	sink := &captureSink{}
	agg, _ := newTestAggregator(t, sink)
	ctx := context.Background()
	at := time.Date(2026, 8, 14, 0, 0, 0, 0, time.UTC)

	n := notification("t1", alice, pricing.FromUSD(2.50), at)
	require.NoError(t, agg.ApplyContribution(ctx, n))
	emitted := len(sink.samples)

	require.NoError(t, agg.ApplyContribution(ctx, n))
	assert.Equal(t, emitted, len(sink.samples))
}

func TestTotals_UnknownBinReadsZero(t *testing.T) {
	agg, _ := newTestAggregator(t, nil)

	totals, err := agg.Totals(context.Background(), IdentityBin("2026-01", "nobody"))
	require.NoError(t, err)
	assert.Zero(t, totals.TotalCostNano)
	assert.Zero(t, totals.TaskCount)
}
