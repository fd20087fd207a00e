package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/royalty/internal/config"
	"github.com/smallbiznis/royalty/internal/engine/enginetest"
	payoutdomain "github.com/smallbiznis/royalty/internal/payout/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newScheduler(t *testing.T, h *enginetest.Harness, jobs ...string) *Scheduler {
	t.Helper()
	s, err := New(Params{
		DB:          h.DB,
		Log:         zap.NewNop(),
		GenID:       h.Node,
		Clock:       h.Clock,
		Engine:      h.Engine,
		Allocations: h.Allocations,
		Payouts:     h.Payouts,
		Policies:    h.Policies,
		Config:      Config{BatchSize: 2, EnabledJobs: jobs},
	})
	require.NoError(t, err)
	return s
}

func balanceOf(t *testing.T, h *enginetest.Harness, recipient string) int64 {
	t.Helper()
	accrual, err := h.Payouts.Balance(context.Background(), recipient, "USD")
	require.NoError(t, err)
	return accrual.Balance
}

func TestNewRejectsMissingDependencies(t *testing.T) {
	_, err := New(Params{Log: zap.NewNop()})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestAllocationSweepSettlesFactsWithoutRuns(t *testing.T) {
	useFreshMetrics(t)
	h := enginetest.New(t)
	h.Agreement(t, "rel-1", "artist-a", "100")

	ctx := context.Background()
	for _, id := range []string{"r-1", "r-2", "r-3"} {
		_, err := h.Ledger.Ingest(ctx, enginetest.Streaming("rel-1", id, "10.00"))
		require.NoError(t, err)
	}
	s := newScheduler(t, h, JobAllocationSweep)

	require.NoError(t, s.RunOnce(ctx))
	assert.Equal(t, int64(2000), balanceOf(t, h, "artist-a"))

	require.NoError(t, s.RunOnce(ctx))
	assert.Equal(t, int64(3000), balanceOf(t, h, "artist-a"))

	require.NoError(t, s.RunOnce(ctx))
	assert.Equal(t, int64(3000), balanceOf(t, h, "artist-a"))
}

func TestAllocationSweepAccruesInterruptedAllocations(t *testing.T) {
	useFreshMetrics(t)
	h := enginetest.New(t)
	h.Agreement(t, "rel-1", "artist-a", "50")
	h.Agreement(t, "rel-1", "label-b", "50")

	ctx := context.Background()
	res, err := h.Ledger.Ingest(ctx, enginetest.Streaming("rel-1", "r-1", "9.99"))
	require.NoError(t, err)
	_, err = h.Allocations.Allocate(ctx, res.Fact.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balanceOf(t, h, "artist-a"))

	s := newScheduler(t, h, JobAllocationSweep)
	require.NoError(t, s.RunOnce(ctx))
	assert.Equal(t, int64(999), balanceOf(t, h, "artist-a")+balanceOf(t, h, "label-b"))

	pending, err := s.fetchUnaccruedAllocations(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestReconcileBlockedReleasesCorrectedFacts(t *testing.T) {
	registry := useFreshMetrics(t)
	h := enginetest.New(t)
	h.Agreement(t, "rel-1", "artist-a", "70")

	ctx := context.Background()
	outcome, err := h.Engine.IngestRevenue(ctx, enginetest.Streaming("rel-1", "r-1", "50.00"))
	require.NoError(t, err)
	require.NotNil(t, outcome.Blocked)

	s := newScheduler(t, h, JobReconcileBlocked)
	require.NoError(t, s.RunOnce(ctx))
	assert.Equal(t, int64(0), balanceOf(t, h, "artist-a"))
	assert.Equal(t, float64(1), getCounterValue(t, registry, "royalty_scheduler_batch_deferred_total", map[string]string{
		"service": "royalty", "env": "test", "job": JobReconcileBlocked, "reason": "integrity_error",
	}))

	h.Agreement(t, "rel-1", "label-b", "30")
	require.NoError(t, s.RunOnce(ctx))
	assert.Equal(t, int64(3500), balanceOf(t, h, "artist-a"))
	assert.Equal(t, int64(1500), balanceOf(t, h, "label-b"))

	blocked, err := h.Allocations.ListBlockedFacts(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, blocked)
}

func TestClosePayoutsClosesEachOpenAccrualOnce(t *testing.T) {
	registry := useFreshMetrics(t)
	h := enginetest.New(t, enginetest.WithPolicy(func(p *config.Policy) {
		p.Payout.Schedule = config.ScheduleMonthly
		p.Payout.Default = config.CurrencyPolicy{MinimumAmount: 1000, Increment: 100}
	}))
	h.Agreement(t, "rel-1", "artist-a", "50")
	h.Agreement(t, "rel-1", "label-b", "40")
	h.Agreement(t, "rel-1", "producer-c", "10")

	ctx := context.Background()
	_, err := h.Engine.IngestRevenue(ctx, enginetest.Streaming("rel-1", "r-1", "201.00"))
	require.NoError(t, err)

	h.Clock.Set(time.Date(2024, 2, 10, 6, 0, 0, 0, time.UTC))
	s := newScheduler(t, h, JobClosePayouts)
	require.NoError(t, s.RunOnce(ctx))

	payouts, err := h.Payouts.ListPayouts(ctx, "artist-a")
	require.NoError(t, err)
	require.Len(t, payouts, 1)
	assert.Equal(t, int64(10000), payouts[0].Amount)
	assert.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), payouts[0].ScheduleDate.UTC())
	assert.Equal(t, payoutdomain.StatusPending, payouts[0].Status)
	assert.Equal(t, int64(50), balanceOf(t, h, "artist-a"))

	payouts, err = h.Payouts.ListPayouts(ctx, "producer-c")
	require.NoError(t, err)
	require.Len(t, payouts, 1)
	assert.Equal(t, int64(2000), payouts[0].Amount)

	outcome := func(name string) float64 {
		return getCounterValue(t, registry, "royalty_payout_batch_close_total", map[string]string{
			"service": "royalty", "env": "test", "outcome": name,
		})
	}
	assert.Equal(t, float64(3), outcome(payoutCloseCreated))

	h.Clock.Advance(time.Hour)
	require.NoError(t, s.RunOnce(ctx))
	payouts, err = h.Payouts.ListPayouts(ctx, "artist-a")
	require.NoError(t, err)
	assert.Len(t, payouts, 1)
	assert.Equal(t, float64(3), outcome(payoutCloseCreated))
	assert.Equal(t, float64(3), outcome(payoutCloseExisting))
}

func TestClosePayoutsSkipsBalancesBelowMinimum(t *testing.T) {
	registry := useFreshMetrics(t)
	h := enginetest.New(t)
	h.Agreement(t, "rel-1", "artist-a", "100")

	ctx := context.Background()
	_, err := h.Engine.IngestRevenue(ctx, enginetest.Streaming("rel-1", "r-1", "9.99"))
	require.NoError(t, err)

	h.Clock.Set(time.Date(2024, 2, 2, 0, 0, 0, 0, time.UTC))
	s := newScheduler(t, h, JobClosePayouts)
	require.NoError(t, s.RunOnce(ctx))

	payouts, err := h.Payouts.ListPayouts(ctx, "artist-a")
	require.NoError(t, err)
	assert.Empty(t, payouts)
	assert.Equal(t, int64(999), balanceOf(t, h, "artist-a"))
	assert.Equal(t, float64(1), getCounterValue(t, registry, "royalty_payout_batch_close_total", map[string]string{
		"service": "royalty", "env": "test", "outcome": payoutCloseSkipped,
	}))
}

func TestClosePayoutsHoldsFailedBatchUntilNextSchedule(t *testing.T) {
	registry := useFreshMetrics(t)
	h := enginetest.New(t, enginetest.WithPolicy(func(p *config.Policy) {
		p.Payout.Schedule = config.ScheduleMonthly
		p.Payout.Default = config.CurrencyPolicy{MinimumAmount: 1000, Increment: 100}
	}))
	h.Agreement(t, "rel-1", "artist-a", "100")

	ctx := context.Background()
	_, err := h.Engine.IngestRevenue(ctx, enginetest.Streaming("rel-1", "r-1", "100.00"))
	require.NoError(t, err)

	h.Clock.Set(time.Date(2024, 2, 10, 6, 0, 0, 0, time.UTC))
	s := newScheduler(t, h, JobClosePayouts)
	require.NoError(t, s.RunOnce(ctx))

	payouts, err := h.Payouts.ListPayouts(ctx, "artist-a")
	require.NoError(t, err)
	require.Len(t, payouts, 1)
	_, err = h.Payouts.MarkProcessing(ctx, payouts[0].ID)
	require.NoError(t, err)
	_, err = h.Payouts.MarkFailed(ctx, payouts[0].ID, "bank rejected account")
	require.NoError(t, err)
	assert.Equal(t, int64(10000), balanceOf(t, h, "artist-a"))

	h.Clock.Advance(time.Hour)
	require.NoError(t, s.RunOnce(ctx))

	payouts, err = h.Payouts.ListPayouts(ctx, "artist-a")
	require.NoError(t, err)
	require.Len(t, payouts, 1)
	assert.Equal(t, payoutdomain.StatusFailed, payouts[0].Status)
	assert.Equal(t, int64(10000), balanceOf(t, h, "artist-a"))
	assert.Equal(t, float64(1), getCounterValue(t, registry, "royalty_payout_batch_close_total", map[string]string{
		"service": "royalty", "env": "test", "outcome": payoutCloseHeld,
	}))

	h.Clock.Set(time.Date(2024, 3, 3, 6, 0, 0, 0, time.UTC))
	require.NoError(t, s.RunOnce(ctx))

	payouts, err = h.Payouts.ListPayouts(ctx, "artist-a")
	require.NoError(t, err)
	require.Len(t, payouts, 2)
	var next *payoutdomain.Payout
	for i := range payouts {
		if payouts[i].Status == payoutdomain.StatusPending {
			next = &payouts[i]
		}
	}
	require.NotNil(t, next)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), next.ScheduleDate.UTC())
	assert.Equal(t, int64(10000), next.Amount)
	assert.Zero(t, balanceOf(t, h, "artist-a"))
}
