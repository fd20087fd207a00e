package service

import (
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	allocationdomain "github.com/smallbiznis/royalty/internal/allocation/domain"
	ledgerdomain "github.com/smallbiznis/royalty/internal/ledger/domain"
	splitdomain "github.com/smallbiznis/royalty/internal/split/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dayLen = 24 * time.Hour

func fact(amount int64) ledgerdomain.RevenueFact {
	return ledgerdomain.RevenueFact{
		ID:          snowflake.ID(1),
		EntityID:    "rel-1",
		Amount:      amount,
		Currency:    "USD",
		PeriodStart: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:   time.Date(2024, 1, 21, 0, 0, 0, 0, time.UTC),
	}
}

func share(recipient, pct string) splitdomain.Share {
	return splitdomain.Share{RecipientID: recipient, Percentage: decimal.RequireFromString(pct)}
}

func window(days, periodDays int, shares ...splitdomain.Share) splitdomain.Window {
	return splitdomain.Window{
		Elapsed:      time.Duration(days) * dayLen,
		PeriodLength: time.Duration(periodDays) * dayLen,
		Shares:       shares,
	}
}

func resolution(windows ...splitdomain.Window) *splitdomain.Resolution {
	return &splitdomain.Resolution{SplitType: splitdomain.SplitTypeMaster, Windows: windows}
}

func amounts(allocations []allocationdomain.Allocation) map[string]int64 {
	out := map[string]int64{}
	for _, a := range allocations {
		out[a.RecipientID] = a.Amount
	}
	return out
}

func TestComputeSingleWindow(t *testing.T) {
	got := Compute(fact(10000), resolution(window(20, 20, share("B", "40"), share("A", "60"))))

	require.Len(t, got, 2)
	assert.Equal(t, "A", got[0].RecipientID)
	assert.Equal(t, int64(6000), got[0].Amount)
	assert.Equal(t, "B", got[1].RecipientID)
	assert.Equal(t, int64(4000), got[1].Amount)
	assert.Equal(t, "master", got[0].SplitType)
	assert.Equal(t, "USD", got[0].Currency)
}

func TestComputeMidPeriodChange(t *testing.T) {
	// A holds 100% for the first 5 of 20 days, then A and B share 50/50.
	got := Compute(fact(2000), resolution(
		window(5, 20, share("A", "100")),
		window(15, 20, share("A", "50"), share("B", "50")),
	))
	assert.Equal(t, map[string]int64{"A": 1250, "B": 750}, amounts(got))

	// The same change effective on day 10 weights each window by half.
	got = Compute(fact(2000), resolution(
		window(10, 20, share("A", "100")),
		window(10, 20, share("A", "50"), share("B", "50")),
	))
	assert.Equal(t, map[string]int64{"A": 1500, "B": 500}, amounts(got))
}

func TestComputeLargestRemainder(t *testing.T) {
	got := Compute(fact(100), resolution(window(1, 1,
		share("A", "33.333333"),
		share("B", "33.333333"),
		share("C", "33.333334"),
	)))
	assert.Equal(t, map[string]int64{"A": 33, "B": 33, "C": 34}, amounts(got))
}

func TestComputeTiesBreakByRecipient(t *testing.T) {
	got := Compute(fact(1), resolution(window(1, 1, share("B", "50"), share("A", "50"))))
	require.Len(t, got, 1)
	assert.Equal(t, "A", got[0].RecipientID)
	assert.Equal(t, int64(1), got[0].Amount)

	got = Compute(fact(-1), resolution(window(1, 1, share("B", "50"), share("A", "50"))))
	require.Len(t, got, 1)
	assert.Equal(t, "A", got[0].RecipientID)
	assert.Equal(t, int64(-1), got[0].Amount)
}

func TestComputeHalfEven(t *testing.T) {
	// 2.5 rounds down and 3.5 rounds up, leaving no residual.
	got := Compute(fact(10), resolution(window(1, 1, share("A", "25"), share("B", "35"), share("C", "40"))))
	assert.Equal(t, map[string]int64{"A": 2, "B": 4, "C": 4}, amounts(got))
}

func TestComputeMergesRecipientAcrossWindows(t *testing.T) {
	got := Compute(fact(999), resolution(
		window(1, 3, share("A", "100")),
		window(1, 3, share("A", "100")),
		window(1, 3, share("A", "100")),
	))
	require.Len(t, got, 1)
	assert.Equal(t, int64(999), got[0].Amount)
}

func randomPartition(r *rand.Rand, n int) []splitdomain.Share {
	const total = 100_000_000 // 100% in millionths
	cuts := make([]int, 0, n-1)
	for len(cuts) < n-1 {
		cuts = append(cuts, 1+r.Intn(total-1))
	}
	sort.Ints(cuts)

	shares := make([]splitdomain.Share, 0, n)
	prev := 0
	for i := 0; i < n; i++ {
		next := total
		if i < len(cuts) {
			next = cuts[i]
		}
		if next == prev {
			continue
		}
		shares = append(shares, splitdomain.Share{
			RecipientID: string(rune('A' + i)),
			Percentage:  decimal.New(int64(next-prev), -6),
		})
		prev = next
	}
	return shares
}

func TestComputeSumsToAmount(t *testing.T) {
	r := rand.New(rand.NewSource(20240101))

	for i := 0; i < 2000; i++ {
		amount := r.Int63n(10_000_000) + 1
		if r.Intn(4) == 0 {
			amount = -amount
		}
		period := 1 + r.Intn(60)

		var windows []splitdomain.Window
		remaining := period
		for remaining > 0 {
			days := 1 + r.Intn(remaining)
			windows = append(windows, window(days, period, randomPartition(r, 1+r.Intn(6))...))
			remaining -= days
		}

		res := resolution(windows...)
		got := Compute(fact(amount), res)

		var total int64
		for j, a := range got {
			total += a.Amount
			assert.NotZero(t, a.Amount)
			if j > 0 {
				assert.Less(t, got[j-1].RecipientID, a.RecipientID)
			}
		}
		require.Equal(t, amount, total, "iteration %d", i)
		assert.Equal(t, got, Compute(fact(amount), res))
	}
}

func TestNegate(t *testing.T) {
	reversal := fact(-10000)
	reversal.ID = 2
	got := Negate(reversal, []allocationdomain.Allocation{
		{RecipientID: "B", SplitType: "master", Amount: 4000},
		{RecipientID: "A", SplitType: "master", Amount: 6000},
	})
	require.Len(t, got, 2)
	assert.Equal(t, "A", got[0].RecipientID)
	assert.Equal(t, int64(-6000), got[0].Amount)
	assert.Equal(t, snowflake.ID(2), got[0].RevenueFactID)
	assert.Equal(t, int64(-10000), sumAmounts(got))
}
