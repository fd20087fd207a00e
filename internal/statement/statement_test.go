package statement

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/royalty/internal/config"
	"github.com/smallbiznis/royalty/internal/engine/enginetest"
	payoutdomain "github.com/smallbiznis/royalty/internal/payout/domain"
	"github.com/smallbiznis/royalty/internal/royaltyerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func closedPayout(t *testing.T, h *enginetest.Harness) *payoutdomain.Payout {
	t.Helper()
	ctx := context.Background()
	h.Agreement(t, "rel-1", "artist-a", "100")
	for _, id := range []string{"r-1", "r-2"} {
		_, err := h.Engine.IngestRevenue(ctx, enginetest.Streaming("rel-1", id, "30.00"))
		require.NoError(t, err)
	}
	payout, err := h.Payouts.CloseBatch(ctx, payoutdomain.CloseRequest{
		RecipientID:  "artist-a",
		Currency:     "USD",
		ScheduleDate: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.NotNil(t, payout)
	return payout
}

func TestBuildListsSettledAllocations(t *testing.T) {
	h := enginetest.New(t, enginetest.WithPolicy(func(p *config.Policy) {
		p.Payout.Default = config.CurrencyPolicy{MinimumAmount: 1000, FlatFee: 50, Increment: 1}
	}))
	payout := closedPayout(t, h)
	svc := NewService(Params{Log: zap.NewNop(), Payouts: h.Payouts})

	data, err := svc.Build(context.Background(), payout.ID, time.Date(2024, 2, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, "artist-a", data.RecipientID)
	assert.Equal(t, "2024-02-01", data.ScheduleDate)
	assert.Equal(t, "60.00", data.Gross)
	assert.Equal(t, "0.50", data.Fee)
	assert.Equal(t, "59.50", data.Net)
	assert.Empty(t, data.Settlement)
	require.Len(t, data.Lines, 2)
	for _, line := range data.Lines {
		assert.Equal(t, "30.00", line.Amount)
		assert.Equal(t, "Royalty allocation", line.Description)
	}
}

func TestRenderProducesPDF(t *testing.T) {
	h := enginetest.New(t)
	payout := closedPayout(t, h)
	svc := NewService(Params{Log: zap.NewNop(), Payouts: h.Payouts})

	doc, err := svc.Render(context.Background(), payout.ID, time.Now())
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(doc, []byte("%PDF")))
}

func TestRenderUnknownPayout(t *testing.T) {
	h := enginetest.New(t)
	svc := NewService(Params{Log: zap.NewNop(), Payouts: h.Payouts})

	_, err := svc.Render(context.Background(), h.Node.Generate(), time.Now())
	require.Error(t, err)
	assert.Equal(t, royaltyerr.KindNotFound, royaltyerr.KindOf(err))
}

func TestNewDataShowsForeignSettlement(t *testing.T) {
	ref := "wire-9"
	data := NewData(payoutdomain.Payout{
		RecipientID:        "artist-a",
		Currency:           "USD",
		Amount:             12345,
		Fee:                0,
		Status:             payoutdomain.StatusCompleted,
		ReferenceNumber:    &ref,
		SettlementCurrency: "JPY",
		SettlementAmount:   18579,
		FXRate:             "150.5",
	}, []payoutdomain.AccrualEntry{
		{SourceType: payoutdomain.EntrySourceAllocation, SourceID: "1", Currency: "USD", Amount: 12500},
		{SourceType: payoutdomain.EntrySourceAllocation, SourceID: "2", Currency: "USD", Amount: -155},
		{SourceType: payoutdomain.EntrySourcePayout, SourceID: "3", Currency: "USD", Amount: -12345},
	}, time.Now())

	assert.Equal(t, "18579 JPY", data.Settlement)
	assert.Equal(t, "150.5", data.FXRate)
	assert.Equal(t, "wire-9", data.Reference)
	require.Len(t, data.Lines, 2)
	assert.Equal(t, "Reversal", data.Lines[1].Description)
	assert.Equal(t, "-1.55", data.Lines[1].Amount)
}
