package domain

import (
	"testing"
	"time"

	"github.com/smallbiznis/royalty/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestComputeSettlement(t *testing.T) {
	tests := []struct {
		name    string
		balance int64
		policy  config.CurrencyPolicy
		want    Settlement
	}{
		{
			name:    "no fees",
			balance: 5000,
			policy:  config.CurrencyPolicy{Increment: 1},
			want:    Settlement{Payable: 5000},
		},
		{
			name:    "flat and percent with increment",
			balance: 10000,
			policy:  config.CurrencyPolicy{FlatFee: 100, PercentFee: "2", Increment: 100},
			want:    Settlement{Payable: 9700, Fee: 294, Remainder: 6},
		},
		{
			name:    "increment carries remainder",
			balance: 1499,
			policy:  config.CurrencyPolicy{Increment: 500},
			want:    Settlement{Payable: 1000, Remainder: 499},
		},
		{
			name:    "balance below flat fee",
			balance: 90,
			policy:  config.CurrencyPolicy{FlatFee: 100, Increment: 1},
			want:    Settlement{Remainder: 90},
		},
		{
			name:    "percent fee rounds half even",
			balance: 103,
			policy:  config.CurrencyPolicy{PercentFee: "2.5", Increment: 1},
			want:    Settlement{Payable: 100, Fee: 2, Remainder: 1},
		},
		{
			name:    "negative balance pays nothing",
			balance: -400,
			policy:  config.CurrencyPolicy{Increment: 1},
			want:    Settlement{Remainder: -400},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComputeSettlement(tt.balance, tt.policy))
		})
	}
}

func TestComputeSettlementNeverExceedsBalance(t *testing.T) {
	policy := config.CurrencyPolicy{FlatFee: 37, PercentFee: "3.75", Increment: 25}
	for balance := int64(0); balance < 5000; balance += 7 {
		got := ComputeSettlement(balance, policy)
		assert.Equal(t, balance, got.Payable+got.Fee+got.Remainder)
		assert.GreaterOrEqual(t, got.Remainder, int64(0), "balance %d", balance)
		assert.Zero(t, got.Payable%25, "balance %d", balance)
	}
}

func TestScheduleDateFor(t *testing.T) {
	wed := time.Date(2024, 1, 17, 15, 30, 0, 0, time.UTC)
	sun := time.Date(2024, 1, 14, 23, 0, 0, 0, time.UTC)

	assert.Equal(t, time.Date(2024, 1, 17, 0, 0, 0, 0, time.UTC), ScheduleDateFor(wed, config.ScheduleDaily))
	assert.Equal(t, time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC), ScheduleDateFor(wed, config.ScheduleWeekly))
	assert.Equal(t, time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC), ScheduleDateFor(sun, config.ScheduleWeekly))
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), ScheduleDateFor(wed, config.ScheduleMonthly))
}

func TestStatusClaimsBatch(t *testing.T) {
	assert.True(t, StatusPending.ClaimsBatch())
	assert.True(t, StatusProcessing.ClaimsBatch())
	assert.True(t, StatusCompleted.ClaimsBatch())
	assert.False(t, StatusFailed.ClaimsBatch())
	assert.False(t, StatusCancelled.ClaimsBatch())
}
