package domain

import (
	"math/big"
	"time"

	"github.com/smallbiznis/royalty/internal/config"
	"github.com/smallbiznis/royalty/pkg/money"
)

// Settlement splits a balance into what is paid, what is charged, and what is
// carried forward.
type Settlement struct {
	Payable   int64
	Fee       int64
	Remainder int64
}

// ComputeSettlement charges fee = flat + percent of the payable amount and
// rounds the payable amount down to the payout increment. The fee never
// exceeds what the balance can cover.
func ComputeSettlement(balance int64, cp config.CurrencyPolicy) Settlement {
	increment := cp.Increment
	if increment <= 0 {
		increment = 1
	}
	if balance <= cp.FlatFee {
		return Settlement{Remainder: balance}
	}

	rate := cp.PercentFeeDecimal().Rat()
	rate.Quo(rate, big.NewRat(100, 1))

	// payable x (1 + rate) + flat <= balance
	divisor := new(big.Rat).Add(big.NewRat(1, 1), rate)
	limit := new(big.Rat).SetInt64(balance - cp.FlatFee)
	limit.Quo(limit, divisor)
	payable := money.FloorRat(limit) / increment * increment

	fee := func(p int64) int64 {
		return cp.FlatFee + money.RoundHalfEven(new(big.Rat).Mul(new(big.Rat).SetInt64(p), rate))
	}
	for payable > 0 && payable+fee(payable) > balance {
		payable -= increment
	}
	if payable <= 0 {
		return Settlement{Remainder: balance}
	}

	f := fee(payable)
	return Settlement{Payable: payable, Fee: f, Remainder: balance - payable - f}
}

// ScheduleDateFor returns the schedule date of the payout cycle containing t.
func ScheduleDateFor(t time.Time, schedule string) time.Time {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	switch schedule {
	case config.ScheduleDaily:
		return day
	case config.ScheduleWeekly:
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	default:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
}
