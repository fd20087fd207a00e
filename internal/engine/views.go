package engine

import (
	"time"

	"github.com/bwmarrin/snowflake"
	allocationdomain "github.com/smallbiznis/royalty/internal/allocation/domain"
	ledgerdomain "github.com/smallbiznis/royalty/internal/ledger/domain"
	payoutdomain "github.com/smallbiznis/royalty/internal/payout/domain"
	"github.com/smallbiznis/royalty/pkg/money"
)

// Views render money as fixed-point decimal strings with an explicit currency.

type FactView struct {
	ID          snowflake.ID  `json:"id"`
	EntityID    string        `json:"entity_id"`
	EntityType  string        `json:"entity_type"`
	PlatformID  string        `json:"platform_id"`
	StreamType  string        `json:"stream_type"`
	Amount      string        `json:"amount"`
	Currency    string        `json:"currency"`
	PeriodStart time.Time     `json:"period_start"`
	PeriodEnd   time.Time     `json:"period_end"`
	Country     *string       `json:"country,omitempty"`
	Quantity    *int64        `json:"quantity,omitempty"`
	IngestionID string        `json:"ingestion_id"`
	ReversalOf  *snowflake.ID `json:"reversal_of,omitempty"`
	IngestedAt  time.Time     `json:"ingested_at"`
}

func NewFactView(f ledgerdomain.RevenueFact) FactView {
	return FactView{
		ID:          f.ID,
		EntityID:    f.EntityID,
		EntityType:  string(f.EntityType),
		PlatformID:  f.PlatformID,
		StreamType:  string(f.StreamType),
		Amount:      money.Format(f.Amount, f.Currency),
		Currency:    f.Currency,
		PeriodStart: f.PeriodStart,
		PeriodEnd:   f.PeriodEnd,
		Country:     f.Country,
		Quantity:    f.Quantity,
		IngestionID: f.IngestionID,
		ReversalOf:  f.ReversalOf,
		IngestedAt:  f.IngestedAt,
	}
}

type AllocationView struct {
	ID            snowflake.ID `json:"id"`
	RevenueFactID snowflake.ID `json:"revenue_fact_id"`
	EntityID      string       `json:"entity_id"`
	SplitType     string       `json:"split_type"`
	RecipientID   string       `json:"recipient_id"`
	Amount        string       `json:"amount"`
	Currency      string       `json:"currency"`
	PeriodStart   time.Time    `json:"period_start"`
	PeriodEnd     time.Time    `json:"period_end"`
}

func NewAllocationView(a allocationdomain.Allocation) AllocationView {
	return AllocationView{
		ID:            a.ID,
		RevenueFactID: a.RevenueFactID,
		EntityID:      a.EntityID,
		SplitType:     a.SplitType,
		RecipientID:   a.RecipientID,
		Amount:        money.Format(a.Amount, a.Currency),
		Currency:      a.Currency,
		PeriodStart:   a.PeriodStart,
		PeriodEnd:     a.PeriodEnd,
	}
}

func allocationViews(items []allocationdomain.Allocation) []AllocationView {
	out := make([]AllocationView, 0, len(items))
	for _, a := range items {
		out = append(out, NewAllocationView(a))
	}
	return out
}

type PayoutView struct {
	ID                 snowflake.ID `json:"id"`
	RecipientID        string       `json:"recipient_id"`
	Amount             string       `json:"amount"`
	Fee                string       `json:"fee"`
	Currency           string       `json:"currency"`
	Method             string       `json:"method"`
	Status             string       `json:"status"`
	ScheduleDate       time.Time    `json:"schedule_date"`
	Attempt            int          `json:"attempt"`
	CompletedAt        *time.Time   `json:"completed_at,omitempty"`
	ReferenceNumber    *string      `json:"reference_number,omitempty"`
	FailureReason      *string      `json:"failure_reason,omitempty"`
	SettlementAmount   string       `json:"settlement_amount"`
	SettlementCurrency string       `json:"settlement_currency"`
	FXRate             string       `json:"fx_rate"`
}

func NewPayoutView(p payoutdomain.Payout) PayoutView {
	return PayoutView{
		ID:                 p.ID,
		RecipientID:        p.RecipientID,
		Amount:             money.Format(p.Amount, p.Currency),
		Fee:                money.Format(p.Fee, p.Currency),
		Currency:           p.Currency,
		Method:             p.Method,
		Status:             string(p.Status),
		ScheduleDate:       p.ScheduleDate,
		Attempt:            p.Attempt,
		CompletedAt:        p.CompletedAt,
		ReferenceNumber:    p.ReferenceNumber,
		FailureReason:      p.FailureReason,
		SettlementAmount:   money.Format(p.SettlementAmount, p.SettlementCurrency),
		SettlementCurrency: p.SettlementCurrency,
		FXRate:             p.FXRate,
	}
}

type BalanceView struct {
	RecipientID string `json:"recipient_id"`
	Currency    string `json:"currency"`
	Balance     string `json:"balance"`
}

// BlockedView explains why an accepted fact has no allocations yet.
type BlockedView struct {
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

type IngestOutcome struct {
	Status      ledgerdomain.IngestStatus `json:"status"`
	Fact        FactView                  `json:"fact"`
	Allocations []AllocationView          `json:"allocations,omitempty"`
	Blocked     *BlockedView              `json:"blocked,omitempty"`
}

type ReconcileOutcome struct {
	Report  *allocationdomain.ReconcileReport `json:"report"`
	Accrued int                               `json:"accrued"`
}
