// Package domain contains accrual and payout models.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// ClaimsBatch reports whether a payout still holds its batch key.
func (s Status) ClaimsBatch() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted:
		return true
	}
	return false
}

// Payout moves an accrued balance to a recipient. Amount is the payable
// portion and Fee the charge withheld, both in Currency minor units; the
// accrual was debited by Amount+Fee.
type Payout struct {
	ID                 snowflake.ID `gorm:"primaryKey" json:"id"`
	RecipientID        string       `gorm:"type:text;not null;uniqueIndex:ux_payouts_batch,priority:1;index" json:"recipient_id"`
	Currency           string       `gorm:"type:text;not null;uniqueIndex:ux_payouts_batch,priority:2" json:"currency"`
	ScheduleDate       time.Time    `gorm:"not null;uniqueIndex:ux_payouts_batch,priority:3" json:"schedule_date"`
	Attempt            int          `gorm:"not null;uniqueIndex:ux_payouts_batch,priority:4" json:"attempt"`
	Amount             int64        `gorm:"not null" json:"amount"`
	Fee                int64        `gorm:"not null" json:"fee"`
	Method             string       `gorm:"type:text;not null" json:"method"`
	Status             Status       `gorm:"type:text;not null;index" json:"status"`
	ReferenceNumber    *string      `gorm:"type:text" json:"reference_number,omitempty"`
	FailureReason      *string      `gorm:"type:text" json:"failure_reason,omitempty"`
	SettlementCurrency string       `gorm:"type:text;not null" json:"settlement_currency"`
	SettlementAmount   int64        `gorm:"not null" json:"settlement_amount"`
	FXRate             string       `gorm:"type:text;not null" json:"fx_rate"`
	CompletedAt        *time.Time   `json:"completed_at,omitempty"`
	CreatedAt          time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt          time.Time    `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (Payout) TableName() string { return "payouts" }

// Gross is the amount debited from the accrual.
func (p Payout) Gross() int64 { return p.Amount + p.Fee }

// Accrual is the running balance of a recipient in one currency. Version
// increments on every mutation and guards batch closing.
type Accrual struct {
	RecipientID string    `gorm:"primaryKey;type:text" json:"recipient_id"`
	Currency    string    `gorm:"primaryKey;type:text" json:"currency"`
	Balance     int64     `gorm:"not null" json:"balance"`
	Version     int64     `gorm:"not null" json:"version"`
	UpdatedAt   time.Time `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (Accrual) TableName() string { return "accruals" }

type EntrySourceType string

const (
	EntrySourceAllocation     EntrySourceType = "allocation"
	EntrySourcePayout         EntrySourceType = "payout"
	EntrySourcePayoutRollback EntrySourceType = "payout_rollback"
)

// AccrualEntry is an append-only movement of an accrual balance. The balance
// always equals the sum of its entries.
type AccrualEntry struct {
	ID          snowflake.ID    `gorm:"primaryKey" json:"id"`
	SourceType  EntrySourceType `gorm:"type:text;not null;uniqueIndex:ux_accrual_entries_source,priority:1" json:"source_type"`
	SourceID    string          `gorm:"type:text;not null;uniqueIndex:ux_accrual_entries_source,priority:2" json:"source_id"`
	RecipientID string          `gorm:"type:text;not null;index:ix_accrual_entries_key,priority:1" json:"recipient_id"`
	Currency    string          `gorm:"type:text;not null;index:ix_accrual_entries_key,priority:2" json:"currency"`
	Amount      int64           `gorm:"not null" json:"amount"`
	PayoutID    *snowflake.ID   `gorm:"index" json:"payout_id,omitempty"`
	CreatedAt   time.Time       `gorm:"not null" json:"created_at"`
}

// TableName sets the database table name.
func (AccrualEntry) TableName() string { return "accrual_entries" }
