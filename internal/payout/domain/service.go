package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	allocationdomain "github.com/smallbiznis/royalty/internal/allocation/domain"
	"github.com/smallbiznis/royalty/internal/royaltyerr"
	"gorm.io/gorm"
)

type CloseRequest struct {
	RecipientID  string    `json:"recipient_id"`
	Currency     string    `json:"currency"`
	ScheduleDate time.Time `json:"schedule_date"`
	// HoldFailed leaves a batch whose latest payout failed untouched.
	// Scheduled closes set it so failed payouts are re-batched only on an
	// explicit close or on the next schedule date.
	HoldFailed bool `json:"-"`
}

type AccrualKey struct {
	RecipientID string
	Currency    string
}

type Service interface {
	Accrue(ctx context.Context, allocation allocationdomain.Allocation) (bool, error)
	CloseBatch(ctx context.Context, req CloseRequest) (*Payout, error)
	MarkProcessing(ctx context.Context, id snowflake.ID) (*Payout, error)
	MarkCompleted(ctx context.Context, id snowflake.ID, reference string) (*Payout, error)
	MarkFailed(ctx context.Context, id snowflake.ID, reason string) (*Payout, error)
	Cancel(ctx context.Context, id snowflake.ID, reason string) (*Payout, error)
	Get(ctx context.Context, id snowflake.ID) (*Payout, error)
	ListPayouts(ctx context.Context, recipientID string) ([]Payout, error)
	ListEntries(ctx context.Context, payoutID snowflake.ID) ([]AccrualEntry, error)
	Balance(ctx context.Context, recipientID, currency string) (*Accrual, error)
	ListOpenAccruals(ctx context.Context, after AccrualKey, limit int) ([]Accrual, error)
}

type Repository interface {
	InsertEntry(ctx context.Context, db *gorm.DB, entry *AccrualEntry) (bool, error)
	AddToBalance(ctx context.Context, db *gorm.DB, recipientID, currency string, delta int64, now time.Time) error
	FindAccrual(ctx context.Context, db *gorm.DB, recipientID, currency string) (*Accrual, error)
	CompareAndSetBalance(ctx context.Context, db *gorm.DB, current Accrual, balance int64, now time.Time) (bool, error)
	ListOpenAccruals(ctx context.Context, db *gorm.DB, after AccrualKey, limit int) ([]Accrual, error)
	LinkEntries(ctx context.Context, db *gorm.DB, recipientID, currency string, payoutID snowflake.ID) error
	UnlinkEntries(ctx context.Context, db *gorm.DB, payoutID snowflake.ID) error
	ListEntriesByPayout(ctx context.Context, db *gorm.DB, payoutID snowflake.ID) ([]AccrualEntry, error)

	InsertPayout(ctx context.Context, db *gorm.DB, payout *Payout) (bool, error)
	FindPayout(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Payout, error)
	FindLatestForBatch(ctx context.Context, db *gorm.DB, recipientID, currency string, scheduleDate time.Time) (*Payout, error)
	ListPayoutsByRecipient(ctx context.Context, db *gorm.DB, recipientID string) ([]Payout, error)
	ListPendingPayouts(ctx context.Context, db *gorm.DB, recipientID, currency string) ([]Payout, error)
	UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from []Status, update StatusUpdate) (bool, error)
}

// StatusUpdate is applied only while the payout is in one of the expected states.
type StatusUpdate struct {
	Status          Status
	ReferenceNumber *string
	FailureReason   *string
	CompletedAt     *time.Time
	UpdatedAt       time.Time
}

var (
	ErrInvalidRecipient    = royaltyerr.Invalid("recipient_id", "invalid_recipient")
	ErrInvalidScheduleDate = royaltyerr.Invalid("schedule_date", "invalid_schedule_date")
	ErrInvalidReference    = royaltyerr.Invalid("reference", "invalid_reference")
	ErrInvalidReason       = royaltyerr.Invalid("reason", "invalid_reason")
	ErrInvalidAllocation   = royaltyerr.Invalid("allocation", "invalid_allocation")

	ErrPayoutNotFound = fmt.Errorf("payout %w", royaltyerr.ErrNotFound)
	// ErrConcurrentClose means the accrual moved between read and clear.
	ErrConcurrentClose = errors.New("concurrent_close")
	// ErrBatchHeld reports a held batch whose latest payout failed.
	ErrBatchHeld = errors.New("batch_held_after_failure")
)
