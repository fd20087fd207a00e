package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/royalty/internal/royaltyerr"
	"gorm.io/gorm"
)

type CreateAgreementRequest struct {
	EntityID      string     `json:"entity_id"`
	SplitType     string     `json:"split_type"`
	RecipientID   string     `json:"recipient_id"`
	Percentage    string     `json:"percentage"`
	EffectiveDate time.Time  `json:"effective_date"`
	EndDate       *time.Time `json:"end_date,omitempty"`
}

type ShareInput struct {
	RecipientID string `json:"recipient_id"`
	Percentage  string `json:"percentage"`
}

// ReviseRequest replaces the open agreements of an entity from EffectiveDate
// onward with a new full partition.
type ReviseRequest struct {
	EntityID      string       `json:"entity_id"`
	SplitType     string       `json:"split_type"`
	EffectiveDate time.Time    `json:"effective_date"`
	Shares        []ShareInput `json:"shares"`
}

type ResolveRequest struct {
	EntityID    string
	SplitType   SplitType
	PeriodStart time.Time
	PeriodEnd   time.Time
	// KnownAt replays resolution against the agreements recorded by then.
	// Zero means now.
	KnownAt time.Time
}

type ListRequest struct {
	EntityID  string
	SplitType SplitType
	KnownAt   time.Time
}

type Service interface {
	CreateAgreement(ctx context.Context, req CreateAgreementRequest) (*Agreement, error)
	ReviseSplits(ctx context.Context, req ReviseRequest) ([]Agreement, error)
	Resolve(ctx context.Context, req ResolveRequest) (*Resolution, error)
	Validate(ctx context.Context, entityID string, splitType SplitType) error
	ListAgreements(ctx context.Context, req ListRequest) ([]Agreement, error)
}

// Resolver is the read side consumed by allocation.
type Resolver interface {
	Resolve(ctx context.Context, req ResolveRequest) (*Resolution, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, agreement *Agreement) error
	ListByEntity(ctx context.Context, db *gorm.DB, entityID string, splitType SplitType, before time.Time) ([]Agreement, error)
	Close(ctx context.Context, db *gorm.DB, id snowflake.ID, endDate, recordedAt time.Time) (bool, error)
}

var (
	// Percentages of one instant must sum to 100 within this tolerance.
	SumTolerance = decimal.New(1, -6)
	Hundred      = decimal.NewFromInt(100)
)

const MaxPercentageScale = 6

var (
	ErrInvalidEntity        = royaltyerr.Invalid("entity_id", "invalid_entity")
	ErrUnknownEntity        = royaltyerr.Invalid("entity_id", "unknown_entity")
	ErrInvalidSplitType     = royaltyerr.Invalid("split_type", "invalid_split_type")
	ErrInvalidRecipient     = royaltyerr.Invalid("recipient_id", "invalid_recipient")
	ErrDuplicateRecipient   = royaltyerr.Invalid("shares", "duplicate_recipient")
	ErrInvalidPercentage    = royaltyerr.Invalid("percentage", "invalid_percentage")
	ErrPercentagePrecision  = royaltyerr.Invalid("percentage", "percentage_precision")
	ErrInvalidEffectiveDate = royaltyerr.Invalid("effective_date", "invalid_effective_date")
	ErrInvalidEndDate       = royaltyerr.Invalid("end_date", "end_before_effective")
	ErrInvalidPeriod        = royaltyerr.Invalid("period_end", "invalid_period")
	ErrEmptyShares          = royaltyerr.Invalid("shares", "empty_shares")
	ErrSharesNotHundred     = royaltyerr.Invalid("shares", "shares_must_sum_to_100")
)
