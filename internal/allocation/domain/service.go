package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/royalty/internal/royaltyerr"
	"gorm.io/gorm"
)

type ReconcileRequest struct {
	EntityID string    `json:"entity_id"`
	From     time.Time `json:"from"`
	To       time.Time `json:"to"`
	// KnownAt overrides the agreement view used for facts that have no
	// allocations yet and for verification. Zero keeps each run's own view.
	KnownAt time.Time `json:"known_at"`
}

// Drift is a stored allocation that no longer matches its recomputation.
type Drift struct {
	FactID      snowflake.ID `json:"fact_id"`
	RecipientID string       `json:"recipient_id"`
	Stored      int64        `json:"stored"`
	Computed    int64        `json:"computed"`
}

type ReconcileReport struct {
	RunID     string    `json:"run_id"`
	EntityID  string    `json:"entity_id"`
	From      time.Time `json:"from"`
	To        time.Time `json:"to"`
	Checked   int       `json:"checked"`
	Verified  int       `json:"verified"`
	Allocated int       `json:"allocated"`
	Blocked   int       `json:"blocked"`
	// Skipped counts facts allocated by another writer while the
	// reconciliation was staging them.
	Skipped int          `json:"skipped"`
	Drifts  []Drift      `json:"drifts,omitempty"`
	Created []Allocation `json:"created,omitempty"`
}

type Service interface {
	Allocate(ctx context.Context, factID snowflake.ID) ([]Allocation, error)
	Reconcile(ctx context.Context, req ReconcileRequest) (*ReconcileReport, error)
	ListByFact(ctx context.Context, factID snowflake.ID) ([]Allocation, error)
	ListByEntity(ctx context.Context, entityID string, from, to time.Time) ([]Allocation, error)
	ListPendingFacts(ctx context.Context, limit int) ([]snowflake.ID, error)
	ListBlockedFacts(ctx context.Context, limit int) ([]snowflake.ID, error)
}

type Repository interface {
	InsertAllocations(ctx context.Context, db *gorm.DB, allocations []Allocation) error
	ListByFact(ctx context.Context, db *gorm.DB, factID snowflake.ID) ([]Allocation, error)
	ListByEntity(ctx context.Context, db *gorm.DB, entityID string, from, to time.Time) ([]Allocation, error)
	FindRun(ctx context.Context, db *gorm.DB, factID snowflake.ID) (*Run, error)
	SaveRun(ctx context.Context, db *gorm.DB, run *Run) (bool, error)
	ListFactsWithoutRun(ctx context.Context, db *gorm.DB, limit int) ([]snowflake.ID, error)
	ListBlockedRuns(ctx context.Context, db *gorm.DB, limit int) ([]snowflake.ID, error)
}

var (
	ErrUnmappedStreamType = royaltyerr.Invalid("stream_type", "unmapped_stream_type")
	ErrInvalidEntity      = royaltyerr.Invalid("entity_id", "invalid_entity")
	ErrInvalidRange       = royaltyerr.Invalid("to", "invalid_range")
	// ErrOriginalUnallocated parks a reversal whose original has no allocations.
	ErrOriginalUnallocated = royaltyerr.Invalid("reversal_of", "original_unallocated")
)

// Block reasons stored on runs.
const (
	ReasonIntegrity          = "integrity_error"
	ReasonOriginalUnresolved = "original_unallocated"
)
