package domain

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/royalty/internal/royaltyerr"
	"github.com/smallbiznis/royalty/pkg/db/pagination"
	"gorm.io/gorm"
)

type IngestStatus string

const (
	IngestStatusAccepted  IngestStatus = "accepted"
	IngestStatusDuplicate IngestStatus = "duplicate"
)

// IngestRequest is a revenue report line as received from a feed. Amount is a
// decimal string in Currency. For reversals only ReversalOf and IngestionID
// are required; the remaining fields are inherited from the original.
type IngestRequest struct {
	EntityID    string    `json:"entity_id"`
	EntityType  string    `json:"entity_type"`
	PlatformID  string    `json:"platform_id"`
	StreamType  string    `json:"stream_type"`
	Amount      string    `json:"amount"`
	Currency    string    `json:"currency"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	Country     string    `json:"country,omitempty"`
	Quantity    *int64    `json:"quantity,omitempty"`
	IngestionID string    `json:"ingestion_id"`
	ReversalOf  string    `json:"reversal_of,omitempty"`
}

type IngestResult struct {
	Status IngestStatus `json:"status"`
	Fact   RevenueFact  `json:"fact"`
}

// QueryRequest selects facts of one entity whose reporting period overlaps
// [From, To). A zero bound is open.
type QueryRequest struct {
	EntityID string
	From     time.Time
	To       time.Time
	After    *Cursor
}

type Service interface {
	Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error)
	Get(ctx context.Context, id snowflake.ID) (*RevenueFact, error)
	Query(ctx context.Context, req QueryRequest) iter.Seq2[RevenueFact, error]
	List(ctx context.Context, req QueryRequest, page pagination.Pagination) ([]RevenueFact, *pagination.PageInfo, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, fact *RevenueFact) (bool, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*RevenueFact, error)
	FindByDedupKey(ctx context.Context, db *gorm.DB, key DedupKey) (*RevenueFact, error)
	FindReversalOf(ctx context.Context, db *gorm.DB, id snowflake.ID) (*RevenueFact, error)
	ListOverlapping(ctx context.Context, db *gorm.DB, req QueryRequest, limit int) ([]RevenueFact, error)
}

var (
	ErrInvalidEntity      = royaltyerr.Invalid("entity_id", "invalid_entity")
	ErrUnknownEntity      = royaltyerr.Invalid("entity_id", "unknown_entity")
	ErrInvalidEntityType  = royaltyerr.Invalid("entity_type", "invalid_entity_type")
	ErrInvalidPlatform    = royaltyerr.Invalid("platform_id", "invalid_platform")
	ErrInvalidStreamType  = royaltyerr.Invalid("stream_type", "invalid_stream_type")
	ErrInvalidAmount      = royaltyerr.Invalid("amount", "invalid_amount")
	ErrNegativeAmount     = royaltyerr.Invalid("amount", "negative_amount")
	ErrInvalidPeriod      = royaltyerr.Invalid("period_end", "invalid_period")
	ErrInvalidCountry     = royaltyerr.Invalid("country", "invalid_country")
	ErrInvalidQuantity    = royaltyerr.Invalid("quantity", "invalid_quantity")
	ErrInvalidIngestionID = royaltyerr.Invalid("ingestion_id", "invalid_ingestion_id")
	ErrInvalidReversalOf  = royaltyerr.Invalid("reversal_of", "invalid_reversal_of")
	ErrUnknownOriginal    = royaltyerr.Invalid("reversal_of", "unknown_original")
	ErrReversalOfReversal = royaltyerr.Invalid("reversal_of", "reversal_of_reversal")
	ErrAlreadyReversed    = royaltyerr.Invalid("reversal_of", "already_reversed")
	ErrReversalMismatch   = royaltyerr.Invalid("reversal_of", "reversal_mismatch")
	ErrReversalAmount     = royaltyerr.Invalid("amount", "reversal_amount_mismatch")
	ErrInvalidCursor      = royaltyerr.Invalid("page_token", "invalid_cursor")

	ErrFactNotFound = fmt.Errorf("revenue_fact %w", royaltyerr.ErrNotFound)
)
