package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/royalty/internal/ledger/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() ledgerdomain.Repository {
	return &repo{}
}

const factColumns = `id, entity_id, entity_type, platform_id, stream_type, amount, currency,
	period_start, period_end, country, quantity, ingestion_id, reversal_of, ingested_at`

// Insert writes fact unless a fact with the same dedup key exists. It reports
// whether a row was written.
func (r *repo) Insert(ctx context.Context, db *gorm.DB, fact *ledgerdomain.RevenueFact) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`INSERT INTO revenue_facts (`+factColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (platform_id, entity_id, period_start, period_end, ingestion_id) DO NOTHING`,
		fact.ID,
		fact.EntityID,
		fact.EntityType,
		fact.PlatformID,
		fact.StreamType,
		fact.Amount,
		fact.Currency,
		fact.PeriodStart,
		fact.PeriodEnd,
		fact.Country,
		fact.Quantity,
		fact.IngestionID,
		fact.ReversalOf,
		fact.IngestedAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*ledgerdomain.RevenueFact, error) {
	var fact ledgerdomain.RevenueFact
	err := db.WithContext(ctx).Where("id = ?", id).First(&fact).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &fact, nil
}

func (r *repo) FindByDedupKey(ctx context.Context, db *gorm.DB, key ledgerdomain.DedupKey) (*ledgerdomain.RevenueFact, error) {
	var fact ledgerdomain.RevenueFact
	err := db.WithContext(ctx).
		Where("platform_id = ? AND entity_id = ? AND period_start = ? AND period_end = ? AND ingestion_id = ?",
			key.PlatformID, key.EntityID, key.PeriodStart, key.PeriodEnd, key.IngestionID).
		First(&fact).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &fact, nil
}

func (r *repo) FindReversalOf(ctx context.Context, db *gorm.DB, id snowflake.ID) (*ledgerdomain.RevenueFact, error) {
	var fact ledgerdomain.RevenueFact
	err := db.WithContext(ctx).Where("reversal_of = ?", id).First(&fact).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &fact, nil
}

// ListOverlapping returns up to limit facts of an entity overlapping the
// requested range, strictly after req.After in keyset order.
func (r *repo) ListOverlapping(ctx context.Context, db *gorm.DB, req ledgerdomain.QueryRequest, limit int) ([]ledgerdomain.RevenueFact, error) {
	stmt := db.WithContext(ctx).Model(&ledgerdomain.RevenueFact{}).Where("entity_id = ?", req.EntityID)
	if !req.To.IsZero() {
		stmt = stmt.Where("period_start < ?", req.To)
	}
	if !req.From.IsZero() {
		stmt = stmt.Where("period_end > ?", req.From)
	}
	if c := req.After; c != nil {
		stmt = stmt.Where(
			"((period_start > ?) OR (period_start = ? AND period_end > ?) OR (period_start = ? AND period_end = ? AND id > ?))",
			c.PeriodStart,
			c.PeriodStart, c.PeriodEnd,
			c.PeriodStart, c.PeriodEnd, c.ID,
		)
	}

	var facts []ledgerdomain.RevenueFact
	err := stmt.Order("period_start ASC").Order("period_end ASC").Order("id ASC").
		Limit(limit).
		Find(&facts).Error
	if err != nil {
		return nil, err
	}
	return facts, nil
}
