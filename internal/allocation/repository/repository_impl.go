package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	allocationdomain "github.com/smallbiznis/royalty/internal/allocation/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() allocationdomain.Repository {
	return &repo{}
}

func (r *repo) InsertAllocations(ctx context.Context, db *gorm.DB, allocations []allocationdomain.Allocation) error {
	for _, a := range allocations {
		err := db.WithContext(ctx).Exec(
			`INSERT INTO allocations (
				id, revenue_fact_id, split_type, recipient_id, entity_id,
				amount, currency, period_start, period_end, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (revenue_fact_id, split_type, recipient_id) DO NOTHING`,
			a.ID,
			a.RevenueFactID,
			a.SplitType,
			a.RecipientID,
			a.EntityID,
			a.Amount,
			a.Currency,
			a.PeriodStart,
			a.PeriodEnd,
			a.CreatedAt,
		).Error
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *repo) ListByFact(ctx context.Context, db *gorm.DB, factID snowflake.ID) ([]allocationdomain.Allocation, error) {
	var items []allocationdomain.Allocation
	err := db.WithContext(ctx).
		Where("revenue_fact_id = ?", factID).
		Order("recipient_id ASC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListByEntity(ctx context.Context, db *gorm.DB, entityID string, from, to time.Time) ([]allocationdomain.Allocation, error) {
	stmt := db.WithContext(ctx).Where("entity_id = ?", entityID)
	if !to.IsZero() {
		stmt = stmt.Where("period_start < ?", to)
	}
	if !from.IsZero() {
		stmt = stmt.Where("period_end > ?", from)
	}

	var items []allocationdomain.Allocation
	err := stmt.Order("period_start ASC").Order("revenue_fact_id ASC").Order("recipient_id ASC").Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) FindRun(ctx context.Context, db *gorm.DB, factID snowflake.ID) (*allocationdomain.Run, error) {
	var run allocationdomain.Run
	err := db.WithContext(ctx).Where("fact_id = ?", factID).First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// SaveRun upserts the run of a fact and reports whether it was written. An
// allocated run is final and never downgraded, so a false return means
// another writer already allocated the fact.
func (r *repo) SaveRun(ctx context.Context, db *gorm.DB, run *allocationdomain.Run) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO allocation_runs (
			fact_id, entity_id, split_type, status, reason, details, known_at, attempts, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT (fact_id) DO UPDATE SET
			status = excluded.status,
			reason = excluded.reason,
			details = excluded.details,
			known_at = excluded.known_at,
			attempts = allocation_runs.attempts + 1,
			updated_at = excluded.updated_at
		WHERE allocation_runs.status <> ?`,
		run.FactID,
		run.EntityID,
		run.SplitType,
		run.Status,
		run.Reason,
		run.Details,
		run.KnownAt,
		run.CreatedAt,
		run.UpdatedAt,
		allocationdomain.RunStatusAllocated,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ListFactsWithoutRun(ctx context.Context, db *gorm.DB, limit int) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := db.WithContext(ctx).Raw(
		`SELECT f.id FROM revenue_facts f
		 LEFT JOIN allocation_runs r ON r.fact_id = f.id
		 WHERE r.fact_id IS NULL
		 ORDER BY f.id ASC
		 LIMIT ?`,
		limit,
	).Scan(&ids).Error
	return ids, err
}

func (r *repo) ListBlockedRuns(ctx context.Context, db *gorm.DB, limit int) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := db.WithContext(ctx).Raw(
		`SELECT fact_id FROM allocation_runs
		 WHERE status = ?
		 ORDER BY updated_at ASC, fact_id ASC
		 LIMIT ?`,
		allocationdomain.RunStatusBlocked,
		limit,
	).Scan(&ids).Error
	return ids, err
}
