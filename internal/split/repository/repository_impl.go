package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	splitdomain "github.com/smallbiznis/royalty/internal/split/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() splitdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, a *splitdomain.Agreement) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO split_agreements (
			id, entity_id, split_type, recipient_id, percentage,
			effective_date, end_date, recorded_at, end_recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID,
		a.EntityID,
		a.SplitType,
		a.RecipientID,
		a.Percentage.String(),
		a.EffectiveDate,
		a.EndDate,
		a.RecordedAt,
		a.EndRecordedAt,
	).Error
}

// ListByEntity returns every recorded agreement of (entity, split type) that
// starts before the given instant, regardless of when it was recorded.
func (r *repo) ListByEntity(ctx context.Context, db *gorm.DB, entityID string, splitType splitdomain.SplitType, before time.Time) ([]splitdomain.Agreement, error) {
	stmt := db.WithContext(ctx).
		Where("entity_id = ? AND split_type = ?", entityID, splitType)
	if !before.IsZero() {
		stmt = stmt.Where("effective_date < ?", before)
	}

	var items []splitdomain.Agreement
	err := stmt.Order("effective_date ASC").Order("recipient_id ASC").Order("id ASC").Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

// Close sets the end date of a still open agreement.
func (r *repo) Close(ctx context.Context, db *gorm.DB, id snowflake.ID, endDate, recordedAt time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE split_agreements
		 SET end_date = ?, end_recorded_at = ?
		 WHERE id = ? AND end_date IS NULL`,
		endDate,
		recordedAt,
		id,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
