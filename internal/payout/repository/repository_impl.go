package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	payoutdomain "github.com/smallbiznis/royalty/internal/payout/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() payoutdomain.Repository {
	return &repo{}
}

func (r *repo) InsertEntry(ctx context.Context, db *gorm.DB, entry *payoutdomain.AccrualEntry) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`INSERT INTO accrual_entries (
			id, source_type, source_id, recipient_id, currency, amount, payout_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (source_type, source_id) DO NOTHING`,
		entry.ID,
		entry.SourceType,
		entry.SourceID,
		entry.RecipientID,
		entry.Currency,
		entry.Amount,
		entry.PayoutID,
		entry.CreatedAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) AddToBalance(ctx context.Context, db *gorm.DB, recipientID, currency string, delta int64, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO accruals (recipient_id, currency, balance, version, updated_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT (recipient_id, currency) DO UPDATE SET
			balance = accruals.balance + excluded.balance,
			version = accruals.version + 1,
			updated_at = excluded.updated_at`,
		recipientID,
		currency,
		delta,
		now,
	).Error
}

func (r *repo) FindAccrual(ctx context.Context, db *gorm.DB, recipientID, currency string) (*payoutdomain.Accrual, error) {
	var accrual payoutdomain.Accrual
	err := db.WithContext(ctx).
		Where("recipient_id = ? AND currency = ?", recipientID, currency).
		First(&accrual).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &accrual, nil
}

// CompareAndSetBalance writes balance only if the accrual still carries the
// version and balance that were read.
func (r *repo) CompareAndSetBalance(ctx context.Context, db *gorm.DB, current payoutdomain.Accrual, balance int64, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE accruals
		SET balance = ?, version = version + 1, updated_at = ?
		WHERE recipient_id = ? AND currency = ? AND version = ? AND balance = ?`,
		balance,
		now,
		current.RecipientID,
		current.Currency,
		current.Version,
		current.Balance,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) ListOpenAccruals(ctx context.Context, db *gorm.DB, after payoutdomain.AccrualKey, limit int) ([]payoutdomain.Accrual, error) {
	stmt := db.WithContext(ctx).Where("balance > 0")
	if after.RecipientID != "" {
		stmt = stmt.Where("(recipient_id > ? OR (recipient_id = ? AND currency > ?))",
			after.RecipientID, after.RecipientID, after.Currency)
	}
	var items []payoutdomain.Accrual
	err := stmt.Order("recipient_id ASC").Order("currency ASC").Limit(limit).Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) LinkEntries(ctx context.Context, db *gorm.DB, recipientID, currency string, payoutID snowflake.ID) error {
	return db.WithContext(ctx).Exec(
		`UPDATE accrual_entries SET payout_id = ?
		WHERE recipient_id = ? AND currency = ? AND source_type = ? AND payout_id IS NULL`,
		payoutID,
		recipientID,
		currency,
		payoutdomain.EntrySourceAllocation,
	).Error
}

func (r *repo) UnlinkEntries(ctx context.Context, db *gorm.DB, payoutID snowflake.ID) error {
	return db.WithContext(ctx).Exec(
		`UPDATE accrual_entries SET payout_id = NULL
		WHERE payout_id = ? AND source_type = ?`,
		payoutID,
		payoutdomain.EntrySourceAllocation,
	).Error
}

func (r *repo) ListEntriesByPayout(ctx context.Context, db *gorm.DB, payoutID snowflake.ID) ([]payoutdomain.AccrualEntry, error) {
	var items []payoutdomain.AccrualEntry
	err := db.WithContext(ctx).
		Where("payout_id = ?", payoutID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) InsertPayout(ctx context.Context, db *gorm.DB, payout *payoutdomain.Payout) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`INSERT INTO payouts (
			id, recipient_id, currency, schedule_date, attempt, amount, fee, method, status,
			settlement_currency, settlement_amount, fx_rate, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (recipient_id, currency, schedule_date, attempt) DO NOTHING`,
		payout.ID,
		payout.RecipientID,
		payout.Currency,
		payout.ScheduleDate,
		payout.Attempt,
		payout.Amount,
		payout.Fee,
		payout.Method,
		payout.Status,
		payout.SettlementCurrency,
		payout.SettlementAmount,
		payout.FXRate,
		payout.CreatedAt,
		payout.UpdatedAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindPayout(ctx context.Context, db *gorm.DB, id snowflake.ID) (*payoutdomain.Payout, error) {
	var payout payoutdomain.Payout
	err := db.WithContext(ctx).Where("id = ?", id).First(&payout).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &payout, nil
}

func (r *repo) FindLatestForBatch(ctx context.Context, db *gorm.DB, recipientID, currency string, scheduleDate time.Time) (*payoutdomain.Payout, error) {
	var payout payoutdomain.Payout
	err := db.WithContext(ctx).
		Where("recipient_id = ? AND currency = ? AND schedule_date = ?", recipientID, currency, scheduleDate).
		Order("attempt DESC").
		First(&payout).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &payout, nil
}

func (r *repo) ListPayoutsByRecipient(ctx context.Context, db *gorm.DB, recipientID string) ([]payoutdomain.Payout, error) {
	var items []payoutdomain.Payout
	err := db.WithContext(ctx).
		Where("recipient_id = ?", recipientID).
		Order("schedule_date DESC").
		Order("currency ASC").
		Order("attempt DESC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListPendingPayouts(ctx context.Context, db *gorm.DB, recipientID, currency string) ([]payoutdomain.Payout, error) {
	var items []payoutdomain.Payout
	err := db.WithContext(ctx).
		Where("recipient_id = ? AND currency = ? AND status = ?", recipientID, currency, payoutdomain.StatusPending).
		Order("schedule_date ASC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from []payoutdomain.Status, update payoutdomain.StatusUpdate) (bool, error) {
	values := map[string]any{
		"status":     update.Status,
		"updated_at": update.UpdatedAt,
	}
	if update.ReferenceNumber != nil {
		values["reference_number"] = *update.ReferenceNumber
	}
	if update.FailureReason != nil {
		values["failure_reason"] = *update.FailureReason
	}
	if update.CompletedAt != nil {
		values["completed_at"] = *update.CompletedAt
	}
	result := db.WithContext(ctx).
		Model(&payoutdomain.Payout{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(values)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}
