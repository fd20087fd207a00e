package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	distributiondomain "github.com/smallbiznis/royalty/internal/distribution/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() distributiondomain.Repository {
	return &repo{}
}

func (r *repo) InsertRecord(ctx context.Context, db *gorm.DB, record *distributiondomain.Record) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`INSERT INTO distribution_records (
			id, release_id, platform_id, status, attempts, last_transition_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (release_id, platform_id) DO NOTHING`,
		record.ID,
		record.ReleaseID,
		record.PlatformID,
		record.Status,
		record.Attempts,
		record.LastTransitionAt,
		record.CreatedAt,
		record.UpdatedAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindRecord(ctx context.Context, db *gorm.DB, releaseID, platformID string) (*distributiondomain.Record, error) {
	return first(db.WithContext(ctx).Where("release_id = ? AND platform_id = ?", releaseID, platformID))
}

func (r *repo) FindByPlatformRelease(ctx context.Context, db *gorm.DB, platformID, platformReleaseID string) (*distributiondomain.Record, error) {
	return first(db.WithContext(ctx).Where("platform_id = ? AND platform_release_id = ?", platformID, platformReleaseID))
}

func first(stmt *gorm.DB) (*distributiondomain.Record, error) {
	var record distributiondomain.Record
	err := stmt.First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *repo) ListByRelease(ctx context.Context, db *gorm.DB, releaseID string) ([]distributiondomain.Record, error) {
	var items []distributiondomain.Record
	err := db.WithContext(ctx).
		Where("release_id = ?", releaseID).
		Order("platform_id ASC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

// UpdateRecord applies values only while the record is still in from.
func (r *repo) UpdateRecord(ctx context.Context, db *gorm.DB, id snowflake.ID, from distributiondomain.Status, values map[string]any) (bool, error) {
	result := db.WithContext(ctx).
		Model(&distributiondomain.Record{}).
		Where("id = ? AND status = ?", id, from).
		Updates(values)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) InsertEvent(ctx context.Context, db *gorm.DB, event *distributiondomain.Event) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`INSERT INTO distribution_events (
			id, platform_id, platform_release_id, event_type, event_at, record_id,
			applied, reason, message, payload, received_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (platform_id, platform_release_id, event_type, event_at) DO NOTHING`,
		event.ID,
		event.PlatformID,
		event.PlatformReleaseID,
		event.EventType,
		event.EventAt,
		event.RecordID,
		event.Applied,
		event.Reason,
		event.Message,
		event.Payload,
		event.ReceivedAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
