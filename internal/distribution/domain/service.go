package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/royalty/internal/royaltyerr"
	"gorm.io/gorm"
)

type CallbackStatus string

const (
	CallbackStatusApplied   CallbackStatus = "applied"
	CallbackStatusDiscarded CallbackStatus = "discarded"
	CallbackStatusDuplicate CallbackStatus = "duplicate"
)

type CallbackResult struct {
	Status CallbackStatus `json:"status"`
	Reason string         `json:"reason,omitempty"`
	Record *Record        `json:"record,omitempty"`
}

type Service interface {
	Submit(ctx context.Context, releaseID, platformID string) (*Record, error)
	Retry(ctx context.Context, releaseID, platformID string) (*Record, error)
	ApplyCallback(ctx context.Context, platformID string, payload []byte) (*CallbackResult, error)
	Takedown(ctx context.Context, releaseID, platformID string) (*Record, error)
	Get(ctx context.Context, releaseID, platformID string) (*Record, error)
	ListByRelease(ctx context.Context, releaseID string) ([]Record, error)
}

// Platform is the capability surface every distribution target implements.
type Platform interface {
	ID() string
	Submit(ctx context.Context, req SubmitRequest) (string, error)
	Cancel(ctx context.Context, platformReleaseID string) error
	ParseCallback(ctx context.Context, payload []byte) (*Callback, error)
}

type SubmitRequest struct {
	ReleaseID string
	Attempt   int
}

// StatusChange is published after a record transition commits.
type StatusChange struct {
	ReleaseID         string    `json:"release_id"`
	PlatformID        string    `json:"platform_id"`
	PlatformReleaseID string    `json:"platform_release_id,omitempty"`
	From              Status    `json:"from"`
	To                Status    `json:"to"`
	At                time.Time `json:"at"`
	Message           string    `json:"message,omitempty"`
}

type StatusPublisher interface {
	Publish(ctx context.Context, change StatusChange) error
}

// NoopPublisher drops every change.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, StatusChange) error { return nil }

type Repository interface {
	InsertRecord(ctx context.Context, db *gorm.DB, record *Record) (bool, error)
	FindRecord(ctx context.Context, db *gorm.DB, releaseID, platformID string) (*Record, error)
	FindByPlatformRelease(ctx context.Context, db *gorm.DB, platformID, platformReleaseID string) (*Record, error)
	ListByRelease(ctx context.Context, db *gorm.DB, releaseID string) ([]Record, error)
	UpdateRecord(ctx context.Context, db *gorm.DB, id snowflake.ID, from Status, values map[string]any) (bool, error)
	InsertEvent(ctx context.Context, db *gorm.DB, event *Event) (bool, error)
}

var (
	ErrInvalidRelease         = royaltyerr.Invalid("release_id", "invalid_release")
	ErrUnknownRelease         = royaltyerr.Invalid("release_id", "unknown_release")
	ErrInvalidPlatform        = royaltyerr.Invalid("platform_id", "invalid_platform")
	ErrPlatformNotFound       = royaltyerr.Invalid("platform_id", "platform_not_found")
	ErrInvalidCallback        = errors.New("invalid_callback")
	ErrUnknownPlatformRelease = errors.New("unknown_platform_release")

	ErrRecordNotFound = fmt.Errorf("distribution record %w", royaltyerr.ErrNotFound)

	// ErrRetryLimitExceeded leaves a record permanently failed.
	ErrRetryLimitExceeded = &royaltyerr.StateTransitionError{
		Resource: "distribution",
		From:     string(StatusFailed),
		To:       string(StatusPending),
		Reason:   "retry_limit_exceeded",
	}
)
