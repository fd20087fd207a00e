package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusLive       Status = "live"
	StatusFailed     Status = "failed"
	StatusRemoved    Status = "removed"
)

// rank orders statuses along the lifecycle. live and failed are siblings.
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusProcessing:
		return 1
	case StatusLive, StatusFailed:
		return 2
	case StatusRemoved:
		return 3
	}
	return -1
}

// Record tracks one release on one platform.
type Record struct {
	ID                snowflake.ID `gorm:"primaryKey" json:"id"`
	ReleaseID         string       `gorm:"type:text;not null;uniqueIndex:ux_distribution_records_release,priority:1" json:"release_id"`
	PlatformID        string       `gorm:"type:text;not null;uniqueIndex:ux_distribution_records_release,priority:2;uniqueIndex:ux_distribution_records_platform_release,priority:1" json:"platform_id"`
	PlatformReleaseID *string      `gorm:"type:text;uniqueIndex:ux_distribution_records_platform_release,priority:2" json:"platform_release_id,omitempty"`
	Status            Status       `gorm:"type:text;not null;index" json:"status"`
	SubmittedAt       *time.Time   `json:"submitted_at,omitempty"`
	LiveDate          *time.Time   `json:"live_date,omitempty"`
	ErrorMessage      *string      `gorm:"type:text" json:"error_message,omitempty"`
	Attempts          int          `gorm:"not null" json:"attempts"`
	LastTransitionAt  time.Time    `gorm:"not null" json:"last_transition_at"`
	CreatedAt         time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt         time.Time    `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (Record) TableName() string { return "distribution_records" }

type CallbackType string

const (
	CallbackProcessing CallbackType = "processing"
	CallbackAccepted   CallbackType = "accepted"
	CallbackRejected   CallbackType = "rejected"
	CallbackRemoved    CallbackType = "removed"
)

// Target is the status a callback asks for.
func (c CallbackType) Target() (Status, bool) {
	switch c {
	case CallbackProcessing:
		return StatusProcessing, true
	case CallbackAccepted:
		return StatusLive, true
	case CallbackRejected:
		return StatusFailed, true
	case CallbackRemoved:
		return StatusRemoved, true
	}
	return "", false
}

// Callback is the canonical platform notification parsed by a Platform.
type Callback struct {
	PlatformReleaseID string
	Type              CallbackType
	EventAt           time.Time
	Message           string
}

// Event is the audit trail of every callback received, applied or not.
type Event struct {
	ID                snowflake.ID   `gorm:"primaryKey" json:"id"`
	PlatformID        string         `gorm:"type:text;not null;uniqueIndex:ux_distribution_events_dedup,priority:1" json:"platform_id"`
	PlatformReleaseID string         `gorm:"type:text;not null;uniqueIndex:ux_distribution_events_dedup,priority:2" json:"platform_release_id"`
	EventType         CallbackType   `gorm:"type:text;not null;uniqueIndex:ux_distribution_events_dedup,priority:3" json:"event_type"`
	EventAt           time.Time      `gorm:"not null;uniqueIndex:ux_distribution_events_dedup,priority:4" json:"event_at"`
	RecordID          snowflake.ID   `gorm:"not null;index" json:"record_id"`
	Applied           bool           `gorm:"not null" json:"applied"`
	Reason            string         `gorm:"type:text" json:"reason,omitempty"`
	Message           string         `gorm:"type:text" json:"message,omitempty"`
	Payload           datatypes.JSON `json:"payload,omitempty"`
	ReceivedAt        time.Time      `gorm:"not null" json:"received_at"`
}

// TableName sets the database table name.
func (Event) TableName() string { return "distribution_events" }

// Discard reasons for callbacks that do not change a record.
const (
	ReasonStale             = "stale"
	ReasonBackward          = "backward"
	ReasonNoChange          = "no_change"
	ReasonInvalidTransition = "invalid_transition"
)

// NextStatus decides whether a callback observed at eventAt moves a record.
// A non-empty reason means the callback is discarded.
func NextStatus(record Record, callback Callback) (Status, string) {
	target, ok := callback.Type.Target()
	if !ok {
		return record.Status, ReasonInvalidTransition
	}
	if callback.EventAt.Before(record.LastTransitionAt) {
		return record.Status, ReasonStale
	}
	if target == record.Status {
		return record.Status, ReasonNoChange
	}
	if target.rank() < record.Status.rank() {
		return record.Status, ReasonBackward
	}
	if !callbackTransitions[record.Status][target] {
		return record.Status, ReasonInvalidTransition
	}
	return target, ""
}

var callbackTransitions = map[Status]map[Status]bool{
	StatusPending:    {StatusProcessing: true},
	StatusProcessing: {StatusLive: true, StatusFailed: true},
	StatusLive:       {StatusRemoved: true},
}
