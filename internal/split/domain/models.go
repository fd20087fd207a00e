// Package domain contains split agreement models.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

type SplitType string

const (
	SplitTypeMaster      SplitType = "master"
	SplitTypePublishing  SplitType = "publishing"
	SplitTypePerformance SplitType = "performance"
	SplitTypeSync        SplitType = "sync"
)

func (t SplitType) Valid() bool {
	switch t {
	case SplitTypeMaster, SplitTypePublishing, SplitTypePerformance, SplitTypeSync:
		return true
	}
	return false
}

// Agreement grants a recipient a percentage of an entity's revenue of one
// split type from EffectiveDate until EndDate (exclusive, open when nil).
//
// Rows are never rewritten except to close an open EndDate. RecordedAt and
// EndRecordedAt record when each fact became known so that resolution can be
// replayed as of any past instant.
type Agreement struct {
	ID            snowflake.ID    `gorm:"primaryKey" json:"id"`
	EntityID      string          `gorm:"type:text;not null;index:ix_split_agreements_entity_type,priority:1" json:"entity_id"`
	SplitType     SplitType       `gorm:"type:text;not null;index:ix_split_agreements_entity_type,priority:2" json:"split_type"`
	RecipientID   string          `gorm:"type:text;not null;index" json:"recipient_id"`
	Percentage    decimal.Decimal `gorm:"type:text;not null" json:"percentage"`
	EffectiveDate time.Time       `gorm:"not null" json:"effective_date"`
	EndDate       *time.Time      `json:"end_date,omitempty"`
	RecordedAt    time.Time       `gorm:"not null" json:"recorded_at"`
	EndRecordedAt *time.Time      `json:"end_recorded_at,omitempty"`
}

// TableName sets the database table name.
func (Agreement) TableName() string { return "split_agreements" }

// VisibleAt reports whether the agreement had been recorded by knownAt.
func (a Agreement) VisibleAt(knownAt time.Time) bool {
	return !a.RecordedAt.After(knownAt)
}

// EndAsOf returns the end date as it was known at knownAt.
func (a Agreement) EndAsOf(knownAt time.Time) *time.Time {
	if a.EndDate == nil {
		return nil
	}
	if a.EndRecordedAt != nil && a.EndRecordedAt.After(knownAt) {
		return nil
	}
	return a.EndDate
}

// ActiveAt reports whether the agreement covers instant t as known at knownAt.
func (a Agreement) ActiveAt(t, knownAt time.Time) bool {
	if !a.VisibleAt(knownAt) || t.Before(a.EffectiveDate) {
		return false
	}
	end := a.EndAsOf(knownAt)
	return end == nil || t.Before(*end)
}

// Share is one recipient's percentage within a window.
type Share struct {
	AgreementID snowflake.ID    `json:"agreement_id"`
	RecipientID string          `json:"recipient_id"`
	Percentage  decimal.Decimal `json:"percentage"`
}

// Window is a sub-interval of a reporting period with a constant share set.
type Window struct {
	Start        time.Time     `json:"start"`
	End          time.Time     `json:"end"`
	Elapsed      time.Duration `json:"elapsed"`
	PeriodLength time.Duration `json:"period_length"`
	Shares       []Share       `json:"shares"`
}

// Resolution is the ordered window set covering a whole reporting period.
type Resolution struct {
	EntityID    string    `json:"entity_id"`
	SplitType   SplitType `json:"split_type"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	KnownAt     time.Time `json:"known_at"`
	Windows     []Window  `json:"windows"`
}
