// Package domain contains the revenue ledger model.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type EntityType string

const (
	EntityTypeRelease EntityType = "release"
	EntityTypeTrack   EntityType = "track"
)

type StreamType string

const (
	StreamTypeStreaming   StreamType = "streaming"
	StreamTypeDownload    StreamType = "download"
	StreamTypeSync        StreamType = "sync"
	StreamTypePerformance StreamType = "performance"
	StreamTypeMechanical  StreamType = "mechanical"
)

// Valid reports whether t is a known stream type.
func (t StreamType) Valid() bool {
	switch t {
	case StreamTypeStreaming, StreamTypeDownload, StreamTypeSync, StreamTypePerformance, StreamTypeMechanical:
		return true
	}
	return false
}

// RevenueFact is an immutable revenue report line. Corrections are new facts
// pointing at the original through ReversalOf.
type RevenueFact struct {
	ID          snowflake.ID  `gorm:"primaryKey" json:"id"`
	EntityID    string        `gorm:"type:text;not null;uniqueIndex:ux_revenue_facts_dedup,priority:2;index:ix_revenue_facts_entity_period,priority:1" json:"entity_id"`
	EntityType  EntityType    `gorm:"type:text;not null" json:"entity_type"`
	PlatformID  string        `gorm:"type:text;not null;uniqueIndex:ux_revenue_facts_dedup,priority:1" json:"platform_id"`
	StreamType  StreamType    `gorm:"type:text;not null" json:"stream_type"`
	Amount      int64         `gorm:"not null" json:"amount"`
	Currency    string        `gorm:"type:text;not null" json:"currency"`
	PeriodStart time.Time     `gorm:"not null;uniqueIndex:ux_revenue_facts_dedup,priority:3;index:ix_revenue_facts_entity_period,priority:2" json:"period_start"`
	PeriodEnd   time.Time     `gorm:"not null;uniqueIndex:ux_revenue_facts_dedup,priority:4" json:"period_end"`
	Country     *string       `gorm:"type:text" json:"country,omitempty"`
	Quantity    *int64        `json:"quantity,omitempty"`
	IngestionID string        `gorm:"type:text;not null;uniqueIndex:ux_revenue_facts_dedup,priority:5" json:"ingestion_id"`
	ReversalOf  *snowflake.ID `gorm:"uniqueIndex:ux_revenue_facts_reversal_of" json:"reversal_of,omitempty"`
	IngestedAt  time.Time     `gorm:"not null;index" json:"ingested_at"`
}

// TableName sets the database table name.
func (RevenueFact) TableName() string { return "revenue_facts" }

// IsReversal reports whether the fact negates an earlier one.
func (f RevenueFact) IsReversal() bool { return f.ReversalOf != nil && *f.ReversalOf != 0 }

// DedupKey identifies a report line across replays of the same feed.
type DedupKey struct {
	PlatformID  string
	EntityID    string
	PeriodStart time.Time
	PeriodEnd   time.Time
	IngestionID string
}

func (k DedupKey) Equal(o DedupKey) bool {
	return k.PlatformID == o.PlatformID &&
		k.EntityID == o.EntityID &&
		k.PeriodStart.Equal(o.PeriodStart) &&
		k.PeriodEnd.Equal(o.PeriodEnd) &&
		k.IngestionID == o.IngestionID
}

func (f RevenueFact) DedupKey() DedupKey {
	return DedupKey{
		PlatformID:  f.PlatformID,
		EntityID:    f.EntityID,
		PeriodStart: f.PeriodStart,
		PeriodEnd:   f.PeriodEnd,
		IngestionID: f.IngestionID,
	}
}

// Cursor is the keyset position of a fact in (period_start, period_end, id) order.
type Cursor struct {
	PeriodStart time.Time
	PeriodEnd   time.Time
	ID          snowflake.ID
}

func (f RevenueFact) Cursor() Cursor {
	return Cursor{PeriodStart: f.PeriodStart, PeriodEnd: f.PeriodEnd, ID: f.ID}
}
