// Package domain contains allocation models.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Allocation is one recipient's share of a revenue fact. It is derived and
// can always be recomputed from the fact and the agreements known at the
// run's KnownAt.
type Allocation struct {
	ID            snowflake.ID `gorm:"primaryKey" json:"id"`
	RevenueFactID snowflake.ID `gorm:"not null;uniqueIndex:ux_allocations_fact_recipient,priority:1" json:"revenue_fact_id"`
	SplitType     string       `gorm:"type:text;not null;uniqueIndex:ux_allocations_fact_recipient,priority:2" json:"split_type"`
	RecipientID   string       `gorm:"type:text;not null;uniqueIndex:ux_allocations_fact_recipient,priority:3;index" json:"recipient_id"`
	EntityID      string       `gorm:"type:text;not null;index:ix_allocations_entity_period,priority:1" json:"entity_id"`
	Amount        int64        `gorm:"not null" json:"amount"`
	Currency      string       `gorm:"type:text;not null" json:"currency"`
	PeriodStart   time.Time    `gorm:"not null;index:ix_allocations_entity_period,priority:2" json:"period_start"`
	PeriodEnd     time.Time    `gorm:"not null" json:"period_end"`
	CreatedAt     time.Time    `gorm:"not null" json:"created_at"`
}

// TableName sets the database table name.
func (Allocation) TableName() string { return "allocations" }

type RunStatus string

const (
	RunStatusAllocated RunStatus = "allocated"
	RunStatusBlocked   RunStatus = "blocked"
)

// Run records the allocation outcome of one fact.
type Run struct {
	FactID    snowflake.ID   `gorm:"primaryKey;autoIncrement:false" json:"fact_id"`
	EntityID  string         `gorm:"type:text;not null;index" json:"entity_id"`
	SplitType string         `gorm:"type:text;not null" json:"split_type"`
	Status    RunStatus      `gorm:"type:text;not null;index" json:"status"`
	Reason    string         `gorm:"type:text" json:"reason,omitempty"`
	Details   datatypes.JSON `json:"details,omitempty"`
	KnownAt   time.Time      `gorm:"not null" json:"known_at"`
	Attempts  int            `gorm:"not null;default:1" json:"attempts"`
	CreatedAt time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (Run) TableName() string { return "allocation_runs" }
