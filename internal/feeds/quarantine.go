package feeds

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/segmentio/kafka-go"
	"github.com/smallbiznis/royalty/internal/clock"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// QuarantinedMessage is a feed message that could not be applied and was
// set aside so the partition can make progress.
type QuarantinedMessage struct {
	ID        snowflake.ID   `gorm:"primaryKey" json:"id"`
	Topic     string         `gorm:"type:text;not null;uniqueIndex:ux_feed_quarantine_offset,priority:1" json:"topic"`
	Partition int            `gorm:"not null;uniqueIndex:ux_feed_quarantine_offset,priority:2" json:"partition"`
	Offset    int64          `gorm:"not null;uniqueIndex:ux_feed_quarantine_offset,priority:3" json:"offset"`
	Key       string         `gorm:"type:text" json:"key,omitempty"`
	Payload   string         `gorm:"type:text;not null" json:"payload"`
	Reason    string         `gorm:"type:text;not null;index" json:"reason"`
	Error     string         `gorm:"type:text;not null" json:"error"`
	Attempts  int            `gorm:"not null" json:"attempts"`
	Headers   datatypes.JSON `json:"headers,omitempty"`
	CreatedAt time.Time      `gorm:"not null" json:"created_at"`
}

// TableName sets the database table name.
func (QuarantinedMessage) TableName() string { return "feed_quarantine" }

type Quarantine struct {
	db    *gorm.DB
	genID *snowflake.Node
	clock clock.Clock
}

func NewQuarantine(db *gorm.DB, genID *snowflake.Node, clk clock.Clock) *Quarantine {
	return &Quarantine{db: db, genID: genID, clock: clk}
}

// Put stores msg once per topic, partition and offset.
func (q *Quarantine) Put(ctx context.Context, msg kafka.Message, reason string, cause error, attempts int) (bool, error) {
	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	rawHeaders, err := json.Marshal(headers)
	if err != nil {
		return false, err
	}

	row := QuarantinedMessage{
		ID:        q.genID.Generate(),
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       string(msg.Key),
		Payload:   string(msg.Value),
		Reason:    reason,
		Error:     cause.Error(),
		Attempts:  attempts,
		Headers:   datatypes.JSON(rawHeaders),
		CreatedAt: q.clock.Now(),
	}
	res := q.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// List returns quarantined messages, newest first. An empty topic lists all.
func (q *Quarantine) List(ctx context.Context, topic string, limit int) ([]QuarantinedMessage, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	stmt := q.db.WithContext(ctx).Order("id DESC").Limit(limit)
	if topic = strings.TrimSpace(topic); topic != "" {
		stmt = stmt.Where("topic = ?", topic)
	}
	var rows []QuarantinedMessage
	if err := stmt.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
