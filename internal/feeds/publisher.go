package feeds

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"
	distributiondomain "github.com/smallbiznis/royalty/internal/distribution/domain"
	"github.com/smallbiznis/royalty/internal/royaltyerr"
)

// Writer is the subset of *kafka.Writer the publisher uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// StatusPublisher emits distribution status changes keyed by release, so one
// release's changes stay ordered within a partition.
type StatusPublisher struct {
	writer Writer
}

func NewStatusPublisher(writer Writer) *StatusPublisher {
	return &StatusPublisher{writer: writer}
}

func (p *StatusPublisher) Publish(ctx context.Context, change distributiondomain.StatusChange) error {
	value, err := json.Marshal(change)
	if err != nil {
		return err
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(change.ReleaseID),
		Value: value,
		Time:  change.At,
		Headers: []kafka.Header{
			{Key: platformHeader, Value: []byte(change.PlatformID)},
		},
	})
	return royaltyerr.External("kafka", err)
}
