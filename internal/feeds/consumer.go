// Package feeds connects the engine to kafka: revenue reports and platform
// callbacks are consumed from topics and distribution status changes are
// published to one.
package feeds

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	obsmetrics "github.com/smallbiznis/royalty/internal/observability/metrics"
	"github.com/smallbiznis/royalty/internal/royaltyerr"
	"go.uber.org/zap"
)

// Reader is the subset of *kafka.Reader the consumer drives.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Handler applies one message. Errors are classified with royaltyerr: only
// retryable ones are attempted again.
type Handler func(ctx context.Context, msg kafka.Message) error

type ConsumerConfig struct {
	Name        string
	Workers     int
	MaxAttempts int
	Backoff     time.Duration
}

func (c ConsumerConfig) withDefaults() ConsumerConfig {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.Backoff <= 0 {
		c.Backoff = 200 * time.Millisecond
	}
	return c
}

// Consumer fans messages out to a worker pool. Every partition is pinned to
// one worker so offsets are committed in order.
type Consumer struct {
	cfg        ConsumerConfig
	reader     Reader
	handle     Handler
	quarantine *Quarantine
	log        *zap.Logger
	obsMetrics *obsmetrics.Metrics
	wg         sync.WaitGroup
}

func NewConsumer(cfg ConsumerConfig, reader Reader, handle Handler, quarantine *Quarantine, log *zap.Logger, m *obsmetrics.Metrics) *Consumer {
	cfg = cfg.withDefaults()
	return &Consumer{
		cfg:        cfg,
		reader:     reader,
		handle:     handle,
		quarantine: quarantine,
		log:        log.Named("feeds." + cfg.Name),
		obsMetrics: m,
	}
}

// Run blocks until ctx is cancelled, then drains the workers and closes the
// reader.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info("starting feed consumer",
		zap.Int("workers", c.cfg.Workers),
		zap.Int("max_attempts", c.cfg.MaxAttempts),
	)

	queues := make([]chan kafka.Message, c.cfg.Workers)
	for i := range queues {
		queues[i] = make(chan kafka.Message, 1)
		c.wg.Add(1)
		go c.worker(ctx, queues[i])
	}

	c.readMessages(ctx, queues)

	for _, q := range queues {
		close(q)
	}
	c.wg.Wait()

	if err := c.reader.Close(); err != nil {
		c.log.Error("closing reader failed", zap.Error(err))
		return err
	}
	c.log.Info("feed consumer stopped")
	return nil
}

func (c *Consumer) readMessages(ctx context.Context, queues []chan kafka.Message) {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Error("fetching message failed", zap.Error(err))
			if !sleep(ctx, c.cfg.Backoff) {
				return
			}
			continue
		}

		q := queues[partitionSlot(msg.Partition, len(queues))]
		select {
		case q <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Consumer) worker(ctx context.Context, queue <-chan kafka.Message) {
	defer c.wg.Done()
	for msg := range queue {
		if ctx.Err() != nil {
			continue
		}
		c.process(ctx, msg)
	}
}

// process applies msg and commits it once it is either applied or
// quarantined. A cancelled context leaves it uncommitted for redelivery.
func (c *Consumer) process(ctx context.Context, msg kafka.Message) {
	log := c.log.With(
		zap.String("topic", msg.Topic),
		zap.Int("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
	)

	var (
		err      error
		attempts int
	)
	for attempts = 1; attempts <= c.cfg.MaxAttempts; attempts++ {
		err = c.handle(ctx, msg)
		if err == nil || !royaltyerr.Retryable(err) || ctx.Err() != nil {
			break
		}
		log.Warn("feed message failed, retrying", zap.Int("attempt", attempts), zap.Error(err))
		if !sleep(ctx, c.cfg.Backoff*time.Duration(1<<(attempts-1))) {
			return
		}
	}
	if ctx.Err() != nil {
		return
	}
	if attempts > c.cfg.MaxAttempts {
		attempts = c.cfg.MaxAttempts
	}

	if err != nil && !errors.Is(err, royaltyerr.ErrDuplicate) {
		reason := string(royaltyerr.KindOf(err))
		if _, qerr := c.quarantine.Put(ctx, msg, reason, err, attempts); qerr != nil {
			log.Error("quarantining feed message failed", zap.Error(qerr))
			return
		}
		c.obsMetrics.RecordFeedQuarantined(ctx, msg.Topic, reason)
		log.Warn("feed message quarantined", zap.String("reason", reason), zap.Int("attempts", attempts), zap.Error(err))
	}

	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		log.Error("committing offset failed", zap.Error(err))
	}
}

func partitionSlot(partition, workers int) int {
	if partition < 0 {
		partition = -partition
	}
	return partition % workers
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
