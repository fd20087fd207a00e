package feeds

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/smallbiznis/royalty/internal/clock"
	"github.com/smallbiznis/royalty/internal/engine/enginetest"
	"github.com/smallbiznis/royalty/internal/royaltyerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeReader serves a fixed list of messages and then blocks.
type fakeReader struct {
	mu        sync.Mutex
	pending   []kafka.Message
	committed []kafka.Message
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.pending) > 0 {
		msg := r.pending[0]
		r.pending = r.pending[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) commits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.committed)
}

func message(topic string, partition int, offset int64, value string) kafka.Message {
	return kafka.Message{Topic: topic, Partition: partition, Offset: offset, Value: []byte(value)}
}

func runConsumer(t *testing.T, reader *fakeReader, handle Handler, q *Quarantine, want int) {
	t.Helper()
	consumer := NewConsumer(ConsumerConfig{
		Name:        "test",
		Workers:     3,
		MaxAttempts: 3,
		Backoff:     time.Millisecond,
	}, reader, handle, q, zap.NewNop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	require.Eventually(t, func() bool { return reader.commits() == want }, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.True(t, reader.closed)
}

func newQuarantine(t *testing.T, h *enginetest.Harness) *Quarantine {
	t.Helper()
	require.NoError(t, h.DB.AutoMigrate(&QuarantinedMessage{}))
	return NewQuarantine(h.DB, h.Node, clock.NewFakeClock(enginetest.Epoch))
}

func TestConsumerCommitsEveryMessageInPartitionOrder(t *testing.T) {
	h := enginetest.New(t)
	q := newQuarantine(t, h)

	var (
		mu   sync.Mutex
		seen = map[int][]int64{}
	)
	handle := func(_ context.Context, msg kafka.Message) error {
		mu.Lock()
		defer mu.Unlock()
		seen[msg.Partition] = append(seen[msg.Partition], msg.Offset)
		return nil
	}

	reader := &fakeReader{}
	for offset := int64(0); offset < 4; offset++ {
		for partition := 0; partition < 4; partition++ {
			reader.pending = append(reader.pending, message("revenue", partition, offset, "{}"))
		}
	}
	runConsumer(t, reader, handle, q, 16)

	for partition := 0; partition < 4; partition++ {
		assert.Equal(t, []int64{0, 1, 2, 3}, seen[partition])
	}
}

func TestConsumerRetriesRetryableErrorsThenQuarantines(t *testing.T) {
	h := enginetest.New(t)
	q := newQuarantine(t, h)

	var calls atomic.Int32
	handle := func(context.Context, kafka.Message) error {
		calls.Add(1)
		return royaltyerr.External("platform:manual", errors.New("unavailable"))
	}

	reader := &fakeReader{pending: []kafka.Message{message("callbacks", 0, 7, `{"x":1}`)}}
	runConsumer(t, reader, handle, q, 1)

	assert.Equal(t, int32(3), calls.Load())
	rows, err := q.List(context.Background(), "callbacks", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, string(royaltyerr.KindExternal), rows[0].Reason)
	assert.Equal(t, 3, rows[0].Attempts)
	assert.Equal(t, int64(7), rows[0].Offset)
	assert.Equal(t, `{"x":1}`, rows[0].Payload)
}

func TestConsumerQuarantinesPermanentErrorsWithoutRetry(t *testing.T) {
	h := enginetest.New(t)
	q := newQuarantine(t, h)

	var calls atomic.Int32
	handle := func(context.Context, kafka.Message) error {
		calls.Add(1)
		return ErrMalformedPayload
	}

	reader := &fakeReader{pending: []kafka.Message{message("revenue", 1, 3, "not json")}}
	runConsumer(t, reader, handle, q, 1)

	assert.Equal(t, int32(1), calls.Load())
	rows, err := q.List(context.Background(), "", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, string(royaltyerr.KindValidation), rows[0].Reason)
}

func TestQuarantinePutIsIdempotentPerOffset(t *testing.T) {
	h := enginetest.New(t)
	q := newQuarantine(t, h)

	msg := message("revenue", 0, 1, "bad")
	msg.Headers = []kafka.Header{{Key: "platform", Value: []byte("manual")}}
	ok, err := q.Put(context.Background(), msg, "validation_error", ErrMalformedPayload, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.Put(context.Background(), msg, "validation_error", ErrMalformedPayload, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	rows, err := q.List(context.Background(), "revenue", 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.JSONEq(t, `{"platform":"manual"}`, string(rows[0].Headers))
}

func TestPartitionSlot(t *testing.T) {
	assert.Equal(t, 0, partitionSlot(0, 3))
	assert.Equal(t, 2, partitionSlot(5, 3))
	assert.Equal(t, 1, partitionSlot(-1, 3))
}
