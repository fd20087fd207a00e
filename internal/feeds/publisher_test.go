package feeds

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	distributiondomain "github.com/smallbiznis/royalty/internal/distribution/domain"
	"github.com/smallbiznis/royalty/internal/royaltyerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func TestStatusPublisherKeysByRelease(t *testing.T) {
	writer := &fakeWriter{}
	change := distributiondomain.StatusChange{
		ReleaseID:  "rel-1",
		PlatformID: "manual",
		From:       distributiondomain.StatusProcessing,
		To:         distributiondomain.StatusLive,
		At:         time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, NewStatusPublisher(writer).Publish(context.Background(), change))

	require.Len(t, writer.msgs, 1)
	assert.Equal(t, "rel-1", string(writer.msgs[0].Key))
	assert.Equal(t, "manual", headerValue(writer.msgs[0], platformHeader))

	var decoded distributiondomain.StatusChange
	require.NoError(t, json.Unmarshal(writer.msgs[0].Value, &decoded))
	assert.Equal(t, distributiondomain.StatusLive, decoded.To)
}

func TestStatusPublisherWrapsWriterErrors(t *testing.T) {
	writer := &fakeWriter{err: errors.New("broker down")}
	err := NewStatusPublisher(writer).Publish(context.Background(), distributiondomain.StatusChange{ReleaseID: "rel-1"})
	require.Error(t, err)
	assert.Equal(t, royaltyerr.KindExternal, royaltyerr.KindOf(err))
}
