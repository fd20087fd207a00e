package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	m := NewKeyedMutex()
	ctx := context.Background()

	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := m.Lock(ctx, "recipient-1|USD")
			if !assert.NoError(t, err) {
				return
			}
			defer unlock()

			n := atomic.AddInt32(&active, 1)
			for {
				cur := atomic.LoadInt32(&maxActive)
				if n <= cur || atomic.CompareAndSwapInt32(&maxActive, cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxActive)
	assert.Equal(t, 0, m.Size())
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	m := NewKeyedMutex()
	ctx := context.Background()

	unlockA, err := m.Lock(ctx, "a")
	require.NoError(t, err)
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB, err := m.Lock(ctx, "b")
		if err == nil {
			unlockB()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key blocked")
	}
}

func TestKeyedMutexHonorsContext(t *testing.T) {
	m := NewKeyedMutex()

	unlock, err := m.Lock(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Lock(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock()
	assert.Equal(t, 0, m.Size())
}

func TestChainReleasesOnFailure(t *testing.T) {
	first := NewKeyedMutex()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Chain{first, failingLocker{}}.Lock(context.Background(), "k")
	assert.Error(t, err)
	assert.Equal(t, 0, first.Size())

	_, err = first.Lock(ctx, "")
	assert.ErrorIs(t, err, ErrEmptyKey)
}

type failingLocker struct{}

func (failingLocker) Lock(context.Context, string) (Unlock, error) {
	return nil, context.Canceled
}

func TestBackoffCaps(t *testing.T) {
	assert.Equal(t, 10*time.Millisecond, backoff(0, 10*time.Millisecond, time.Second))
	assert.Equal(t, 40*time.Millisecond, backoff(2, 10*time.Millisecond, time.Second))
	assert.Equal(t, time.Second, backoff(20, 10*time.Millisecond, time.Second))
	assert.Equal(t, time.Second, backoff(70, 10*time.Millisecond, time.Second))
}
