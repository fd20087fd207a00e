// Package lock serializes work per logical key, in process and optionally
// across processes through redis.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Unlock releases a held key.
type Unlock func()

// Locker acquires exclusive ownership of a key until Unlock is called.
type Locker interface {
	Lock(ctx context.Context, key string) (Unlock, error)
}

var ErrEmptyKey = errors.New("lock key is empty")

type keyState struct {
	ch   chan struct{}
	refs int
}

// KeyedMutex is an in-process lock per key. Unrelated keys never contend and
// idle keys are released so the map does not grow without bound.
type KeyedMutex struct {
	mu   sync.Mutex
	keys map[string]*keyState
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{keys: map[string]*keyState{}}
}

func (k *KeyedMutex) Lock(ctx context.Context, key string) (Unlock, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}

	k.mu.Lock()
	state, ok := k.keys[key]
	if !ok {
		state = &keyState{ch: make(chan struct{}, 1)}
		k.keys[key] = state
	}
	state.refs++
	k.mu.Unlock()

	select {
	case state.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, state, false)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { k.release(key, state, true) })
	}, nil
}

func (k *KeyedMutex) release(key string, state *keyState, held bool) {
	if held {
		<-state.ch
	}
	k.mu.Lock()
	state.refs--
	if state.refs == 0 {
		delete(k.keys, key)
	}
	k.mu.Unlock()
}

// Size reports how many keys are currently tracked.
func (k *KeyedMutex) Size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.keys)
}

// Chain acquires every locker in order and releases in reverse.
type Chain []Locker

func (c Chain) Lock(ctx context.Context, key string) (Unlock, error) {
	unlocks := make([]Unlock, 0, len(c))
	releaseAll := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, l := range c {
		if l == nil {
			continue
		}
		unlock, err := l.Lock(ctx, key)
		if err != nil {
			releaseAll()
			return nil, err
		}
		unlocks = append(unlocks, unlock)
	}
	return releaseAll, nil
}

func backoff(attempt int, base, max time.Duration) time.Duration {
	d := base << attempt
	if d <= 0 || d > max {
		return max
	}
	return d
}
