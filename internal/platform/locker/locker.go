// Package locker provides an in-process keyed mutex used to serialize
// writes per key when no database is available.
package locker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrLockTimeout is returned when a key could not be acquired before the
// wait deadline.
var ErrLockTimeout = errors.New("lock wait timed out")

type entry struct {
	ch   chan struct{}
	refs int
}

// KeyedMutex grants exclusive ownership per string key. Entries are
// reference counted and freed when no goroutine holds or awaits them.
type KeyedMutex struct {
	mu      sync.Mutex
	locks   map[string]*entry
	timeout time.Duration
}

// New returns a KeyedMutex whose acquisitions wait at most timeout
// (zero means until the caller's context ends).
func New(timeout time.Duration) *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*entry), timeout: timeout}
}

func (k *KeyedMutex) acquire(key string) *entry {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	return e
}

func (k *KeyedMutex) release(key string, e *entry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
}

// Lock blocks until key is owned or ctx ends. The returned func releases it.
func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	e := k.acquire(key)
	select {
	case e.ch <- struct{}{}:
		return func() {
			<-e.ch
			k.release(key, e)
		}, nil
	case <-ctx.Done():
		k.release(key, e)
		return nil, fmt.Errorf("%w: %s: %v", ErrLockTimeout, key, ctx.Err())
	}
}

// Serialize acquires every key in sorted order, runs fn and releases the
// keys in reverse order. Duplicate keys are taken once.
func (k *KeyedMutex) Serialize(ctx context.Context, keys []string, fn func(ctx context.Context) error) error {
	waitCtx := ctx
	if k.timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, k.timeout)
		defer cancel()
	}

	ordered := Normalize(keys)
	unlocks := make([]func(), 0, len(ordered))
	defer func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}()
	for _, key := range ordered {
		unlock, err := k.Lock(waitCtx, key)
		if err != nil {
			return err
		}
		unlocks = append(unlocks, unlock)
	}
	return fn(ctx)
}

// Held returns the number of keys currently tracked.
func (k *KeyedMutex) Held() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

// Normalize returns keys sorted with duplicates removed. Every multi-key
// acquisition uses this order.
func Normalize(keys []string) []string {
	out := append([]string(nil), keys...)
	sort.Strings(out)
	n := 0
	for i, key := range out {
		if i > 0 && key == out[n-1] {
			continue
		}
		out[n] = key
		n++
	}
	return out[:n]
}
