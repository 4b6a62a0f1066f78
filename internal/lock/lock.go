// Package lock provides mutual exclusion keyed by therapist.
//
// Keyed serialises callers inside one process. Redis extends the same
// guarantee across processes sharing a Redis instance.
package lock

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"therapybook/internal/model"
)

// Locker acquires an exclusive lock for key. The returned unlock func is safe
// to call more than once. When ctx ends before the lock is free the error wraps
// model.ErrConcurrentModification.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// TherapistKey is the lock key used for booking writes of one therapist.
func TherapistKey(therapistID int64) string {
	return "therapist:" + strconv.FormatInt(therapistID, 10)
}

type entry struct {
	ch   chan struct{}
	refs int
}

// Keyed is an in-process Locker. Entries are reference counted and dropped
// once no caller holds or waits for them.
type Keyed struct {
	mu    sync.Mutex
	locks map[string]*entry
}

func NewKeyed() *Keyed {
	return &Keyed{locks: make(map[string]*entry)}
}

func (k *Keyed) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, e)
		return nil, fmt.Errorf("lock %s: %w: %w", key, model.ErrConcurrentModification, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			k.release(key, e)
		})
	}, nil
}

func (k *Keyed) release(key string, e *entry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
}

// size reports the number of live entries.
func (k *Keyed) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
