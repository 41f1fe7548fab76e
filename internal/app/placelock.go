package app

import (
	"context"
	"sync"
	"time"

	"gallery/internal/adapters/observability"
	"gallery/internal/domain"
)

// PlaceLocks serializes mutations of one place's photo set. Locks are created on
// first use and kept for the life of the process; the table is sized for gallery
// scale (thousands of places at most).
//
// The table is process-local: running more than one API instance against the same
// database needs a distributed lock instead.
type PlaceLocks struct {
	mu    sync.Mutex
	locks map[int64]chan struct{}

	// Wait bounds lock acquisition. Zero waits until ctx is done.
	Wait time.Duration
}

func NewPlaceLocks(wait time.Duration) *PlaceLocks {
	return &PlaceLocks{locks: make(map[int64]chan struct{}), Wait: wait}
}

func (l *PlaceLocks) lockFor(placeID int64) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.locks[placeID]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[placeID] = ch
	}
	return ch
}

func (l *PlaceLocks) acquire(ctx context.Context, placeID int64) (release func(), err error) {
	ch := l.lockFor(placeID)
	start := time.Now()

	var expired <-chan time.Time
	if l.Wait > 0 {
		t := time.NewTimer(l.Wait)
		defer t.Stop()
		expired = t.C
	}

	select {
	case ch <- struct{}{}:
		observability.ObserveLockWait(time.Since(start), false)
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-expired:
		observability.ObserveLockWait(time.Since(start), true)
		return nil, domain.ErrLockTimeout
	}
}

// Do runs op while holding placeID's lock. The lock is released on every exit
// path, panics included.
func (l *PlaceLocks) Do(ctx context.Context, placeID int64, op func(ctx context.Context) error) error {
	release, err := l.acquire(ctx, placeID)
	if err != nil {
		return err
	}
	defer release()
	return op(ctx)
}

// Size reports how many place locks have been created.
func (l *PlaceLocks) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

// WithPlaceLock is Do for operations that produce a value.
func WithPlaceLock[T any](ctx context.Context, l *PlaceLocks, placeID int64, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := l.Do(ctx, placeID, func(ctx context.Context) error {
		v, err := op(ctx)
		out = v
		return err
	})
	return out, err
}
