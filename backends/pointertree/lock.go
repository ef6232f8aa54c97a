package pointertree

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/brettbedarf/projectfs/internal/util"
	"github.com/brettbedarf/projectfs/store"
	"github.com/google/uuid"
)

// lockRecord is the sentinel kept under system/systemLock.
type lockRecord struct {
	TS    int64  `json:"ts"` // unix milliseconds
	Owner string `json:"owner"`
}

// advisoryLock is a cooperative lock shared through the store. A sentinel
// older than timeout is considered abandoned and is taken over. Goroutines of
// this process queue FIFO in front of it.
type advisoryLock struct {
	store     store.Store
	clock     clock.Clock
	timeout   time.Duration
	retry     time.Duration
	queueWarn int
	owner     string

	mu       sync.Mutex
	held     bool
	queue    []chan struct{}
	sentinel []byte // value written by the current holder
}

func newAdvisoryLock(s store.Store, c clock.Clock, timeout, retry time.Duration, queueWarn int) *advisoryLock {
	return &advisoryLock{
		store:     s,
		clock:     c,
		timeout:   timeout,
		retry:     retry,
		queueWarn: queueWarn,
		owner:     uuid.NewString(),
	}
}

// acquire blocks until this process holds the lock. It fails only when ctx
// ends or the store is gone.
func (l *advisoryLock) acquire(ctx context.Context) error {
	if err := l.acquireLocal(ctx); err != nil {
		return err
	}
	if err := l.acquireShared(ctx); err != nil {
		l.releaseLocal()
		return err
	}
	return nil
}

func (l *advisoryLock) acquireLocal(ctx context.Context) error {
	logger := util.GetLogger("PointerTree.Lock")

	l.mu.Lock()
	if !l.held {
		l.held = true
		l.mu.Unlock()
		return nil
	}
	wake := make(chan struct{})
	l.queue = append(l.queue, wake)
	if n := len(l.queue); n > l.queueWarn {
		logger.Warn().Int("waiting", n).Msg("Lock queue is long")
	}
	l.mu.Unlock()

	select {
	case <-wake:
		// ownership was handed over by releaseLocal
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		for i, ch := range l.queue {
			if ch == wake {
				l.queue = append(l.queue[:i], l.queue[i+1:]...)
				l.mu.Unlock()
				return ctx.Err()
			}
		}
		l.mu.Unlock()
		// woken concurrently with cancellation; pass the lock on
		l.releaseLocal()
		return ctx.Err()
	}
}

// releaseLocal wakes the next local waiter or marks the lock free.
func (l *advisoryLock) releaseLocal() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		l.held = false
		return
	}
	next := l.queue[0]
	l.queue = l.queue[1:]
	close(next)
}

func (l *advisoryLock) acquireShared(ctx context.Context) error {
	for {
		if err := l.store.Alive(ctx); err != nil {
			return err
		}

		now := l.clock.Now()
		mine, err := json.Marshal(lockRecord{TS: now.UnixMilli(), Owner: l.owner})
		if err != nil {
			return err
		}

		ok, err := l.tryAcquire(ctx, now, mine)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		select {
		case <-l.clock.After(l.retry):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// tryAcquire writes mine as sentinel if there is none or the existing one is
// stale.
func (l *advisoryLock) tryAcquire(ctx context.Context, now time.Time, mine []byte) (bool, error) {
	cur, err := l.store.Get(ctx, store.BucketSystem, keySystemLock)
	var prev []byte
	switch {
	case errors.Is(err, store.ErrKeyNotFound):
	case err != nil:
		return false, err
	default:
		var rec lockRecord
		if jerr := json.Unmarshal(cur, &rec); jerr == nil && now.Sub(time.UnixMilli(rec.TS)) < l.timeout {
			return false, nil
		}
		logger := util.GetLogger("PointerTree.Lock")
		logger.Debug().Bytes("sentinel", cur).Msg("Taking over stale lock")
		prev = cur
	}

	ok, err := l.store.CompareAndSwap(ctx, store.BucketSystem, keySystemLock, prev, mine)
	if err != nil || !ok {
		return false, err
	}
	l.mu.Lock()
	l.sentinel = mine
	l.mu.Unlock()
	return true, nil
}

// release deletes the sentinel if it is still ours and hands the lock to the
// next local waiter.
func (l *advisoryLock) release(ctx context.Context) {
	logger := util.GetLogger("PointerTree.Lock")

	l.mu.Lock()
	mine := l.sentinel
	l.sentinel = nil
	l.mu.Unlock()

	if mine != nil {
		ok, err := l.store.CompareAndSwap(context.WithoutCancel(ctx), store.BucketSystem, keySystemLock, mine, nil)
		if err != nil {
			logger.Debug().Err(err).Msg("Failed to clear lock sentinel")
		} else if !ok {
			logger.Warn().Msg("Lock sentinel was taken over before release")
		}
	}
	l.releaseLocal()
}

// heldBy reports whether sentinel currently in the store belongs to this lock.
func (l *advisoryLock) heldBy(ctx context.Context) bool {
	cur, err := l.store.Get(ctx, store.BucketSystem, keySystemLock)
	if err != nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sentinel != nil && bytes.Equal(cur, l.sentinel)
}
