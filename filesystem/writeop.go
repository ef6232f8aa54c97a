package filesystem

import (
	"context"
	"sync"
	"sync/atomic"
)

// WriteOperation is a one-shot durability token. It is handed out at the start
// of every mutating call and marked done once the mutation is persisted or has
// failed.
type WriteOperation struct {
	id      uint64
	tracker *writeTracker
	once    sync.Once
}

// ID returns the operation's sequence number.
func (op *WriteOperation) ID() uint64 {
	return op.id
}

// Done marks the operation finished. Subsequent calls are no-ops.
func (op *WriteOperation) Done() {
	op.once.Do(func() {
		op.tracker.finish(op.id)
	})
}

// writeTracker keeps the set of outstanding write operations. Durability means
// the set is empty.
type writeTracker struct {
	lastID  atomic.Uint64
	mu      sync.Mutex
	pending map[uint64]struct{}
	idle    chan struct{} // closed whenever pending is empty
}

func newWriteTracker() *writeTracker {
	idle := make(chan struct{})
	close(idle)
	return &writeTracker{
		pending: make(map[uint64]struct{}),
		idle:    idle,
	}
}

func (t *writeTracker) start() *WriteOperation {
	op := &WriteOperation{id: t.lastID.Add(1), tracker: t}
	t.mu.Lock()
	if len(t.pending) == 0 {
		t.idle = make(chan struct{})
	}
	t.pending[op.id] = struct{}{}
	t.mu.Unlock()
	return op
}

func (t *writeTracker) finish(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[id]; !ok {
		return
	}
	delete(t.pending, id)
	if len(t.pending) == 0 {
		close(t.idle)
	}
}

func (t *writeTracker) outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// wait blocks until no operations are outstanding or ctx ends. Operations
// started while waiting extend the wait.
func (t *writeTracker) wait(ctx context.Context) error {
	for {
		t.mu.Lock()
		if len(t.pending) == 0 {
			t.mu.Unlock()
			return nil
		}
		idle := t.idle
		t.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
