package filesystem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteTracker_IdleWhenEmpty(t *testing.T) {
	t.Parallel()
	tr := newWriteTracker()
	assert.Zero(t, tr.outstanding())
	require.NoError(t, tr.wait(context.Background()))
}

func TestWriteTracker_DoneIsIdempotent(t *testing.T) {
	t.Parallel()
	tr := newWriteTracker()
	a, b := tr.start(), tr.start()
	assert.Less(t, a.ID(), b.ID())
	assert.Equal(t, 2, tr.outstanding())

	a.Done()
	a.Done()
	assert.Equal(t, 1, tr.outstanding())
	b.Done()
	assert.Zero(t, tr.outstanding())
}

func TestWriteTracker_WaitBlocksUntilDone(t *testing.T) {
	t.Parallel()
	tr := newWriteTracker()
	op := tr.start()

	done := make(chan error, 1)
	go func() { done <- tr.wait(context.Background()) }()

	select {
	case <-done:
		t.Fatal("wait returned with a write outstanding")
	case <-time.After(20 * time.Millisecond):
	}

	op.Done()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("wait did not return after Done")
	}
}

func TestWriteTracker_WaitHonorsContext(t *testing.T) {
	t.Parallel()
	tr := newWriteTracker()
	tr.start()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, tr.wait(ctx), context.DeadlineExceeded)
}

func TestWriteTracker_WaitCoversLateStarts(t *testing.T) {
	t.Parallel()
	tr := newWriteTracker()
	first := tr.start()

	done := make(chan struct{})
	go func() {
		_ = tr.wait(context.Background())
		close(done)
	}()

	second := tr.start()
	first.Done()
	select {
	case <-done:
		t.Fatal("wait returned while a later write was outstanding")
	case <-time.After(20 * time.Millisecond):
	}
	second.Done()
	<-done
}
