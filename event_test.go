package projectfs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifierOrderAndRemoval(t *testing.T) {
	t.Parallel()
	var n Notifier
	var got []string
	a := n.OnChange(func(ChangeEvent) { got = append(got, "a") })
	n.OnChange(func(ChangeEvent) { got = append(got, "b") })

	n.Emit(ChangeEvent{})
	assert.Equal(t, []string{"a", "b"}, got)

	n.RemoveOnChange(a)
	n.RemoveOnChange(ListenerToken(999))
	got = nil
	n.Emit(ChangeEvent{})
	assert.Equal(t, []string{"b"}, got)
	assert.Equal(t, 1, n.Len())

	n.Clear()
	assert.Zero(t, n.Len())
}

func TestNotifierReentrantListener(t *testing.T) {
	t.Parallel()
	var n Notifier
	calls := 0
	var token ListenerToken
	token = n.OnChange(func(ChangeEvent) {
		calls++
		n.RemoveOnChange(token)
		n.OnChange(func(ChangeEvent) {})
	})

	n.Emit(ChangeEvent{})
	n.Emit(ChangeEvent{})
	assert.Equal(t, 1, calls)
}

func TestSubscribe(t *testing.T) {
	t.Parallel()
	var n Notifier
	ch, cancel := n.Subscribe(1)

	ev := ChangeEvent{Kind: KindFile, Path: ParsePath("a"), Type: ChangeCreated}
	n.Emit(ev)
	n.Emit(ChangeEvent{Type: ChangeDeleted}) // dropped, buffer full
	assert.Equal(t, ev, <-ch)
	assert.Empty(t, ch)

	cancel()
	cancel()
	n.Emit(ev)
	_, open := <-ch
	assert.False(t, open)
	assert.Zero(t, n.Len())
}

func TestSubscribeClosedByClear(t *testing.T) {
	t.Parallel()
	var n Notifier
	ch, cancel := n.Subscribe(4)
	n.Emit(ChangeEvent{Type: ChangeCreated})

	done := make(chan []ChangeEvent)
	go func() {
		var got []ChangeEvent
		for ev := range ch {
			got = append(got, ev)
		}
		done <- got
	}()

	n.Clear()
	select {
	case got := <-done:
		assert.Len(t, got, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("range over subscription did not end after Clear")
	}
	cancel()
}

func TestSubscribeCancelDuringEmit(t *testing.T) {
	t.Parallel()
	var n Notifier
	var wg sync.WaitGroup
	for range 20 {
		ch, cancel := n.Subscribe(1)
		wg.Go(func() {
			for range 50 {
				n.Emit(ChangeEvent{})
			}
		})
		wg.Go(func() {
			cancel()
			for range ch {
			}
		})
	}
	wg.Wait()
	assert.Zero(t, n.Len())
}

func TestNotifierConcurrentUse(t *testing.T) {
	t.Parallel()
	var n Notifier
	var wg sync.WaitGroup
	for range 20 {
		wg.Go(func() {
			token := n.OnChange(func(ChangeEvent) {})
			n.Emit(ChangeEvent{})
			n.RemoveOnChange(token)
		})
	}
	wg.Wait()
	require.Zero(t, n.Len())
}

func TestUserGesture(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	assert.False(t, HasUserGesture(ctx))
	assert.True(t, HasUserGesture(WithUserGesture(ctx)))
}

func TestBackendKindValid(t *testing.T) {
	t.Parallel()
	assert.True(t, BackendPointerTree.Valid())
	assert.False(t, BackendKind("tape").Valid())
}
