package projectfs

import (
	"sync"
	"sync/atomic"
)

// ChangeType describes what happened to a node.
type ChangeType string

const (
	ChangeCreated ChangeType = "created"
	ChangeChanged ChangeType = "changed"
	ChangeDeleted ChangeType = "deleted"
)

// ChangeEvent is emitted after every mutation. External is true when the change
// was detected rather than performed by this instance.
type ChangeEvent struct {
	External bool       `json:"external"`
	Kind     Kind       `json:"kind"`
	Path     Path       `json:"path"`
	Type     ChangeType `json:"type"`
}

// ChangeListener receives change events synchronously.
type ChangeListener func(ChangeEvent)

// ListenerToken identifies a registered listener for later removal.
type ListenerToken uint64

type listenerEntry struct {
	token ListenerToken
	fn    ChangeListener
}

// Notifier fans change events out to registered listeners in registration
// order. The zero value is ready to use.
type Notifier struct {
	mu        sync.RWMutex
	listeners []listenerEntry
	subs      map[ListenerToken]*subscription
	nextToken atomic.Uint64
}

// subscription is the listener side of a Subscribe channel.
type subscription struct {
	mu     sync.Mutex
	ch     chan ChangeEvent
	closed bool
}

func (s *subscription) send(ev ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
	default:
	}
}

func (s *subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// OnChange registers fn and returns a token for RemoveOnChange.
func (n *Notifier) OnChange(fn ChangeListener) ListenerToken {
	return n.add(fn, nil)
}

func (n *Notifier) add(fn ChangeListener, sub *subscription) ListenerToken {
	token := ListenerToken(n.nextToken.Add(1))
	n.mu.Lock()
	n.listeners = append(n.listeners, listenerEntry{token: token, fn: fn})
	if sub != nil {
		if n.subs == nil {
			n.subs = map[ListenerToken]*subscription{}
		}
		n.subs[token] = sub
	}
	n.mu.Unlock()
	return token
}

// RemoveOnChange unregisters the listener, closing its channel if it came from
// Subscribe. Unknown tokens are ignored.
func (n *Notifier) RemoveOnChange(token ListenerToken) {
	n.mu.Lock()
	for i, l := range n.listeners {
		if l.token == token {
			n.listeners = append(n.listeners[:i:i], n.listeners[i+1:]...)
			break
		}
	}
	sub := n.subs[token]
	delete(n.subs, token)
	n.mu.Unlock()

	if sub != nil {
		sub.close()
	}
}

// Subscribe returns a buffered channel receiving every event and a cancel func
// that unregisters it. Events are dropped if the buffer is full so a slow
// reader never blocks an emitter. The channel is closed by cancel or Clear.
func (n *Notifier) Subscribe(buffer int) (<-chan ChangeEvent, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscription{ch: make(chan ChangeEvent, buffer)}
	token := n.add(sub.send, sub)
	return sub.ch, func() { n.RemoveOnChange(token) }
}

// Emit delivers ev to every listener. Listeners added or removed during Emit
// take effect for the next event.
func (n *Notifier) Emit(ev ChangeEvent) {
	n.mu.RLock()
	listeners := make([]listenerEntry, len(n.listeners))
	copy(listeners, n.listeners)
	n.mu.RUnlock()

	for _, l := range listeners {
		l.fn(ev)
	}
}

// Clear unregisters all listeners and closes every subscription channel.
func (n *Notifier) Clear() {
	n.mu.Lock()
	subs := n.subs
	n.listeners, n.subs = nil, nil
	n.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

// Len returns the number of registered listeners.
func (n *Notifier) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.listeners)
}
