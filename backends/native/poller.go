package native

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Poller runs a function periodically and on demand until stopped.
type Poller struct {
	clock    clock.Clock
	interval time.Duration
	fn       func(ctx context.Context)
	trigger  chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPoller creates a stopped Poller.
func NewPoller(c clock.Clock, interval time.Duration, fn func(ctx context.Context)) *Poller {
	return &Poller{
		clock:    c,
		interval: interval,
		fn:       fn,
		trigger:  make(chan struct{}, 1),
	}
}

// Start launches the loop. Starting a running Poller is a no-op.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go p.run(ctx, p.done)
}

// Stop ends the loop and waits for a running fn to return.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Trigger schedules an immediate run. Triggers arriving while one is pending
// collapse into it.
func (p *Poller) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

func (p *Poller) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	var tick <-chan time.Time
	if p.interval > 0 {
		ticker := p.clock.Ticker(p.interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-tick:
		case <-p.trigger:
		case <-ctx.Done():
			return
		}
		p.fn(ctx)
	}
}
