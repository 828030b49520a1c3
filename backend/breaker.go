package backend

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while the upstream circuit is open. Callers
// should shed the request instead of queuing behind a failing backend.
var ErrCircuitOpen = errors.New("upstream circuit open")

// BreakerState is the circuit position of a BreakerInvoker.
type BreakerState int

const (
	// BreakerClosed passes every call through.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects calls until the cooldown elapses.
	BreakerOpen
	// BreakerHalfOpen lets calls through to test upstream recovery.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// BreakerInvoker wraps an Invoker with a circuit breaker so a failing
// upstream sheds load fast instead of tying every request up in timeouts.
// failLimit consecutive failures open the circuit; after cooldown it goes
// half-open and lets trial calls through, and trialSuccesses consecutive
// successes close it again. Any failure while half-open reopens it for a
// fresh cooldown.
type BreakerInvoker struct {
	next           Invoker
	failLimit      int
	trialSuccesses int
	cooldown       time.Duration
	nowFn          func() time.Time

	mu        sync.Mutex
	state     BreakerState
	fails     int
	successes int
	reopenAt  time.Time
}

// WithBreaker guards next with a circuit breaker. Zero or negative
// parameters select the defaults: 5 failures, 1 trial success, 30s cooldown.
func WithBreaker(next Invoker, failLimit, trialSuccesses int, cooldown time.Duration) *BreakerInvoker {
	if failLimit <= 0 {
		failLimit = 5
	}
	if trialSuccesses <= 0 {
		trialSuccesses = 1
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &BreakerInvoker{
		next:           next,
		failLimit:      failLimit,
		trialSuccesses: trialSuccesses,
		cooldown:       cooldown,
		nowFn:          time.Now,
	}
}

// Invoke passes the request to the wrapped Invoker unless the circuit is
// open, and feeds the call outcome back into the breaker.
func (b *BreakerInvoker) Invoke(ctx context.Context, req Request) (*Result, error) {
	if !b.admit() {
		return nil, ErrCircuitOpen
	}
	result, err := b.next.Invoke(ctx, req)
	b.observe(err == nil)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// State reports the circuit position, resolving an elapsed cooldown to
// half-open. Exposed for health reporting.
func (b *BreakerInvoker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resolve()
}

// resolve must be called with b.mu held.
func (b *BreakerInvoker) resolve() BreakerState {
	if b.state == BreakerOpen && !b.nowFn().Before(b.reopenAt) {
		b.state = BreakerHalfOpen
		b.successes = 0
	}
	return b.state
}

func (b *BreakerInvoker) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resolve() != BreakerOpen
}

func (b *BreakerInvoker) observe(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ok {
		switch b.state {
		case BreakerHalfOpen:
			b.successes++
			if b.successes >= b.trialSuccesses {
				b.state = BreakerClosed
				b.fails = 0
			}
		case BreakerClosed:
			b.fails = 0
		}
		return
	}

	switch b.state {
	case BreakerClosed:
		b.fails++
		if b.fails >= b.failLimit {
			b.trip()
		}
	case BreakerHalfOpen:
		b.trip()
	}
}

// trip must be called with b.mu held.
func (b *BreakerInvoker) trip() {
	b.state = BreakerOpen
	b.reopenAt = b.nowFn().Add(b.cooldown)
	b.successes = 0
}
