package engine

import (
	"context"
	"sync"
	"sync/atomic"
)

// Epoch is a monotonic generation counter for in-flight work.
//
// Work captures a token when it starts and checks Stale before it commits.
// Bump invalidates every outstanding token and cancels the context handed
// to the work in progress, so a running script is interrupted promptly.
//
// Thread-safety: all methods are safe for concurrent use. Bump is called
// without the engine mutex so it can reach a tick that holds it.
type Epoch struct {
	n      atomic.Uint64
	mu     sync.Mutex
	cancel context.CancelFunc
}

// Current returns the current epoch.
func (e *Epoch) Current() uint64 {
	return e.n.Load()
}

// Bump advances the epoch and cancels in-flight work.
func (e *Epoch) Bump() uint64 {
	n := e.n.Add(1)
	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.mu.Unlock()
	return n
}

// Begin starts a unit of work under the current epoch. The returned context
// is cancelled by the next Bump or by end, whichever comes first.
func (e *Epoch) Begin(parent context.Context) (ctx context.Context, token uint64, end func()) {
	ctx, cancel := context.WithCancel(parent)
	e.mu.Lock()
	token = e.n.Load()
	e.cancel = cancel
	e.mu.Unlock()
	return ctx, token, func() {
		e.mu.Lock()
		e.cancel = nil
		e.mu.Unlock()
		cancel()
	}
}

// Stale reports whether token belongs to a superseded epoch.
func (e *Epoch) Stale(token uint64) bool {
	return e.n.Load() != token
}
