package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultInterval is the wall-clock time between scheduled ticks.
const DefaultInterval = 500 * time.Millisecond

// scheduler repeats Step on a ticker until stopped or the simulation
// completes.
//
// A tick that is still running when the ticker fires is not queued behind:
// time.Ticker drops ticks for slow receivers, and Step itself skips when
// another tick is in flight.
type scheduler struct {
	engine *Engine

	mu      sync.Mutex
	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Start begins periodic ticking. It returns immediately.
//
// Refused while replay is active or if the scheduler is already running.
func (e *Engine) Start(ctx context.Context, interval time.Duration) error {
	e.mu.Lock()
	replaying := e.replaying != nil
	e.mu.Unlock()
	if replaying {
		return newRuntimeError(ErrCodeReplayActive, "cannot start the scheduler during replay")
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return e.sched.start(ctx, interval)
}

// Stop halts periodic ticking and bumps the epoch so a tick in flight is
// discarded. It waits for the ticking goroutine to exit. Safe to call when
// not running.
func (e *Engine) Stop() {
	e.sched.stop()
}

// Running reports whether the scheduler is ticking.
func (e *Engine) Running() bool {
	return e.sched.running.Load()
}

// Wait blocks until the scheduler halts on its own or ctx is done.
func (e *Engine) Wait(ctx context.Context) error {
	e.sched.mu.Lock()
	done := e.sched.done
	e.sched.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *scheduler) start(parent context.Context, interval time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return newRuntimeError(ErrCodeSchedulerRunning, "scheduler already running")
	}
	if s.cancel != nil {
		s.cancel()
	}
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running.Store(true)

	go s.loop(ctx, interval, s.done)
	slog.Info("scheduler started", "interval", interval)
	return nil
}

func (s *scheduler) loop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)
	defer s.running.Store(false)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := s.engine.Step(ctx)
			if err != nil {
				// Log and continue: one bad tick should not kill the session.
				slog.Error("scheduled tick failed", "error", err)
				continue
			}
			if res.Completed {
				slog.Info("scheduler halted: simulation complete", "tick", res.Tick)
				return
			}
		}
	}
}

func (s *scheduler) stop() {
	s.engine.epoch.Bump()

	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	slog.Info("scheduler stopped")
}

// RunTicks executes up to n ticks back to back without the scheduler,
// stopping early on completion. Used by headless runs and tests.
func (e *Engine) RunTicks(ctx context.Context, n int) (TickResult, error) {
	var last TickResult
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return last, err
		}
		res, err := e.Step(ctx)
		if err != nil {
			return res, fmt.Errorf("tick %d: %w", i+1, err)
		}
		last = res
		if res.Completed {
			break
		}
	}
	return last, nil
}
