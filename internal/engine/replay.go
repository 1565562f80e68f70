package engine

import (
	"log/slog"

	"github.com/roach88/agentsim/internal/ir"
	"github.com/roach88/agentsim/internal/replay"
)

// ReplayStatus describes the replay cursor.
type ReplayStatus struct {
	Cursor   int
	Len      int
	Progress float64
	Tick     int64
}

// EnterReplay stops the scheduler, sets the live session aside and starts
// replaying log from its initial snapshot.
//
// While replaying, ticks, edits and history operations are refused and
// Snapshot reports the replay state. Agent state and jobs are cleared;
// ExitReplay brings them back.
func (e *Engine) EnterReplay(log *ir.Log) error {
	e.Stop()

	e.mu.Lock()
	defer e.mu.Unlock()

	sess := replay.New()
	if err := sess.Load(log); err != nil {
		return err
	}

	e.epoch.Bump()
	e.abortRecording("enter replay")
	if e.replaying == nil {
		pre := e.capture("pre-replay")
		e.preReplay = &pre
	}
	e.state.Clear()
	e.jobs.Clear()
	e.replaying = sess
	slog.Info("replay entered", "session", log.SessionID, "events", len(log.Events))
	return nil
}

// Replaying reports whether replay mode is active.
func (e *Engine) Replaying() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.replaying != nil
}

// ReplayStep applies the next recorded event and reports whether more remain.
func (e *Engine) ReplayStep() (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.replaying == nil {
		return false, newRuntimeError(ErrCodeNotReplaying, "replay is not active")
	}
	return e.replaying.Step()
}

// ReplaySeek moves the cursor to just after the first n events.
func (e *Engine) ReplaySeek(n int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.replaying == nil {
		return newRuntimeError(ErrCodeNotReplaying, "replay is not active")
	}
	return e.replaying.Seek(n)
}

// ReplaySeekTick moves the cursor to the end of tick.
func (e *Engine) ReplaySeekTick(tick int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.replaying == nil {
		return newRuntimeError(ErrCodeNotReplaying, "replay is not active")
	}
	return e.replaying.SeekTick(tick)
}

// ReplayStatus reports the cursor position.
func (e *Engine) ReplayStatus() (ReplayStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.replaying == nil {
		return ReplayStatus{}, newRuntimeError(ErrCodeNotReplaying, "replay is not active")
	}
	return ReplayStatus{
		Cursor:   e.replaying.Cursor(),
		Len:      e.replaying.Len(),
		Progress: e.replaying.Progress(),
		Tick:     e.replaying.Ledger().Tick(),
	}, nil
}

// ReplayEvents returns the events applied so far.
func (e *Engine) ReplayEvents() ([]ir.Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.replaying == nil {
		return nil, newRuntimeError(ErrCodeNotReplaying, "replay is not active")
	}
	return e.replaying.Applied(), nil
}

// ExitReplay leaves replay mode and restores the live session exactly as it
// was before EnterReplay.
func (e *Engine) ExitReplay() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.replaying == nil {
		return newRuntimeError(ErrCodeNotReplaying, "replay is not active")
	}
	if err := e.restore(*e.preReplay); err != nil {
		return err
	}
	e.replaying = nil
	e.preReplay = nil
	slog.Info("replay exited")
	return nil
}

// ResumeFromReplay leaves replay mode and makes the replay state at the
// cursor the live session, as a new lineage.
//
// Id counters come from the replayed snapshot, which observed every id in
// the log, so new ids never collide with recorded ones. The pre-replay
// session is pushed onto history so StepBack can return to it.
func (e *Engine) ResumeFromReplay() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.replaying == nil {
		return "", newRuntimeError(ErrCodeNotReplaying, "replay is not active")
	}
	snap := e.replaying.State()
	e.history.Push(*e.preReplay)
	if err := e.load(snap); err != nil {
		e.history.Pop()
		return "", err
	}
	e.replaying = nil
	e.preReplay = nil
	e.system("resumed from replay", map[string]any{"session": e.sessionID, "tick": snap.Tick})
	slog.Info("resumed from replay", "session", e.sessionID, "tick", snap.Tick)
	return e.sessionID, nil
}
