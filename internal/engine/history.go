package engine

import (
	"fmt"
	"log/slog"

	"github.com/roach88/agentsim/internal/history"
)

// capture records everything needed to put the live session back as it is
// now. Caller must hold mu.
func (e *Engine) capture(label string) history.Entry {
	mark := -1
	if e.recorder.Recording() {
		mark = e.recorder.Len()
	}
	return history.Entry{
		Label:      label,
		Snapshot:   e.ledger.Snapshot(),
		Enabled:    e.enabledIDs(),
		AgentState: e.state.Snapshot(),
		Jobs:       e.jobs.Snapshot(),
		EventCount: len(e.feed),
		RecordMark: mark,
	}
}

// restore puts the live session back to entry. The ledger is restored
// first so a corrupt entry leaves everything else untouched.
// Caller must hold mu.
func (e *Engine) restore(entry history.Entry) error {
	if err := e.ledger.Restore(entry.Snapshot); err != nil {
		return fmt.Errorf("restore %q: %w", entry.Label, err)
	}
	e.state.Restore(entry.AgentState)
	e.jobs.Restore(entry.Jobs)

	clear(e.enabled)
	for _, id := range entry.Enabled {
		e.enabled[id] = true
	}

	if entry.EventCount < len(e.feed) {
		clear(e.feed[entry.EventCount:])
		e.feed = e.feed[:entry.EventCount]
	}

	if e.recorder.Recording() {
		if entry.RecordMark >= 0 {
			e.recorder.Truncate(entry.RecordMark)
		} else {
			slog.Warn("restored past recording start; recording restarted",
				"label", entry.Label, "tick", entry.Tick())
			e.recorder.Restart(entry.Snapshot)
		}
	}

	e.completed = false
	return nil
}

// pushHistory captures the live session onto the history stack.
// Caller must hold mu.
func (e *Engine) pushHistory(label string) {
	e.history.Push(e.capture(label))
}

// SetBaseline makes the current live session the state Reset returns to.
// Loaders call it after populating agents.
func (e *Engine) SetBaseline() {
	e.mu.Lock()
	defer e.mu.Unlock()
	b := e.capture("baseline")
	b.EventCount = 0
	b.RecordMark = -1
	e.baseline = &b
}

// StepBack restores the most recent history entry: the state before the
// last tick or destructive edit.
//
// Refused while the scheduler is running or replay is active.
func (e *Engine) StepBack() (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireIdle("step back"); err != nil {
		return 0, err
	}
	entry, ok := e.history.Pop()
	if !ok {
		return 0, newRuntimeError(ErrCodeNoHistory, "no history to step back to")
	}
	if err := e.restore(entry); err != nil {
		return 0, err
	}
	slog.Debug("stepped back", "label", entry.Label, "tick", entry.Tick())
	return entry.Tick(), nil
}

// Fork restores the newest history entry captured at tick and starts a new
// session lineage from there. Later entries are discarded.
//
// An active recording is aborted: the new lineage is not a continuation of
// what was being recorded.
func (e *Engine) Fork(tick int64) (string, error) {
	e.Stop()

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireIdle("fork"); err != nil {
		return "", err
	}
	entry, ok := e.history.At(tick)
	if !ok {
		return "", newRuntimeError(ErrCodeNoHistory, "no history entry at tick %d", tick)
	}
	e.epoch.Bump()
	e.abortRecording("fork")
	if err := e.restore(entry); err != nil {
		return "", err
	}
	e.history.TruncateAfter(tick)

	parent := e.sessionID
	e.sessionID = e.sessions.Generate()
	e.system("session forked", map[string]any{
		"parent_session": parent,
		"session":        e.sessionID,
		"from_tick":      tick,
	})
	slog.Info("session forked", "parent", parent, "session", e.sessionID, "tick", tick)
	return e.sessionID, nil
}

// Reset stops the scheduler and returns the session to its baseline: the
// state recorded by SetBaseline, or the empty session if none was set.
// History and the event feed are cleared.
func (e *Engine) Reset() error {
	e.Stop()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.replaying != nil {
		return newRuntimeError(ErrCodeReplayActive, "reset is not available during replay")
	}
	e.epoch.Bump()
	e.abortRecording("reset")

	base := history.Entry{Label: "empty", RecordMark: -1}
	base.Snapshot = emptySnapshot()
	if e.baseline != nil {
		base = *e.baseline
	}
	if err := e.restore(base); err != nil {
		return err
	}
	clear(e.feed)
	e.feed = e.feed[:0]
	e.history.Clear()
	e.sessionID = e.sessions.Generate()
	slog.Info("session reset", "session", e.sessionID)
	return nil
}

// abortRecording drops an active recording. Caller must hold mu.
func (e *Engine) abortRecording(op string) {
	if e.recorder.Recording() {
		slog.Warn("recording aborted", "operation", op, "session", e.recorder.SessionID())
		e.recorder.Abort()
	}
}
