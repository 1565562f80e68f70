package engine

import (
	"fmt"
	"log/slog"

	"github.com/roach88/agentsim/internal/eventlog"
	"github.com/roach88/agentsim/internal/ir"
	"github.com/roach88/agentsim/internal/ledger"
)

// Session edits. All of them require a stopped scheduler and no active
// replay. Edits the event log cannot express (agent and position changes)
// are also refused while recording, so a recorded log always replays to
// its final snapshot.

// requireEditable is requireIdle plus the recording check.
// Caller must hold mu.
func (e *Engine) requireEditable(op string) error {
	if err := e.requireIdle(op); err != nil {
		return err
	}
	if e.recorder.Recording() {
		return newRuntimeError(ErrCodeRecordingActive, "%s is not available while recording", op)
	}
	return nil
}

// AddAgent inserts an agent at pos. New agents are enabled.
func (e *Engine) AddAgent(a ir.Agent, pos ir.Position) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireEditable("add agent"); err != nil {
		return err
	}
	if err := e.ledger.AddAgent(a, pos); err != nil {
		return err
	}
	e.enabled[a.ID] = true
	e.completed = false
	e.system("agent added", map[string]any{"agent_id": a.ID})
	return nil
}

// UpdateAgent replaces an agent's name, description, script and language.
func (e *Engine) UpdateAgent(a ir.Agent) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireEditable("update agent"); err != nil {
		return err
	}
	if err := e.ledger.UpdateAgent(a); err != nil {
		return err
	}
	e.system("agent updated", map[string]any{"agent_id": a.ID})
	return nil
}

// DeleteAgent removes an agent, its transactions, its state and its jobs.
// A history entry is pushed first so StepBack can undo the deletion.
func (e *Engine) DeleteAgent(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireEditable("delete agent"); err != nil {
		return err
	}
	if _, ok := e.ledger.Agent(id); !ok {
		return &RuntimeError{Code: ErrCodeUnknownAgent, Message: "no such agent", AgentID: id}
	}
	e.pushHistory("delete agent " + id)
	removed, err := e.ledger.DeleteAgent(id)
	if err != nil {
		e.history.Pop()
		return err
	}
	e.state.Delete(id)
	e.jobs.RemoveAgent(id)
	delete(e.enabled, id)

	txs := make([]any, len(removed))
	for i, txID := range removed {
		txs[i] = txID
	}
	e.system("agent deleted", map[string]any{"agent_id": id, "removed_transactions": txs})
	return nil
}

// SetEnabled includes or excludes an agent from future ticks. Allowed while
// recording: it changes who runs, not the ledger.
func (e *Engine) SetEnabled(id string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireIdle("set enabled"); err != nil {
		return err
	}
	if _, ok := e.ledger.Agent(id); !ok {
		return &RuntimeError{Code: ErrCodeUnknownAgent, Message: "no such agent", AgentID: id}
	}
	if enabled {
		e.enabled[id] = true
	} else {
		delete(e.enabled, id)
	}
	return nil
}

// SetPosition moves an agent node in the presentation layout.
func (e *Engine) SetPosition(id string, pos ir.Position) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireEditable("set position"); err != nil {
		return err
	}
	return e.ledger.SetPosition(id, pos)
}

// ExportSnapshot encodes the live ledger as an importable document.
func (e *Engine) ExportSnapshot() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return eventlog.EncodeSnapshot(e.ledger.Snapshot())
}

// ImportSnapshot replaces the live session with a snapshot document.
//
// The document is validated before anything changes; a rejected import
// leaves the live session untouched. A history entry is pushed so StepBack
// undoes the import. Agent state and jobs are cleared, every agent is
// enabled, and a new session lineage begins.
func (e *Engine) ImportSnapshot(data []byte) error {
	snap, err := eventlog.DecodeSnapshot(data)
	if err != nil {
		return fmt.Errorf("import snapshot: %w", err)
	}
	if _, err := ledger.FromSnapshot(snap); err != nil {
		return fmt.Errorf("import snapshot: %w", err)
	}

	e.Stop()

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireIdle("import snapshot"); err != nil {
		return err
	}
	e.epoch.Bump()
	e.abortRecording("import snapshot")
	e.pushHistory("import snapshot")
	if err := e.load(snap); err != nil {
		e.history.Pop()
		return err
	}
	e.system("snapshot imported", map[string]any{"session": e.sessionID, "tick": snap.Tick})
	slog.Info("snapshot imported", "session", e.sessionID, "tick", snap.Tick, "agents", len(snap.Agents))
	return nil
}

// load makes snap the live session with empty agent state and jobs, all
// agents enabled, as a new lineage and baseline.
// Caller must hold mu.
func (e *Engine) load(snap ir.Snapshot) error {
	if err := e.ledger.Restore(snap); err != nil {
		return err
	}
	e.state.Clear()
	e.jobs.Clear()
	clear(e.enabled)
	for _, id := range e.ledger.AgentIDs() {
		e.enabled[id] = true
	}
	e.completed = false
	e.sessionID = e.sessions.Generate()
	b := e.capture("baseline")
	b.EventCount = 0
	b.RecordMark = -1
	e.baseline = &b
	return nil
}

// StartRecording begins recording from the live state.
func (e *Engine) StartRecording() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.replaying != nil {
		return newRuntimeError(ErrCodeReplayActive, "cannot record during replay")
	}
	if err := e.recorder.Start(e.ledger.Snapshot(), e.sessionID); err != nil {
		return err
	}
	slog.Info("recording started", "session", e.sessionID, "tick", e.ledger.Tick())
	return nil
}

// StopRecording ends the recording and returns the log, with the live
// snapshot as its final state. Always lands on a tick boundary.
func (e *Engine) StopRecording() (*ir.Log, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	log, err := e.recorder.Stop(e.ledger.Snapshot())
	if err != nil {
		return nil, err
	}
	slog.Info("recording stopped", "session", log.SessionID, "events", len(log.Events))
	return log, nil
}

// ExportLog stops the recording and encodes the log.
func (e *Engine) ExportLog() ([]byte, error) {
	log, err := e.StopRecording()
	if err != nil {
		return nil, err
	}
	return eventlog.Encode(log)
}

// ImportLog validates a log document and enters replay with it. An invalid
// document is rejected before the live session is touched.
func (e *Engine) ImportLog(data []byte) error {
	log, err := eventlog.Decode(data)
	if err != nil {
		return fmt.Errorf("import log: %w", err)
	}
	return e.EnterReplay(log)
}

func emptySnapshot() ir.Snapshot {
	return ledger.New().Snapshot()
}
