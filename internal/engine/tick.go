package engine

import (
	"context"
	"errors"
	"log/slog"
	"maps"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/agentsim/internal/agentstate"
	"github.com/roach88/agentsim/internal/history"
	"github.com/roach88/agentsim/internal/idgen"
	"github.com/roach88/agentsim/internal/ir"
	"github.com/roach88/agentsim/internal/sandbox"
	"github.com/roach88/agentsim/internal/txn"
)

// TickResult reports what one call to Step did.
type TickResult struct {
	// Tick is the tick number after the call.
	Tick int64
	// Events is the number of events emitted.
	Events int
	// Failures is the number of agent turns rolled back.
	Failures int
	// Completed is set once the simulation has nothing left to do.
	Completed bool
	// Skipped is set when another tick was still in flight.
	Skipped bool
	// Aborted is set when the epoch moved during the tick; the tick left
	// no trace.
	Aborted bool
}

// Step executes exactly one tick.
//
// It is the unit the scheduler repeats. Calling Step while another tick is
// in flight returns Skipped without waiting. Step is refused while replay is
// active.
func (e *Engine) Step(ctx context.Context) (TickResult, error) {
	if !e.inFlight.CompareAndSwap(false, true) {
		slog.Debug("tick skipped: previous tick still in flight")
		return TickResult{Skipped: true}, nil
	}
	defer e.inFlight.Store(false)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.replaying != nil {
		return TickResult{}, newRuntimeError(ErrCodeReplayActive, "ticks are not available during replay")
	}
	if e.completed {
		return TickResult{Tick: e.ledger.Tick(), Completed: true}, nil
	}

	ctx, token, end := e.epoch.Begin(ctx)
	defer end()

	next := e.ledger.Tick() + 1
	ctx, span := e.tracer.Start(ctx, "engine.tick",
		trace.WithAttributes(
			attribute.Int64("tick", next),
			attribute.String("session", e.sessionID),
		))
	defer span.End()

	res, err := e.runTick(ctx, token, next)
	span.SetAttributes(
		attribute.Int("events", res.Events),
		attribute.Int("failures", res.Failures),
		attribute.Bool("completed", res.Completed),
		attribute.Bool("aborted", res.Aborted),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

// runTick is the body of Step. Caller must hold mu.
func (e *Engine) runTick(ctx context.Context, token uint64, next int64) (TickResult, error) {
	if e.baseline == nil && e.ledger.Tick() == 0 {
		b := e.capture("baseline")
		b.EventCount = 0
		b.RecordMark = -1
		e.baseline = &b
	}

	start := e.capture("tick")
	e.history.Push(start)
	feedStart := len(e.feed)

	if e.quiescent() {
		for _, id := range e.enabledIDs() {
			e.setStatus(id, ir.AgentCompleted)
		}
		e.system("simulation complete", map[string]any{
			"transactions": int64(len(e.ledger.Transactions())),
		})
		e.completed = true
		slog.Info("simulation complete", "tick", e.ledger.Tick())
		return TickResult{
			Tick:      e.ledger.Tick(),
			Events:    len(e.feed) - feedStart,
			Completed: true,
		}, nil
	}

	counters := e.ledger.IDs().Counters()
	if err := e.apply("", ir.TickRuntime{Tick: next, VirtualTime: next * e.tickDuration}); err != nil {
		e.abortTick(start)
		return TickResult{}, err
	}

	for _, job := range e.jobs.Advance(next) {
		data := map[string]any{"job_id": job.ID, "job_type": job.Type, "status": string(job.Status)}
		if job.Error != "" {
			data["error"] = job.Error
		}
		e.emit(ir.Event{
			Type:    ir.EventAction,
			AgentID: job.AgentID,
			Message: "job " + string(job.Status),
			Data:    data,
		})
	}

	failures := 0
	for _, id := range e.enabledIDs() {
		if e.epoch.Stale(token) {
			e.abortTick(start)
			return TickResult{Tick: e.ledger.Tick(), Aborted: true}, nil
		}
		ok, err := e.runAgent(ctx, token, id, next)
		if err != nil {
			if IsStaleEpoch(err) {
				e.abortTick(start)
				return TickResult{Tick: e.ledger.Tick(), Aborted: true}, nil
			}
			e.abortTick(start)
			return TickResult{}, err
		}
		if !ok {
			failures++
		}
	}

	e.syncCounters(counters)

	slog.Debug("tick completed", "tick", next, "events", len(e.feed)-feedStart, "failures", failures)
	return TickResult{
		Tick:     next,
		Events:   len(e.feed) - feedStart,
		Failures: failures,
	}, nil
}

// abortTick returns the session to the state captured at tick start and
// drops that history entry. Caller must hold mu.
func (e *Engine) abortTick(start history.Entry) {
	if err := e.restore(start); err != nil {
		slog.Error("tick abort: restore failed", "error", err)
	}
	e.history.Pop()
}

// quiescent reports whether the simulation has nothing left to do: at least
// one transaction exists, all are settled, cancelled or disputed, no job is
// pending and no enabled agent has flagged itself busy. Caller must hold mu.
func (e *Engine) quiescent() bool {
	txs := e.ledger.Transactions()
	if len(txs) == 0 {
		return false
	}
	for _, tx := range txs {
		if !txn.Quiescent(tx.State) {
			return false
		}
	}
	if e.jobs.Pending() != 0 {
		return false
	}
	for _, id := range e.enabledIDs() {
		if e.state.Busy(id) {
			return false
		}
	}
	return true
}

// syncCounters emits a set-id-counter action for each non-event prefix that
// moved since before, in sorted prefix order. Event ids are re-derived by
// replay from the events themselves.
// Caller must hold mu.
func (e *Engine) syncCounters(before map[string]int64) {
	after := e.ledger.IDs().Counters()
	for _, prefix := range ir.SortedKeys(after) {
		if prefix == idgen.PrefixEvent || after[prefix] == before[prefix] {
			continue
		}
		if err := e.apply("", ir.SetIDCounter{Prefix: prefix, Value: after[prefix]}); err != nil {
			slog.Error("id counter sync failed", "prefix", prefix, "error", err)
		}
	}
}

// agentCheckpoint is what an agent turn can change.
type agentCheckpoint struct {
	snapshot ir.Snapshot
	state    map[string]any
	jobs     []ir.Job
	feedLen  int
	recLen   int
}

// runAgent executes one agent's turn atomically. It reports false when the
// turn failed and was rolled back. A non-nil error aborts the whole tick.
// Caller must hold mu.
func (e *Engine) runAgent(ctx context.Context, token uint64, agentID string, tick int64) (bool, error) {
	agent, _ := e.ledger.Agent(agentID)

	ctx, span := e.tracer.Start(ctx, "engine.agent",
		trace.WithAttributes(
			attribute.String("agent", agentID),
			attribute.String("language", agent.Language),
		))
	defer span.End()

	ck := agentCheckpoint{
		snapshot: e.ledger.Snapshot(),
		state:    e.state.Get(agentID),
		jobs:     e.jobs.Snapshot(),
		feedLen:  len(e.feed),
		recLen:   e.recorder.Len(),
	}

	caps := &agentCaps{
		engine:  e,
		agentID: agentID,
		tick:    tick,
		now:     e.ledger.VirtualTime(),
		quota:   newActionQuota(e.actionQuota),
		token:   token,
	}
	req := sandbox.Request{
		Agent: agent,
		View: sandbox.View{
			Tick:     tick,
			Balance:  agent.BalanceMicro,
			Outgoing: e.ledger.Outgoing(agentID),
			Incoming: e.ledger.Incoming(agentID),
			State:    e.state.Get(agentID),
			JobTypes: e.jobs.Types(),
		},
		Caps:   caps,
		Budget: e.budget,
	}

	result := e.executor.Execute(ctx, req)

	if e.epoch.Stale(token) {
		e.rollbackAgent(agentID, ck)
		return false, &RuntimeError{Code: ErrCodeStaleEpoch, Message: "epoch moved during agent turn", AgentID: agentID, Tick: tick}
	}

	if result.Err != nil {
		e.rollbackAgent(agentID, ck)
		e.failAgent(agentID, tick, result.Err, caps.quota.exceeded())
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, "script failed")
		return false, nil
	}

	e.commitState(agentID, result.State)
	e.setStatus(agentID, ir.AgentRunning)
	return true, nil
}

// rollbackAgent discards every effect of one agent turn.
// Caller must hold mu.
func (e *Engine) rollbackAgent(agentID string, ck agentCheckpoint) {
	if err := e.ledger.Restore(ck.snapshot); err != nil {
		slog.Error("agent rollback failed", "agent", agentID, "error", err)
	}
	e.state.Put(agentID, ck.state)
	e.jobs.Restore(ck.jobs)
	if ck.feedLen < len(e.feed) {
		clear(e.feed[ck.feedLen:])
		e.feed = e.feed[:ck.feedLen]
	}
	e.recorder.Truncate(ck.recLen)
}

// failAgent records a rolled-back turn: one error event and the error
// status. Caller must hold mu.
func (e *Engine) failAgent(agentID string, tick int64, err error, overQuota bool) {
	data := map[string]any{}
	var se *sandbox.ScriptError
	if errors.As(err, &se) {
		if se.Rule != "" {
			data["rule"] = se.Rule
		}
		data["language"] = se.Language
	}
	if errors.Is(err, sandbox.ErrBudgetExceeded) {
		data["budget_exceeded"] = true
	}
	if overQuota {
		data["rule"] = string(ErrCodeQuotaExceeded)
	}
	slog.Warn("agent turn rolled back", "agent", agentID, "tick", tick, "error", err)
	e.emit(ir.Event{
		Type:    ir.EventError,
		AgentID: agentID,
		Message: err.Error(),
		Data:    data,
	})
	e.setStatus(agentID, ir.AgentError)
}

// commitState stores the script's document. The jobs key is owned by the
// job queue and always keeps the store's version.
// Caller must hold mu.
func (e *Engine) commitState(agentID string, doc map[string]any) {
	next := make(map[string]any, len(doc)+1)
	maps.Copy(next, doc)
	delete(next, agentstate.JobsKey)
	if jobs, ok := e.state.Get(agentID)[agentstate.JobsKey]; ok {
		next[agentstate.JobsKey] = jobs
	}
	e.state.Put(agentID, next)
}
