package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/agentsim/internal/ir"
	"github.com/roach88/agentsim/internal/sandbox"
	"github.com/roach88/agentsim/internal/txn"
)

// execFunc adapts a function to sandbox.Executor.
type execFunc func(ctx context.Context, req sandbox.Request) sandbox.Result

func (f execFunc) Execute(ctx context.Context, req sandbox.Request) sandbox.Result {
	return f(ctx, req)
}

const (
	requesterScript = `
		var s = ctx.state;
		if (!s.tx) {
			s.tx = ctx.createTransaction({provider: "agent-b", amountMicro: 10000000, service: "echo"});
			ctx.transitionState(s.tx, "COMMITTED");
			return;
		}
		var tx = ctx.transactions.filter(function (t) { return t.id === s.tx; })[0];
		if (tx && tx.state === "DELIVERED") {
			ctx.releaseEscrow(s.tx);
		}`

	providerScript = `
		ctx.incomingTransactions.forEach(function (t) {
			if (t.state === "COMMITTED") {
				ctx.transitionState(t.id, "DELIVERED");
			}
		});`

	idleScript = `ctx.state.ticks = (ctx.state.ticks || 0) + 1;`
)

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	base := []Option{
		WithSessionIDs(NewFixedGenerator("session-1")),
		WithBudget(sandbox.Budget{Timeout: 5 * time.Second, Instructions: sandbox.DefaultInstructionBudget}),
	}
	return New(append(base, opts...)...)
}

func addAgent(t *testing.T, e *Engine, id string, balance int64, script string) {
	t.Helper()
	require.NoError(t, e.AddAgent(ir.Agent{
		ID:           id,
		Name:         id,
		BalanceMicro: balance,
		Language:     ir.LanguageJS,
		Script:       script,
	}, ir.Position{X: 10, Y: 20}))
}

// escrowPair sets up agent-a (requester) and agent-b (provider).
func escrowPair(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e := newTestEngine(t, opts...)
	addAgent(t, e, "agent-a", 1_000_000_000, requesterScript)
	addAgent(t, e, "agent-b", 0, providerScript)
	e.SetBaseline()
	return e
}

func step(t *testing.T, e *Engine) TickResult {
	t.Helper()
	res, err := e.Step(context.Background())
	require.NoError(t, err)
	return res
}

func balance(t *testing.T, s ir.Snapshot, id string) int64 {
	t.Helper()
	a, ok := s.Agent(id)
	require.True(t, ok, "agent %s", id)
	return a.BalanceMicro
}

// supply is balances plus live escrow plus collected fees.
func supply(s ir.Snapshot) int64 {
	total := s.FeesCollectedMicro
	for _, a := range s.Agents {
		total += a.BalanceMicro
	}
	for _, tx := range s.Transactions {
		if tx.EscrowLinked && !tx.State.Terminal() {
			total += tx.AmountMicro
		}
	}
	return total
}

func eventsOfType(events []ir.Event, typ ir.EventType) []ir.Event {
	var out []ir.Event
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func withMessage(events []ir.Event, msg string) []ir.Event {
	var out []ir.Event
	for _, ev := range events {
		if ev.Message == msg {
			out = append(out, ev)
		}
	}
	return out
}

func TestEscrowLifecycle_SettlesWithFee(t *testing.T) {
	e := escrowPair(t)

	res := step(t, e)
	assert.Equal(t, int64(1), res.Tick)
	assert.Zero(t, res.Failures)

	s := e.Snapshot()
	assert.Equal(t, int64(990_000_000), balance(t, s, "agent-a"), "escrow debited at commit")
	tx, ok := s.Transaction("tx-1")
	require.True(t, ok)
	assert.Equal(t, ir.TxDelivered, tx.State)
	assert.True(t, tx.EscrowLinked)

	step(t, e)
	s = e.Snapshot()
	assert.Equal(t, int64(990_000_000), balance(t, s, "agent-a"), "source untouched at settlement")
	assert.Equal(t, int64(9_900_000), balance(t, s, "agent-b"), "target credited amount less 1% fee")
	assert.Equal(t, int64(100_000), s.FeesCollectedMicro)
	tx, _ = s.Transaction("tx-1")
	assert.Equal(t, ir.TxSettled, tx.State)

	res = step(t, e)
	assert.True(t, res.Completed)
	assert.True(t, e.Completed())
	for _, a := range e.Snapshot().Agents {
		assert.Equal(t, ir.AgentCompleted, a.Status, a.ID)
	}

	again := step(t, e)
	assert.True(t, again.Completed)
	assert.Zero(t, again.Events)
}

func TestCompletion_HeldWhileAgentBusy(t *testing.T) {
	e := newTestEngine(t)
	addAgent(t, e, "agent-a", 1_000_000_000, requesterScript)
	addAgent(t, e, "agent-b", 0, providerScript)
	addAgent(t, e, "agent-c", 0, `ctx.state.busy = ctx.tick < 5;`)
	e.SetBaseline()

	step(t, e)
	step(t, e)
	tx, ok := e.Snapshot().Transaction("tx-1")
	require.True(t, ok)
	require.Equal(t, ir.TxSettled, tx.State)

	res := step(t, e)
	assert.False(t, res.Completed, "agent-c is still busy")
	assert.Equal(t, true, e.AgentState("agent-c")["busy"])

	for i := 0; i < 10 && !res.Completed; i++ {
		res = step(t, e)
	}
	assert.True(t, res.Completed)
	assert.Equal(t, false, e.AgentState("agent-c")["busy"])
	assert.Greater(t, res.Tick, int64(4))
}

func TestSupplyConservedEveryTick(t *testing.T) {
	e := escrowPair(t)
	want := supply(e.Snapshot())
	for i := 0; i < 4; i++ {
		step(t, e)
		s := e.Snapshot()
		assert.Equal(t, want, supply(s), "tick %d", s.Tick)
		for _, a := range s.Agents {
			assert.GreaterOrEqual(t, a.BalanceMicro, int64(0))
		}
	}
}

func TestDispute_FreezesTransaction(t *testing.T) {
	e := newTestEngine(t)
	addAgent(t, e, "agent-a", 1_000_000_000, `
		var s = ctx.state;
		if (!s.tx) {
			s.tx = ctx.createTransaction({provider: "agent-b", amountMicro: 10000000, service: "echo"});
			ctx.transitionState(s.tx, "COMMITTED");
			return;
		}
		if (!s.disputed) {
			ctx.initiateDispute(s.tx, "wrong output");
			s.disputed = true;
			try {
				ctx.releaseEscrow(s.tx);
			} catch (err) {
				s.rule = err.rule;
			}
		}`)
	addAgent(t, e, "agent-b", 0, providerScript)

	step(t, e)
	step(t, e)

	s := e.Snapshot()
	tx, _ := s.Transaction("tx-1")
	assert.Equal(t, ir.TxDisputed, tx.State)
	assert.Equal(t, "wrong output", tx.DisputeReason)
	assert.Equal(t, string(txn.RuleInvalidTransition), e.AgentState("agent-a")["rule"])
	assert.Equal(t, int64(990_000_000), balance(t, s, "agent-a"), "escrow stays locked")
	assert.Equal(t, int64(0), balance(t, s, "agent-b"))

	res := step(t, e)
	assert.True(t, res.Completed, "a disputed transaction is quiescent")
}

func TestServiceJob_PendingThenCompleted(t *testing.T) {
	e := newTestEngine(t)
	addAgent(t, e, "agent-a", 1_000_000_000, `
		var s = ctx.state;
		s.seen = s.seen || [];
		if (!s.job) {
			s.job = ctx.services.translate({text: "hello world", target_lang: "fr"});
		}
		var j = s.jobs && s.jobs[s.job];
		s.seen.push(ctx.tick + ":" + (j ? j.status : "none"));`)

	step(t, e)
	state := e.AgentState("agent-a")
	jobID, _ := state["job"].(string)
	require.Equal(t, "job-1", jobID)
	jobs, _ := state["jobs"].(map[string]any)
	record, _ := jobs[jobID].(map[string]any)
	assert.Equal(t, "pending", record["status"], "visible as pending on the submitting tick")

	step(t, e)
	step(t, e)
	step(t, e)

	state = e.AgentState("agent-a")
	assert.Equal(t, []any{"1:none", "2:pending", "3:pending", "4:completed"}, state["seen"])

	job, ok := e.Job(jobID)
	require.True(t, ok)
	assert.Equal(t, ir.JobCompleted, job.Status)
	assert.Equal(t, int64(4), job.ReadyTick)
	assert.Equal(t, "fr", job.Result["target_lang"])
}

func TestScriptError_RollsBackWholeTurn(t *testing.T) {
	e := newTestEngine(t)
	addAgent(t, e, "agent-a", 1_000_000_000, `
		var id = ctx.createTransaction({provider: "agent-b", amountMicro: 10000000, service: "echo"});
		ctx.transitionState(id, "COMMITTED");
		ctx.state.partial = true;
		throw new Error("boom");`)
	addAgent(t, e, "agent-b", 0, idleScript)
	before := e.Snapshot()

	res := step(t, e)
	assert.Equal(t, 1, res.Failures)

	s := e.Snapshot()
	assert.Empty(t, s.Transactions)
	assert.Equal(t, before.Counters["tx"], s.Counters["tx"], "rolled-back ids are not consumed")
	assert.Equal(t, int64(1_000_000_000), balance(t, s, "agent-a"))
	assert.NotContains(t, e.AgentState("agent-a"), "partial")

	a, _ := s.Agent("agent-a")
	assert.Equal(t, ir.AgentError, a.Status)
	b, _ := s.Agent("agent-b")
	assert.Equal(t, ir.AgentRunning, b.Status, "other agents still run")
	assert.Equal(t, int64(1), e.AgentState("agent-b")["ticks"])

	errs := eventsOfType(e.Events(0), ir.EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, "agent-a", errs[0].AgentID)
	assert.Contains(t, errs[0].Message, "boom")
	for _, ev := range e.Events(0) {
		if ev.Action != nil {
			assert.NotEqual(t, ir.KindAddConnection, ev.Action.Action.Kind(), "no trace of the rolled-back creation")
		}
	}
}

func TestRejectedAction_CaughtLeavesNoTrace(t *testing.T) {
	e := newTestEngine(t)
	addAgent(t, e, "agent-a", 1_000_000_000, `
		try {
			ctx.createTransaction({provider: "agent-b", amountMicro: 10, service: "echo"});
		} catch (err) {
			ctx.state.rule = err.rule;
		}`)
	addAgent(t, e, "agent-b", 0, idleScript)

	res := step(t, e)
	assert.Zero(t, res.Failures)
	assert.Equal(t, string(txn.RuleAmountBelowMinimum), e.AgentState("agent-a")["rule"])
	assert.Empty(t, e.Snapshot().Transactions)
}

func TestAuthority_ProviderCannotSettle(t *testing.T) {
	e := newTestEngine(t)
	addAgent(t, e, "agent-a", 1_000_000_000, `
		if (!ctx.state.tx) {
			ctx.state.tx = ctx.createTransaction({provider: "agent-b", amountMicro: 10000000, service: "echo"});
			ctx.transitionState(ctx.state.tx, "COMMITTED");
		}`)
	addAgent(t, e, "agent-b", 0, `
		ctx.incomingTransactions.forEach(function (t) {
			if (t.state === "COMMITTED") { ctx.transitionState(t.id, "DELIVERED"); }
			if (t.state === "DELIVERED") {
				try { ctx.releaseEscrow(t.id); } catch (err) { ctx.state.rule = err.rule; }
			}
		});`)

	step(t, e)
	step(t, e)

	assert.Equal(t, string(txn.RuleNotAuthorized), e.AgentState("agent-b")["rule"])
	tx, _ := e.Snapshot().Transaction("tx-1")
	assert.Equal(t, ir.TxDelivered, tx.State)
}

func TestCancelAfterCommit_Refunds(t *testing.T) {
	e := newTestEngine(t)
	addAgent(t, e, "agent-a", 1_000_000_000, `
		if (!ctx.state.tx) {
			ctx.state.tx = ctx.createTransaction({provider: "agent-b", amountMicro: 10000000, service: "echo"});
			ctx.transitionState(ctx.state.tx, "COMMITTED");
			return;
		}
		if (!ctx.state.cancelled) {
			ctx.cancelTransaction(ctx.state.tx);
			ctx.state.cancelled = true;
		}`)
	addAgent(t, e, "agent-b", 0, idleScript)

	step(t, e)
	assert.Equal(t, int64(990_000_000), balance(t, e.Snapshot(), "agent-a"))
	step(t, e)
	s := e.Snapshot()
	assert.Equal(t, int64(1_000_000_000), balance(t, s, "agent-a"))
	tx, _ := s.Transaction("tx-1")
	assert.Equal(t, ir.TxCancelled, tx.State)
	assert.Zero(t, s.FeesCollectedMicro)
}

func TestInsufficientFunds_RejectsCommit(t *testing.T) {
	e := newTestEngine(t)
	addAgent(t, e, "agent-a", 1_000_000, `
		var id = ctx.createTransaction({provider: "agent-b", amountMicro: 10000000, service: "echo"});
		try { ctx.transitionState(id, "COMMITTED"); } catch (err) { ctx.state.rule = err.rule; }`)
	addAgent(t, e, "agent-b", 0, idleScript)

	step(t, e)
	assert.Equal(t, string(txn.RuleInsufficientFunds), e.AgentState("agent-a")["rule"])
	s := e.Snapshot()
	assert.Equal(t, int64(1_000_000), balance(t, s, "agent-a"))
	tx, _ := s.Transaction("tx-1")
	assert.Equal(t, ir.TxInitiated, tx.State)
}

func TestActionQuota_RollsBackTurn(t *testing.T) {
	e := newTestEngine(t, WithActionQuota(2))
	addAgent(t, e, "agent-a", 1_000_000_000, `
		for (var i = 0; i < 3; i++) {
			ctx.createTransaction({provider: "agent-b", amountMicro: 10000000, service: "s" + i});
		}`)
	addAgent(t, e, "agent-b", 0, idleScript)

	res := step(t, e)
	assert.Equal(t, 1, res.Failures)
	assert.Empty(t, e.Snapshot().Transactions)
	errs := eventsOfType(e.Events(0), ir.EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, string(ErrCodeQuotaExceeded), errs[0].Data["rule"])
}

func TestRepeatedCreation_Warns(t *testing.T) {
	e := newTestEngine(t)
	addAgent(t, e, "agent-a", 1_000_000_000, `
		ctx.createTransaction({provider: "agent-b", amountMicro: 10000000, service: "echo"});`)
	addAgent(t, e, "agent-b", 0, idleScript)

	step(t, e)
	assert.Empty(t, withMessage(e.Events(0), "possible duplicate transaction"), "first creation is not a repeat")

	from := len(e.Events(0))
	step(t, e)
	warned := withMessage(e.Events(from), "possible duplicate transaction")
	require.Len(t, warned, 1)
	assert.Equal(t, ir.EventSystem, warned[0].Type)
	assert.Equal(t, "tx-2", warned[0].Data["tx_id"])
	assert.Equal(t, "tx-1", warned[0].Data["previous_tx_id"])
	assert.Len(t, e.Snapshot().Transactions, 2, "repeats are allowed")
}

func TestAgentsRunInSortedOrder(t *testing.T) {
	var order []string
	e := newTestEngine(t, WithExecutor(execFunc(func(_ context.Context, req sandbox.Request) sandbox.Result {
		order = append(order, req.Agent.ID)
		return sandbox.Result{State: req.View.State}
	})))
	for _, id := range []string{"charlie", "alpha", "bravo"} {
		addAgent(t, e, id, 0, "")
	}
	require.NoError(t, e.SetEnabled("bravo", false))

	step(t, e)
	assert.Equal(t, []string{"alpha", "charlie"}, order)
}

func TestStep_SkippedWhileInFlight(t *testing.T) {
	e := newTestEngine(t)
	e.inFlight.Store(true)
	res, err := e.Step(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, int64(0), e.Tick())
}

func TestEpochBump_DiscardsInFlightTick(t *testing.T) {
	var e *Engine
	e = newTestEngine(t, WithExecutor(execFunc(func(_ context.Context, req sandbox.Request) sandbox.Result {
		if _, err := req.Caps.CreateTransaction("agent-b", 10_000_000, "echo"); err != nil {
			return sandbox.Result{Err: err}
		}
		if req.Agent.ID == "agent-a" {
			e.Stop()
		}
		return sandbox.Result{State: map[string]any{"ran": true}}
	})))
	addAgent(t, e, "agent-a", 1_000_000_000, "")
	addAgent(t, e, "agent-b", 1_000_000_000, "")
	before := e.Snapshot()
	events := len(e.Events(0))

	res := step(t, e)
	assert.True(t, res.Aborted)
	assert.Equal(t, before, e.Snapshot())
	assert.Len(t, e.Events(0), events)
	assert.Zero(t, e.HistoryLen())
	assert.Empty(t, e.AgentState("agent-a"))
}

func TestStaleEpoch_RefusesVerbs(t *testing.T) {
	var verbErr error
	var e *Engine
	e = newTestEngine(t, WithExecutor(execFunc(func(_ context.Context, req sandbox.Request) sandbox.Result {
		e.epoch.Bump()
		_, verbErr = req.Caps.CreateTransaction("agent-b", 10_000_000, "echo")
		return sandbox.Result{State: map[string]any{}}
	})))
	addAgent(t, e, "agent-a", 1_000_000_000, "")
	addAgent(t, e, "agent-b", 0, "")

	res := step(t, e)
	assert.True(t, res.Aborted)
	assert.True(t, IsStaleEpoch(verbErr))
}

func TestStep_RefusedDuringReplay(t *testing.T) {
	e := escrowPair(t)
	require.NoError(t, e.StartRecording())
	step(t, e)
	log, err := e.StopRecording()
	require.NoError(t, err)

	require.NoError(t, e.EnterReplay(log))
	_, err = e.Step(context.Background())
	assert.True(t, IsReplayActive(err))

	err = e.AddAgent(ir.Agent{ID: "agent-c"}, ir.Position{})
	assert.True(t, IsReplayActive(err))

	_, err = e.StepBack()
	assert.True(t, IsReplayActive(err))
}

func TestRuntimeError_Format(t *testing.T) {
	err := &RuntimeError{Code: ErrCodeQuotaExceeded, Message: "too many", AgentID: "agent-a", Tick: 3}
	assert.Equal(t, "QUOTA_EXCEEDED: too many (agent=agent-a, tick=3)", err.Error())

	wrapped := errors.Join(errors.New("outer"), newRuntimeError(ErrCodeSchedulerRunning, "busy"))
	assert.True(t, IsSchedulerRunning(wrapped))
	assert.Equal(t, RuntimeErrorCode(""), CodeOf(errors.New("plain")))
}
