package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/agentsim/internal/eventlog"
	"github.com/roach88/agentsim/internal/ir"
	"github.com/roach88/agentsim/internal/replay"
)

func TestDeleteAgent_StepBackRestoresIt(t *testing.T) {
	e := escrowPair(t)
	step(t, e)
	e.Stop()

	before := e.Snapshot()
	require.Len(t, before.Transactions, 1)
	stateBefore := e.AgentState("agent-b")

	require.NoError(t, e.DeleteAgent("agent-b"))
	after := e.Snapshot()
	_, ok := after.Agent("agent-b")
	assert.False(t, ok)
	assert.Empty(t, after.Transactions, "transactions of a deleted agent go with it")

	tick, err := e.StepBack()
	require.NoError(t, err)
	assert.Equal(t, int64(1), tick)
	assert.Equal(t, before, e.Snapshot())
	assert.Equal(t, stateBefore, e.AgentState("agent-b"))
	assert.Contains(t, e.Enabled(), "agent-b")
}

func TestDeleteAgent_Unknown(t *testing.T) {
	e := newTestEngine(t)
	err := e.DeleteAgent("ghost")
	assert.Equal(t, ErrCodeUnknownAgent, CodeOf(err))
	assert.Zero(t, e.HistoryLen())
}

func TestStepBack_ThenRerunIsEquivalent(t *testing.T) {
	e := escrowPair(t)
	step(t, e)
	step(t, e)
	want := e.Snapshot()
	wantState := e.AgentState("agent-a")

	tick, err := e.StepBack()
	require.NoError(t, err)
	assert.Equal(t, int64(1), tick)
	assert.Equal(t, int64(1), e.Tick())

	step(t, e)
	assert.Equal(t, want, e.Snapshot())
	assert.Equal(t, wantState, e.AgentState("agent-a"))
}

func TestStepBack_NoHistory(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.StepBack()
	assert.Equal(t, ErrCodeNoHistory, CodeOf(err))
}

func TestSnapshot_ExportImportRoundTrip(t *testing.T) {
	src := escrowPair(t)
	step(t, src)
	require.NoError(t, src.SetPosition("agent-a", ir.Position{X: 3.5, Y: -1}))
	data, err := src.ExportSnapshot()
	require.NoError(t, err)

	dst := newTestEngine(t)
	require.NoError(t, dst.ImportSnapshot(data))

	want, got := src.Snapshot(), dst.Snapshot()
	assert.Equal(t, want.Agents, got.Agents)
	assert.Equal(t, want.Transactions, got.Transactions)
	assert.Equal(t, want.Positions, got.Positions)
	assert.Equal(t, []string{"agent-a", "agent-b"}, dst.Enabled())

	_, err = dst.StepBack()
	require.NoError(t, err, "import is undoable")
	assert.Empty(t, dst.Snapshot().Agents)
}

func TestImportSnapshot_InvalidLeavesSessionUntouched(t *testing.T) {
	selfTx := escrowPair(t).Snapshot()
	selfTx.Transactions = []ir.Transaction{{
		ID: "tx-1", Source: "agent-a", Target: "agent-a", AmountMicro: 10_000_000,
		Service: "echo", State: ir.TxInitiated,
	}}
	selfTxDoc, err := eventlog.EncodeSnapshot(selfTx)
	require.NoError(t, err)

	tests := []struct {
		name string
		doc  []byte
	}{
		{"unsupported_version", []byte(`{"version":"9","agents":[]}`)},
		{"self_transaction", selfTxDoc},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := escrowPair(t)
			step(t, e)
			before := e.Snapshot()
			history := e.HistoryLen()

			require.Error(t, e.ImportSnapshot(tt.doc))
			assert.Equal(t, before, e.Snapshot())
			assert.Equal(t, history, e.HistoryLen())
		})
	}
}

func TestImportSnapshot_MissingCountersNeverReuseIDs(t *testing.T) {
	src := escrowPair(t)
	step(t, src)
	snap := src.Snapshot()
	require.Len(t, snap.Transactions, 1)
	snap.Counters = map[string]int64{}
	data, err := eventlog.EncodeSnapshot(snap)
	require.NoError(t, err)

	dst := newTestEngine(t)
	require.NoError(t, dst.ImportSnapshot(data))

	// Agent state is cleared on import, so the requester opens a new
	// transaction on its next turn.
	res := step(t, dst)
	assert.Zero(t, res.Failures)
	got := dst.Snapshot()
	require.Len(t, got.Transactions, 2)
	assert.Equal(t, "tx-1", got.Transactions[0].ID)
	assert.Equal(t, "tx-2", got.Transactions[1].ID)
}

func recordSession(t *testing.T, ticks int) (*Engine, *ir.Log) {
	t.Helper()
	e := escrowPair(t)
	require.NoError(t, e.StartRecording())
	for i := 0; i < ticks; i++ {
		step(t, e)
	}
	log, err := e.StopRecording()
	require.NoError(t, err)
	return e, log
}

func TestRecording_ReplaysToFinalSnapshot(t *testing.T) {
	e, log := recordSession(t, 3)
	assert.Equal(t, "session-1", log.SessionID)
	require.NotNil(t, log.Final)
	assert.Equal(t, e.Snapshot(), *log.Final)

	_, err := replay.Verify(log)
	require.NoError(t, err)
	_, err = replay.VerifyDeterminism(log)
	require.NoError(t, err)

	data, err := eventlog.Encode(log)
	require.NoError(t, err)
	require.NoError(t, eventlog.Validate(data))
}

func TestRecording_StartedMidSessionReplays(t *testing.T) {
	e := escrowPair(t)
	step(t, e)
	require.NoError(t, e.StartRecording())
	step(t, e)
	step(t, e)
	log, err := e.StopRecording()
	require.NoError(t, err)
	assert.Equal(t, int64(1), log.Initial.Tick)

	_, err = replay.Verify(log)
	require.NoError(t, err)
}

func TestRecording_StepBackTruncates(t *testing.T) {
	e := escrowPair(t)
	require.NoError(t, e.StartRecording())
	step(t, e)
	step(t, e)
	_, err := e.StepBack()
	require.NoError(t, err)
	step(t, e)
	log, err := e.StopRecording()
	require.NoError(t, err)

	_, err = replay.Verify(log)
	require.NoError(t, err, "the undone tick must not be in the log")
}

func TestRecording_RefusesUnrecordableEdits(t *testing.T) {
	e := escrowPair(t)
	require.NoError(t, e.StartRecording())

	err := e.AddAgent(ir.Agent{ID: "agent-c"}, ir.Position{})
	assert.Equal(t, ErrCodeRecordingActive, CodeOf(err))
	assert.Equal(t, ErrCodeRecordingActive, CodeOf(e.DeleteAgent("agent-b")))
	assert.Equal(t, ErrCodeRecordingActive, CodeOf(e.SetPosition("agent-a", ir.Position{})))
	assert.NoError(t, e.SetEnabled("agent-b", false))
}

func TestImportLog_RejectsOutOfOrderEvents(t *testing.T) {
	_, log := recordSession(t, 2)
	require.Greater(t, len(log.Events), 2)
	log.Events[0], log.Events[len(log.Events)-1] = log.Events[len(log.Events)-1], log.Events[0]
	data, err := eventlog.Encode(log)
	require.NoError(t, err)

	e := escrowPair(t)
	step(t, e)
	before := e.Snapshot()
	events := len(e.Events(0))

	err = e.ImportLog(data)
	require.Error(t, err)
	assert.ErrorIs(t, err, eventlog.ErrMalformed)
	assert.False(t, e.Replaying())
	assert.Equal(t, before, e.Snapshot())
	assert.Len(t, e.Events(0), events)
}

func TestReplay_StepSeekExit(t *testing.T) {
	_, log := recordSession(t, 2)
	data, err := eventlog.Encode(log)
	require.NoError(t, err)

	e := newTestEngine(t)
	addAgent(t, e, "other", 5, idleScript)
	live := e.Snapshot()

	require.NoError(t, e.ImportLog(data))
	assert.True(t, e.Replaying())
	assert.Equal(t, log.Initial, e.Snapshot())

	more, err := e.ReplayStep()
	require.NoError(t, err)
	assert.True(t, more)

	require.NoError(t, e.ReplaySeek(len(log.Events)))
	status, err := e.ReplayStatus()
	require.NoError(t, err)
	assert.Equal(t, len(log.Events), status.Cursor)
	assert.InDelta(t, 1.0, status.Progress, 1e-9)
	assert.Equal(t, *log.Final, e.Snapshot())

	require.NoError(t, e.ExitReplay())
	assert.False(t, e.Replaying())
	assert.Equal(t, live, e.Snapshot())

	_, err = e.ReplayStep()
	assert.Equal(t, ErrCodeNotReplaying, CodeOf(err))
}

func TestReplay_ResumeNeverReusesIDs(t *testing.T) {
	_, log := recordSession(t, 1)

	e := newTestEngine(t, WithSessionIDs(NewFixedGenerator("live", "resumed")))
	require.NoError(t, e.EnterReplay(log))
	require.NoError(t, e.ReplaySeek(len(log.Events)))

	session, err := e.ResumeFromReplay()
	require.NoError(t, err)
	assert.Equal(t, "resumed", session)
	assert.False(t, e.Replaying())

	seen := map[string]bool{}
	for _, ev := range log.Events {
		seen[ev.ID] = true
	}
	step(t, e)
	for _, ev := range e.Events(0) {
		assert.False(t, seen[ev.ID], "event id %s reused", ev.ID)
	}
}

func TestFork_StartsNewLineage(t *testing.T) {
	e := escrowPair(t, WithSessionIDs(NewFixedGenerator("root", "fork")))
	step(t, e)
	atOne := e.Snapshot()
	step(t, e)
	step(t, e)

	session, err := e.Fork(1)
	require.NoError(t, err)
	assert.Equal(t, "fork", session)
	assert.Equal(t, int64(1), e.Tick())
	got := e.Snapshot()
	assert.Equal(t, atOne.Agents, got.Agents)
	assert.Equal(t, atOne.Transactions, got.Transactions)
	for _, tick := range e.HistoryTicks() {
		assert.LessOrEqual(t, tick, int64(1))
	}

	_, err = e.Fork(42)
	assert.Equal(t, ErrCodeNoHistory, CodeOf(err))
}

func TestReset_ReturnsToBaseline(t *testing.T) {
	e := escrowPair(t)
	baseline := e.Snapshot()
	epoch := e.Epoch()
	step(t, e)
	step(t, e)

	require.NoError(t, e.Reset())
	assert.Equal(t, baseline, e.Snapshot())
	assert.Empty(t, e.Events(0))
	assert.Zero(t, e.HistoryLen())
	assert.Empty(t, e.Jobs())
	assert.Greater(t, e.Epoch(), epoch)

	step(t, e)
	assert.Equal(t, int64(990_000_000), balance(t, e.Snapshot(), "agent-a"))
}

func TestScheduler_RunsToCompletion(t *testing.T) {
	e := escrowPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, e.Start(ctx, time.Millisecond))
	require.NoError(t, e.Wait(ctx))

	assert.False(t, e.Running())
	assert.True(t, e.Completed())
	assert.Equal(t, int64(9_900_000), balance(t, e.Snapshot(), "agent-b"))
}

func TestScheduler_EditsRefusedWhileRunning(t *testing.T) {
	e := newTestEngine(t)
	addAgent(t, e, "agent-a", 0, idleScript)

	require.NoError(t, e.Start(context.Background(), time.Millisecond))
	defer e.Stop()

	err := e.Start(context.Background(), time.Millisecond)
	assert.True(t, IsSchedulerRunning(err))
	assert.True(t, IsSchedulerRunning(e.DeleteAgent("agent-a")))
	_, err = e.StepBack()
	assert.True(t, IsSchedulerRunning(err))

	epoch := e.Epoch()
	e.Stop()
	assert.False(t, e.Running())
	assert.Greater(t, e.Epoch(), epoch)
	require.NoError(t, e.DeleteAgent("agent-a"))
}

func TestScheduler_RefusedDuringReplay(t *testing.T) {
	_, log := recordSession(t, 1)
	e := newTestEngine(t)
	require.NoError(t, e.EnterReplay(log))
	assert.True(t, IsReplayActive(e.Start(context.Background(), time.Millisecond)))
}

func TestFixedGenerator(t *testing.T) {
	gen := NewFixedGenerator("a", "b")
	assert.Equal(t, "a", gen.Generate())
	assert.Equal(t, "b", gen.Generate())
	assert.Equal(t, "b-3", gen.Generate())
}

func TestUUIDv7Generator(t *testing.T) {
	gen := UUIDv7Generator{}
	a, b := gen.Generate(), gen.Generate()
	assert.Len(t, a, 36)
	assert.NotEqual(t, a, b)
}
