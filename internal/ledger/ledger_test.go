package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/agentsim/internal/ir"
	"github.com/roach88/agentsim/internal/txn"
)

func setupLedger(t *testing.T) *Ledger {
	t.Helper()
	l := New()
	require.NoError(t, l.AddAgent(ir.Agent{ID: "agent-a", Name: "A", BalanceMicro: 1_000_000_000}, ir.Position{X: 1, Y: 2}))
	require.NoError(t, l.AddAgent(ir.Agent{ID: "agent-b", Name: "B"}, ir.Position{X: 3, Y: 4}))
	return l
}

func addTx(t *testing.T, l *Ledger, id string) {
	t.Helper()
	require.NoError(t, l.Apply(ir.AddConnection{Transaction: ir.Transaction{
		ID: id, Source: "agent-a", Target: "agent-b", AmountMicro: 10_000_000,
		Service: "echo", State: ir.TxInitiated,
	}}))
}

func TestAddAgent_Defaults(t *testing.T) {
	l := setupLedger(t)

	a, ok := l.Agent("agent-b")
	require.True(t, ok)
	assert.Equal(t, ir.AgentIdle, a.Status)
	assert.Equal(t, ir.LanguageJS, a.Language)

	assert.Error(t, l.AddAgent(ir.Agent{ID: "agent-a"}, ir.Position{}), "duplicate id")
	assert.Error(t, l.AddAgent(ir.Agent{ID: "x", BalanceMicro: -1}, ir.Position{}))
	assert.Error(t, l.AddAgent(ir.Agent{}, ir.Position{}))
}

func TestApply_AddConnection(t *testing.T) {
	l := setupLedger(t)
	addTx(t, l, "tx-1")

	tx, ok := l.Transaction("tx-1")
	require.True(t, ok)
	assert.Equal(t, ir.TxInitiated, tx.State)

	err := l.Apply(ir.AddConnection{Transaction: tx})
	assert.Error(t, err, "duplicate transaction")

	err = l.Apply(ir.AddConnection{Transaction: ir.Transaction{
		ID: "tx-2", Source: "agent-a", Target: "ghost", AmountMicro: 1,
	}})
	assert.Equal(t, txn.RuleUnknownAgent, txn.RuleOf(err))

	err = l.Apply(ir.AddConnection{Transaction: ir.Transaction{
		ID: "tx-3", Source: "agent-a", Target: "agent-a", AmountMicro: 1,
	}})
	assert.Equal(t, txn.RuleSelfTransaction, txn.RuleOf(err))
}

func TestApply_ConnectionStateFollowsGraph(t *testing.T) {
	l := setupLedger(t)
	addTx(t, l, "tx-1")

	require.NoError(t, l.Apply(ir.UpdateConnectionState{TxID: "tx-1", State: ir.TxCommitted, At: 10, EscrowLinked: true}))

	err := l.Apply(ir.UpdateConnectionState{TxID: "tx-1", State: ir.TxInitiated, At: 20})
	assert.Equal(t, txn.RuleInvalidTransition, txn.RuleOf(err))

	tx, _ := l.Transaction("tx-1")
	assert.Equal(t, ir.TxCommitted, tx.State, "rejected action leaves ledger unchanged")
	assert.Equal(t, int64(10), tx.UpdatedAt)

	err = l.Apply(ir.UpdateConnectionState{TxID: "tx-404", State: ir.TxCommitted})
	assert.Equal(t, txn.RuleUnknownTransaction, txn.RuleOf(err))
}

func TestApply_BalanceNeverNegative(t *testing.T) {
	l := setupLedger(t)

	err := l.Apply(ir.UpdateAgentBalance{AgentID: "agent-a", BalanceMicro: -1})
	assert.Equal(t, txn.RuleInsufficientFunds, txn.RuleOf(err))

	a, _ := l.Agent("agent-a")
	assert.Equal(t, int64(1_000_000_000), a.BalanceMicro)

	require.NoError(t, l.Apply(ir.UpdateAgentBalance{AgentID: "agent-b", BalanceMicro: 9_900_000, DeltaMicro: 9_900_000, FeeMicro: 100_000}))
	assert.Equal(t, int64(100_000), l.FeesCollected())
}

func TestApply_StatusTickAndCounters(t *testing.T) {
	l := setupLedger(t)

	require.NoError(t, l.Apply(ir.UpdateAgentStatus{AgentID: "agent-a", Status: ir.AgentRunning}))
	assert.Error(t, l.Apply(ir.UpdateAgentStatus{AgentID: "agent-a", Status: "sleeping"}))
	a, _ := l.Agent("agent-a")
	assert.Equal(t, ir.AgentRunning, a.Status)

	require.NoError(t, l.Apply(ir.TickRuntime{Tick: 1, VirtualTime: 100}))
	assert.Error(t, l.Apply(ir.TickRuntime{Tick: 0, VirtualTime: 100}), "clock never moves backwards")
	assert.Equal(t, int64(1), l.Tick())
	assert.Equal(t, int64(100), l.VirtualTime())

	require.NoError(t, l.Apply(ir.SetIDCounter{Prefix: "tx", Value: 7}))
	assert.Equal(t, "tx-8", l.IDs().Next("tx"))

	assert.Error(t, l.Apply(nil))
}

func TestSupplyIsConserved(t *testing.T) {
	l := setupLedger(t)
	before := l.Supply()
	addTx(t, l, "tx-1")

	// commit: debit source into escrow
	require.NoError(t, l.Apply(ir.UpdateConnectionState{TxID: "tx-1", State: ir.TxCommitted, EscrowLinked: true}))
	require.NoError(t, l.Apply(ir.UpdateAgentBalance{AgentID: "agent-a", BalanceMicro: 990_000_000, DeltaMicro: -10_000_000}))
	assert.Equal(t, before, l.Supply())
	assert.Equal(t, int64(10_000_000), l.Escrowed())

	require.NoError(t, l.Apply(ir.UpdateConnectionState{TxID: "tx-1", State: ir.TxDelivered, EscrowLinked: true}))
	require.NoError(t, l.Apply(ir.UpdateConnectionState{TxID: "tx-1", State: ir.TxSettled, EscrowLinked: true}))
	require.NoError(t, l.Apply(ir.UpdateAgentBalance{AgentID: "agent-b", BalanceMicro: 9_900_000, DeltaMicro: 9_900_000, FeeMicro: 100_000}))

	assert.Equal(t, before, l.Supply())
	assert.Zero(t, l.Escrowed())
}

func TestSnapshotRestore_RoundTrip(t *testing.T) {
	l := setupLedger(t)
	for _, id := range []string{"tx-2", "tx-10", "tx-1"} {
		addTx(t, l, id)
	}
	l.IDs().Set("tx", 10)
	require.NoError(t, l.Apply(ir.TickRuntime{Tick: 3, VirtualTime: 300}))

	snap := l.Snapshot()
	assert.Equal(t, []string{"tx-1", "tx-2", "tx-10"}, []string{
		snap.Transactions[0].ID, snap.Transactions[1].ID, snap.Transactions[2].ID,
	})

	restored, err := FromSnapshot(snap)
	require.NoError(t, err)

	want, err := ir.MarshalCanonical(snap)
	require.NoError(t, err)
	got, err := ir.MarshalCanonical(restored.Snapshot())
	require.NoError(t, err)
	assert.Equal(t, string(want), string(got))
}

func TestRestore_RejectsInvalidAndLeavesLedger(t *testing.T) {
	tests := []struct {
		name string
		tx   ir.Transaction
		rule txn.Rule
	}{
		{"unknown_agent", ir.Transaction{ID: "tx-1", Source: "agent-a", Target: "ghost", AmountMicro: 1}, ""},
		{"self_transaction", ir.Transaction{ID: "tx-1", Source: "agent-a", Target: "agent-a", AmountMicro: 1}, txn.RuleSelfTransaction},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := setupLedger(t)
			snap := l.Snapshot()
			snap.Transactions = []ir.Transaction{tt.tx}

			err := l.Restore(snap)
			require.Error(t, err)
			if tt.rule != "" {
				assert.Equal(t, tt.rule, txn.RuleOf(err))
			}
			assert.Len(t, l.Agents(), 2)
			assert.Empty(t, l.Transactions())
		})
	}
}

func TestRestore_AdvancesLaggingCounters(t *testing.T) {
	l := setupLedger(t)
	snap := l.Snapshot()
	snap.Transactions = []ir.Transaction{
		{ID: "tx-1", Source: "agent-a", Target: "agent-b", AmountMicro: 1, State: ir.TxInitiated},
		{ID: "tx-7", Source: "agent-b", Target: "agent-a", AmountMicro: 1, State: ir.TxInitiated},
	}
	snap.Counters = map[string]int64{"tx": 2, "job": 4}

	require.NoError(t, l.Restore(snap))
	assert.Equal(t, "tx-8", l.IDs().Next("tx"))
	assert.Equal(t, "job-5", l.IDs().Next("job"), "counters ahead of the data are kept")
}

func TestDeleteAgent_RemovesTransactions(t *testing.T) {
	l := setupLedger(t)
	addTx(t, l, "tx-1")
	addTx(t, l, "tx-2")

	removed, err := l.DeleteAgent("agent-b")
	require.NoError(t, err)
	assert.Equal(t, []string{"tx-1", "tx-2"}, removed)
	assert.Empty(t, l.Transactions())
	_, ok := l.Position("agent-b")
	assert.False(t, ok)

	_, err = l.DeleteAgent("agent-b")
	assert.Error(t, err)
}

func TestClone_IsIndependent(t *testing.T) {
	l := setupLedger(t)
	c := l.Clone()

	require.NoError(t, c.Apply(ir.UpdateAgentBalance{AgentID: "agent-a", BalanceMicro: 5}))
	c.IDs().Next("tx")

	a, _ := l.Agent("agent-a")
	assert.Equal(t, int64(1_000_000_000), a.BalanceMicro)
	assert.Equal(t, int64(0), l.IDs().Current("tx"))
}

func TestIncomingOutgoing(t *testing.T) {
	l := setupLedger(t)
	addTx(t, l, "tx-1")

	assert.Len(t, l.Outgoing("agent-a"), 1)
	assert.Empty(t, l.Incoming("agent-a"))
	assert.Len(t, l.Incoming("agent-b"), 1)
}

func TestCompareIDs(t *testing.T) {
	assert.Equal(t, -1, CompareIDs("tx-9", "tx-10"))
	assert.Equal(t, 1, CompareIDs("tx-10", "tx-9"))
	assert.Equal(t, 0, CompareIDs("tx-3", "tx-3"))
	assert.Equal(t, -1, CompareIDs("agent-a", "agent-b"))
}
