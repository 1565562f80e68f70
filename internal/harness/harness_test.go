package harness

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/agentsim/internal/ir"
	"github.com/roach88/agentsim/internal/scenario"
)

var scenarioDir = filepath.Join("..", "..", "examples", "scenarios")

func load(t *testing.T, name string) *scenario.Scenario {
	t.Helper()
	s, err := scenario.Load(filepath.Join(scenarioDir, name))
	require.NoError(t, err)
	return s
}

func TestRun_ExampleScenariosPass(t *testing.T) {
	for _, name := range []string{"escrow.yaml", "dispute.yaml", "translate.yaml"} {
		t.Run(name, func(t *testing.T) {
			res, err := NewRunner().RunFile(context.Background(), filepath.Join(scenarioDir, name))
			require.NoError(t, err)
			assert.True(t, res.Pass, "errors: %v", res.Errors)
			assert.Zero(t, res.Failures)
		})
	}
}

func TestRun_EscrowCompletes(t *testing.T) {
	res, err := Run(context.Background(), load(t, "escrow.yaml"))
	require.NoError(t, err)

	assert.True(t, res.Completed)
	assert.Less(t, res.Ticks, int64(6))
	tx, ok := res.Snapshot.Transaction("tx-1")
	require.True(t, ok)
	assert.Equal(t, ir.TxSettled, tx.State)
	assert.Equal(t, int64(100_000), res.Snapshot.FeesCollectedMicro)
	assert.Equal(t, "escrow-settlement", res.Log.SessionID)
}

func TestRun_DisputeRejectsRelease(t *testing.T) {
	res, err := Run(context.Background(), load(t, "dispute.yaml"))
	require.NoError(t, err)
	require.True(t, res.Pass, "errors: %v", res.Errors)

	for _, ev := range res.Events {
		if ev.Type == ir.EventStateChange && ev.Action != nil {
			if change, ok := ev.Action.Action.(ir.UpdateConnectionState); ok {
				assert.NotEqual(t, ir.TxSettled, change.State)
			}
		}
	}
}

func TestRun_ReportsFailedAssertions(t *testing.T) {
	s := load(t, "escrow.yaml")
	s.Assertions = []scenario.Assertion{
		{Type: scenario.AssertBalance, Agent: "agent-b", Equals: 10_000_000},
		{Type: scenario.AssertTxState, Tx: "tx-9", State: "SETTLED"},
		{Type: scenario.AssertTxCount, State: "DISPUTED", Count: 1},
		{Type: scenario.AssertEventCount, EventType: "error", Count: 2},
		{Type: scenario.AssertJobStatus, Job: "job-1", Status: "completed"},
	}

	res, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, res.Pass)
	require.Len(t, res.Errors, 5)
	assert.Contains(t, res.Errors[0], "agent-b balance 9900000")
	assert.Contains(t, res.Errors[1], "transaction not found")
	assert.Contains(t, res.Errors[2], "0 transactions")
	assert.Contains(t, res.Errors[3], "type=error")
	assert.Contains(t, res.Errors[4], "job not found")
}

func TestEvaluate_UnknownType(t *testing.T) {
	errs := Evaluate(&Result{}, []scenario.Assertion{{Type: "vibes"}})
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], `unknown assertion type "vibes"`)
}

func TestAssertionError_Format(t *testing.T) {
	err := &AssertionError{Type: "balance", Expected: "a balance 1", Actual: "a balance 2"}
	assert.Equal(t, "Assertion failed: balance\n  Expected: a balance 1\n  Actual: a balance 2", err.Error())
}

func TestAssertDeterministic(t *testing.T) {
	for _, name := range []string{"escrow.yaml", "translate.yaml"} {
		t.Run(name, func(t *testing.T) {
			res := AssertDeterministic(t, load(t, name))
			AssertReplayDeterministic(t, res.Log)
		})
	}
}
