package jobs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/agentsim/internal/agentstate"
	"github.com/roach88/agentsim/internal/idgen"
	"github.com/roach88/agentsim/internal/ir"
)

func setupQueue(t *testing.T, opts ...Option) (*Queue, *agentstate.Store) {
	t.Helper()
	state := agentstate.New()
	return New(idgen.New(), state, opts...), state
}

func jobStatus(state *agentstate.Store, agentID, jobID string) string {
	jobs, _ := state.Get(agentID)[agentstate.JobsKey].(map[string]any)
	rec, _ := jobs[jobID].(map[string]any)
	s, _ := rec["status"].(string)
	return s
}

func TestQueue_TranslateCompletesAfterLatency(t *testing.T) {
	q, state := setupQueue(t)

	job, err := q.Submit("agent-a", TypeTranslate, map[string]any{"text": "hello world", "target_lang": "fr"}, 1)
	require.NoError(t, err)
	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, int64(4), job.ReadyTick)
	assert.Equal(t, "pending", jobStatus(state, "agent-a", job.ID))

	for tick := int64(1); tick < 4; tick++ {
		assert.Empty(t, q.Advance(tick), "tick %d", tick)
		assert.Equal(t, "pending", jobStatus(state, "agent-a", job.ID))
	}

	done := q.Advance(4)
	require.Len(t, done, 1)
	assert.Equal(t, ir.JobCompleted, done[0].Status)
	assert.Equal(t, "[fr] olleh dlrow", done[0].Result["translated"])
	assert.Equal(t, "completed", jobStatus(state, "agent-a", job.ID))
	assert.Zero(t, q.Pending())

	assert.Empty(t, q.Advance(5), "completed jobs are not completed twice")
}

func TestQueue_FIFOCompletion(t *testing.T) {
	q, _ := setupQueue(t, WithLatency(1))

	for _, agent := range []string{"agent-c", "agent-a", "agent-b"} {
		_, err := q.Submit(agent, TypeEcho, agent, 0)
		require.NoError(t, err)
	}

	done := q.Advance(1)
	require.Len(t, done, 3)
	assert.Equal(t, []string{"job-1", "job-2", "job-3"}, []string{done[0].ID, done[1].ID, done[2].ID})
	assert.Equal(t, "agent-c", done[0].Result["output"])
}

func TestQueue_UnknownTypeRejected(t *testing.T) {
	q, state := setupQueue(t)

	_, err := q.Submit("agent-a", "teleport", nil, 0)
	require.Error(t, err)
	assert.Zero(t, q.Len())
	assert.Empty(t, state.AgentIDs())
}

func TestQueue_HandlerErrorMarksFailed(t *testing.T) {
	q, state := setupQueue(t, WithLatency(0), WithHandler("flaky", func(any) (map[string]any, error) {
		return nil, errors.New("upstream unavailable")
	}))

	job, err := q.Submit("agent-a", "flaky", "x", 2)
	require.NoError(t, err)

	done := q.Advance(2)
	require.Len(t, done, 1)
	assert.Equal(t, ir.JobFailed, done[0].Status)
	assert.Equal(t, "upstream unavailable", done[0].Error)
	assert.Equal(t, "failed", jobStatus(state, "agent-a", job.ID))
}

func TestQueue_SnapshotRestore(t *testing.T) {
	q, _ := setupQueue(t)
	_, err := q.Submit("agent-a", TypeHash, "abc", 0)
	require.NoError(t, err)
	snap := q.Snapshot()

	q.Advance(10)
	_, err = q.Submit("agent-b", TypeEcho, "x", 10)
	require.NoError(t, err)

	q.Restore(snap)
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, 1, q.Pending())

	q.Clear()
	assert.Zero(t, q.Len())
}

func TestQueue_RemoveAgent(t *testing.T) {
	q, _ := setupQueue(t)
	_, _ = q.Submit("agent-a", TypeEcho, "1", 0)
	_, _ = q.Submit("agent-b", TypeEcho, "2", 0)

	q.RemoveAgent("agent-a")
	assert.Equal(t, 1, q.Len())
	_, ok := q.Get("job-1")
	assert.False(t, ok)
}

func TestBuiltins(t *testing.T) {
	t.Run("summarize", func(t *testing.T) {
		out, err := summarize("First sentence here. Second one follows.")
		require.NoError(t, err)
		assert.Equal(t, "First sentence here.", out["summary"])
		assert.Equal(t, int64(6), out["word_count"])
	})

	t.Run("hash", func(t *testing.T) {
		out, err := hash(map[string]any{"text": "abc"})
		require.NoError(t, err)
		assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", out["digest"])
	})

	t.Run("translate default language", func(t *testing.T) {
		out, err := translate("abc")
		require.NoError(t, err)
		assert.Equal(t, "[es] cba", out["translated"])
	})

	t.Run("bad input", func(t *testing.T) {
		_, err := translate(int64(5))
		assert.Error(t, err)
		_, err = hash(map[string]any{"body": "x"})
		assert.Error(t, err)
	})
}
