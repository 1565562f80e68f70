package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/agentsim/internal/ir"
)

func TestEpoch_BumpCancelsInFlightWork(t *testing.T) {
	var ep Epoch
	ctx, token, end := ep.Begin(context.Background())
	defer end()

	assert.False(t, ep.Stale(token))
	ep.Bump()
	assert.True(t, ep.Stale(token))

	select {
	case <-ctx.Done():
	default:
		t.Fatal("context not cancelled by Bump")
	}
}

func TestEpoch_EndDetachesWork(t *testing.T) {
	var ep Epoch
	ctx, token, end := ep.Begin(context.Background())
	end()
	assert.Error(t, ctx.Err())

	ep.Bump()
	_, next, end2 := ep.Begin(context.Background())
	defer end2()
	assert.Equal(t, token+1, next)
}

func TestActionQuota(t *testing.T) {
	q := newActionQuota(2)
	assert.NoError(t, q.check("a", 1))
	assert.NoError(t, q.check("a", 1))
	assert.False(t, q.exceeded())

	err := q.check("a", 1)
	assert.True(t, IsQuotaError(err))
	assert.True(t, q.exceeded())

	unlimited := newActionQuota(0)
	for i := 0; i < 1000; i++ {
		assert.NoError(t, unlimited.check("a", 1))
	}
}

func TestFindRepeat(t *testing.T) {
	prev := []ir.Transaction{
		{ID: "tx-1", Target: "b", Service: "echo", CreatedAt: 100},
		{ID: "tx-2", Target: "c", Service: "echo", CreatedAt: 200},
	}
	id, ok := findRepeat(prev, ir.Transaction{Target: "b", Service: "echo", CreatedAt: 200}, 100)
	assert.True(t, ok)
	assert.Equal(t, "tx-1", id)

	_, ok = findRepeat(prev, ir.Transaction{Target: "b", Service: "echo", CreatedAt: 300}, 100)
	assert.False(t, ok, "outside the window")

	_, ok = findRepeat(prev, ir.Transaction{Target: "b", Service: "hash", CreatedAt: 200}, 100)
	assert.False(t, ok, "different service")
}
