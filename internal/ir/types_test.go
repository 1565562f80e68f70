package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func lookupSnapshot() Snapshot {
	return Snapshot{
		Version: FormatVersion,
		Agents:  []Agent{{ID: "agent-a", BalanceMicro: 5}, {ID: "agent-b"}},
		Transactions: []Transaction{
			{ID: "tx-1", Source: "agent-a", Target: "agent-b", AmountMicro: 10, State: TxCommitted},
		},
	}
}

func TestSnapshot_LookupOnReturnedValue(t *testing.T) {
	a, ok := lookupSnapshot().Agent("agent-a")
	assert.True(t, ok)
	assert.Equal(t, int64(5), a.BalanceMicro)

	tx, ok := lookupSnapshot().Transaction("tx-1")
	assert.True(t, ok)
	assert.Equal(t, TxCommitted, tx.State)

	_, ok = lookupSnapshot().Agent("ghost")
	assert.False(t, ok)
	_, ok = lookupSnapshot().Transaction("tx-9")
	assert.False(t, ok)
}
