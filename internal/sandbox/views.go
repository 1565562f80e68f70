package sandbox

import (
	"fmt"
	"hash/fnv"
	"math"

	"github.com/roach88/agentsim/internal/ir"
	"github.com/roach88/agentsim/internal/txn"
)

// txView renders a transaction the way scripts see it.
func txView(tx ir.Transaction) map[string]any {
	v := map[string]any{
		"id":           tx.ID,
		"source":       tx.Source,
		"target":       tx.Target,
		"amountMicro":  tx.AmountMicro,
		"service":      tx.Service,
		"state":        string(tx.State),
		"createdAt":    tx.CreatedAt,
		"updatedAt":    tx.UpdatedAt,
		"escrowLinked": tx.EscrowLinked,
	}
	if tx.DisputeReason != "" {
		v["disputeReason"] = tx.DisputeReason
	}
	return v
}

func txViews(txs []ir.Transaction) []any {
	out := make([]any, len(txs))
	for i, tx := range txs {
		out[i] = txView(tx)
	}
	return out
}

// createArgs extracts {provider, amountMicro, service}.
func createArgs(params map[string]any) (provider string, amount int64, service string, err error) {
	provider, _ = params["provider"].(string)
	service, _ = params["service"].(string)
	amount, ok := toInt64(params["amountMicro"])
	if !ok {
		return "", 0, "", txn.Reject(txn.RuleInvalidAmount, "", "amountMicro must be an integer, got %v", params["amountMicro"])
	}
	return provider, amount, service, nil
}

func parseState(s string) (ir.TxState, error) {
	st, ok := ir.ParseTxState(s)
	if !ok {
		return "", txn.Reject(txn.RuleInvalidTransition, "", "unknown state %q", s)
	}
	return st, nil
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		if math.Trunc(n) != n || n >= math.MaxInt64 || n < math.MinInt64 {
			return 0, false
		}
		return int64(n), true
	default:
		return 0, false
	}
}

// rng is a xorshift64* generator seeded per agent per tick, standing in for
// Math.random and math.random so scripts that use them stay replayable.
type rng struct {
	s uint64
}

func newRNG(agentID string, tick int64) *rng {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s/%d", agentID, tick)
	s := h.Sum64()
	if s == 0 {
		s = 0x9e3779b97f4a7c15
	}
	return &rng{s: s}
}

// Float returns a value in [0, 1).
func (r *rng) Float() float64 {
	r.s ^= r.s >> 12
	r.s ^= r.s << 25
	r.s ^= r.s >> 27
	return float64((r.s*0x2545f4914f6cdd1d)>>11) / (1 << 53)
}
