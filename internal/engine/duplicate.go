package engine

import "github.com/roach88/agentsim/internal/ir"

// findRepeat reports whether tx repeats a transaction the same agent opened
// to the same provider for the same service during this tick or the one
// before.
//
// The usual cause is a script that forgets to persist the id it created and
// opens a fresh transaction every turn. Repeats are allowed; the engine only
// warns.
//
// The check reads only ledger state, so it gives the same answer after a
// step-back or fork as it did the first time.
func findRepeat(outgoing []ir.Transaction, tx ir.Transaction, window int64) (string, bool) {
	for i := len(outgoing) - 1; i >= 0; i-- {
		prev := outgoing[i]
		if prev.Target != tx.Target || prev.Service != tx.Service {
			continue
		}
		if tx.CreatedAt-prev.CreatedAt <= window {
			return prev.ID, true
		}
	}
	return "", false
}
