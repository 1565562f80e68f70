package txn

import "github.com/roach88/agentsim/internal/ir"

// Authorize checks that actor may move tx to the target state.
//
// The provider (target) drives the work: QUOTED, IN_PROGRESS, DELIVERED.
// The requester (source) controls the money: COMMITTED, SETTLED, DISPUTED.
// Either party may cancel. Agents outside the transaction may do nothing.
func Authorize(tx ir.Transaction, actor string, to ir.TxState) error {
	if actor != tx.Source && actor != tx.Target {
		return Reject(RuleNotAuthorized, tx.ID, "agent %s is not a party to this transaction", actor)
	}

	var want string
	switch to {
	case ir.TxQuoted, ir.TxInProgress, ir.TxDelivered:
		want = tx.Target
	case ir.TxCommitted, ir.TxSettled, ir.TxDisputed:
		want = tx.Source
	case ir.TxCancelled:
		return nil
	default:
		return &ValidationError{
			Rule: RuleInvalidTransition, TxID: tx.ID, From: tx.State, To: to,
			Message: "no agent may enter this state",
		}
	}
	if actor != want {
		return &ValidationError{
			Rule: RuleNotAuthorized, TxID: tx.ID, From: tx.State, To: to,
			Message: "only " + want + " may make this transition",
		}
	}
	return nil
}
