// Package txn implements the two-party escrow transaction lifecycle as pure
// functions over ir.Transaction values.
//
// Nothing here touches balances directly. Settle reports the amounts the
// caller must move; the ledger applies them.
package txn

import (
	"slices"

	"github.com/roach88/agentsim/internal/ir"
)

// Allowed is the complete transition graph. Any edge not listed is rejected.
//
// CANCELLED is reachable from every pre-delivery, non-terminal state.
// DISPUTED is reachable only from DELIVERED and has no outgoing edges here;
// dispute resolution happens outside this runtime.
var Allowed = map[ir.TxState][]ir.TxState{
	ir.TxInitiated:  {ir.TxQuoted, ir.TxCommitted, ir.TxCancelled},
	ir.TxQuoted:     {ir.TxCommitted, ir.TxCancelled},
	ir.TxCommitted:  {ir.TxInProgress, ir.TxDelivered, ir.TxCancelled},
	ir.TxInProgress: {ir.TxDelivered, ir.TxCancelled},
	ir.TxDelivered:  {ir.TxSettled, ir.TxDisputed},
	ir.TxDisputed:   {},
	ir.TxSettled:    {},
	ir.TxCancelled:  {},
}

// CanTransition reports whether from -> to is an edge of the graph.
func CanTransition(from, to ir.TxState) bool {
	return slices.Contains(Allowed[from], to)
}

// Quiescent reports whether a transaction needs no further action from the
// agents: it is terminal, or disputed and awaiting external resolution.
func Quiescent(s ir.TxState) bool {
	return s.Terminal() || s == ir.TxDisputed
}

// CreateParams are the inputs to Create.
type CreateParams struct {
	Source      string
	Target      string
	AmountMicro int64
	Service     string
}

// Create validates params and returns a new INITIATED transaction.
func Create(p CreateParams, id string, now int64, fees FeePolicy) (ir.Transaction, error) {
	switch {
	case id == "":
		return ir.Transaction{}, Reject(RuleMissingField, "", "transaction id is required")
	case p.Source == "":
		return ir.Transaction{}, Reject(RuleMissingField, id, "source agent is required")
	case p.Target == "":
		return ir.Transaction{}, Reject(RuleMissingField, id, "provider is required")
	case p.Service == "":
		return ir.Transaction{}, Reject(RuleMissingField, id, "service is required")
	case p.Source == p.Target:
		return ir.Transaction{}, Reject(RuleSelfTransaction, id, "source and target must differ (%s)", p.Source)
	case p.AmountMicro <= 0:
		return ir.Transaction{}, Reject(RuleInvalidAmount, id, "amount must be positive, got %d", p.AmountMicro)
	case p.AmountMicro < fees.FloorMicro:
		return ir.Transaction{}, Reject(RuleAmountBelowMinimum, id,
			"amount %d is below the fee floor %d", p.AmountMicro, fees.FloorMicro)
	}

	return ir.Transaction{
		ID:          id,
		Source:      p.Source,
		Target:      p.Target,
		AmountMicro: p.AmountMicro,
		Service:     p.Service,
		State:       ir.TxInitiated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Transition moves tx to the target state. The input value is not modified.
//
// Entering COMMITTED marks the transaction escrow-linked; the caller debits
// the source in the same step.
func Transition(tx ir.Transaction, to ir.TxState, now int64) (ir.Transaction, error) {
	if tx.State.Terminal() {
		return tx, &ValidationError{
			Rule: RuleTerminalState, TxID: tx.ID, From: tx.State, To: to,
			Message: "transaction is in a terminal state",
		}
	}
	if !CanTransition(tx.State, to) {
		return tx, &ValidationError{
			Rule: RuleInvalidTransition, TxID: tx.ID, From: tx.State, To: to,
			Message: "transition not allowed",
		}
	}

	next := tx
	next.State = to
	next.UpdatedAt = now
	if to == ir.TxCommitted {
		next.EscrowLinked = true
	}
	return next, nil
}

// Cancel moves tx to CANCELLED. Refund reports the escrowed amount that must
// be returned to the source, which is zero if the transaction was never
// committed.
func Cancel(tx ir.Transaction, now int64) (next ir.Transaction, refund int64, err error) {
	next, err = Transition(tx, ir.TxCancelled, now)
	if err != nil {
		return tx, 0, err
	}
	if tx.EscrowLinked {
		refund = tx.AmountMicro
	}
	return next, refund, nil
}

// Dispute moves a DELIVERED transaction to DISPUTED and records the reason.
func Dispute(tx ir.Transaction, reason string, now int64) (ir.Transaction, error) {
	next, err := Transition(tx, ir.TxDisputed, now)
	if err != nil {
		return tx, err
	}
	next.DisputeReason = reason
	return next, nil
}

// Settlement is the balance effect of settling one transaction.
// The source is not touched; it was debited at commit.
type Settlement struct {
	TargetCredit int64
	Fee          int64
}

// Settle moves a DELIVERED transaction to SETTLED and computes the payout.
func Settle(tx ir.Transaction, now int64, fees FeePolicy) (ir.Transaction, Settlement, error) {
	next, err := Transition(tx, ir.TxSettled, now)
	if err != nil {
		return tx, Settlement{}, err
	}
	fee := fees.Fee(tx.AmountMicro)
	if fee > tx.AmountMicro {
		fee = tx.AmountMicro
	}
	return next, Settlement{TargetCredit: tx.AmountMicro - fee, Fee: fee}, nil
}
