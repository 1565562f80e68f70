package txn

import (
	"errors"
	"fmt"

	"github.com/roach88/agentsim/internal/ir"
)

// Rule names the invariant a rejected operation violated.
type Rule string

const (
	RuleInvalidTransition  Rule = "invalid_transition"
	RuleTerminalState      Rule = "terminal_state"
	RuleSelfTransaction    Rule = "self_transaction"
	RuleInvalidAmount      Rule = "invalid_amount"
	RuleAmountBelowMinimum Rule = "amount_below_minimum"
	RuleMissingField       Rule = "missing_field"
	RuleInsufficientFunds  Rule = "insufficient_funds"
	RuleNotAuthorized      Rule = "not_authorized"
	RuleUnknownTransaction Rule = "unknown_transaction"
	RuleUnknownAgent       Rule = "unknown_agent"
)

// ValidationError is a synchronous rejection of a transaction operation.
// The ledger is never modified when one is returned.
//
// From and To are set for transition failures so the message names the
// attempted edge.
type ValidationError struct {
	Rule    Rule
	TxID    string
	From    ir.TxState
	To      ir.TxState
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	switch {
	case e.From != "" && e.To != "" && e.TxID != "":
		return fmt.Sprintf("%s: %s (tx=%s, %s -> %s)", e.Rule, e.Message, e.TxID, e.From, e.To)
	case e.From != "" && e.To != "":
		return fmt.Sprintf("%s: %s (%s -> %s)", e.Rule, e.Message, e.From, e.To)
	case e.TxID != "":
		return fmt.Sprintf("%s: %s (tx=%s)", e.Rule, e.Message, e.TxID)
	}
	return fmt.Sprintf("%s: %s", e.Rule, e.Message)
}

// IsValidationError reports whether err wraps a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// RuleOf returns the violated rule of a wrapped *ValidationError, or "".
func RuleOf(err error) Rule {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Rule
	}
	return ""
}

// Reject builds a ValidationError without transition context.
func Reject(rule Rule, txID, format string, args ...any) *ValidationError {
	return &ValidationError{Rule: rule, TxID: txID, Message: fmt.Sprintf(format, args...)}
}
