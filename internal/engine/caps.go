package engine

import (
	"log/slog"

	"github.com/roach88/agentsim/internal/idgen"
	"github.com/roach88/agentsim/internal/ir"
	"github.com/roach88/agentsim/internal/sandbox"
	"github.com/roach88/agentsim/internal/txn"
)

// agentCaps is the capability surface handed to one agent for one turn.
//
// Every verb validates completely before touching the ledger, so a rejected
// action leaves no trace. Accepted actions are applied immediately and are
// visible to the rest of the turn and to later agents in the same tick.
//
// Runs on the tick path; the engine mutex is already held.
type agentCaps struct {
	engine  *Engine
	agentID string
	tick    int64
	now     int64
	quota   *actionQuota
	token   uint64
}

var _ sandbox.Capabilities = (*agentCaps)(nil)

// guard charges one call against the quota and refuses work from a
// superseded epoch.
func (c *agentCaps) guard() error {
	if c.engine.epoch.Stale(c.token) {
		return &RuntimeError{Code: ErrCodeStaleEpoch, Message: "epoch moved", AgentID: c.agentID, Tick: c.tick}
	}
	return c.quota.check(c.agentID, c.tick)
}

// action emits an action event describing a verb call.
func (c *agentCaps) action(verb string, data map[string]any) {
	c.engine.emit(ir.Event{
		Type:    ir.EventAction,
		AgentID: c.agentID,
		Message: verb,
		Data:    data,
	})
}

// Log records a script log line as an action event.
func (c *agentCaps) Log(level sandbox.LogLevel, message string) {
	c.engine.emit(ir.Event{
		Type:    ir.EventAction,
		AgentID: c.agentID,
		Message: message,
		Data:    map[string]any{"log": string(level)},
	})
}

// CreateTransaction opens a new INITIATED transaction from this agent to
// provider. The id is minted only once validation passes.
func (c *agentCaps) CreateTransaction(provider string, amountMicro int64, service string) (string, error) {
	if err := c.guard(); err != nil {
		return "", err
	}
	l := c.engine.ledger

	if provider != "" {
		if _, ok := l.Agent(provider); !ok {
			return "", txn.Reject(txn.RuleUnknownAgent, "", "unknown provider %q", provider)
		}
	}
	id := idgen.Format(idgen.PrefixTransaction, l.IDs().Current(idgen.PrefixTransaction)+1)
	tx, err := txn.Create(txn.CreateParams{
		Source:      c.agentID,
		Target:      provider,
		AmountMicro: amountMicro,
		Service:     service,
	}, id, c.now, c.engine.fees)
	if err != nil {
		return "", err
	}

	prev, dup := findRepeat(l.Outgoing(c.agentID), tx, c.engine.tickDuration)

	l.IDs().Next(idgen.PrefixTransaction)
	if err := c.engine.apply(c.agentID, ir.AddConnection{Transaction: tx}); err != nil {
		return "", err
	}
	c.action("createTransaction", map[string]any{
		"tx_id":        tx.ID,
		"provider":     provider,
		"amount_micro": amountMicro,
		"service":      service,
	})
	if dup {
		slog.Warn("repeated transaction creation", "agent", c.agentID, "tx", tx.ID, "previous", prev)
		c.engine.emit(ir.Event{
			Type:    ir.EventSystem,
			AgentID: c.agentID,
			Message: "possible duplicate transaction",
			Data: map[string]any{
				"level":          "warn",
				"tx_id":          tx.ID,
				"previous_tx_id": prev,
			},
		})
	}
	return tx.ID, nil
}

// lookup returns a transaction and checks that the lifecycle graph allows
// the move and that this agent may make it, in that order.
func (c *agentCaps) lookup(txID string, to ir.TxState) (ir.Transaction, error) {
	tx, ok := c.engine.ledger.Transaction(txID)
	if !ok {
		return ir.Transaction{}, txn.Reject(txn.RuleUnknownTransaction, txID, "unknown transaction")
	}
	if _, err := txn.Transition(tx, to, c.now); err != nil {
		return ir.Transaction{}, err
	}
	if err := txn.Authorize(tx, c.agentID, to); err != nil {
		return ir.Transaction{}, err
	}
	return tx, nil
}

// TransitionState moves a transaction along the lifecycle graph.
// SETTLED, CANCELLED and DISPUTED route through their dedicated verbs so the
// money moves with them.
func (c *agentCaps) TransitionState(txID string, to ir.TxState) error {
	switch to {
	case ir.TxSettled:
		return c.ReleaseEscrow(txID)
	case ir.TxCancelled:
		return c.CancelTransaction(txID)
	case ir.TxDisputed:
		return c.InitiateDispute(txID, "")
	}

	if err := c.guard(); err != nil {
		return err
	}
	tx, err := c.lookup(txID, to)
	if err != nil {
		return err
	}
	next, err := txn.Transition(tx, to, c.now)
	if err != nil {
		return err
	}

	var debit *ir.UpdateAgentBalance
	if to == ir.TxCommitted {
		src, ok := c.engine.ledger.Agent(tx.Source)
		if !ok {
			return txn.Reject(txn.RuleUnknownAgent, txID, "unknown source %q", tx.Source)
		}
		if src.BalanceMicro < tx.AmountMicro {
			return &txn.ValidationError{
				Rule: txn.RuleInsufficientFunds, TxID: txID, From: tx.State, To: to,
				Message: "balance does not cover the amount",
			}
		}
		debit = &ir.UpdateAgentBalance{
			AgentID:      src.ID,
			BalanceMicro: src.BalanceMicro - tx.AmountMicro,
			DeltaMicro:   -tx.AmountMicro,
			Reason:       "escrow " + txID,
		}
	}

	if err := c.engine.apply(c.agentID, stateChange(next)); err != nil {
		return err
	}
	if debit != nil {
		if err := c.engine.apply(c.agentID, *debit); err != nil {
			return err
		}
	}
	c.action("transitionState", map[string]any{
		"tx_id": txID,
		"from":  string(tx.State),
		"to":    string(to),
	})
	return nil
}

// ReleaseEscrow settles a DELIVERED transaction: the provider is credited
// the amount less the fee, and the fee is collected.
func (c *agentCaps) ReleaseEscrow(txID string) error {
	if err := c.guard(); err != nil {
		return err
	}
	tx, err := c.lookup(txID, ir.TxSettled)
	if err != nil {
		return err
	}
	next, settlement, err := txn.Settle(tx, c.now, c.engine.fees)
	if err != nil {
		return err
	}
	target, ok := c.engine.ledger.Agent(tx.Target)
	if !ok {
		return txn.Reject(txn.RuleUnknownAgent, txID, "unknown provider %q", tx.Target)
	}

	if err := c.engine.apply(c.agentID, stateChange(next)); err != nil {
		return err
	}
	if err := c.engine.apply(c.agentID, ir.UpdateAgentBalance{
		AgentID:      target.ID,
		BalanceMicro: target.BalanceMicro + settlement.TargetCredit,
		DeltaMicro:   settlement.TargetCredit,
		Reason:       "settle " + txID,
		FeeMicro:     settlement.Fee,
	}); err != nil {
		return err
	}
	c.action("releaseEscrow", map[string]any{
		"tx_id":        txID,
		"credit_micro": settlement.TargetCredit,
		"fee_micro":    settlement.Fee,
	})
	return nil
}

// InitiateDispute moves a DELIVERED transaction to DISPUTED. Escrow stays
// locked; no agent can move a disputed transaction.
func (c *agentCaps) InitiateDispute(txID, reason string) error {
	if err := c.guard(); err != nil {
		return err
	}
	tx, err := c.lookup(txID, ir.TxDisputed)
	if err != nil {
		return err
	}
	next, err := txn.Dispute(tx, reason, c.now)
	if err != nil {
		return err
	}
	if err := c.engine.apply(c.agentID, stateChange(next)); err != nil {
		return err
	}
	c.action("initiateDispute", map[string]any{"tx_id": txID, "reason": reason})
	return nil
}

// CancelTransaction cancels a transaction and refunds escrow to the source
// if it was committed.
func (c *agentCaps) CancelTransaction(txID string) error {
	if err := c.guard(); err != nil {
		return err
	}
	tx, err := c.lookup(txID, ir.TxCancelled)
	if err != nil {
		return err
	}
	next, refund, err := txn.Cancel(tx, c.now)
	if err != nil {
		return err
	}
	src, ok := c.engine.ledger.Agent(tx.Source)
	if !ok && refund > 0 {
		return txn.Reject(txn.RuleUnknownAgent, txID, "unknown source %q", tx.Source)
	}

	if err := c.engine.apply(c.agentID, stateChange(next)); err != nil {
		return err
	}
	if refund > 0 {
		if err := c.engine.apply(c.agentID, ir.UpdateAgentBalance{
			AgentID:      src.ID,
			BalanceMicro: src.BalanceMicro + refund,
			DeltaMicro:   refund,
			Reason:       "refund " + txID,
		}); err != nil {
			return err
		}
	}
	c.action("cancelTransaction", map[string]any{"tx_id": txID, "refund_micro": refund})
	return nil
}

// SubmitJob queues simulated external work. The result appears under
// state.jobs[id] once the job completes.
func (c *agentCaps) SubmitJob(jobType string, input any) (string, error) {
	if err := c.guard(); err != nil {
		return "", err
	}
	job, err := c.engine.jobs.Submit(c.agentID, jobType, input, c.tick)
	if err != nil {
		return "", err
	}
	c.action("submitJob", map[string]any{
		"job_id":     job.ID,
		"job_type":   jobType,
		"ready_tick": job.ReadyTick,
	})
	return job.ID, nil
}

// stateChange is the ledger action that records tx's new state.
func stateChange(tx ir.Transaction) ir.UpdateConnectionState {
	return ir.UpdateConnectionState{
		TxID:          tx.ID,
		State:         tx.State,
		At:            tx.UpdatedAt,
		EscrowLinked:  tx.EscrowLinked,
		DisputeReason: tx.DisputeReason,
	}
}
