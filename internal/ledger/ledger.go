// Package ledger holds the shared world state of a simulation: agents,
// escrow transactions, positions, the runtime clock and the id counters.
//
// Apply is the single mutation path for tick-time effects. Every change an
// agent causes is expressed as an ir.Action, applied here, and recorded, so
// replaying the same actions against the same initial snapshot re-derives
// the same ledger.
//
// Entities are stored in flat maps keyed by id. Transactions reference agents
// by id only.
//
// A Ledger is not safe for concurrent use; the engine serializes access.
package ledger

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/roach88/agentsim/internal/idgen"
	"github.com/roach88/agentsim/internal/ir"
	"github.com/roach88/agentsim/internal/txn"
)

// Ledger is the in-memory world state.
type Ledger struct {
	agents       map[string]ir.Agent
	transactions map[string]ir.Transaction
	positions    map[string]ir.Position

	tick          int64
	virtualTime   int64
	feesCollected int64

	ids *idgen.Generator
}

// New returns an empty ledger at tick 0.
func New() *Ledger {
	return &Ledger{
		agents:       make(map[string]ir.Agent),
		transactions: make(map[string]ir.Transaction),
		positions:    make(map[string]ir.Position),
		ids:          idgen.New(),
	}
}

// FromSnapshot returns a ledger restored from s.
func FromSnapshot(s ir.Snapshot) (*Ledger, error) {
	l := New()
	if err := l.Restore(s); err != nil {
		return nil, err
	}
	return l, nil
}

// IDs returns the ledger's id generator. Counters travel with snapshots.
func (l *Ledger) IDs() *idgen.Generator { return l.ids }

// Tick returns the number of completed ticks.
func (l *Ledger) Tick() int64 { return l.tick }

// VirtualTime returns the virtual clock in milliseconds.
func (l *Ledger) VirtualTime() int64 { return l.virtualTime }

// FeesCollected returns the sum of settlement fees taken so far.
func (l *Ledger) FeesCollected() int64 { return l.feesCollected }

// Agent returns the agent with the given id.
func (l *Ledger) Agent(id string) (ir.Agent, bool) {
	a, ok := l.agents[id]
	return a, ok
}

// Transaction returns the transaction with the given id.
func (l *Ledger) Transaction(id string) (ir.Transaction, bool) {
	tx, ok := l.transactions[id]
	return tx, ok
}

// Position returns the position of an agent.
func (l *Ledger) Position(id string) (ir.Position, bool) {
	p, ok := l.positions[id]
	return p, ok
}

// AgentIDs returns every agent id in ascending order.
func (l *Ledger) AgentIDs() []string {
	return slices.Sorted(maps.Keys(l.agents))
}

// Agents returns every agent sorted by id.
func (l *Ledger) Agents() []ir.Agent {
	out := make([]ir.Agent, 0, len(l.agents))
	for _, id := range l.AgentIDs() {
		out = append(out, l.agents[id])
	}
	return out
}

// Transactions returns every transaction sorted by id sequence.
func (l *Ledger) Transactions() []ir.Transaction {
	return l.filterTransactions(func(ir.Transaction) bool { return true })
}

// Outgoing returns transactions where agentID is the requester.
func (l *Ledger) Outgoing(agentID string) []ir.Transaction {
	return l.filterTransactions(func(tx ir.Transaction) bool { return tx.Source == agentID })
}

// Incoming returns transactions where agentID is the provider.
func (l *Ledger) Incoming(agentID string) []ir.Transaction {
	return l.filterTransactions(func(tx ir.Transaction) bool { return tx.Target == agentID })
}

func (l *Ledger) filterTransactions(keep func(ir.Transaction) bool) []ir.Transaction {
	out := make([]ir.Transaction, 0, len(l.transactions))
	for _, tx := range l.transactions {
		if keep(tx) {
			out = append(out, tx)
		}
	}
	slices.SortFunc(out, func(a, b ir.Transaction) int { return CompareIDs(a.ID, b.ID) })
	return out
}

// Escrowed returns the sum held in escrow: committed transactions that have
// neither settled nor been cancelled.
func (l *Ledger) Escrowed() int64 {
	var sum int64
	for _, tx := range l.transactions {
		if tx.EscrowLinked && !tx.State.Terminal() {
			sum += tx.AmountMicro
		}
	}
	return sum
}

// Supply returns balances plus escrow plus collected fees. It is invariant
// under every tick-time action.
func (l *Ledger) Supply() int64 {
	sum := l.Escrowed() + l.feesCollected
	for _, a := range l.agents {
		sum += a.BalanceMicro
	}
	return sum
}

// Apply performs one action. On error the ledger is unchanged.
func (l *Ledger) Apply(action ir.Action) error {
	switch a := action.(type) {
	case ir.UpdateConnectionState:
		return l.applyConnectionState(a)
	case ir.UpdateAgentBalance:
		return l.applyBalance(a)
	case ir.UpdateAgentStatus:
		return l.applyStatus(a)
	case ir.AddConnection:
		return l.applyAddConnection(a)
	case ir.TickRuntime:
		return l.applyTick(a)
	case ir.SetIDCounter:
		if a.Prefix == "" || a.Value < 0 {
			return fmt.Errorf("apply %s: invalid counter %q=%d", a.Kind(), a.Prefix, a.Value)
		}
		l.ids.Set(a.Prefix, a.Value)
		return nil
	case nil:
		return fmt.Errorf("apply: nil action")
	default:
		return fmt.Errorf("apply: unsupported action %T", action)
	}
}

func (l *Ledger) applyConnectionState(a ir.UpdateConnectionState) error {
	tx, ok := l.transactions[a.TxID]
	if !ok {
		return txn.Reject(txn.RuleUnknownTransaction, a.TxID, "no such transaction")
	}
	if tx.State != a.State && !txn.CanTransition(tx.State, a.State) {
		return &txn.ValidationError{
			Rule: txn.RuleInvalidTransition, TxID: tx.ID, From: tx.State, To: a.State,
			Message: "transition not allowed",
		}
	}
	tx.State = a.State
	tx.UpdatedAt = a.At
	tx.EscrowLinked = a.EscrowLinked
	tx.DisputeReason = a.DisputeReason
	l.transactions[tx.ID] = tx
	return nil
}

func (l *Ledger) applyBalance(a ir.UpdateAgentBalance) error {
	agent, ok := l.agents[a.AgentID]
	if !ok {
		return txn.Reject(txn.RuleUnknownAgent, "", "no such agent %q", a.AgentID)
	}
	if a.BalanceMicro < 0 {
		return txn.Reject(txn.RuleInsufficientFunds, "",
			"balance of %s would become %d", a.AgentID, a.BalanceMicro)
	}
	if a.FeeMicro < 0 {
		return fmt.Errorf("apply %s: negative fee %d", a.Kind(), a.FeeMicro)
	}
	agent.BalanceMicro = a.BalanceMicro
	l.agents[agent.ID] = agent
	l.feesCollected += a.FeeMicro
	return nil
}

func (l *Ledger) applyStatus(a ir.UpdateAgentStatus) error {
	agent, ok := l.agents[a.AgentID]
	if !ok {
		return txn.Reject(txn.RuleUnknownAgent, "", "no such agent %q", a.AgentID)
	}
	if !a.Status.Valid() {
		return fmt.Errorf("apply %s: invalid status %q", a.Kind(), a.Status)
	}
	agent.Status = a.Status
	l.agents[agent.ID] = agent
	return nil
}

func (l *Ledger) applyAddConnection(a ir.AddConnection) error {
	tx := a.Transaction
	if tx.ID == "" {
		return txn.Reject(txn.RuleMissingField, "", "transaction id is required")
	}
	if _, exists := l.transactions[tx.ID]; exists {
		return fmt.Errorf("apply %s: transaction %s already exists", a.Kind(), tx.ID)
	}
	for _, id := range []string{tx.Source, tx.Target} {
		if _, ok := l.agents[id]; !ok {
			return txn.Reject(txn.RuleUnknownAgent, tx.ID, "no such agent %q", id)
		}
	}
	if tx.Source == tx.Target {
		return txn.Reject(txn.RuleSelfTransaction, tx.ID, "source and target must differ")
	}
	if tx.AmountMicro <= 0 {
		return txn.Reject(txn.RuleInvalidAmount, tx.ID, "amount must be positive")
	}
	l.transactions[tx.ID] = tx
	return nil
}

func (l *Ledger) applyTick(a ir.TickRuntime) error {
	if a.Tick < l.tick || a.VirtualTime < l.virtualTime {
		return fmt.Errorf("apply %s: clock moved backwards (tick %d -> %d, time %d -> %d)",
			a.Kind(), l.tick, a.Tick, l.virtualTime, a.VirtualTime)
	}
	l.tick = a.Tick
	l.virtualTime = a.VirtualTime
	return nil
}

// CompareIDs orders "<prefix>-<n>" ids numerically within a prefix so that
// tx-10 sorts after tx-9. Other strings fall back to byte order.
func CompareIDs(a, b string) int {
	pa, na, okA := idgen.Parse(a)
	pb, nb, okB := idgen.Parse(b)
	if okA && okB && pa == pb {
		switch {
		case na < nb:
			return -1
		case na > nb:
			return 1
		}
		return 0
	}
	return strings.Compare(a, b)
}
