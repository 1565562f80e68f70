package ledger

import (
	"fmt"
	"maps"
	"slices"

	"github.com/roach88/agentsim/internal/idgen"
	"github.com/roach88/agentsim/internal/ir"
	"github.com/roach88/agentsim/internal/txn"
)

// The methods in this file edit the ledger outside of tick execution. The
// engine only calls them while the scheduler is stopped.

// AddAgent inserts a new agent. Missing status defaults to idle and missing
// language to js.
func (l *Ledger) AddAgent(a ir.Agent, pos ir.Position) error {
	if a.ID == "" {
		return fmt.Errorf("add agent: id is required")
	}
	if _, exists := l.agents[a.ID]; exists {
		return fmt.Errorf("add agent: %s already exists", a.ID)
	}
	if a.BalanceMicro < 0 {
		return fmt.Errorf("add agent %s: negative balance %d", a.ID, a.BalanceMicro)
	}
	if a.Status == "" {
		a.Status = ir.AgentIdle
	}
	if !a.Status.Valid() {
		return fmt.Errorf("add agent %s: invalid status %q", a.ID, a.Status)
	}
	if a.Language == "" {
		a.Language = ir.LanguageJS
	}
	l.agents[a.ID] = a
	l.positions[a.ID] = pos
	return nil
}

// UpdateAgent replaces an agent's display metadata and script. Balance and
// status are left to the runtime.
func (l *Ledger) UpdateAgent(a ir.Agent) error {
	cur, ok := l.agents[a.ID]
	if !ok {
		return fmt.Errorf("update agent: unknown agent %q", a.ID)
	}
	cur.Name = a.Name
	cur.Description = a.Description
	cur.Script = a.Script
	if a.Language != "" {
		cur.Language = a.Language
	}
	l.agents[a.ID] = cur
	return nil
}

// DeleteAgent removes an agent, its position, and every transaction it is a
// party to. It returns the removed transaction ids in order.
func (l *Ledger) DeleteAgent(id string) ([]string, error) {
	if _, ok := l.agents[id]; !ok {
		return nil, fmt.Errorf("delete agent: unknown agent %q", id)
	}
	var removed []string
	for _, tx := range l.Transactions() {
		if tx.Source == id || tx.Target == id {
			delete(l.transactions, tx.ID)
			removed = append(removed, tx.ID)
		}
	}
	delete(l.agents, id)
	delete(l.positions, id)
	return removed, nil
}

// SetPosition moves an agent node. Positions are presentation only.
func (l *Ledger) SetPosition(id string, pos ir.Position) error {
	if _, ok := l.agents[id]; !ok {
		return fmt.Errorf("set position: unknown agent %q", id)
	}
	l.positions[id] = pos
	return nil
}

// Snapshot captures the full ledger. Agents and transactions are sorted so
// equal ledgers produce byte-identical canonical encodings.
func (l *Ledger) Snapshot() ir.Snapshot {
	return ir.Snapshot{
		Version:            ir.FormatVersion,
		Tick:               l.tick,
		VirtualTime:        l.virtualTime,
		Agents:             l.Agents(),
		Transactions:       l.Transactions(),
		Positions:          maps.Clone(l.positions),
		Counters:           l.ids.Counters(),
		FeesCollectedMicro: l.feesCollected,
	}
}

// Restore replaces the full ledger with s, including the id counters.
// Counters are then advanced past every transaction id in s, so a snapshot
// with missing or lagging counters never mints an id it already holds.
// On error the ledger is unchanged.
func (l *Ledger) Restore(s ir.Snapshot) error {
	agents := make(map[string]ir.Agent, len(s.Agents))
	for _, a := range s.Agents {
		if a.ID == "" {
			return fmt.Errorf("restore: agent with empty id")
		}
		if _, dup := agents[a.ID]; dup {
			return fmt.Errorf("restore: duplicate agent %s", a.ID)
		}
		if a.BalanceMicro < 0 {
			return fmt.Errorf("restore: agent %s has negative balance", a.ID)
		}
		agents[a.ID] = a
	}
	txs := make(map[string]ir.Transaction, len(s.Transactions))
	for _, tx := range s.Transactions {
		if _, dup := txs[tx.ID]; dup {
			return fmt.Errorf("restore: duplicate transaction %s", tx.ID)
		}
		if tx.Source == tx.Target {
			return fmt.Errorf("restore: %w", txn.Reject(txn.RuleSelfTransaction, tx.ID, "source and target must differ"))
		}
		if _, ok := agents[tx.Source]; !ok {
			return fmt.Errorf("restore: transaction %s references unknown agent %q", tx.ID, tx.Source)
		}
		if _, ok := agents[tx.Target]; !ok {
			return fmt.Errorf("restore: transaction %s references unknown agent %q", tx.ID, tx.Target)
		}
		txs[tx.ID] = tx
	}
	positions := make(map[string]ir.Position, len(agents))
	for _, id := range slices.Sorted(maps.Keys(s.Positions)) {
		if _, ok := agents[id]; ok {
			positions[id] = s.Positions[id]
		}
	}

	l.agents = agents
	l.transactions = txs
	l.positions = positions
	l.tick = s.Tick
	l.virtualTime = s.VirtualTime
	l.feesCollected = s.FeesCollectedMicro
	l.ids.Restore(s.Counters)
	for _, id := range slices.Sorted(maps.Keys(txs)) {
		l.ids.Observe(id)
	}
	return nil
}

// Clone returns an independent deep copy.
func (l *Ledger) Clone() *Ledger {
	return &Ledger{
		agents:        maps.Clone(l.agents),
		transactions:  maps.Clone(l.transactions),
		positions:     maps.Clone(l.positions),
		tick:          l.tick,
		virtualTime:   l.virtualTime,
		feesCollected: l.feesCollected,
		ids:           idgen.NewFrom(l.ids.Counters()),
	}
}
