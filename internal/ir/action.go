package ir

import (
	"encoding/json"
	"fmt"
)

// ActionKind names one member of the dispatch union.
type ActionKind string

const (
	KindUpdateConnectionState ActionKind = "update-connection-state"
	KindUpdateAgentBalance    ActionKind = "update-agent-balance"
	KindUpdateAgentStatus     ActionKind = "update-agent-status"
	KindAddConnection         ActionKind = "add-connection"
	KindTickRuntime           ActionKind = "tick-runtime"
	KindSetIDCounter          ActionKind = "set-id-counter"
)

// Action is one effect applied to the ledger.
//
// This is a sealed interface - only types in this package implement it.
// The marker method pattern prevents external implementations and enables
// exhaustive type switches in the ledger reducer.
//
// Action types:
//   - UpdateConnectionState: move a transaction to a new state
//   - UpdateAgentBalance: set an agent's balance
//   - UpdateAgentStatus: set an agent's lifecycle status
//   - AddConnection: insert a new transaction
//   - TickRuntime: advance the tick counter and virtual clock
//   - SetIDCounter: set an id generator counter
type Action interface {
	Kind() ActionKind
	actionNode()
}

// UpdateConnectionState moves a transaction to State at virtual time At.
type UpdateConnectionState struct {
	TxID          string  `json:"tx_id"`
	State         TxState `json:"state"`
	At            int64   `json:"at"`
	EscrowLinked  bool    `json:"escrow_linked"`
	DisputeReason string  `json:"dispute_reason,omitempty"`
}

// UpdateAgentBalance sets an agent's balance. Delta is informational.
type UpdateAgentBalance struct {
	AgentID      string `json:"agent_id"`
	BalanceMicro int64  `json:"balance_micro"`
	DeltaMicro   int64  `json:"delta_micro"`
	Reason       string `json:"reason,omitempty"`
	FeeMicro     int64  `json:"fee_micro,omitempty"`
}

// UpdateAgentStatus sets an agent's lifecycle status.
type UpdateAgentStatus struct {
	AgentID string      `json:"agent_id"`
	Status  AgentStatus `json:"status"`
}

// AddConnection inserts a new transaction.
type AddConnection struct {
	Transaction Transaction `json:"transaction"`
}

// TickRuntime advances the runtime clock.
type TickRuntime struct {
	Tick        int64 `json:"tick"`
	VirtualTime int64 `json:"virtual_time"`
}

// SetIDCounter sets the counter for one id prefix.
type SetIDCounter struct {
	Prefix string `json:"prefix"`
	Value  int64  `json:"value"`
}

func (UpdateConnectionState) Kind() ActionKind { return KindUpdateConnectionState }
func (UpdateAgentBalance) Kind() ActionKind    { return KindUpdateAgentBalance }
func (UpdateAgentStatus) Kind() ActionKind     { return KindUpdateAgentStatus }
func (AddConnection) Kind() ActionKind         { return KindAddConnection }
func (TickRuntime) Kind() ActionKind           { return KindTickRuntime }
func (SetIDCounter) Kind() ActionKind          { return KindSetIDCounter }

func (UpdateConnectionState) actionNode() {}
func (UpdateAgentBalance) actionNode()    {}
func (UpdateAgentStatus) actionNode()     {}
func (AddConnection) actionNode()         {}
func (TickRuntime) actionNode()           {}
func (SetIDCounter) actionNode()          {}

// ActionEnvelope carries an Action through JSON as {"kind": ..., fields...}.
type ActionEnvelope struct {
	Action Action
}

// Wrap returns an envelope for a.
func Wrap(a Action) *ActionEnvelope {
	return &ActionEnvelope{Action: a}
}

// MarshalJSON flattens the action fields next to its kind tag.
func (e ActionEnvelope) MarshalJSON() ([]byte, error) {
	if e.Action == nil {
		return nil, fmt.Errorf("marshal action: empty envelope")
	}
	body, err := json.Marshal(e.Action)
	if err != nil {
		return nil, fmt.Errorf("marshal action %s: %w", e.Action.Kind(), err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("marshal action %s: %w", e.Action.Kind(), err)
	}
	kind, _ := json.Marshal(e.Action.Kind())
	fields["kind"] = kind
	return json.Marshal(fields)
}

// UnmarshalJSON decodes the kind tag and then the matching payload.
// Unknown kinds are rejected.
func (e *ActionEnvelope) UnmarshalJSON(data []byte) error {
	var head struct {
		Kind ActionKind `json:"kind"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("unmarshal action: %w", err)
	}

	var target Action
	switch head.Kind {
	case KindUpdateConnectionState:
		var a UpdateConnectionState
		if err := json.Unmarshal(data, &a); err != nil {
			return fmt.Errorf("unmarshal %s: %w", head.Kind, err)
		}
		target = a
	case KindUpdateAgentBalance:
		var a UpdateAgentBalance
		if err := json.Unmarshal(data, &a); err != nil {
			return fmt.Errorf("unmarshal %s: %w", head.Kind, err)
		}
		target = a
	case KindUpdateAgentStatus:
		var a UpdateAgentStatus
		if err := json.Unmarshal(data, &a); err != nil {
			return fmt.Errorf("unmarshal %s: %w", head.Kind, err)
		}
		target = a
	case KindAddConnection:
		var a AddConnection
		if err := json.Unmarshal(data, &a); err != nil {
			return fmt.Errorf("unmarshal %s: %w", head.Kind, err)
		}
		target = a
	case KindTickRuntime:
		var a TickRuntime
		if err := json.Unmarshal(data, &a); err != nil {
			return fmt.Errorf("unmarshal %s: %w", head.Kind, err)
		}
		target = a
	case KindSetIDCounter:
		var a SetIDCounter
		if err := json.Unmarshal(data, &a); err != nil {
			return fmt.Errorf("unmarshal %s: %w", head.Kind, err)
		}
		target = a
	default:
		return fmt.Errorf("unmarshal action: unknown kind %q", head.Kind)
	}

	e.Action = target
	return nil
}
