package ir

import (
	"slices"
	"strings"
)

// AgentStatus is the lifecycle status of an agent.
type AgentStatus string

const (
	AgentIdle      AgentStatus = "idle"
	AgentRunning   AgentStatus = "running"
	AgentCompleted AgentStatus = "completed"
	AgentError     AgentStatus = "error"
)

// Valid reports whether s is a known agent status.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentIdle, AgentRunning, AgentCompleted, AgentError:
		return true
	}
	return false
}

// Script languages understood by the sandbox.
const (
	LanguageJS  = "js"
	LanguageLua = "lua"
)

// Position is the presentation-only location of an agent node.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Agent is a participant in the simulation.
//
// BalanceMicro and Status are mutated only by the runtime during ticks.
type Agent struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Description  string      `json:"description,omitempty"`
	BalanceMicro int64       `json:"balance_micro"`
	Status       AgentStatus `json:"status"`
	Language     string      `json:"language,omitempty"`
	Script       string      `json:"script"`
}

// TxState is a state in the escrow transaction lifecycle.
type TxState string

const (
	TxInitiated  TxState = "INITIATED"
	TxQuoted     TxState = "QUOTED"
	TxCommitted  TxState = "COMMITTED"
	TxInProgress TxState = "IN_PROGRESS"
	TxDelivered  TxState = "DELIVERED"
	TxSettled    TxState = "SETTLED"
	TxDisputed   TxState = "DISPUTED"
	TxCancelled  TxState = "CANCELLED"
)

// AllTxStates lists every state in lifecycle order.
var AllTxStates = []TxState{
	TxInitiated, TxQuoted, TxCommitted, TxInProgress,
	TxDelivered, TxSettled, TxDisputed, TxCancelled,
}

// ParseTxState converts a case-insensitive name into a TxState.
func ParseTxState(s string) (TxState, bool) {
	st := TxState(strings.ToUpper(strings.TrimSpace(s)))
	if slices.Contains(AllTxStates, st) {
		return st, true
	}
	return "", false
}

// Terminal reports whether no further transition is possible.
func (s TxState) Terminal() bool {
	return s == TxSettled || s == TxCancelled
}

// Transaction is an escrow connection between exactly two agents.
type Transaction struct {
	ID            string  `json:"id"`
	Source        string  `json:"source"`
	Target        string  `json:"target"`
	AmountMicro   int64   `json:"amount_micro"`
	Service       string  `json:"service"`
	State         TxState `json:"state"`
	CreatedAt     int64   `json:"created_at"`
	UpdatedAt     int64   `json:"updated_at"`
	EscrowLinked  bool    `json:"escrow_linked"`
	DisputeReason string  `json:"dispute_reason,omitempty"`
}

// JobStatus is the status of a simulated service job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job is a unit of simulated external work owned by the job queue.
type Job struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	Status        JobStatus      `json:"status"`
	AgentID       string         `json:"agent_id"`
	Input         any            `json:"input,omitempty"`
	Result        map[string]any `json:"result,omitempty"`
	Error         string         `json:"error,omitempty"`
	SubmittedTick int64          `json:"submitted_tick"`
	ReadyTick     int64          `json:"ready_tick"`
}

// EventType tags a runtime event.
type EventType string

const (
	EventStateChange EventType = "state_change"
	EventAction      EventType = "action"
	EventError       EventType = "error"
	EventSystem      EventType = "system"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventStateChange, EventAction, EventError, EventSystem:
		return true
	}
	return false
}

// Event is one append-only entry in the runtime audit trail.
//
// Timestamp is virtual milliseconds. Action is set for every state_change
// event and is the only part replay needs to re-derive ledger state.
type Event struct {
	ID        string          `json:"id"`
	Tick      int64           `json:"tick"`
	Timestamp int64           `json:"timestamp"`
	Type      EventType       `json:"type"`
	AgentID   string          `json:"agent_id,omitempty"`
	Action    *ActionEnvelope `json:"action,omitempty"`
	Message   string          `json:"message,omitempty"`
	Data      map[string]any  `json:"data,omitempty"`
}

// Snapshot is a complete, restorable capture of the ledger at one instant.
// It is also the session export format.
type Snapshot struct {
	Version            string              `json:"version"`
	Tick               int64               `json:"tick"`
	VirtualTime        int64               `json:"virtual_time"`
	Agents             []Agent             `json:"agents"`
	Transactions       []Transaction       `json:"transactions"`
	Positions          map[string]Position `json:"positions"`
	Counters           map[string]int64    `json:"counters"`
	FeesCollectedMicro int64               `json:"fees_collected_micro"`
}

// Agent returns the agent with the given id.
func (s Snapshot) Agent(id string) (Agent, bool) {
	for _, a := range s.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return Agent{}, false
}

// Transaction returns the transaction with the given id.
func (s Snapshot) Transaction(id string) (Transaction, bool) {
	for _, tx := range s.Transactions {
		if tx.ID == id {
			return tx, true
		}
	}
	return Transaction{}, false
}

// Log is a recorded session: the sole unit of recording export and import.
type Log struct {
	Version   string    `json:"version"`
	SessionID string    `json:"session_id,omitempty"`
	Initial   Snapshot  `json:"initial"`
	Events    []Event   `json:"events"`
	Final     *Snapshot `json:"final,omitempty"`
}
