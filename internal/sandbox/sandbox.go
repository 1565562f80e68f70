// Package sandbox evaluates one agent script once against a narrow capability
// surface.
//
// Every execution gets a fresh interpreter: goja for JavaScript, go-lua for
// Lua. Scripts see a single "ctx" object with read-only views (balance,
// transactions, incomingTransactions, agentId, tick), a mutable persistent
// "state" document, logging, and action verbs. Nothing else is reachable: no
// timers, no wall clock, no file or network access, no suspension primitive.
//
// Action verbs call straight through to Capabilities. A rejected action throws
// a script-level error carrying the violated rule, which the script may catch.
// An uncaught error, including budget exhaustion, ends the execution and is
// reported in Result.Err.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/agentsim/internal/ir"
)

// LogLevel is the severity of a script log line.
type LogLevel string

const (
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// Capabilities is everything a script can do to the world.
// The engine implements it per agent per tick.
type Capabilities interface {
	Log(level LogLevel, message string)
	CreateTransaction(provider string, amountMicro int64, service string) (string, error)
	TransitionState(txID string, to ir.TxState) error
	ReleaseEscrow(txID string) error
	InitiateDispute(txID, reason string) error
	CancelTransaction(txID string) error
	SubmitJob(jobType string, input any) (string, error)
}

// View is the read-only world as one agent sees it at the start of its turn.
type View struct {
	Tick     int64
	Balance  int64
	Outgoing []ir.Transaction
	Incoming []ir.Transaction
	State    map[string]any
	JobTypes []string
}

// Budget bounds one execution.
type Budget struct {
	// Timeout is a wall-clock limit. Zero means no limit.
	Timeout time.Duration
	// Instructions bounds Lua VM instructions. Zero means no limit.
	Instructions int
}

// Request is one agent's turn.
type Request struct {
	Agent  ir.Agent
	View   View
	Caps   Capabilities
	Budget Budget
}

// Result is the outcome of one execution.
// State is the script's persistent document after a successful run.
type Result struct {
	State map[string]any
	Err   error
}

// Executor runs agent scripts.
type Executor interface {
	Execute(ctx context.Context, req Request) Result
}

// ErrBudgetExceeded is wrapped by errors from scripts stopped for exceeding
// their Budget.
var ErrBudgetExceeded = errors.New("script budget exceeded")

// ScriptError is an uncaught failure of one script execution.
type ScriptError struct {
	AgentID  string
	Language string
	Message  string
	// Rule is set when the failure was an uncaught rejected action.
	Rule string
	Err  error
}

// Error implements the error interface.
func (e *ScriptError) Error() string {
	if e.Rule != "" {
		return fmt.Sprintf("%s script of %s failed: %s (rule=%s)", e.Language, e.AgentID, e.Message, e.Rule)
	}
	return fmt.Sprintf("%s script of %s failed: %s", e.Language, e.AgentID, e.Message)
}

func (e *ScriptError) Unwrap() error { return e.Err }

// Runtime dispatches on Agent.Language.
type Runtime struct {
	js  Executor
	lua Executor
}

// New returns a Runtime with the JavaScript and Lua executors.
func New() *Runtime {
	return &Runtime{js: &JS{}, lua: &Lua{}}
}

// Execute implements Executor.
func (r *Runtime) Execute(ctx context.Context, req Request) Result {
	switch req.Agent.Language {
	case ir.LanguageJS, "":
		return r.js.Execute(ctx, req)
	case ir.LanguageLua:
		return r.lua.Execute(ctx, req)
	default:
		return Result{Err: &ScriptError{
			AgentID:  req.Agent.ID,
			Language: req.Agent.Language,
			Message:  fmt.Sprintf("unsupported language %q", req.Agent.Language),
		}}
	}
}

// watchdog calls interrupt once when ctx is done or the timeout elapses,
// unless the returned stop func is called first.
func watchdog(ctx context.Context, timeout time.Duration, interrupt func(error)) (stop func()) {
	done := make(chan struct{})
	go func() {
		var expired <-chan time.Time
		if timeout > 0 {
			t := time.NewTimer(timeout)
			defer t.Stop()
			expired = t.C
		}
		select {
		case <-done:
		case <-ctx.Done():
			interrupt(ctx.Err())
		case <-expired:
			interrupt(fmt.Errorf("%w: ran longer than %s", ErrBudgetExceeded, timeout))
		}
	}()
	return func() { close(done) }
}
