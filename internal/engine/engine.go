package engine

import (
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/agentsim/internal/agentstate"
	"github.com/roach88/agentsim/internal/eventlog"
	"github.com/roach88/agentsim/internal/history"
	"github.com/roach88/agentsim/internal/idgen"
	"github.com/roach88/agentsim/internal/ir"
	"github.com/roach88/agentsim/internal/jobs"
	"github.com/roach88/agentsim/internal/ledger"
	"github.com/roach88/agentsim/internal/replay"
	"github.com/roach88/agentsim/internal/sandbox"
	"github.com/roach88/agentsim/internal/txn"
)

// DefaultTickDuration is the virtual time, in milliseconds, one tick spans.
const DefaultTickDuration int64 = 100

// DefaultScriptTimeout is the wall-clock limit for one agent turn.
const DefaultScriptTimeout = 2 * time.Second

const tracerName = "github.com/roach88/agentsim/internal/engine"

// Engine is the single-writer simulation runtime.
//
// Thread-safety model:
//   - Every exported method is safe from any goroutine
//   - All mutation happens under mu; at most one tick is in flight
//   - Stop bumps the epoch without mu so it can interrupt a running tick
//
// INVARIANTS:
//   - Agents run in sorted id order within a tick
//   - An agent's turn is committed whole or not at all
//   - Total supply (balances + escrow + fees) never changes during a tick
type Engine struct {
	mu sync.Mutex

	ledger   *ledger.Ledger
	state    *agentstate.Store
	jobs     *jobs.Queue
	recorder *eventlog.Recorder
	history  *history.Manager
	executor sandbox.Executor
	tracer   trace.Tracer

	enabled map[string]bool
	feed    []ir.Event

	sessions  SessionIDGenerator
	sessionID string

	// baseline is restored by Reset.
	baseline *history.Entry

	// replaying holds the replay cursor while in replay mode, and
	// preReplay the live session to return to.
	replaying *replay.Session
	preReplay *history.Entry

	epoch     Epoch
	inFlight  atomic.Bool
	completed bool
	sched     *scheduler

	tickDuration int64
	fees         txn.FeePolicy
	budget       sandbox.Budget
	actionQuota  int
	historyLimit int
	jobOpts      []jobs.Option
}

// Option configures an Engine.
type Option func(*Engine)

// WithTickDuration sets the virtual milliseconds per tick.
func WithTickDuration(ms int64) Option {
	return func(e *Engine) {
		if ms > 0 {
			e.tickDuration = ms
		}
	}
}

// WithFeePolicy sets the settlement fee policy.
func WithFeePolicy(p txn.FeePolicy) Option {
	return func(e *Engine) { e.fees = p }
}

// WithBudget sets the per-turn script budget.
//
// Default: DefaultScriptTimeout and sandbox.DefaultInstructionBudget.
func WithBudget(b sandbox.Budget) Option {
	return func(e *Engine) { e.budget = b }
}

// WithActionQuota sets the maximum capability calls per agent turn.
// Use WithActionQuota(0) to disable the quota.
func WithActionQuota(n int) Option {
	return func(e *Engine) { e.actionQuota = n }
}

// WithHistoryLimit sets how many history entries are kept.
func WithHistoryLimit(n int) Option {
	return func(e *Engine) { e.historyLimit = n }
}

// WithJobOptions passes options through to the job queue.
func WithJobOptions(opts ...jobs.Option) Option {
	return func(e *Engine) { e.jobOpts = append(e.jobOpts, opts...) }
}

// WithExecutor replaces the script executor. Tests use this to inject
// scripted behavior without an interpreter.
func WithExecutor(x sandbox.Executor) Option {
	return func(e *Engine) { e.executor = x }
}

// WithSessionIDs replaces the session id generator.
func WithSessionIDs(g SessionIDGenerator) Option {
	return func(e *Engine) { e.sessions = g }
}

// WithTracer sets the tracer used for tick spans. Defaults to the global
// otel provider, which is a no-op unless telemetry is configured.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// New creates an Engine over an empty ledger.
func New(opts ...Option) *Engine {
	e := &Engine{
		ledger:       ledger.New(),
		state:        agentstate.New(),
		recorder:     eventlog.NewRecorder(),
		enabled:      make(map[string]bool),
		sessions:     UUIDv7Generator{},
		tickDuration: DefaultTickDuration,
		fees:         txn.DefaultFeePolicy(),
		budget: sandbox.Budget{
			Timeout:      DefaultScriptTimeout,
			Instructions: sandbox.DefaultInstructionBudget,
		},
		actionQuota:  DefaultActionQuota,
		historyLimit: history.DefaultLimit,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.executor == nil {
		e.executor = sandbox.New()
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(tracerName)
	}
	e.jobs = jobs.New(e.ledger.IDs(), e.state, e.jobOpts...)
	e.history = history.New(e.historyLimit)
	e.sessionID = e.sessions.Generate()
	e.sched = &scheduler{engine: e}
	return e
}

// SessionID returns the current session lineage id.
func (e *Engine) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

// Snapshot returns the live ledger snapshot, or the replay state while
// replaying.
func (e *Engine) Snapshot() ir.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.replaying != nil {
		return e.replaying.State()
	}
	return e.ledger.Snapshot()
}

// Tick returns the current tick of the live session.
func (e *Engine) Tick() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.Tick()
}

// Events returns a copy of the live event feed from index from onward.
func (e *Engine) Events(from int) []ir.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	if from < 0 {
		from = 0
	}
	if from >= len(e.feed) {
		return nil
	}
	return slices.Clone(e.feed[from:])
}

// AgentState returns a copy of an agent's persistent state document.
func (e *Engine) AgentState(agentID string) map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Get(agentID)
}

// Job returns a job by id.
func (e *Engine) Job(id string) (ir.Job, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.jobs.Get(id)
}

// Jobs returns every job in submission order.
func (e *Engine) Jobs() []ir.Job {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.jobs.Snapshot()
}

// Enabled returns the sorted ids of enabled agents.
func (e *Engine) Enabled() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enabledIDs()
}

// Completed reports whether the simulation has reached completion.
func (e *Engine) Completed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.completed
}

// HistoryLen returns the number of history entries available to StepBack.
func (e *Engine) HistoryLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.history.Len()
}

// HistoryTicks returns the ticks that Fork can return to, oldest first.
func (e *Engine) HistoryTicks() []int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.history.Ticks()
}

// Recording reports whether a recording is active.
func (e *Engine) Recording() bool {
	return e.recorder.Recording()
}

// Epoch returns the current epoch.
func (e *Engine) Epoch() uint64 {
	return e.epoch.Current()
}

// FeePolicy returns the configured fee policy.
func (e *Engine) FeePolicy() txn.FeePolicy {
	return e.fees
}

// enabledIDs returns enabled agents that still exist, sorted.
// Caller must hold mu.
func (e *Engine) enabledIDs() []string {
	var ids []string
	for _, id := range e.ledger.AgentIDs() {
		if e.enabled[id] {
			ids = append(ids, id)
		}
	}
	return ids
}

// emit stamps ev with the next event id and the current tick and virtual
// time, appends it to the feed and records it.
// Caller must hold mu.
func (e *Engine) emit(ev ir.Event) ir.Event {
	ev.ID = e.ledger.IDs().Next(idgen.PrefixEvent)
	ev.Tick = e.ledger.Tick()
	ev.Timestamp = e.ledger.VirtualTime()
	e.feed = append(e.feed, ev)
	e.recorder.Record(ev)
	return ev
}

// apply applies a to the ledger and emits the matching state_change event.
// Caller must hold mu.
func (e *Engine) apply(agentID string, a ir.Action) error {
	if err := e.ledger.Apply(a); err != nil {
		return err
	}
	e.emit(ir.Event{
		Type:    ir.EventStateChange,
		AgentID: agentID,
		Action:  ir.Wrap(a),
		Message: string(a.Kind()),
	})
	return nil
}

// system emits a system event.
// Caller must hold mu.
func (e *Engine) system(message string, data map[string]any) {
	e.emit(ir.Event{Type: ir.EventSystem, Message: message, Data: data})
}

// requireIdle fails if the scheduler is running or replay is active.
// Caller must hold mu.
func (e *Engine) requireIdle(op string) error {
	if e.sched.running.Load() {
		return newRuntimeError(ErrCodeSchedulerRunning, "%s requires a stopped scheduler", op)
	}
	if e.replaying != nil {
		return newRuntimeError(ErrCodeReplayActive, "%s is not available during replay", op)
	}
	return nil
}

// setStatus moves an agent to status if it is not there already.
// Caller must hold mu.
func (e *Engine) setStatus(agentID string, status ir.AgentStatus) {
	a, ok := e.ledger.Agent(agentID)
	if !ok || a.Status == status {
		return
	}
	if err := e.apply(agentID, ir.UpdateAgentStatus{AgentID: agentID, Status: status}); err != nil {
		slog.Error("status update failed", "agent", agentID, "status", status, "error", err)
	}
}
