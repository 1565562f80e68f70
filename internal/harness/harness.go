package harness

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/agentsim/internal/engine"
	"github.com/roach88/agentsim/internal/ir"
	"github.com/roach88/agentsim/internal/replay"
	"github.com/roach88/agentsim/internal/scenario"
	"github.com/roach88/agentsim/internal/txn"
)

// Result is the outcome of one scenario run.
type Result struct {
	Name      string      `json:"name"`
	Pass      bool        `json:"pass"`
	Errors    []string    `json:"errors,omitempty"`
	Ticks     int64       `json:"ticks"`
	Completed bool        `json:"completed"`
	Failures  int         `json:"failures"`
	Snapshot  ir.Snapshot `json:"snapshot"`
	Jobs      []ir.Job    `json:"jobs,omitempty"`
	Events    []ir.Event  `json:"events"`
	Log       *ir.Log     `json:"-"`
}

func newResult(name string) *Result {
	return &Result{Name: name, Pass: true, Errors: []string{}}
}

// AddError records a failed check and marks the result as failed.
func (r *Result) AddError(msg string) {
	r.Errors = append(r.Errors, msg)
	r.Pass = false
}

// Runner executes scenarios with a fixed fee policy and engine options.
type Runner struct {
	fees   txn.FeePolicy
	opts   []engine.Option
	logger *slog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithFees sets the fee policy scenario settings are merged into.
func WithFees(p txn.FeePolicy) Option {
	return func(r *Runner) { r.fees = p }
}

// WithEngineOptions appends engine options applied before scenario settings.
func WithEngineOptions(opts ...engine.Option) Option {
	return func(r *Runner) { r.opts = append(r.opts, opts...) }
}

// WithLogger sets the logger for run summaries.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// NewRunner creates a Runner.
func NewRunner(opts ...Option) *Runner {
	r := &Runner{fees: txn.DefaultFeePolicy(), logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes a scenario with default settings.
func Run(ctx context.Context, s *scenario.Scenario) (*Result, error) {
	return NewRunner().Run(ctx, s)
}

// Run executes s and returns its result. Assertion failures and replay
// mismatches are reported in the Result; the error is for runs that could
// not execute at all.
func (r *Runner) Run(ctx context.Context, s *scenario.Scenario) (*Result, error) {
	opts := append([]engine.Option{
		engine.WithSessionIDs(engine.NewFixedGenerator(s.Name)),
	}, r.opts...)

	e, err := scenario.Build(s, r.fees, opts...)
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", s.Name, err)
	}
	if err := e.StartRecording(); err != nil {
		return nil, fmt.Errorf("start recording: %w", err)
	}

	result := newResult(s.Name)
	for i := 0; i < s.Ticks; i++ {
		res, err := e.Step(ctx)
		if err != nil {
			return nil, fmt.Errorf("%s: tick %d: %w", s.Name, i+1, err)
		}
		result.Failures += res.Failures
		if res.Completed {
			break
		}
	}

	log, err := e.StopRecording()
	if err != nil {
		return nil, fmt.Errorf("stop recording: %w", err)
	}
	result.Log = log
	result.Snapshot = e.Snapshot()
	result.Ticks = result.Snapshot.Tick
	result.Completed = e.Completed()
	result.Jobs = e.Jobs()
	result.Events = e.Events(0)

	if _, err := replay.Verify(log); err != nil {
		result.AddError(fmt.Sprintf("replay: %v", err))
	}
	for _, msg := range Evaluate(result, s.Assertions) {
		result.AddError(msg)
	}

	r.logger.Info("scenario finished",
		"scenario", s.Name,
		"pass", result.Pass,
		"ticks", result.Ticks,
		"completed", result.Completed,
		"events", len(result.Events),
	)
	return result, nil
}

// RunFile loads and runs a scenario file.
func (r *Runner) RunFile(ctx context.Context, path string) (*Result, error) {
	s, err := scenario.Load(path)
	if err != nil {
		return nil, err
	}
	return r.Run(ctx, s)
}
