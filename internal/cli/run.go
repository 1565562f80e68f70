package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/agentsim/internal/engine"
	"github.com/roach88/agentsim/internal/eventlog"
	"github.com/roach88/agentsim/internal/ir"
	"github.com/roach88/agentsim/internal/scenario"
	"github.com/roach88/agentsim/internal/store"
	"github.com/roach88/agentsim/internal/telemetry"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Ticks    int
	Interval time.Duration
	Record   string
	Database string
	Snapshot string

	// SessionIDs allows overriding the session id generator (for testing).
	// If nil, defaults to UUIDv7Generator.
	SessionIDs engine.SessionIDGenerator
}

// RunSummary is the output of a run.
type RunSummary struct {
	Scenario     string `json:"scenario"`
	SessionID    string `json:"session_id"`
	Tick         int64  `json:"tick"`
	Completed    bool   `json:"completed"`
	Events       int    `json:"events"`
	Transactions int    `json:"transactions"`
	Failures     int    `json:"failures"`
	LogPath      string `json:"log_path,omitempty"`
	ArchiveSeq   int64  `json:"archive_seq,omitempty"`
	SnapshotPath string `json:"snapshot_path,omitempty"`
}

func (s RunSummary) String() string {
	status := "stopped"
	if s.Completed {
		status = "completed"
	}
	out := fmt.Sprintf("%s: %s at tick %d (%d events, %d transactions, %d failed turns)",
		s.Scenario, status, s.Tick, s.Events, s.Transactions, s.Failures)
	if s.LogPath != "" {
		out += "\n  log: " + s.LogPath
	}
	if s.ArchiveSeq != 0 {
		out += fmt.Sprintf("\n  archived as #%d", s.ArchiveSeq)
	}
	if s.SnapshotPath != "" {
		out += "\n  snapshot: " + s.SnapshotPath
	}
	return out
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <scenario.yaml>",
		Short: "Run a scenario",
		Long: `Load a scenario and run it while recording the session.

By default ticks run back to back up to the scenario's tick count (or
--ticks) and stop early once every transaction has settled. With --interval
the scheduler ticks on a timer until completion or interrupt.

Example:
  agentsim run examples/scenarios/escrow.yaml --record escrow.log.json
  agentsim run market.yaml --interval 200ms --db ./agentsim.db
  agentsim run market.yaml --ticks 50 --snapshot final.json --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarioFile(opts, args[0], cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Ticks, "ticks", 0, "number of ticks (default: the scenario's ticks)")
	cmd.Flags().DurationVar(&opts.Interval, "interval", 0, "run the scheduler with this tick interval")
	cmd.Flags().StringVar(&opts.Record, "record", "", "write the recorded log to this file")
	cmd.Flags().StringVar(&opts.Database, "db", "", "archive the recorded log in this SQLite database")
	cmd.Flags().StringVar(&opts.Snapshot, "snapshot", "", "write the final snapshot to this file")

	return cmd
}

func runScenarioFile(opts *RunOptions, path string, cmd *cobra.Command) error {
	cfg, err := opts.config()
	if err != nil {
		return err
	}

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.Setup(ctx, telemetry.Settings{Endpoint: cfg.OTelEndpoint, Enabled: cfg.OTelEnabled})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to set up tracing", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			slog.Error("tracing shutdown failed", "error", err)
		}
	}()

	s, err := scenario.Load(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load scenario", err)
	}

	engineOpts := cfg.EngineOptions()
	if opts.SessionIDs != nil {
		engineOpts = append(engineOpts, engine.WithSessionIDs(opts.SessionIDs))
	}
	eng, err := scenario.Build(s, cfg.FeePolicy(), engineOpts...)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build scenario", err)
	}
	if err := eng.StartRecording(); err != nil {
		return WrapExitError(ExitCommandError, "failed to start recording", err)
	}
	slog.Info("scenario loaded", "scenario", s.Name, "agents", len(s.Agents), "session", eng.SessionID())

	failures := 0
	if opts.Interval > 0 {
		err = runScheduled(ctx, eng, opts.Interval)
	} else {
		ticks := s.Ticks
		if opts.Ticks > 0 {
			ticks = opts.Ticks
		}
		failures, err = runStepped(ctx, eng, ticks)
	}
	if err != nil {
		return WrapExitError(ExitFailure, "run failed", err)
	}

	log, err := eng.StopRecording()
	if err != nil {
		return WrapExitError(ExitFailure, "failed to stop recording", err)
	}

	snap := eng.Snapshot()
	summary := RunSummary{
		Scenario:     s.Name,
		SessionID:    eng.SessionID(),
		Tick:         snap.Tick,
		Completed:    eng.Completed(),
		Events:       len(log.Events),
		Transactions: len(snap.Transactions),
		Failures:     failures,
	}

	if opts.Record != "" {
		data, err := eventlog.Encode(log)
		if err != nil {
			return WrapExitError(ExitFailure, "failed to encode log", err)
		}
		if err := writeFile(opts.Record, data); err != nil {
			return WrapExitError(ExitCommandError, "failed to write log", err)
		}
		summary.LogPath = opts.Record
	}

	dbPath := opts.Database
	if dbPath == "" {
		dbPath = cfg.DBPath
	}
	if dbPath != "" {
		seq, err := archiveLog(ctx, dbPath, log, s.Name)
		if err != nil {
			return err
		}
		summary.ArchiveSeq = seq
	}

	if opts.Snapshot != "" {
		data, err := eng.ExportSnapshot()
		if err != nil {
			return WrapExitError(ExitFailure, "failed to export snapshot", err)
		}
		if err := writeFile(opts.Snapshot, data); err != nil {
			return WrapExitError(ExitCommandError, "failed to write snapshot", err)
		}
		summary.SnapshotPath = opts.Snapshot
	}

	return opts.formatter(cmd).Success(summary)
}

// runStepped executes up to n ticks back to back and returns the number of
// rolled-back agent turns.
func runStepped(ctx context.Context, eng *engine.Engine, n int) (int, error) {
	failures := 0
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			slog.Info("run interrupted", "tick", eng.Tick())
			return failures, nil
		}
		res, err := eng.Step(ctx)
		if err != nil {
			return failures, fmt.Errorf("tick %d: %w", i+1, err)
		}
		failures += res.Failures
		slog.Debug("tick completed", "tick", res.Tick, "events", res.Events, "failures", res.Failures)
		if res.Completed {
			break
		}
	}
	return failures, nil
}

// runScheduled runs the scheduler until completion or ctx is cancelled.
func runScheduled(ctx context.Context, eng *engine.Engine, interval time.Duration) error {
	if err := eng.Start(ctx, interval); err != nil {
		return err
	}
	if err := eng.Wait(ctx); err != nil {
		slog.Info("received signal, shutting down", "tick", eng.Tick())
	}
	eng.Stop()
	return nil
}

func archiveLog(ctx context.Context, path string, log *ir.Log, label string) (int64, error) {
	st, err := store.Open(path)
	if err != nil {
		return 0, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()
	info, inserted, err := st.SaveLog(ctx, log, label)
	if err != nil {
		return 0, WrapExitError(ExitCommandError, "failed to archive log", err)
	}
	slog.Info("log archived", "seq", info.Seq, "session", info.SessionID, "new", inserted)
	return info.Seq, nil
}
