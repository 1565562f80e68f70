package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/agentsim/internal/ir"
	"github.com/roach88/agentsim/internal/replay"
	"github.com/roach88/agentsim/internal/store"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Database string
	Session  string // optional - latest log of this session
	Seq      int64  // optional - archived log by seq
}

// ReplayResult holds the replay verification result.
type ReplayResult struct {
	SessionID     string `json:"session_id"`
	Events        int    `json:"events"`
	InitialTick   int64  `json:"initial_tick"`
	FinalTick     int64  `json:"final_tick"`
	Deterministic bool   `json:"deterministic"`
	MatchesFinal  bool   `json:"matches_final"`
	SnapshotHash  string `json:"snapshot_hash,omitempty"`
	Mismatch      string `json:"mismatch,omitempty"`
}

func (r ReplayResult) String() string {
	mark := func(ok bool) string {
		if ok {
			return "✓"
		}
		return "✗"
	}
	out := fmt.Sprintf("Session %s: %d events, ticks %d..%d\n", r.SessionID, r.Events, r.InitialTick, r.FinalTick)
	out += fmt.Sprintf("  %s deterministic\n", mark(r.Deterministic))
	out += fmt.Sprintf("  %s matches recorded final snapshot", mark(r.MatchesFinal))
	if r.SnapshotHash != "" {
		out += "\n  snapshot " + r.SnapshotHash
	}
	if r.Mismatch != "" {
		out += "\n  " + r.Mismatch
	}
	return out
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay [log.json]",
		Short: "Replay a recorded log and verify determinism",
		Long: `Replay a recorded session log twice from its initial snapshot and
verify that both replays are byte-identical and agree with the log's final
snapshot.

The log is read from a file, or from an archive with --db and either
--session (latest log of that session) or --seq.

Exit codes:
  0 - Replay is deterministic and matches the final snapshot
  1 - Verification failed (invalid log or differences detected)
  2 - Command error (file or database not found, etc.)

Examples:
  agentsim replay escrow.log.json
  agentsim replay --db ./agentsim.db --session 0190f0c2-...
  agentsim replay --db ./agentsim.db --seq 3 --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite archive")
	cmd.Flags().StringVar(&opts.Session, "session", "", "replay the latest archived log of this session")
	cmd.Flags().Int64Var(&opts.Seq, "seq", 0, "replay the archived log with this seq")

	return cmd
}

func runReplay(opts *ReplayOptions, args []string, cmd *cobra.Command) error {
	log, err := loadReplayLog(cmd.Context(), opts, args)
	if err != nil {
		return err
	}

	result := verifyLog(log)
	formatter := opts.formatter(cmd)
	if err := formatter.Success(result); err != nil {
		return err
	}
	if !result.Deterministic || !result.MatchesFinal {
		return NewExitError(ExitFailure, "replay verification failed")
	}
	return nil
}

// loadReplayLog reads the log named by the positional file argument or the
// archive flags.
func loadReplayLog(ctx context.Context, opts *ReplayOptions, args []string) (*ir.Log, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	switch {
	case len(args) == 1 && opts.Database != "":
		return nil, NewExitError(ExitCommandError, "give either a log file or --db, not both")
	case len(args) == 1:
		doc, err := readDocument(args[0])
		if err != nil {
			return nil, err
		}
		if doc.Log == nil {
			return nil, NewExitError(ExitCommandError, fmt.Sprintf("%s is a snapshot, not a log", args[0]))
		}
		return doc.Log, nil
	case opts.Database == "":
		return nil, NewExitError(ExitCommandError, "a log file or --db is required")
	}

	if (opts.Session == "") == (opts.Seq == 0) {
		return nil, NewExitError(ExitCommandError, "--db requires exactly one of --session or --seq")
	}
	st, err := store.Open(opts.Database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	var log *ir.Log
	if opts.Session != "" {
		log, err = st.LatestLog(ctx, opts.Session)
	} else {
		log, err = st.LoadLog(ctx, opts.Seq)
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, WrapExitError(ExitCommandError, "log not found", err)
	}
	if err != nil {
		return nil, WrapExitError(ExitFailure, "failed to load archived log", err)
	}
	return log, nil
}

// verifyLog replays log twice, compares the two results, then compares
// them with the recorded final snapshot when there is one.
func verifyLog(log *ir.Log) ReplayResult {
	result := ReplayResult{
		SessionID:   log.SessionID,
		Events:      len(log.Events),
		InitialTick: log.Initial.Tick,
		FinalTick:   log.Initial.Tick,
	}
	if log.Final != nil {
		result.FinalTick = log.Final.Tick
	}

	first, err := replay.Derive(log)
	if err != nil {
		result.Mismatch = err.Error()
		return result
	}
	second, err := replay.Derive(log)
	if err != nil {
		result.Mismatch = err.Error()
		return result
	}
	if err := replay.Compare(first, second); err != nil {
		result.Mismatch = err.Error()
		return result
	}
	result.Deterministic = true
	result.SnapshotHash = ir.MustSnapshotHash(first)

	if log.Final != nil {
		if err := replay.Compare(*log.Final, first); err != nil {
			result.Mismatch = err.Error()
			return result
		}
	}
	result.MatchesFinal = true
	return result
}
