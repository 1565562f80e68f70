package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/roach88/agentsim/internal/ir"
	"github.com/roach88/agentsim/internal/replay"
)

// InspectOptions holds flags for the inspect command.
type InspectOptions struct {
	*RootOptions
	At   int   // replay cursor: number of events applied
	Tick int64 // replay cursor: end of this tick
}

// InspectResult is the JSON form of an inspected state.
type InspectResult struct {
	Kind     string      `json:"kind"`
	Cursor   int         `json:"cursor,omitempty"`
	Events   int         `json:"events,omitempty"`
	Snapshot ir.Snapshot `json:"snapshot"`
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InspectOptions{RootOptions: rootOpts, At: -1, Tick: -1}

	cmd := &cobra.Command{
		Use:   "inspect <log.json|snapshot.json>",
		Short: "Show agents and transactions as tables",
		Long: `Render the agents and transactions of a snapshot, or of a log replayed
to a cursor position.

For logs the whole log is replayed unless --at (events applied) or --tick
(end of tick) selects an earlier point.

Examples:
  agentsim inspect final.json
  agentsim inspect escrow.log.json --tick 1
  agentsim inspect escrow.log.json --at 12 --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(opts, args[0], cmd)
		},
	}

	cmd.Flags().IntVar(&opts.At, "at", -1, "replay only the first N events")
	cmd.Flags().Int64Var(&opts.Tick, "tick", -1, "replay up to the end of this tick")
	cmd.MarkFlagsMutuallyExclusive("at", "tick")

	return cmd
}

func runInspect(opts *InspectOptions, path string, cmd *cobra.Command) error {
	doc, err := readDocument(path)
	if err != nil {
		return err
	}

	result := InspectResult{Kind: doc.Kind}
	if doc.Snapshot != nil {
		result.Snapshot = *doc.Snapshot
	} else {
		sess := replay.New()
		if err := sess.Load(doc.Log); err != nil {
			return WrapExitError(ExitFailure, "failed to load log", err)
		}
		switch {
		case opts.At >= 0:
			err = sess.Seek(opts.At)
		case opts.Tick >= 0:
			err = sess.SeekTick(opts.Tick)
		default:
			err = sess.RunToEnd()
		}
		if err != nil {
			return WrapExitError(ExitFailure, "failed to replay log", err)
		}
		result.Snapshot = sess.State()
		result.Cursor = sess.Cursor()
		result.Events = sess.Len()
	}

	if opts.Format == "json" {
		return json.NewEncoder(cmd.OutOrStdout()).Encode(CLIResponse{Status: "ok", Data: result})
	}
	renderInspect(cmd.OutOrStdout(), result)
	return nil
}

func renderInspect(w io.Writer, r InspectResult) {
	s := r.Snapshot
	if r.Kind == KindLog {
		fmt.Fprintf(w, "Tick %d, virtual time %dms (event %d of %d)\n\n", s.Tick, s.VirtualTime, r.Cursor, r.Events)
	} else {
		fmt.Fprintf(w, "Tick %d, virtual time %dms\n\n", s.Tick, s.VirtualTime)
	}

	agents := tablewriter.NewWriter(w)
	agents.SetHeader([]string{"Agent", "Name", "Status", "Language", "Balance"})
	agents.SetAutoFormatHeaders(false)
	agents.SetColumnAlignment([]int{
		tablewriter.ALIGN_LEFT, tablewriter.ALIGN_LEFT, tablewriter.ALIGN_LEFT,
		tablewriter.ALIGN_LEFT, tablewriter.ALIGN_RIGHT,
	})
	for _, a := range s.Agents {
		lang := a.Language
		if lang == "" {
			lang = ir.LanguageJS
		}
		agents.Append([]string{a.ID, a.Name, string(a.Status), lang, formatMicro(a.BalanceMicro)})
	}
	agents.Render()

	if len(s.Transactions) == 0 {
		fmt.Fprintln(w, "\nNo transactions.")
		return
	}
	fmt.Fprintln(w)
	txs := tablewriter.NewWriter(w)
	txs.SetHeader([]string{"Transaction", "From", "To", "Service", "State", "Amount"})
	txs.SetAutoFormatHeaders(false)
	txs.SetColumnAlignment([]int{
		tablewriter.ALIGN_LEFT, tablewriter.ALIGN_LEFT, tablewriter.ALIGN_LEFT,
		tablewriter.ALIGN_LEFT, tablewriter.ALIGN_LEFT, tablewriter.ALIGN_RIGHT,
	})
	for _, tx := range s.Transactions {
		txs.Append([]string{tx.ID, tx.Source, tx.Target, tx.Service, string(tx.State), formatMicro(tx.AmountMicro)})
	}
	txs.SetFooter([]string{"", "", "", "", "fees", formatMicro(s.FeesCollectedMicro)})
	txs.Render()
}

// formatMicro renders micro-units as whole units with six decimals.
func formatMicro(micro int64) string {
	sign := ""
	if micro < 0 {
		sign, micro = "-", -micro
	}
	return sign + strconv.FormatInt(micro/1_000_000, 10) + "." + fmt.Sprintf("%06d", micro%1_000_000)
}
