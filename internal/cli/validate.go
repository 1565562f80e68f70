package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Path   string `json:"path"`
	Kind   string `json:"kind,omitempty"`
	Valid  bool   `json:"valid"`
	Events int    `json:"events,omitempty"`
	Agents int    `json:"agents"`
}

func (r ValidationResult) String() string {
	if r.Kind == KindLog {
		return fmt.Sprintf("✓ %s: valid log (%d events, %d agents)", r.Path, r.Events, r.Agents)
	}
	return fmt.Sprintf("✓ %s: valid snapshot (%d agents)", r.Path, r.Agents)
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a log or snapshot document",
		Long: `Validate a recorded log or an exported snapshot without loading it.

Checks the version, the document schema and, for logs, that events are in
chronological order with strictly increasing ids.

Exit codes:
  0 - Document is valid
  1 - Document is invalid
  2 - Command error (file not found, etc.)`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	doc, err := readDocument(path)
	if err != nil {
		if outErr := formatter.Error(errorCode(err), err.Error(), map[string]string{"path": path}); outErr != nil {
			return outErr
		}
		return err
	}

	result := ValidationResult{Path: path, Kind: doc.Kind, Valid: true}
	if doc.Log != nil {
		result.Events = len(doc.Log.Events)
		result.Agents = len(doc.Log.Initial.Agents)
	} else {
		result.Agents = len(doc.Snapshot.Agents)
	}
	formatter.VerboseLog("validated %s as %s", path, doc.Kind)
	return formatter.Success(result)
}
