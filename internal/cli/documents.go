package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/roach88/agentsim/internal/eventlog"
	"github.com/roach88/agentsim/internal/ir"
)

// Document kinds accepted by validate and inspect.
const (
	KindLog      = "log"
	KindSnapshot = "snapshot"
)

// document is a decoded log or snapshot file. Exactly one of Log and
// Snapshot is set.
type document struct {
	Kind     string
	Log      *ir.Log
	Snapshot *ir.Snapshot
}

// readDocument reads and validates a log or snapshot file. Unreadable files
// are command errors; invalid documents are check failures.
func readDocument(path string) (*document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to read file", err)
	}
	kind, err := eventlog.Kind(data)
	if err != nil {
		return nil, WrapExitError(ExitFailure, "invalid document", err)
	}
	switch kind {
	case KindLog:
		log, err := eventlog.Decode(data)
		if err != nil {
			return nil, WrapExitError(ExitFailure, "invalid log", err)
		}
		return &document{Kind: kind, Log: log}, nil
	default:
		snap, err := eventlog.DecodeSnapshot(data)
		if err != nil {
			return nil, WrapExitError(ExitFailure, "invalid snapshot", err)
		}
		return &document{Kind: kind, Snapshot: &snap}, nil
	}
}

// errorCode maps a document error to a CLIError code.
func errorCode(err error) string {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return ErrCodeNotFound
	case errors.Is(err, eventlog.ErrUnsupportedVersion):
		return ErrCodeUnsupportedVersion
	case errors.Is(err, eventlog.ErrMalformed):
		return ErrCodeMalformed
	}
	return ErrCodeGeneric
}

func writeFile(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
