package engine

import (
	"errors"
	"fmt"
)

// RuntimeError represents an error detected by the engine itself, as opposed
// to a transaction validation failure (txn.ValidationError) or a script
// failure (sandbox.ScriptError).
//
// Runtime errors include:
//   - Scheduler running: an operation that needs a stopped scheduler
//   - Replay active: a live operation attempted while replaying
//   - Stale epoch: work started before a stop, reset, import or fork
//   - Quota exceeded: an agent made too many calls in one turn
//
// RuntimeError includes structured fields for diagnostics.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// AgentID identifies the affected agent, if any.
	AgentID string

	// Tick is the tick at which the error occurred.
	Tick int64
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeSchedulerRunning indicates the operation requires a stopped scheduler.
	ErrCodeSchedulerRunning RuntimeErrorCode = "SCHEDULER_RUNNING"

	// ErrCodeReplayActive indicates the session is in replay mode.
	ErrCodeReplayActive RuntimeErrorCode = "REPLAY_ACTIVE"

	// ErrCodeNotReplaying indicates a replay operation outside replay mode.
	ErrCodeNotReplaying RuntimeErrorCode = "NOT_REPLAYING"

	// ErrCodeStaleEpoch indicates work from a superseded epoch.
	ErrCodeStaleEpoch RuntimeErrorCode = "STALE_EPOCH"

	// ErrCodeUnknownAgent indicates a referenced agent doesn't exist.
	ErrCodeUnknownAgent RuntimeErrorCode = "UNKNOWN_AGENT"

	// ErrCodeScriptFailed indicates an agent script failed.
	ErrCodeScriptFailed RuntimeErrorCode = "SCRIPT_FAILED"

	// ErrCodeQuotaExceeded indicates an agent exceeded its per-turn call quota.
	ErrCodeQuotaExceeded RuntimeErrorCode = "QUOTA_EXCEEDED"

	// ErrCodeRecordingActive indicates an edit that a recording cannot capture.
	ErrCodeRecordingActive RuntimeErrorCode = "RECORDING_ACTIVE"

	// ErrCodeNoHistory indicates there is nothing to step back to.
	ErrCodeNoHistory RuntimeErrorCode = "NO_HISTORY"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	if e.AgentID != "" {
		return fmt.Sprintf("%s: %s (agent=%s, tick=%d)", e.Code, e.Message, e.AgentID, e.Tick)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newRuntimeError(code RuntimeErrorCode, format string, args ...any) *RuntimeError {
	return &RuntimeError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the code of a wrapped *RuntimeError, or "".
func CodeOf(err error) RuntimeErrorCode {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}

// IsSchedulerRunning returns true if err was caused by a running scheduler.
// Uses errors.As to handle wrapped errors.
func IsSchedulerRunning(err error) bool {
	return CodeOf(err) == ErrCodeSchedulerRunning
}

// IsReplayActive returns true if err was caused by replay mode.
func IsReplayActive(err error) bool {
	return CodeOf(err) == ErrCodeReplayActive
}

// IsStaleEpoch returns true if err reports superseded work.
func IsStaleEpoch(err error) bool {
	return CodeOf(err) == ErrCodeStaleEpoch
}

// IsQuotaError returns true if err is a quota exceeded error.
func IsQuotaError(err error) bool {
	return CodeOf(err) == ErrCodeQuotaExceeded
}
