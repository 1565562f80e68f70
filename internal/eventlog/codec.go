package eventlog

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/agentsim/internal/idgen"
	"github.com/roach88/agentsim/internal/ir"
)

// Import rejections. ErrOutOfOrder wraps ErrMalformed, so errors.Is with
// ErrMalformed matches both.
var (
	ErrMalformed          = errors.New("malformed document")
	ErrUnsupportedVersion = errors.New("unrecognized version")
	ErrOutOfOrder         = fmt.Errorf("%w: events out of order", ErrMalformed)
)

// Encode renders a log as indented JSON.
func Encode(log *ir.Log) ([]byte, error) {
	data, err := json.MarshalIndent(log, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode log: %w", err)
	}
	return data, nil
}

// Decode validates data and decodes it into a log.
func Decode(data []byte) (*ir.Log, error) {
	if err := Validate(data); err != nil {
		return nil, err
	}
	var log ir.Log
	if err := json.Unmarshal(data, &log); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &log, nil
}

// EncodeSnapshot renders a snapshot as indented JSON.
func EncodeSnapshot(s ir.Snapshot) ([]byte, error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

// DecodeSnapshot validates data and decodes it into a snapshot.
func DecodeSnapshot(data []byte) (ir.Snapshot, error) {
	if err := ValidateSnapshot(data); err != nil {
		return ir.Snapshot{}, err
	}
	var s ir.Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return ir.Snapshot{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return s, nil
}

// Validate checks a log document without decoding it into runtime state.
//
// Checks run in order: well-formed JSON with a version field, version
// support, schema shape, then event ordering. Event ids must have strictly
// increasing sequence numbers; ticks and timestamps must never decrease;
// every state_change event must carry an action.
func Validate(data []byte) error {
	if err := checkVersion(data, "initial", "events"); err != nil {
		return err
	}
	s, err := loadSchema()
	if err != nil {
		return err
	}
	if err := s.check(s.log, "log.json", data); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var log ir.Log
	if err := json.Unmarshal(data, &log); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	for _, snap := range []*ir.Snapshot{&log.Initial, log.Final} {
		if snap != nil && snap.Version != ir.FormatVersion {
			return fmt.Errorf("%w: snapshot version %q", ErrUnsupportedVersion, snap.Version)
		}
	}
	return checkOrder(log.Events)
}

// ValidateSnapshot checks a session snapshot document.
func ValidateSnapshot(data []byte) error {
	if err := checkVersion(data, "agents"); err != nil {
		return err
	}
	s, err := loadSchema()
	if err != nil {
		return err
	}
	if err := s.check(s.snapshot, "snapshot.json", data); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// Kind guesses whether data is a log or a snapshot document.
func Kind(data []byte) (string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if _, ok := fields["events"]; ok {
		return "log", nil
	}
	if _, ok := fields["agents"]; ok {
		return "snapshot", nil
	}
	return "", fmt.Errorf("%w: neither a log nor a snapshot", ErrMalformed)
}

func checkVersion(data []byte, required ...string) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	for _, field := range required {
		if _, ok := fields[field]; !ok {
			return fmt.Errorf("%w: missing %q", ErrMalformed, field)
		}
	}
	raw, ok := fields["version"]
	if !ok {
		return fmt.Errorf("%w: missing \"version\"", ErrMalformed)
	}
	var version string
	if err := json.Unmarshal(raw, &version); err != nil {
		return fmt.Errorf("%w: version must be a string", ErrMalformed)
	}
	if version != ir.FormatVersion {
		return fmt.Errorf("%w: %q (supported: %q)", ErrUnsupportedVersion, version, ir.FormatVersion)
	}
	return nil
}

func checkOrder(events []ir.Event) error {
	var lastSeq, lastTick, lastTime int64
	for i, ev := range events {
		_, seq, ok := idgen.Parse(ev.ID)
		if !ok {
			return fmt.Errorf("%w: event %d has malformed id %q", ErrMalformed, i, ev.ID)
		}
		if i > 0 {
			switch {
			case seq <= lastSeq:
				return fmt.Errorf("%w: event %s does not follow sequence %d", ErrOutOfOrder, ev.ID, lastSeq)
			case ev.Tick < lastTick:
				return fmt.Errorf("%w: event %s at tick %d after tick %d", ErrOutOfOrder, ev.ID, ev.Tick, lastTick)
			case ev.Timestamp < lastTime:
				return fmt.Errorf("%w: event %s at time %d after time %d", ErrOutOfOrder, ev.ID, ev.Timestamp, lastTime)
			}
		}
		if ev.Type == ir.EventStateChange && ev.Action == nil {
			return fmt.Errorf("%w: state_change event %s has no action", ErrMalformed, ev.ID)
		}
		lastSeq, lastTick, lastTime = seq, ev.Tick, ev.Timestamp
	}
	return nil
}
