// Package replay re-derives runtime state from a recorded event log.
//
// A Session applies the action of each state_change event, in log order, to a
// private ledger seeded from the log's initial snapshot. It never runs agent
// scripts and never touches a live engine, scheduler or job queue.
package replay

import (
	"errors"
	"fmt"

	"github.com/roach88/agentsim/internal/ir"
	"github.com/roach88/agentsim/internal/ledger"
)

// ErrNoLog is returned by operations that need a loaded log.
var ErrNoLog = errors.New("replay: no log loaded")

// Session is a cursor over one log.
// Not safe for concurrent use.
type Session struct {
	log    *ir.Log
	ledger *ledger.Ledger
	cursor int
}

// New returns an empty session. Call Load before stepping.
func New() *Session {
	return &Session{}
}

// Load replaces the session's log and rewinds to its initial snapshot.
// The log is assumed to have passed eventlog.Validate.
func (s *Session) Load(log *ir.Log) error {
	if log == nil {
		return ErrNoLog
	}
	l, err := ledger.FromSnapshot(log.Initial)
	if err != nil {
		return fmt.Errorf("replay: load initial snapshot: %w", err)
	}
	s.log = log
	s.ledger = l
	s.cursor = 0
	return nil
}

// Loaded reports whether a log is loaded.
func (s *Session) Loaded() bool { return s.log != nil }

// Log returns the loaded log.
func (s *Session) Log() *ir.Log { return s.log }

// Step applies the next event and reports whether more remain.
// On error the cursor does not move.
func (s *Session) Step() (bool, error) {
	if s.log == nil {
		return false, ErrNoLog
	}
	if s.cursor >= len(s.log.Events) {
		return false, nil
	}
	ev := s.log.Events[s.cursor]
	if ev.Type == ir.EventStateChange {
		if ev.Action == nil || ev.Action.Action == nil {
			return false, fmt.Errorf("replay: event %s: state_change without action", ev.ID)
		}
		if err := s.ledger.Apply(ev.Action.Action); err != nil {
			return false, fmt.Errorf("replay: event %s: %w", ev.ID, err)
		}
	}
	s.ledger.IDs().Observe(ev.ID)
	s.cursor++
	return s.cursor < len(s.log.Events), nil
}

// State returns the derived snapshot at the cursor.
func (s *Session) State() ir.Snapshot {
	if s.ledger == nil {
		return ir.Snapshot{Version: ir.FormatVersion}
	}
	return s.ledger.Snapshot()
}

// Ledger returns the derived ledger. Callers must not mutate it.
func (s *Session) Ledger() *ledger.Ledger { return s.ledger }

// Cursor returns the number of events applied.
func (s *Session) Cursor() int { return s.cursor }

// Len returns the number of events in the log.
func (s *Session) Len() int {
	if s.log == nil {
		return 0
	}
	return len(s.log.Events)
}

// Progress returns the applied fraction in [0, 1]. An empty log is complete.
func (s *Session) Progress() float64 {
	n := s.Len()
	if n == 0 {
		if s.log == nil {
			return 0
		}
		return 1
	}
	return float64(s.cursor) / float64(n)
}

// Applied returns the events applied so far.
func (s *Session) Applied() []ir.Event {
	if s.log == nil {
		return nil
	}
	return s.log.Events[:s.cursor]
}

// Reset rewinds to the initial snapshot.
func (s *Session) Reset() error {
	if s.log == nil {
		return ErrNoLog
	}
	return s.Load(s.log)
}

// Seek moves the cursor to n applied events, clamped to [0, Len]. Seeking
// backwards replays from the start.
func (s *Session) Seek(n int) error {
	if s.log == nil {
		return ErrNoLog
	}
	n = max(0, min(n, len(s.log.Events)))
	if n < s.cursor {
		if err := s.Reset(); err != nil {
			return err
		}
	}
	for s.cursor < n {
		if _, err := s.Step(); err != nil {
			return err
		}
	}
	return nil
}

// SeekTick moves the cursor past every event stamped at or before tick.
func (s *Session) SeekTick(tick int64) error {
	if s.log == nil {
		return ErrNoLog
	}
	n := 0
	for n < len(s.log.Events) && s.log.Events[n].Tick <= tick {
		n++
	}
	return s.Seek(n)
}

// RunToEnd applies every remaining event.
func (s *Session) RunToEnd() error {
	return s.Seek(s.Len())
}
