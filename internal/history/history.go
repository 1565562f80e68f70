// Package history keeps a bounded stack of restorable session captures for
// step-back and fork.
package history

import (
	"slices"

	"github.com/roach88/agentsim/internal/ir"
)

// DefaultLimit is the number of entries kept when none is configured.
const DefaultLimit = 50

// Entry is everything needed to put a session back exactly as it was.
// Id counters travel inside Snapshot.Counters.
type Entry struct {
	Label      string
	Snapshot   ir.Snapshot
	Enabled    []string
	AgentState map[string]map[string]any
	Jobs       []ir.Job
	// EventCount is the length of the live event feed at capture.
	EventCount int
	// RecordMark is the recorder length at capture, or -1 if no recording
	// was active.
	RecordMark int
}

// Tick is the tick at which the entry was captured.
func (e Entry) Tick() int64 { return e.Snapshot.Tick }

// Manager is a bounded LIFO of entries. The oldest entry is dropped when the
// limit is exceeded.
// Not safe for concurrent use; the engine serializes access.
type Manager struct {
	limit   int
	entries []Entry
}

// New returns a manager holding at most limit entries. A non-positive limit
// selects DefaultLimit.
func New(limit int) *Manager {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Manager{limit: limit}
}

// Limit returns the capacity.
func (m *Manager) Limit() int { return m.limit }

// Push adds e as the newest entry.
func (m *Manager) Push(e Entry) {
	m.entries = append(m.entries, e)
	if over := len(m.entries) - m.limit; over > 0 {
		clear(m.entries[:over])
		m.entries = slices.Delete(m.entries, 0, over)
	}
}

// Pop removes and returns the newest entry.
func (m *Manager) Pop() (Entry, bool) {
	if len(m.entries) == 0 {
		return Entry{}, false
	}
	last := len(m.entries) - 1
	e := m.entries[last]
	m.entries[last] = Entry{}
	m.entries = m.entries[:last]
	return e, true
}

// Peek returns the newest entry without removing it.
func (m *Manager) Peek() (Entry, bool) {
	if len(m.entries) == 0 {
		return Entry{}, false
	}
	return m.entries[len(m.entries)-1], true
}

// Len returns the number of entries held.
func (m *Manager) Len() int { return len(m.entries) }

// At returns the newest entry captured at tick.
func (m *Manager) At(tick int64) (Entry, bool) {
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].Tick() == tick {
			return m.entries[i], true
		}
	}
	return Entry{}, false
}

// TruncateAfter drops every entry newer than the newest one at tick, so that
// history stays linear after a fork.
func (m *Manager) TruncateAfter(tick int64) {
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].Tick() == tick {
			clear(m.entries[i+1:])
			m.entries = m.entries[:i+1]
			return
		}
	}
}

// Ticks returns the capture tick of every entry, oldest first.
func (m *Manager) Ticks() []int64 {
	out := make([]int64, len(m.entries))
	for i, e := range m.entries {
		out[i] = e.Tick()
	}
	return out
}

// Clear drops every entry.
func (m *Manager) Clear() {
	m.entries = nil
}
