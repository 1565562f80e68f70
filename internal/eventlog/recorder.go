// Package eventlog records a session as an initial snapshot, an ordered
// event stream and a final snapshot, and validates recorded documents before
// anything is imported.
//
// The log is the sole unit of recording export and import. Only the Replay
// Engine consumes it.
package eventlog

import (
	"errors"
	"sync"

	"github.com/roach88/agentsim/internal/ir"
)

// ErrNotRecording is returned by Stop when no recording is active.
var ErrNotRecording = errors.New("eventlog: not recording")

// ErrAlreadyRecording is returned by Start when a recording is active.
var ErrAlreadyRecording = errors.New("eventlog: already recording")

// Recorder accumulates events between Start and Stop.
//
// Thread-safety: safe for concurrent use. Record is called from the tick
// path while observers may read Len.
type Recorder struct {
	mu        sync.Mutex
	recording bool
	sessionID string
	initial   ir.Snapshot
	events    []ir.Event
}

// NewRecorder returns an idle recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Start begins a recording from the given snapshot.
func (r *Recorder) Start(initial ir.Snapshot, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recording {
		return ErrAlreadyRecording
	}
	r.recording = true
	r.sessionID = sessionID
	r.initial = initial
	r.events = nil
	return nil
}

// Restart discards recorded events and starts over from initial, keeping the
// session id. Used when the live session is rewound past the recording start.
func (r *Recorder) Restart(initial ir.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording {
		return
	}
	r.initial = initial
	r.events = nil
}

// Abort discards the active recording, if any.
func (r *Recorder) Abort() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recording = false
	r.events = nil
}

// Record appends ev. It is a no-op while not recording.
func (r *Recorder) Record(ev ir.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording {
		return
	}
	r.events = append(r.events, ev)
}

// Truncate drops events after the first n.
func (r *Recorder) Truncate(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n >= 0 && n < len(r.events) {
		clear(r.events[n:])
		r.events = r.events[:n]
	}
}

// Stop ends the recording and returns the log.
func (r *Recorder) Stop(final ir.Snapshot) (*ir.Log, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording {
		return nil, ErrNotRecording
	}
	log := &ir.Log{
		Version:   ir.FormatVersion,
		SessionID: r.sessionID,
		Initial:   r.initial,
		Events:    r.events,
		Final:     &final,
	}
	if log.Events == nil {
		log.Events = []ir.Event{}
	}
	r.recording = false
	r.events = nil
	return log, nil
}

// Recording reports whether a recording is active.
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

// Len returns the number of events recorded so far.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// SessionID returns the id given to Start.
func (r *Recorder) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}
