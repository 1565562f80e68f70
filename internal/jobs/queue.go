// Package jobs emulates long-running external work inside a runtime that
// gives agent scripts no concurrency primitives.
//
// Submit returns a job id immediately. The job completes a fixed number of
// ticks later, and its record is mirrored into the owning agent's persistent
// state, so agents "await" by checking state.jobs[id].status on a later tick.
//
// Completion order is submission order (FIFO). Handlers are pure functions of
// their input, so a replayed run completes every job with the same result.
package jobs

import (
	"fmt"
	"maps"
	"slices"

	"github.com/roach88/agentsim/internal/agentstate"
	"github.com/roach88/agentsim/internal/idgen"
	"github.com/roach88/agentsim/internal/ir"
)

// DefaultLatencyTicks is the delay between submission and completion.
const DefaultLatencyTicks = 3

// Handler computes a job result from its input.
// It must be deterministic and must not perform I/O.
type Handler func(input any) (map[string]any, error)

// Mirror receives every job record change. agentstate.Store implements it.
type Mirror interface {
	SetJob(job ir.Job)
}

// Queue holds submitted jobs in submission order.
// Not safe for concurrent use; the engine serializes access.
type Queue struct {
	latency  int64
	handlers map[string]Handler
	ids      *idgen.Generator
	mirror   Mirror

	jobs []ir.Job
}

// Option configures a Queue.
type Option func(*Queue)

// WithLatency sets the completion delay in ticks.
func WithLatency(ticks int64) Option {
	return func(q *Queue) {
		q.latency = ticks
	}
}

// WithHandler registers or replaces a job type.
func WithHandler(jobType string, h Handler) Option {
	return func(q *Queue) {
		q.handlers[jobType] = h
	}
}

// New creates a queue with the built-in handlers.
// Job ids come from ids so they share the ledger's counters.
func New(ids *idgen.Generator, mirror Mirror, opts ...Option) *Queue {
	q := &Queue{
		latency:  DefaultLatencyTicks,
		handlers: Builtins(),
		ids:      ids,
		mirror:   mirror,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// SetIDs rebinds the id generator, used after the ledger is replaced.
func (q *Queue) SetIDs(ids *idgen.Generator) { q.ids = ids }

// Latency returns the configured delay in ticks.
func (q *Queue) Latency() int64 { return q.latency }

// Types returns the registered job types, sorted.
func (q *Queue) Types() []string {
	return slices.Sorted(maps.Keys(q.handlers))
}

// Submit enqueues a job and returns its pending record.
// Unknown job types are rejected without minting an id.
func (q *Queue) Submit(agentID, jobType string, input any, tick int64) (ir.Job, error) {
	if _, ok := q.handlers[jobType]; !ok {
		return ir.Job{}, fmt.Errorf("submit job: unknown job type %q", jobType)
	}
	if agentID == "" {
		return ir.Job{}, fmt.Errorf("submit job: agent id is required")
	}
	normalized, err := agentstate.Normalize(input)
	if err != nil {
		return ir.Job{}, fmt.Errorf("submit %s job: %w", jobType, err)
	}

	job := ir.Job{
		ID:            q.ids.Next(idgen.PrefixJob),
		Type:          jobType,
		Status:        ir.JobPending,
		AgentID:       agentID,
		Input:         normalized,
		SubmittedTick: tick,
		ReadyTick:     tick + q.latency,
	}
	q.jobs = append(q.jobs, job)
	q.mirror.SetJob(job)
	return job, nil
}

// Advance completes every pending job whose ReadyTick <= tick, in submission
// order, and returns the jobs that changed.
//
// A handler error marks the job failed. Nothing is retried; resubmitting is
// up to the agent.
func (q *Queue) Advance(tick int64) []ir.Job {
	var done []ir.Job
	for i := range q.jobs {
		job := &q.jobs[i]
		if job.Status != ir.JobPending || job.ReadyTick > tick {
			continue
		}
		result, err := q.handlers[job.Type](agentstate.CloneValue(job.Input))
		if err != nil {
			job.Status = ir.JobFailed
			job.Error = err.Error()
		} else {
			job.Status = ir.JobCompleted
			job.Result = result
		}
		q.mirror.SetJob(*job)
		done = append(done, cloneJob(*job))
	}
	return done
}

// Get returns a job by id.
func (q *Queue) Get(id string) (ir.Job, bool) {
	for _, job := range q.jobs {
		if job.ID == id {
			return cloneJob(job), true
		}
	}
	return ir.Job{}, false
}

// Pending returns the number of jobs not yet completed or failed.
func (q *Queue) Pending() int {
	n := 0
	for _, job := range q.jobs {
		if job.Status == ir.JobPending {
			n++
		}
	}
	return n
}

// Len returns the total number of jobs held.
func (q *Queue) Len() int { return len(q.jobs) }

// Snapshot returns a deep copy of every job in submission order.
func (q *Queue) Snapshot() []ir.Job {
	out := make([]ir.Job, len(q.jobs))
	for i, job := range q.jobs {
		out[i] = cloneJob(job)
	}
	return out
}

// Restore replaces the held jobs. The mirror is not touched; restore the
// agent state store from the same capture.
func (q *Queue) Restore(jobs []ir.Job) {
	q.jobs = make([]ir.Job, len(jobs))
	for i, job := range jobs {
		q.jobs[i] = cloneJob(job)
	}
}

// Clear drops every job.
func (q *Queue) Clear() {
	q.jobs = nil
}

// RemoveAgent drops jobs owned by agentID.
func (q *Queue) RemoveAgent(agentID string) {
	q.jobs = slices.DeleteFunc(q.jobs, func(j ir.Job) bool { return j.AgentID == agentID })
}

func cloneJob(j ir.Job) ir.Job {
	j.Input = agentstate.CloneValue(j.Input)
	j.Result = agentstate.CloneDoc(j.Result)
	return j
}
