// Package agentstate holds each agent's persistent key-value document, the
// only memory an agent script keeps between ticks.
//
// The store is an explicit object owned by the engine, never package-level
// state, so it can be captured, cleared and swapped as one unit for undo and
// replay. Documents are plain JSON-shaped values: map[string]any, []any,
// string, float64, int64, bool and nil.
package agentstate

import (
	"fmt"
	"maps"
	"slices"

	"github.com/roach88/agentsim/internal/ir"
)

// JobsKey is the sub-document where service job records are mirrored.
const JobsKey = "jobs"

// BusyKey is the top-level flag an agent sets to hold off completion while
// it still has work that no transaction or job tracks.
const BusyKey = "busy"

// Store maps agent ids to their documents.
// Not safe for concurrent use; the engine serializes access.
type Store struct {
	docs map[string]map[string]any
}

// New returns an empty store.
func New() *Store {
	return &Store{docs: make(map[string]map[string]any)}
}

// Get returns a deep copy of the agent's document, or an empty document.
// Mutating the result never affects the store.
func (s *Store) Get(agentID string) map[string]any {
	doc, ok := s.docs[agentID]
	if !ok {
		return make(map[string]any)
	}
	return CloneDoc(doc)
}

// Busy reports whether the agent's document holds busy == true.
func (s *Store) Busy(agentID string) bool {
	v, _ := s.docs[agentID][BusyKey].(bool)
	return v
}

// Put replaces the agent's document with a deep copy of doc.
func (s *Store) Put(agentID string, doc map[string]any) {
	if doc == nil {
		delete(s.docs, agentID)
		return
	}
	s.docs[agentID] = CloneDoc(doc)
}

// SetJob writes a job record into state.jobs[job.ID] of the owning agent.
func (s *Store) SetJob(job ir.Job) {
	doc, ok := s.docs[job.AgentID]
	if !ok {
		doc = make(map[string]any)
		s.docs[job.AgentID] = doc
	}
	jobs, ok := doc[JobsKey].(map[string]any)
	if !ok {
		jobs = make(map[string]any)
		doc[JobsKey] = jobs
	}
	jobs[job.ID] = JobRecord(job)
}

// JobRecord renders a job the way agent scripts see it.
func JobRecord(job ir.Job) map[string]any {
	rec := map[string]any{
		"id":     job.ID,
		"type":   job.Type,
		"status": string(job.Status),
	}
	if job.Result != nil {
		rec["result"] = CloneDoc(job.Result)
	}
	if job.Error != "" {
		rec["error"] = job.Error
	}
	return rec
}

// Delete drops the agent's document.
func (s *Store) Delete(agentID string) {
	delete(s.docs, agentID)
}

// Clear drops every document.
func (s *Store) Clear() {
	s.docs = make(map[string]map[string]any)
}

// AgentIDs returns the ids that have a document, sorted.
func (s *Store) AgentIDs() []string {
	return slices.Sorted(maps.Keys(s.docs))
}

// Snapshot returns a deep copy of every document.
func (s *Store) Snapshot() map[string]map[string]any {
	out := make(map[string]map[string]any, len(s.docs))
	for id, doc := range s.docs {
		out[id] = CloneDoc(doc)
	}
	return out
}

// Restore replaces every document with a deep copy of snap.
func (s *Store) Restore(snap map[string]map[string]any) {
	s.docs = make(map[string]map[string]any, len(snap))
	for id, doc := range snap {
		s.docs[id] = CloneDoc(doc)
	}
}

// CloneDoc deep-copies a JSON-shaped document.
func CloneDoc(doc map[string]any) map[string]any {
	if doc == nil {
		return nil
	}
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies one JSON-shaped value. Scalars are returned as is.
func CloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CloneDoc(val)
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = CloneValue(elem)
		}
		return out
	default:
		return v
	}
}

// Normalize converts an arbitrary decoded value into the JSON shape the store
// holds. Integral floats become int64 so documents from different script
// runtimes compare equal. Unsupported types are an error.
func Normalize(v any) (any, error) {
	switch val := v.(type) {
	case nil, bool, string, int64:
		return val, nil
	case int:
		return int64(val), nil
	case int32:
		return int64(val), nil
	case float64:
		if val >= -(1<<53) && val <= 1<<53 && val == float64(int64(val)) {
			return int64(val), nil
		}
		return val, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			n, err := Normalize(elem)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = n
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			n, err := Normalize(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = n
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value of type %T", v)
	}
}
