package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/agentsim/internal/eventlog"
	"github.com/roach88/agentsim/internal/ir"
	"github.com/roach88/agentsim/internal/replay"
	"github.com/roach88/agentsim/internal/scenario"
)

// RunSnapshot is the canonical record of one run used for byte comparison.
type RunSnapshot struct {
	Scenario string      `json:"scenario"`
	Final    ir.Snapshot `json:"final"`
	Jobs     []ir.Job    `json:"jobs"`
	Events   []ir.Event  `json:"events"`
}

// Canonical encodes the run with canonical JSON.
func (r *Result) Canonical() ([]byte, error) {
	return ir.MarshalCanonical(RunSnapshot{
		Scenario: r.Name,
		Final:    r.Snapshot,
		Jobs:     r.Jobs,
		Events:   r.Events,
	})
}

// AssertDeterministic runs s twice and requires byte-identical canonical
// output. The first run is written as the golden fixture in a temporary
// directory and the second is asserted against it.
func AssertDeterministic(t *testing.T, s *scenario.Scenario) *Result {
	t.Helper()

	first := mustRun(t, s)
	second := mustRun(t, s)

	want, err := first.Canonical()
	if err != nil {
		t.Fatalf("encode first run: %v", err)
	}
	got, err := second.Canonical()
	if err != nil {
		t.Fatalf("encode second run: %v", err)
	}

	g := goldie.New(t,
		goldie.WithFixtureDir(t.TempDir()),
		goldie.WithNameSuffix(".golden"),
	)
	if err := g.Update(t, s.Name, want); err != nil {
		t.Fatalf("write golden: %v", err)
	}
	g.Assert(t, s.Name, got)
	return second
}

// AssertReplayDeterministic replays log twice and requires byte-identical
// snapshots, and also that the encoded log survives a decode round trip.
func AssertReplayDeterministic(t *testing.T, log *ir.Log) {
	t.Helper()

	snap, err := replay.VerifyDeterminism(log)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}

	data, err := eventlog.Encode(log)
	if err != nil {
		t.Fatalf("encode log: %v", err)
	}
	decoded, err := eventlog.Decode(data)
	if err != nil {
		t.Fatalf("decode log: %v", err)
	}
	again, err := replay.VerifyDeterminism(decoded)
	if err != nil {
		t.Fatalf("replay decoded log: %v", err)
	}

	g := goldie.New(t,
		goldie.WithFixtureDir(t.TempDir()),
		goldie.WithNameSuffix(".golden"),
	)
	name := log.SessionID
	if name == "" {
		name = "replay"
	}
	if err := g.Update(t, name, snap); err != nil {
		t.Fatalf("write golden: %v", err)
	}
	g.Assert(t, name, again)
}

func mustRun(t *testing.T, s *scenario.Scenario) *Result {
	t.Helper()
	res, err := Run(context.Background(), s)
	if err != nil {
		t.Fatalf("run %s: %v", s.Name, err)
	}
	return res
}
