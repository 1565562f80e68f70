package replay

import (
	"bytes"
	"fmt"

	"github.com/roach88/agentsim/internal/ir"
)

// MismatchError reports a replay whose derived state differs from the
// expected snapshot.
type MismatchError struct {
	// Section is the first top-level snapshot field that differs.
	Section  string
	WantHash string
	GotHash  string
}

// Error implements the error interface.
func (e *MismatchError) Error() string {
	return fmt.Sprintf("replay mismatch in %s (want %s, got %s)", e.Section, e.WantHash, e.GotHash)
}

// Derive replays log to the end and returns the final derived snapshot.
func Derive(log *ir.Log) (ir.Snapshot, error) {
	s := New()
	if err := s.Load(log); err != nil {
		return ir.Snapshot{}, err
	}
	if err := s.RunToEnd(); err != nil {
		return ir.Snapshot{}, err
	}
	return s.State(), nil
}

// Verify replays log and, when it carries a final snapshot, requires the
// derived state to be byte-identical to it under canonical encoding.
func Verify(log *ir.Log) (ir.Snapshot, error) {
	got, err := Derive(log)
	if err != nil {
		return ir.Snapshot{}, err
	}
	if log.Final == nil {
		return got, nil
	}
	if err := Compare(*log.Final, got); err != nil {
		return got, err
	}
	return got, nil
}

// VerifyDeterminism replays log twice from scratch and requires byte-identical
// results. It returns the canonical bytes of the final state.
func VerifyDeterminism(log *ir.Log) ([]byte, error) {
	first, err := Verify(log)
	if err != nil {
		return nil, fmt.Errorf("first replay: %w", err)
	}
	second, err := Verify(log)
	if err != nil {
		return nil, fmt.Errorf("second replay: %w", err)
	}
	a, err := ir.MarshalCanonical(first)
	if err != nil {
		return nil, err
	}
	b, err := ir.MarshalCanonical(second)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(a, b) {
		return nil, Compare(first, second)
	}
	return a, nil
}

// Compare returns a *MismatchError if want and got differ canonically.
func Compare(want, got ir.Snapshot) error {
	wantBytes, err := ir.MarshalCanonical(want)
	if err != nil {
		return fmt.Errorf("encode expected snapshot: %w", err)
	}
	gotBytes, err := ir.MarshalCanonical(got)
	if err != nil {
		return fmt.Errorf("encode derived snapshot: %w", err)
	}
	if bytes.Equal(wantBytes, gotBytes) {
		return nil
	}

	sections := []struct {
		name      string
		want, got any
	}{
		{"tick", want.Tick, got.Tick},
		{"virtual_time", want.VirtualTime, got.VirtualTime},
		{"agents", want.Agents, got.Agents},
		{"transactions", want.Transactions, got.Transactions},
		{"positions", want.Positions, got.Positions},
		{"counters", want.Counters, got.Counters},
		{"fees_collected_micro", want.FeesCollectedMicro, got.FeesCollectedMicro},
	}
	section := "snapshot"
	for _, sec := range sections {
		w, _ := ir.MarshalCanonical(sec.want)
		g, _ := ir.MarshalCanonical(sec.got)
		if !bytes.Equal(w, g) {
			section = sec.name
			break
		}
	}
	return &MismatchError{
		Section:  section,
		WantHash: ir.MustSnapshotHash(want),
		GotHash:  ir.MustSnapshotHash(got),
	}
}
