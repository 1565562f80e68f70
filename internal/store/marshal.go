package store

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/roach88/agentsim/internal/ir"
)

// marshalEvent converts an event to canonical JSON TEXT for storage.
func marshalEvent(ev ir.Event) (string, error) {
	data, err := ir.MarshalCanonical(ev)
	if err != nil {
		return "", fmt.Errorf("marshal event %s: %w", ev.ID, err)
	}
	return string(data), nil
}

// unmarshalEvent parses an event row. Numbers in Data are kept as
// json.Number so large integers survive.
func unmarshalEvent(data string) (ir.Event, error) {
	var ev ir.Event
	dec := json.NewDecoder(bytes.NewReader([]byte(data)))
	dec.UseNumber()
	if err := dec.Decode(&ev); err != nil {
		return ir.Event{}, fmt.Errorf("unmarshal event: %w", err)
	}
	return ev, nil
}

// marshalSnapshot converts a snapshot to canonical JSON TEXT and returns its
// content hash alongside.
func marshalSnapshot(s ir.Snapshot) (body, hash string, err error) {
	data, err := ir.MarshalCanonical(s)
	if err != nil {
		return "", "", fmt.Errorf("marshal snapshot: %w", err)
	}
	hash, err = ir.SnapshotHash(s)
	if err != nil {
		return "", "", err
	}
	return string(data), hash, nil
}
