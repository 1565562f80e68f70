package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/agentsim/internal/eventlog"
	"github.com/roach88/agentsim/internal/ir"
)

// ErrNotFound is returned when no archived row matches.
var ErrNotFound = errors.New("not found in archive")

const logColumns = `seq, session_id, label, version, initial_tick, final_tick, event_count, log_hash`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLogInfo(row rowScanner) (LogInfo, error) {
	var info LogInfo
	var finalTick sql.NullInt64
	err := row.Scan(
		&info.Seq,
		&info.SessionID,
		&info.Label,
		&info.Version,
		&info.InitialTick,
		&finalTick,
		&info.EventCount,
		&info.Hash,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return LogInfo{}, ErrNotFound
	}
	if err != nil {
		return LogInfo{}, fmt.Errorf("scan log: %w", err)
	}
	info.FinalTick, info.Finished = finalTick.Int64, finalTick.Valid
	return info, nil
}

func (s *Store) logByHash(ctx context.Context, hash string) (LogInfo, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+logColumns+` FROM logs WHERE log_hash = ?`, hash)
	return scanLogInfo(row)
}

// ListLogs returns every archived log in archive order.
func (s *Store) ListLogs(ctx context.Context) ([]LogInfo, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+logColumns+` FROM logs ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	defer rows.Close()

	infos := []LogInfo{}
	for rows.Next() {
		info, err := scanLogInfo(rows)
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate logs: %w", err)
	}
	return infos, nil
}

// LoadLog returns the archived log with the given seq. The stored document
// is validated exactly as an imported file would be.
func (s *Store) LoadLog(ctx context.Context, seq int64) (*ir.Log, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM logs WHERE seq = ?`, seq).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("log %d: %w", seq, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load log %d: %w", seq, err)
	}
	return eventlog.Decode([]byte(body))
}

// LatestLog returns the most recently archived log of a session.
func (s *Store) LatestLog(ctx context.Context, sessionID string) (*ir.Log, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT seq FROM logs WHERE session_id = ? ORDER BY seq DESC LIMIT 1
	`, sessionID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find session %s: %w", sessionID, err)
	}
	return s.LoadLog(ctx, seq)
}

// EventsAt returns the events of an archived log recorded during tick, in
// log order. An unknown log or a tick without events yields an empty slice.
func (s *Store) EventsAt(ctx context.Context, seq, tick int64) ([]ir.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT body FROM events
		WHERE log_seq = ? AND tick = ?
		ORDER BY position ASC
	`, seq, tick)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []ir.Event{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev, err := unmarshalEvent(body)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// LoadSnapshot returns the most recently archived snapshot with label.
func (s *Store) LoadSnapshot(ctx context.Context, label string) (ir.Snapshot, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `
		SELECT body FROM snapshots WHERE label = ? ORDER BY seq DESC LIMIT 1
	`, label).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Snapshot{}, fmt.Errorf("snapshot %s: %w", label, ErrNotFound)
	}
	if err != nil {
		return ir.Snapshot{}, fmt.Errorf("load snapshot %s: %w", label, err)
	}
	return eventlog.DecodeSnapshot([]byte(body))
}
