package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/agentsim/internal/eventlog"
	"github.com/roach88/agentsim/internal/ir"
)

// LogInfo describes an archived log without its events.
type LogInfo struct {
	Seq         int64
	SessionID   string
	Label       string
	Version     string
	InitialTick int64
	FinalTick   int64
	Finished    bool
	EventCount  int
	Hash        string
}

// SaveLog archives a recorded log and its events in one transaction.
//
// Logs are keyed by content hash: saving a log that is already archived
// writes nothing and returns the existing row with inserted=false.
func (s *Store) SaveLog(ctx context.Context, log *ir.Log, label string) (info LogInfo, inserted bool, err error) {
	hash, err := ir.LogHash(*log)
	if err != nil {
		return LogInfo{}, false, fmt.Errorf("save log: %w", err)
	}
	if existing, err := s.logByHash(ctx, hash); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return LogInfo{}, false, err
	}

	body, err := eventlog.Encode(log)
	if err != nil {
		return LogInfo{}, false, fmt.Errorf("save log: %w", err)
	}

	info = LogInfo{
		SessionID:   log.SessionID,
		Label:       label,
		Version:     log.Version,
		InitialTick: log.Initial.Tick,
		EventCount:  len(log.Events),
		Hash:        hash,
	}
	var finalTick sql.NullInt64
	if log.Final != nil {
		info.FinalTick, info.Finished = log.Final.Tick, true
		finalTick = sql.NullInt64{Int64: log.Final.Tick, Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return LogInfo{}, false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	res, err := tx.ExecContext(ctx, `
		INSERT INTO logs
		(session_id, label, version, initial_tick, final_tick, event_count, log_hash, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		info.SessionID,
		info.Label,
		info.Version,
		info.InitialTick,
		finalTick,
		info.EventCount,
		info.Hash,
		string(body),
	)
	if err != nil {
		return LogInfo{}, false, fmt.Errorf("insert log: %w", err)
	}
	info.Seq, err = res.LastInsertId()
	if err != nil {
		return LogInfo{}, false, fmt.Errorf("get log seq: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO events (log_seq, position, id, tick, type, agent_id, message, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return LogInfo{}, false, fmt.Errorf("prepare events: %w", err)
	}
	defer stmt.Close()

	for i, ev := range log.Events {
		evJSON, err := marshalEvent(ev)
		if err != nil {
			return LogInfo{}, false, err
		}
		if _, err := stmt.ExecContext(ctx,
			info.Seq, i, ev.ID, ev.Tick, string(ev.Type), ev.AgentID, ev.Message, evJSON,
		); err != nil {
			return LogInfo{}, false, fmt.Errorf("insert event %s: %w", ev.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return LogInfo{}, false, fmt.Errorf("commit log: %w", err)
	}
	return info, true, nil
}

// SaveSnapshot archives a snapshot under label. Saving identical content
// under the same label again is a no-op and reports inserted=false.
func (s *Store) SaveSnapshot(ctx context.Context, label string, snap ir.Snapshot) (inserted bool, err error) {
	body, hash, err := marshalSnapshot(snap)
	if err != nil {
		return false, fmt.Errorf("save snapshot: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (label, tick, snapshot_hash, body)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(label, snapshot_hash) DO NOTHING
	`, label, snap.Tick, hash, body)
	if err != nil {
		return false, fmt.Errorf("save snapshot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("save snapshot: %w", err)
	}
	return n > 0, nil
}
