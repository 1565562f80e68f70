package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/agentsim/internal/engine"
	"github.com/roach88/agentsim/internal/ir"
)

// createTestStore creates a new store in a temporary directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// recordTestLog records a short escrow session.
func recordTestLog(t *testing.T, ticks int) *ir.Log {
	t.Helper()
	e := engine.New(engine.WithSessionIDs(engine.NewFixedGenerator("archive-test")))
	require.NoError(t, e.AddAgent(ir.Agent{
		ID: "agent-a", Name: "a", BalanceMicro: 1_000_000_000, Language: ir.LanguageJS,
		Script: `if (!ctx.state.tx) {
			ctx.state.tx = ctx.createTransaction({provider: "agent-b", amountMicro: 10000000, service: "echo"});
			ctx.transitionState(ctx.state.tx, "COMMITTED");
		}`,
	}, ir.Position{}))
	require.NoError(t, e.AddAgent(ir.Agent{
		ID: "agent-b", Name: "b", Language: ir.LanguageJS,
		Script: `ctx.log("tick", ctx.tick);`,
	}, ir.Position{}))
	require.NoError(t, e.StartRecording())
	for i := 0; i < ticks; i++ {
		_, err := e.Step(context.Background())
		require.NoError(t, err)
	}
	log, err := e.StopRecording()
	require.NoError(t, err)
	return log
}

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}
}

func TestOpen_Pragmas(t *testing.T) {
	s := createTestStore(t)

	for name, want := range map[string]string{
		"journal_mode": "wal",
		"foreign_keys": "1",
		"busy_timeout": "5000",
		"user_version": "1",
	} {
		var got string
		require.NoError(t, s.db.QueryRow("PRAGMA "+name).Scan(&got))
		assert.Equal(t, want, got, name)
	}
}

func TestOpen_UpgradesOlderArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.db")
	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.db.Exec(`DROP INDEX idx_events_tick`)
	require.NoError(t, err)
	_, err = s.db.Exec(`PRAGMA user_version = 0`)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	var n int
	require.NoError(t, s.db.QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = 'idx_events_tick'`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestOpen_RejectsNewerArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "future.db")
	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.db.Exec(`PRAGMA user_version = 99`)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "newer than supported")
}

func TestSaveLog_RoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	log := recordTestLog(t, 3)

	info, inserted, err := s.SaveLog(ctx, log, "nightly")
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, "archive-test", info.SessionID)
	assert.Equal(t, len(log.Events), info.EventCount)
	assert.True(t, info.Finished)

	got, err := s.LoadLog(ctx, info.Seq)
	require.NoError(t, err)
	assert.Equal(t, log.SessionID, got.SessionID)
	assert.Equal(t, ir.MustSnapshotHash(log.Initial), ir.MustSnapshotHash(got.Initial))
	require.NotNil(t, got.Final)
	assert.Equal(t, ir.MustSnapshotHash(*log.Final), ir.MustSnapshotHash(*got.Final))
	require.Len(t, got.Events, len(log.Events))

	wantHash, err := ir.LogHash(*log)
	require.NoError(t, err)
	gotHash, err := ir.LogHash(*got)
	require.NoError(t, err)
	assert.Equal(t, wantHash, gotHash)
}

func TestSaveLog_Idempotent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	log := recordTestLog(t, 2)

	first, inserted, err := s.SaveLog(ctx, log, "")
	require.NoError(t, err)
	require.True(t, inserted)

	second, inserted, err := s.SaveLog(ctx, log, "other label")
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, first, second)

	infos, err := s.ListLogs(ctx)
	require.NoError(t, err)
	assert.Len(t, infos, 1)
}

func TestLatestLog(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	short, longer := recordTestLog(t, 1), recordTestLog(t, 3)
	_, _, err := s.SaveLog(ctx, short, "")
	require.NoError(t, err)
	_, _, err = s.SaveLog(ctx, longer, "")
	require.NoError(t, err)

	got, err := s.LatestLog(ctx, "archive-test")
	require.NoError(t, err)
	assert.Len(t, got.Events, len(longer.Events))

	_, err = s.LatestLog(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = s.LoadLog(ctx, 99)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestEventsAt_OrderedByPosition(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	log := recordTestLog(t, 2)

	info, _, err := s.SaveLog(ctx, log, "")
	require.NoError(t, err)

	var want []string
	for _, ev := range log.Events {
		if ev.Tick == 1 {
			want = append(want, ev.ID)
		}
	}
	require.NotEmpty(t, want)

	events, err := s.EventsAt(ctx, info.Seq, 1)
	require.NoError(t, err)
	var got []string
	for _, ev := range events {
		got = append(got, ev.ID)
	}
	assert.Equal(t, want, got)

	none, err := s.EventsAt(ctx, info.Seq, 42)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSnapshots(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	log := recordTestLog(t, 1)

	inserted, err := s.SaveSnapshot(ctx, "start", log.Initial)
	require.NoError(t, err)
	assert.True(t, inserted)
	inserted, err = s.SaveSnapshot(ctx, "start", log.Initial)
	require.NoError(t, err)
	assert.False(t, inserted)

	_, err = s.SaveSnapshot(ctx, "start", *log.Final)
	require.NoError(t, err)

	got, err := s.LoadSnapshot(ctx, "start")
	require.NoError(t, err)
	assert.Equal(t, ir.MustSnapshotHash(*log.Final), ir.MustSnapshotHash(got))

	_, err = s.LoadSnapshot(ctx, "nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}
