package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotHash_Stable(t *testing.T) {
	snap := Snapshot{
		Version:  FormatVersion,
		Tick:     3,
		Counters: map[string]int64{"tx": 2, "evt": 9},
	}

	h1, err := SnapshotHash(snap)
	require.NoError(t, err)
	h2, err := SnapshotHash(snap)
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestSnapshotHash_DiffersOnChange(t *testing.T) {
	a := Snapshot{Version: FormatVersion, Tick: 1}
	b := Snapshot{Version: FormatVersion, Tick: 2}

	assert.NotEqual(t, MustSnapshotHash(a), MustSnapshotHash(b))
}

func TestHashWithDomain_Separation(t *testing.T) {
	data := []byte(`{"tick":1}`)
	assert.NotEqual(t, hashWithDomain(DomainSnapshot, data), hashWithDomain(DomainLog, data))
}
