package raft

import (
	"path"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPersistentStoreDefault(t *testing.T) {
	require := require.New(t)

	store := NewPersistentStore(path.Join(t.TempDir(), "state.json"))
	defer store.Close()

	var state PersistentState
	require.NoError(store.Open(&state))

	require.Equal(Term(0), state.CurrentTerm)
	require.Equal(ServerId(""), state.VotedFor)
	require.Empty(state.Membership)
}

func TestPersistentStoreRoundTrip(t *testing.T) {
	require := require.New(t)

	filePath := path.Join(t.TempDir(), "state.json")

	store := NewPersistentStore(filePath)

	var state PersistentState
	require.NoError(store.Open(&state))

	state.CurrentTerm = 3
	state.VotedFor = "b"
	state.SnapshotLastIndex = 12
	state.SnapshotLastTerm = 2
	state.Membership = Membership{
		"a": {Address: "localhost:8001", Voting: true},
		"b": {Address: "localhost:8002", Voting: false},
	}

	require.NoError(store.Write(state))
	store.Close()

	store = NewPersistentStore(filePath)
	defer store.Close()

	var state2 PersistentState
	require.NoError(store.Open(&state2))

	require.Equal(state, state2)
}

func TestSnapshotStoreEmpty(t *testing.T) {
	require := require.New(t)

	store := NewSnapshotStore(path.Join(t.TempDir(), "snapshot.data"))

	snapshot, err := store.Load()
	require.NoError(err)
	require.Nil(snapshot)
}

func TestSnapshotStoreRoundTrip(t *testing.T) {
	require := require.New(t)

	store := NewSnapshotStore(path.Join(t.TempDir(), "snapshot.data"))

	snapshot := Snapshot{
		LastIncludedIndex: 42,
		LastIncludedTerm:  3,
		Data:              []byte(`{"foo": 1}`),
	}

	require.NoError(store.Save(&snapshot))

	snapshot2, err := store.Load()
	require.NoError(err)
	require.NotNil(snapshot2)
	require.Equal(snapshot, *snapshot2)

	// Saving again replaces the previous snapshot
	snapshot.LastIncludedIndex = 50
	require.NoError(store.Save(&snapshot))

	snapshot2, err = store.Load()
	require.NoError(err)
	require.Equal(LogIndex(50), snapshot2.LastIncludedIndex)
}

func TestSnapshotStoreCorruption(t *testing.T) {
	require := require.New(t)

	filePath := path.Join(t.TempDir(), "snapshot.data")
	store := NewSnapshotStore(filePath)

	snapshot := Snapshot{
		LastIncludedIndex: 1,
		LastIncludedTerm:  1,
		Data:              []byte("data"),
	}

	require.NoError(store.Save(&snapshot))

	corruptLastByte(t, filePath)

	_, err := store.Load()
	require.Error(err)
}
