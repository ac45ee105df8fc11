package raft

import (
	"os"
	"path"
	"testing"

	"github.com/stretchr/testify/require"
)

func setupTestLogStore(t *testing.T) (*LogStore, string) {
	filePath := path.Join(t.TempDir(), "log.data")

	store := NewLogStore(filePath)

	entries, err := store.Open()
	require.NoError(t, err)
	require.Empty(t, entries)

	t.Cleanup(store.Close)

	return store, filePath
}

func TestLogStoreAppendReopen(t *testing.T) {
	require := require.New(t)

	store, filePath := setupTestLogStore(t)

	require.NoError(store.Append(testEntry(1, 1), testEntry(2, 1)))
	require.NoError(store.Append(testEntry(3, 2)))

	store.Close()

	store = NewLogStore(filePath)
	entries, err := store.Open()
	require.NoError(err)
	defer store.Close()

	require.Len(entries, 3)
	require.Equal(LogIndex(1), entries[0].Index)
	require.Equal(LogIndex(3), entries[2].Index)
	require.Equal(Term(2), entries[2].Term)
}

func TestLogStoreTruncateSuffixFrom(t *testing.T) {
	require := require.New(t)

	store, filePath := setupTestLogStore(t)

	require.NoError(store.Append(testEntry(1, 1), testEntry(2, 1),
		testEntry(3, 1), testEntry(4, 1)))

	require.NoError(store.TruncateSuffixFrom(3))

	require.NoError(store.Append(testEntry(3, 2)))

	store.Close()

	store = NewLogStore(filePath)
	entries, err := store.Open()
	require.NoError(err)
	defer store.Close()

	require.Len(entries, 3)
	require.Equal(Term(2), entries[2].Term)
}

func TestLogStoreTornTail(t *testing.T) {
	require := require.New(t)

	store, filePath := setupTestLogStore(t)

	require.NoError(store.Append(testEntry(1, 1), testEntry(2, 1)))
	store.Close()

	// Cut the file mid-record to simulate a crash during an append
	info, err := os.Stat(filePath)
	require.NoError(err)
	require.NoError(os.Truncate(filePath, info.Size()-3))

	store = NewLogStore(filePath)
	entries, err := store.Open()
	require.NoError(err)
	defer store.Close()

	require.Len(entries, 1)
	require.Equal(LogIndex(1), entries[0].Index)

	// The store must accept appends after dropping the torn record
	require.NoError(store.Append(testEntry(2, 2)))
}

func TestLogStoreRewrite(t *testing.T) {
	require := require.New(t)

	store, filePath := setupTestLogStore(t)

	require.NoError(store.Append(testEntry(1, 1), testEntry(2, 1),
		testEntry(3, 1), testEntry(4, 1)))

	require.NoError(store.Rewrite([]LogEntry{testEntry(3, 1),
		testEntry(4, 1)}))

	require.NoError(store.Append(testEntry(5, 2)))

	store.Close()

	store = NewLogStore(filePath)
	entries, err := store.Open()
	require.NoError(err)
	defer store.Close()

	require.Len(entries, 3)
	require.Equal(LogIndex(3), entries[0].Index)
	require.Equal(LogIndex(5), entries[2].Index)
}
