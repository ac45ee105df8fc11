package raft

import "fmt"

// Log is the in-memory working copy of the replicated log. Entries below
// the snapshot boundary have been discarded; operations referencing them
// return ErrCompacted. Index snapshotLastIndex+1 maps to entries[0].
type Log struct {
	snapshotLastIndex LogIndex
	snapshotLastTerm  Term

	entries []LogEntry
}

func NewLog(snapshotLastIndex LogIndex, snapshotLastTerm Term, entries []LogEntry) *Log {
	return &Log{
		snapshotLastIndex: snapshotLastIndex,
		snapshotLastTerm:  snapshotLastTerm,

		entries: entries,
	}
}

func (l *Log) SnapshotLastIndex() LogIndex {
	return l.snapshotLastIndex
}

func (l *Log) SnapshotLastTerm() Term {
	return l.snapshotLastTerm
}

// Len returns the number of entries retained above the snapshot boundary.
func (l *Log) Len() int {
	return len(l.entries)
}

func (l *Log) LastIndex() LogIndex {
	return l.snapshotLastIndex + LogIndex(len(l.entries))
}

func (l *Log) LastTerm() Term {
	if len(l.entries) == 0 {
		return l.snapshotLastTerm
	}

	return l.entries[len(l.entries)-1].Term
}

func (l *Log) Append(entries ...LogEntry) {
	for _, entry := range entries {
		if entry.Index != l.LastIndex()+1 {
			Panicf("appending entry %d after entry %d",
				entry.Index, l.LastIndex())
		}

		l.entries = append(l.entries, entry)
	}
}

// EntryAt returns the entry at index. It returns ErrCompacted for
// indices at or below the snapshot boundary.
func (l *Log) EntryAt(index LogIndex) (LogEntry, error) {
	if index <= l.snapshotLastIndex {
		return LogEntry{}, ErrCompacted
	}

	if index > l.LastIndex() {
		return LogEntry{}, fmt.Errorf("no entry at index %d", index)
	}

	return l.entries[index-l.snapshotLastIndex-1], nil
}

// TermAt returns the term of the entry at index. Index zero is the
// origin of an empty log and has term zero; the snapshot boundary
// resolves to the snapshot's last term.
func (l *Log) TermAt(index LogIndex) (Term, error) {
	if index == l.snapshotLastIndex {
		return l.snapshotLastTerm, nil
	}

	entry, err := l.EntryAt(index)
	if err != nil {
		return 0, err
	}

	return entry.Term, nil
}

// SliceFrom returns a copy of all entries with an index greater than or
// equal to index.
func (l *Log) SliceFrom(index LogIndex) ([]LogEntry, error) {
	if index <= l.snapshotLastIndex {
		return nil, ErrCompacted
	}

	if index > l.LastIndex() {
		return nil, nil
	}

	entries := l.entries[index-l.snapshotLastIndex-1:]

	entries2 := make([]LogEntry, len(entries))
	copy(entries2, entries)

	return entries2, nil
}

// FirstIndexOfTerm returns the lowest retained index whose entry has
// term term, or zero if the log contains no such entry. It is used to
// compute the conflict hint returned in AppendEntries rejections.
func (l *Log) FirstIndexOfTerm(term Term) LogIndex {
	for _, entry := range l.entries {
		if entry.Term == term {
			return entry.Index
		}

		if entry.Term > term {
			break
		}
	}

	return 0
}

// LastIndexOfTerm returns the highest retained index whose entry has
// term term, or zero if the log contains no such entry.
func (l *Log) LastIndexOfTerm(term Term) LogIndex {
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].Term == term {
			return l.entries[i].Index
		}

		if l.entries[i].Term < term {
			break
		}
	}

	return 0
}

// TruncateSuffixFrom removes all entries with an index greater than or
// equal to index.
func (l *Log) TruncateSuffixFrom(index LogIndex) error {
	if index <= l.snapshotLastIndex {
		return ErrCompacted
	}

	if index > l.LastIndex() {
		return nil
	}

	l.entries = l.entries[:index-l.snapshotLastIndex-1]
	return nil
}

// CompactTo discards all entries with an index lower than or equal to
// index, which becomes the new snapshot boundary.
func (l *Log) CompactTo(index LogIndex, term Term) {
	if index <= l.snapshotLastIndex {
		return
	}

	if index >= l.LastIndex() {
		l.entries = nil
	} else {
		retained := l.entries[index-l.snapshotLastIndex-1+1:]

		entries := make([]LogEntry, len(retained))
		copy(entries, retained)

		l.entries = entries
	}

	l.snapshotLastIndex = index
	l.snapshotLastTerm = term
}

// Reset discards the entire log, leaving only the snapshot boundary. It
// is used when installing a snapshot which supersedes all local entries.
func (l *Log) Reset(snapshotLastIndex LogIndex, snapshotLastTerm Term) {
	l.snapshotLastIndex = snapshotLastIndex
	l.snapshotLastTerm = snapshotLastTerm
	l.entries = nil
}

// Entries returns the retained entries. The returned slice must not be
// modified.
func (l *Log) Entries() []LogEntry {
	return l.entries
}
