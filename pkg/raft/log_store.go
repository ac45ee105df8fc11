package raft

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path"
)

// LogStore persists log entries in an append-only file. Each record is
// framed as a 4-byte big-endian length, a CRC-32 checksum of the
// payload, and the JSON-encoded entry. A torn record at the end of the
// file is discarded on open; a corrupt record anywhere else is fatal.
type LogStore struct {
	filePath string
	file     *os.File

	// Byte offset of each loaded record, parallel to the entry
	// sequence, so that suffix truncation can cut the file in place.
	offsets    []int64
	firstIndex LogIndex
}

var errTornRecord = errors.New("torn record")

func NewLogStore(filePath string) *LogStore {
	return &LogStore{
		filePath: filePath,
	}
}

// Open opens the log file, creating it if necessary, and returns all
// entries it contains in index order.
func (s *LogStore) Open() ([]LogEntry, error) {
	flags := os.O_RDWR | os.O_CREATE
	file, err := os.OpenFile(s.filePath, flags, 0600)
	if err != nil {
		return nil, fmt.Errorf("cannot open %q: %w", s.filePath, err)
	}

	s.file = file

	entries, validSize, err := s.readAll()
	if err != nil {
		if !errors.Is(err, errTornRecord) {
			file.Close()
			return nil, fmt.Errorf("cannot read %q: %w", s.filePath, err)
		}

		// A crash during an append can leave a partial record at the
		// end of the file. The entry was never acknowledged, so it is
		// safe to drop it.
		if err := file.Truncate(validSize); err != nil {
			file.Close()
			return nil, fmt.Errorf("cannot truncate %q: %w", s.filePath, err)
		}
	}

	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		file.Close()
		return nil, fmt.Errorf("cannot seek %q: %w", s.filePath, err)
	}

	if len(entries) > 0 {
		s.firstIndex = entries[0].Index
	}

	return entries, nil
}

func (s *LogStore) Close() {
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
}

func (s *LogStore) readAll() ([]LogEntry, int64, error) {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return nil, 0, err
	}

	var entries []LogEntry
	var offset int64

	s.offsets = nil

	reader := io.Reader(s.file)

	for {
		var header [8]byte

		n, err := io.ReadFull(reader, header[:])
		if err == io.EOF {
			return entries, offset, nil
		} else if err == io.ErrUnexpectedEOF {
			return entries, offset, errTornRecord
		} else if err != nil {
			return nil, 0, err
		}

		length := binary.BigEndian.Uint32(header[0:4])
		checksum := binary.BigEndian.Uint32(header[4:8])

		data := make([]byte, length)
		if _, err := io.ReadFull(reader, data); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return entries, offset, errTornRecord
			}

			return nil, 0, err
		}

		if crc32.ChecksumIEEE(data) != checksum {
			return nil, 0, fmt.Errorf("invalid checksum at offset %d",
				offset)
		}

		var entry LogEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			return nil, 0, fmt.Errorf("invalid entry at offset %d: %w",
				offset, err)
		}

		entries = append(entries, entry)
		s.offsets = append(s.offsets, offset)

		offset += int64(n) + int64(length)
	}
}

func encodeRecord(buf *bytes.Buffer, entry LogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cannot encode entry: %w", err)
	}

	var header [8]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(len(data)))
	binary.BigEndian.PutUint32(header[4:8], crc32.ChecksumIEEE(data))

	buf.Write(header[:])
	buf.Write(data)

	return nil
}

// Append durably appends entries. On return, the entries survive a
// process crash.
func (s *LogStore) Append(entries ...LogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	end, err := s.file.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("cannot seek %q: %w", s.filePath, err)
	}

	var buf bytes.Buffer

	offset := end
	for _, entry := range entries {
		start := offset

		if err := encodeRecord(&buf, entry); err != nil {
			return err
		}

		offset = end + int64(buf.Len())
		s.offsets = append(s.offsets, start)
	}

	if _, err := s.file.Write(buf.Bytes()); err != nil {
		s.offsets = s.offsets[:len(s.offsets)-len(entries)]
		return fmt.Errorf("cannot write %q: %w", s.filePath, err)
	}

	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("cannot sync %q: %w", s.filePath, err)
	}

	if s.firstIndex == 0 {
		s.firstIndex = entries[0].Index
	}

	return nil
}

// TruncateSuffixFrom durably removes all entries with an index greater
// than or equal to index.
func (s *LogStore) TruncateSuffixFrom(index LogIndex) error {
	if s.firstIndex == 0 || index < s.firstIndex {
		index = s.firstIndex
	}

	if s.firstIndex == 0 {
		return nil
	}

	pos := int(index - s.firstIndex)
	if pos >= len(s.offsets) {
		return nil
	}

	size := s.offsets[pos]

	if err := s.file.Truncate(size); err != nil {
		return fmt.Errorf("cannot truncate %q: %w", s.filePath, err)
	}

	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("cannot sync %q: %w", s.filePath, err)
	}

	if _, err := s.file.Seek(size, io.SeekStart); err != nil {
		return fmt.Errorf("cannot seek %q: %w", s.filePath, err)
	}

	s.offsets = s.offsets[:pos]

	if pos == 0 {
		s.firstIndex = 0
	}

	return nil
}

// Rewrite atomically replaces the whole file with the provided entries.
// It is used after snapshot compaction and snapshot installation, when
// the retained prefix changes. The data are written to a temporary file
// which is synced and renamed over the original.
func (s *LogStore) Rewrite(entries []LogEntry) error {
	tmpPath := s.filePath + ".tmp"

	tmpFile, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC,
		0600)
	if err != nil {
		return fmt.Errorf("cannot open %q: %w", tmpPath, err)
	}

	var buf bytes.Buffer
	var offsets []int64

	for _, entry := range entries {
		offsets = append(offsets, int64(buf.Len()))

		if err := encodeRecord(&buf, entry); err != nil {
			tmpFile.Close()
			os.Remove(tmpPath)
			return err
		}
	}

	if _, err := tmpFile.Write(buf.Bytes()); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("cannot write %q: %w", tmpPath, err)
	}

	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("cannot sync %q: %w", tmpPath, err)
	}

	tmpFile.Close()

	if err := os.Rename(tmpPath, s.filePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("cannot rename %q: %w", tmpPath, err)
	}

	if err := syncDirectory(path.Dir(s.filePath)); err != nil {
		return err
	}

	s.file.Close()

	file, err := os.OpenFile(s.filePath, os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("cannot open %q: %w", s.filePath, err)
	}

	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		file.Close()
		return fmt.Errorf("cannot seek %q: %w", s.filePath, err)
	}

	s.file = file
	s.offsets = offsets

	if len(entries) > 0 {
		s.firstIndex = entries[0].Index
	} else {
		s.firstIndex = 0
	}

	return nil
}

func syncDirectory(dirPath string) error {
	dir, err := os.Open(dirPath)
	if err != nil {
		return fmt.Errorf("cannot open %q: %w", dirPath, err)
	}
	defer dir.Close()

	if err := dir.Sync(); err != nil {
		return fmt.Errorf("cannot sync %q: %w", dirPath, err)
	}

	return nil
}
