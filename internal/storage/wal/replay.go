package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/xtxerr/statline/internal/storage/types"
)

// ReplayStats describes one Replay.
type ReplayStats struct {
	Segments int
	Records  int
	Events   int

	// Damaged lists segments that were unreadable or ended in a damaged
	// record. Records before the damage were replayed.
	Damaged []string
}

// Replay calls fn with every batch left by an earlier run, oldest first.
// The batches stay on disk until a Release past them.
func (l *Log) Replay(fn func(batch []types.Event)) (ReplayStats, error) {
	var st ReplayStats

	seqs, err := listSegments(l.dir)
	if err != nil {
		return st, err
	}

	for _, seq := range seqs {
		if seq >= l.first {
			break
		}
		path := l.path(seq)
		records, events, err := readSegment(path, fn)
		st.Segments++
		st.Records += records
		st.Events += events
		if err != nil {
			st.Damaged = append(st.Damaged, fmt.Sprintf("%s: %v", path, err))
		}
	}
	return st, nil
}

// readSegment calls fn for each record of the segment at path. It stops at
// the first damaged record, which is expected at the tail of a segment
// that was being written when the process died.
func readSegment(path string, fn func([]types.Event)) (records, events int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	r := bufio.NewReader(f)

	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, 0, fmt.Errorf("read segment header: %w", err)
	}
	if magic := binary.LittleEndian.Uint64(header[:]); magic != segmentMagic {
		return 0, 0, fmt.Errorf("bad segment magic %#x", magic)
	}

	var frame [recordHeaderSize]byte
	var payload []byte
	for {
		if _, err := io.ReadFull(r, frame[:]); err != nil {
			if err == io.EOF {
				return records, events, nil
			}
			return records, events, fmt.Errorf("record %d: torn header: %w", records, err)
		}

		n := binary.LittleEndian.Uint32(frame[0:4])
		sum := binary.LittleEndian.Uint32(frame[4:8])
		if n > maxRecordSize {
			return records, events, fmt.Errorf("record %d: length %d over limit", records, n)
		}

		if cap(payload) < int(n) {
			payload = make([]byte, n)
		}
		payload = payload[:n]
		if _, err := io.ReadFull(r, payload); err != nil {
			return records, events, fmt.Errorf("record %d: torn payload: %w", records, err)
		}
		if crc32.ChecksumIEEE(payload) != sum {
			return records, events, fmt.Errorf("record %d: checksum mismatch", records)
		}

		batch, err := decodeRecord(payload)
		if err != nil {
			return records, events, fmt.Errorf("record %d: %w", records, err)
		}
		fn(batch)
		records++
		events += len(batch)
	}
}
