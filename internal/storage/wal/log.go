// Package wal implements the recorder's write-ahead log. Each drained batch
// is appended as one record to the current segment before it is folded
// into buckets. A flush seals the segment and releases the sealed ones
// once their buckets are stored.
package wal

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/xtxerr/statline/internal/errors"
	"github.com/xtxerr/statline/internal/storage/types"
)

// DefaultMaxSegmentSize is used when Options leaves MaxSegmentSize unset.
const DefaultMaxSegmentSize = 16 << 20

const (
	segmentMagic = 0x53544C57414C0002 // "STLWAL" v2
	headerSize   = 8
	segmentExt   = ".wal"
)

// Options configures a Log.
type Options struct {
	// MaxSegmentSize starts a new segment before a record would grow the
	// current one past it. A single oversized record still gets written.
	MaxSegmentSize int64

	// Fsync syncs the segment after every record.
	Fsync bool
}

// Log is a write-ahead log of drained event batches.
type Log struct {
	mu   sync.Mutex
	dir  string
	opts Options

	file *os.File
	seq  int64
	size int64
	buf  []byte

	// first is the first segment this Log created. Older segments were
	// left by an earlier run.
	first int64

	stats Stats
}

// Stats holds log statistics.
type Stats struct {
	Segment          int64
	SegmentsCreated  int64
	SegmentsReleased int64
	Records          int64
	Events           int64
	Bytes            int64
	Syncs            int64
	Errors           int64
}

// Open opens the log in dir and starts a fresh segment after any segment
// an earlier run left behind.
func Open(dir string, opts Options) (*Log, error) {
	if opts.MaxSegmentSize <= 0 {
		opts.MaxSegmentSize = DefaultMaxSegmentSize
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create WAL directory: %w", err)
	}

	seqs, err := listSegments(dir)
	if err != nil {
		return nil, err
	}
	var next int64
	if len(seqs) > 0 {
		next = seqs[len(seqs)-1] + 1
	}

	l := &Log{dir: dir, opts: opts, first: next}
	if err := l.create(next); err != nil {
		return nil, err
	}
	return l, nil
}

// Append writes events as one record. Nothing is written for an empty
// batch.
func (l *Log) Append(events []types.Event) error {
	if len(events) == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return errors.ErrLogClosed
	}

	rec, err := appendRecord(l.buf[:0], events)
	if err != nil {
		l.stats.Errors++
		return err
	}
	l.buf = rec

	if l.size > headerSize && l.size+int64(len(rec)) > l.opts.MaxSegmentSize {
		if err := l.rotate(); err != nil {
			l.stats.Errors++
			return err
		}
	}

	n, err := l.file.Write(rec)
	l.size += int64(n)
	if err != nil {
		l.stats.Errors++
		// A torn record ends its segment; later records go to a new one.
		if rerr := l.rotate(); rerr != nil {
			return fmt.Errorf("write record: %w (rotate: %v)", err, rerr)
		}
		return fmt.Errorf("write record: %w", err)
	}

	if l.opts.Fsync {
		if err := l.file.Sync(); err != nil {
			l.stats.Errors++
			return fmt.Errorf("sync segment: %w", err)
		}
		l.stats.Syncs++
	}

	l.stats.Records++
	l.stats.Events += int64(len(events))
	l.stats.Bytes += int64(n)
	return nil
}

// Seal closes the current segment unless it is still empty and returns the
// mark to pass to Release: every record appended before Seal lives in a
// segment below it.
func (l *Log) Seal() (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return 0, errors.ErrLogClosed
	}
	if l.size > headerSize {
		if err := l.rotate(); err != nil {
			l.stats.Errors++
			return 0, err
		}
	}
	return l.seq, nil
}

// Release deletes every segment below mark and returns how many it
// deleted. The current segment is never deleted.
func (l *Log) Release(mark int64) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seqs, err := listSegments(l.dir)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, seq := range seqs {
		if seq >= mark || seq == l.seq {
			continue
		}
		if err := os.Remove(l.path(seq)); err != nil && !os.IsNotExist(err) {
			l.stats.Errors++
			return n, fmt.Errorf("delete segment %d: %w", seq, err)
		}
		n++
	}
	l.stats.SegmentsReleased += int64(n)
	return n, nil
}

// Segments returns the paths of all segments in order.
func (l *Log) Segments() ([]string, error) {
	seqs, err := listSegments(l.dir)
	if err != nil {
		return nil, err
	}
	paths := make([]string, len(seqs))
	for i, seq := range seqs {
		paths[i] = l.path(seq)
	}
	return paths, nil
}

// Close closes the current segment. The segment stays on disk.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Stats returns log statistics.
func (l *Log) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.stats
	st.Segment = l.seq
	return st
}

// rotate closes the current segment and creates the next. Caller holds l.mu.
func (l *Log) rotate() error {
	cerr := l.file.Close()
	l.file = nil
	if err := l.create(l.seq + 1); err != nil {
		return err
	}
	if cerr != nil {
		return fmt.Errorf("close segment %d: %w", l.seq-1, cerr)
	}
	return nil
}

// create starts segment seq with its header.
func (l *Log) create(seq int64) error {
	f, err := os.OpenFile(l.path(seq), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create segment %d: %w", seq, err)
	}

	var header [headerSize]byte
	binary.LittleEndian.PutUint64(header[:], segmentMagic)
	if _, err := f.Write(header[:]); err != nil {
		f.Close()
		os.Remove(f.Name())
		return fmt.Errorf("write segment header: %w", err)
	}

	l.file = f
	l.seq = seq
	l.size = headerSize
	l.stats.SegmentsCreated++
	return nil
}

func (l *Log) path(seq int64) string {
	return filepath.Join(l.dir, fmt.Sprintf("%016d%s", seq, segmentExt))
}

// listSegments returns the sequence numbers of the segments in dir in
// ascending order. Other files are ignored.
func listSegments(dir string) ([]int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list WAL directory: %w", err)
	}

	var seqs []int64
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, segmentExt) {
			continue
		}
		seq, err := strconv.ParseInt(strings.TrimSuffix(name, segmentExt), 10, 64)
		if err != nil {
			continue
		}
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs, nil
}
