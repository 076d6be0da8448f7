package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/xtxerr/statline/internal/errors"
	"github.com/xtxerr/statline/internal/storage/types"
)

func batch(name string, from, n int) []types.Event {
	events := make([]types.Event, n)
	for i := range events {
		events[i] = types.Event{
			Kind:  types.EventAdd,
			Name:  name,
			Time:  float64(from + i),
			Value: 1,
		}
	}
	return events
}

func openLog(t *testing.T, dir string, opts Options) *Log {
	t.Helper()
	l, err := Open(dir, opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

// reopen closes l and replays its directory from a new Log.
func reopen(t *testing.T, l *Log) ([][]types.Event, ReplayStats) {
	t.Helper()
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	next := openLog(t, l.dir, l.opts)
	var batches [][]types.Event
	st, err := next.Replay(func(b []types.Event) {
		batches = append(batches, b)
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	return batches, st
}

func TestRecord_Batch(t *testing.T) {
	events := []types.Event{
		{Kind: types.EventAdd, Name: "lib.requests", Time: 960, Value: 1},
		{Kind: types.EventDatapoint, Name: "lib.temp", Time: 961, Value: 19.5},
		{Kind: types.EventAverage, Name: "lib.requests", Time: 962, Value: 3, Size: 300},
		{Kind: types.EventSet, Name: "", Time: 963, Value: -2},
	}

	rec, err := appendRecord(nil, events)
	if err != nil {
		t.Fatalf("appendRecord: %v", err)
	}

	got, err := decodeRecord(rec[recordHeaderSize:])
	if err != nil {
		t.Fatalf("decodeRecord: %v", err)
	}
	if len(got) != len(events) {
		t.Fatalf("expected %d events, got %d", len(events), len(got))
	}
	for i := range events {
		if got[i] != events[i] {
			t.Errorf("event %d: expected %+v, got %+v", i, events[i], got[i])
		}
	}
}

func TestRecord_NamesStoredOnce(t *testing.T) {
	one, err := appendRecord(nil, batch("lib.requests.sent.total", 0, 1))
	if err != nil {
		t.Fatal(err)
	}
	many, err := appendRecord(nil, batch("lib.requests.sent.total", 0, 100))
	if err != nil {
		t.Fatal(err)
	}

	// Each further event costs its kind, index, time and value only.
	perEvent := (len(many) - len(one)) / 99
	if perEvent > 1+1+8+8 {
		t.Errorf("expected at most 18 bytes per repeated event, got %d", perEvent)
	}
}

func TestRecord_Truncated(t *testing.T) {
	rec, err := appendRecord(nil, batch("lib.requests", 0, 3))
	if err != nil {
		t.Fatal(err)
	}
	payload := rec[recordHeaderSize:]

	for _, n := range []int{0, 1, 5, len(payload) - 1} {
		if _, err := decodeRecord(payload[:n]); err == nil {
			t.Errorf("expected error decoding %d of %d bytes", n, len(payload))
		}
	}
	if _, err := decodeRecord(append(payload[:len(payload):len(payload)], 0)); err == nil {
		t.Error("expected error for trailing bytes")
	}
}

func TestLog_OneRecordPerBatch(t *testing.T) {
	l := openLog(t, t.TempDir(), Options{})

	for i := 0; i < 3; i++ {
		if err := l.Append(batch("lib.requests", i*10, 10)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := l.Append(nil); err != nil {
		t.Fatalf("Append empty: %v", err)
	}

	st := l.Stats()
	if st.Records != 3 || st.Events != 30 {
		t.Errorf("expected 3 records of 30 events, got %+v", st)
	}

	batches, rst := reopen(t, l)
	if len(batches) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(batches))
	}
	for i, b := range batches {
		if len(b) != 10 || b[0].Time != float64(i*10) {
			t.Errorf("batch %d out of order: %+v", i, b[0])
		}
	}
	if rst.Segments != 1 || rst.Records != 3 || rst.Events != 30 || len(rst.Damaged) != 0 {
		t.Errorf("unexpected replay stats %+v", rst)
	}
}

func TestLog_SealRelease(t *testing.T) {
	l := openLog(t, t.TempDir(), Options{})

	if err := l.Append(batch("lib.requests", 0, 2)); err != nil {
		t.Fatal(err)
	}
	mark, err := l.Seal()
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if mark != 1 {
		t.Errorf("expected mark 1, got %d", mark)
	}

	if err := l.Append(batch("lib.requests", 100, 1)); err != nil {
		t.Fatal(err)
	}

	n, err := l.Release(mark)
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 released segment, got %d", n)
	}

	batches, _ := reopen(t, l)
	if len(batches) != 1 || batches[0][0].Time != 100 {
		t.Errorf("expected only the batch appended after the seal, got %+v", batches)
	}
}

func TestLog_SealEmptySegment(t *testing.T) {
	l := openLog(t, t.TempDir(), Options{})

	first, err := l.Seal()
	if err != nil {
		t.Fatal(err)
	}
	second, err := l.Seal()
	if err != nil {
		t.Fatal(err)
	}
	if first != 0 || second != 0 {
		t.Errorf("sealing an empty segment should keep it, got marks %d and %d", first, second)
	}

	segments, err := l.Segments()
	if err != nil {
		t.Fatal(err)
	}
	if len(segments) != 1 {
		t.Errorf("expected one segment, got %v", segments)
	}
}

func TestLog_ReleaseKeepsCurrentSegment(t *testing.T) {
	l := openLog(t, t.TempDir(), Options{})

	if err := l.Append(batch("lib.requests", 0, 1)); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Release(1 << 40); err != nil {
		t.Fatal(err)
	}
	if err := l.Append(batch("lib.requests", 1, 1)); err != nil {
		t.Fatalf("Append after Release: %v", err)
	}

	batches, _ := reopen(t, l)
	if len(batches) != 2 {
		t.Errorf("expected both batches in the current segment, got %d", len(batches))
	}
}

func TestLog_Rotation(t *testing.T) {
	l := openLog(t, t.TempDir(), Options{MaxSegmentSize: 256})

	for i := 0; i < 20; i++ {
		if err := l.Append(batch("lib.requests", i*4, 4)); err != nil {
			t.Fatal(err)
		}
	}

	segments, err := l.Segments()
	if err != nil {
		t.Fatal(err)
	}
	if len(segments) < 3 {
		t.Errorf("expected several segments, got %d", len(segments))
	}

	batches, _ := reopen(t, l)
	if len(batches) != 20 {
		t.Fatalf("expected 20 batches across segments, got %d", len(batches))
	}
	for i, b := range batches {
		if b[0].Time != float64(i*4) {
			t.Errorf("batch %d out of order: %+v", i, b[0])
		}
	}
}

func TestLog_OversizedRecord(t *testing.T) {
	l := openLog(t, t.TempDir(), Options{MaxSegmentSize: 64})

	if err := l.Append(batch("lib.requests", 0, 50)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	batches, _ := reopen(t, l)
	if len(batches) != 1 || len(batches[0]) != 50 {
		t.Errorf("expected the oversized batch intact, got %d batches", len(batches))
	}
}

func TestLog_TornTail(t *testing.T) {
	dir := t.TempDir()
	l := openLog(t, dir, Options{})

	for i := 0; i < 3; i++ {
		if err := l.Append(batch("lib.requests", i, 1)); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	path := l.path(0)
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Truncate(path, info.Size()-3); err != nil {
		t.Fatal(err)
	}

	batches, st := reopen(t, l)
	if len(batches) != 2 {
		t.Errorf("expected the 2 intact batches, got %d", len(batches))
	}
	if len(st.Damaged) != 1 {
		t.Errorf("expected 1 damaged segment, got %v", st.Damaged)
	}
}

func TestLog_ChecksumMismatch(t *testing.T) {
	dir := t.TempDir()
	l := openLog(t, dir, Options{})

	if err := l.Append(batch("lib.requests", 0, 1)); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	path := l.path(0)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	data[len(data)-1] ^= 0xff
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	batches, st := reopen(t, l)
	if len(batches) != 0 || len(st.Damaged) != 1 {
		t.Errorf("expected the corrupt record skipped, got %d batches, damaged %v", len(batches), st.Damaged)
	}
}

func TestLog_BadMagic(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "0000000000000000.wal"), []byte("not a wal segment"), 0o644); err != nil {
		t.Fatal(err)
	}

	l := openLog(t, dir, Options{})
	if got := l.Stats().Segment; got != 1 {
		t.Errorf("expected the log to continue after the foreign segment, got %d", got)
	}

	st, err := l.Replay(func([]types.Event) { t.Error("nothing should replay") })
	if err != nil {
		t.Fatal(err)
	}
	if len(st.Damaged) != 1 {
		t.Errorf("expected the foreign segment reported, got %v", st.Damaged)
	}
}

func TestLog_ReplaySkipsCurrentRun(t *testing.T) {
	l := openLog(t, t.TempDir(), Options{})

	if err := l.Append(batch("lib.requests", 0, 1)); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Seal(); err != nil {
		t.Fatal(err)
	}

	st, err := l.Replay(func([]types.Event) { t.Error("segments of this run must not replay") })
	if err != nil {
		t.Fatal(err)
	}
	if st.Segments != 0 {
		t.Errorf("expected no replayed segments, got %+v", st)
	}
}

func TestLog_Fsync(t *testing.T) {
	l := openLog(t, t.TempDir(), Options{Fsync: true})

	for i := 0; i < 2; i++ {
		if err := l.Append(batch("lib.requests", i, 1)); err != nil {
			t.Fatal(err)
		}
	}
	if got := l.Stats().Syncs; got != 2 {
		t.Errorf("expected one sync per record, got %d", got)
	}
}

func TestLog_AppendAfterClose(t *testing.T) {
	l := openLog(t, t.TempDir(), Options{})
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	if err := l.Append(batch("lib.requests", 0, 1)); !errors.Is(err, errors.ErrLogClosed) {
		t.Errorf("expected ErrLogClosed, got %v", err)
	}
	if _, err := l.Seal(); !errors.Is(err, errors.ErrLogClosed) {
		t.Errorf("expected ErrLogClosed from Seal, got %v", err)
	}
}

func BenchmarkLog_Append(b *testing.B) {
	l, err := Open(b.TempDir(), Options{})
	if err != nil {
		b.Fatal(err)
	}
	defer l.Close()

	events := batch("lib.requests", 0, 256)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := l.Append(events); err != nil {
			b.Fatal(err)
		}
	}
}
