package ingestion

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/xtxerr/statline/internal/errors"
	"github.com/xtxerr/statline/internal/storage/config"
	"github.com/xtxerr/statline/internal/storage/retention"
	"github.com/xtxerr/statline/internal/storage/types"
	"github.com/xtxerr/statline/internal/store"
)

// now is the fixed clock used by the tests: minute bucket 960 is open.
var now = time.Unix(1000, 0)

func openStore(t *testing.T) *store.Store {
	t.Helper()

	cfg := store.DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "statistics.duckdb")

	st, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func testRules(t *testing.T) *retention.Rules {
	t.Helper()

	rules, err := retention.NewRules(
		retention.Rule{Pattern: "#", LifetimeDays: 30, SizeSec: 60},
		retention.Rule{Pattern: "lib.slow.#", LifetimeDays: 365, SizeSec: 3600},
	)
	if err != nil {
		t.Fatalf("NewRules: %v", err)
	}
	return rules
}

// newService returns a recorder on st that is marked running without its
// workers, so tests decide when events are drained.
func newService(t *testing.T, st Store, mutate func(*config.Config)) *Service {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	if mutate != nil {
		mutate(cfg)
	}

	svc, err := New(cfg, st, testRules(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	svc.now = func() time.Time { return now }
	svc.running.Store(true)
	return svc
}

func rowsOf(t *testing.T, st *store.Store, name string) []types.Row {
	t.Helper()

	rows, err := st.Range(context.Background(), []string{name}, 0, 1e10)
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	return rows
}

func mustRecord(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("record: %v", err)
	}
}

func TestService_New(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()

	svc, err := New(cfg, openStore(t), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if svc.IsRunning() {
		t.Error("service should not be running before Start()")
	}

	if _, err := New(cfg, nil, nil); !errors.IsValidation(err) {
		t.Errorf("expected validation error without a store, got %v", err)
	}

	bad := config.DefaultConfig()
	bad.Ingestion.BufferSize = 0
	if _, err := New(bad, openStore(t), nil); err == nil {
		t.Error("expected error for zero buffer size")
	}
}

func TestService_StartStop(t *testing.T) {
	st := openStore(t)

	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Ingestion.DrainInterval = 10 * time.Millisecond
	cfg.Ingestion.FlushInterval = 10 * time.Millisecond

	svc, err := New(cfg, st, testRules(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := svc.Increment("lib.requests", 1); !errors.Is(err, errors.ErrNotRunning) {
		t.Errorf("expected ErrNotRunning before Start, got %v", err)
	}

	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if !svc.IsRunning() {
		t.Error("service should be running after Start()")
	}

	// Double start should fail
	if err := svc.Start(); err == nil {
		t.Error("expected error on double start")
	}

	mustRecord(t, svc.Increment("lib.requests", 2))
	mustRecord(t, svc.Increment("lib.requests", 3))

	// Stop
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if svc.IsRunning() {
		t.Error("service should not be running after Stop()")
	}

	rows := rowsOf(t, st, "lib.requests")
	var total float64
	for _, r := range rows {
		total += r.Value
	}
	if total != 5 {
		t.Errorf("expected 5 requests persisted after Stop, got %v in %+v", total, rows)
	}

	if svc.Stats().OpenBuckets != 0 {
		t.Errorf("Stop should evict every bucket, %d left", svc.Stats().OpenBuckets)
	}
}

func TestService_Counters(t *testing.T) {
	st := openStore(t)
	svc := newService(t, st, nil)
	ctx := context.Background()

	mustRecord(t, svc.Increment("lib.requests", 1))
	mustRecord(t, svc.Increment("lib.requests", 4))
	mustRecord(t, svc.Decrement("lib.requests", 2))

	if err := svc.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	rows := rowsOf(t, st, "lib.requests")
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d: %+v", len(rows), rows)
	}
	r := rows[0]
	if r.Type != types.BucketCounter || r.Time != 960 || r.Size != 60 || r.Value != 3 {
		t.Errorf("unexpected row %+v", r)
	}
	if r.Lifetime != 30 {
		t.Errorf("expected lifetime from rule, got %d", r.Lifetime)
	}

	// The open bucket keeps accumulating and is rewritten in place.
	mustRecord(t, svc.Increment("lib.requests", 1))
	if err := svc.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	rows = rowsOf(t, st, "lib.requests")
	if len(rows) != 1 || rows[0].Value != 4 {
		t.Errorf("expected rewritten row with value 4, got %+v", rows)
	}

	// Count replaces the bucket value.
	mustRecord(t, svc.Count("lib.requests", 42))
	if err := svc.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if rows = rowsOf(t, st, "lib.requests"); rows[0].Value != 42 {
		t.Errorf("expected count to set 42, got %v", rows[0].Value)
	}
}

func TestService_BucketSizeFromRules(t *testing.T) {
	st := openStore(t)
	svc := newService(t, st, nil)

	mustRecord(t, svc.Increment("lib.slow.jobs", 1))
	mustRecord(t, svc.Record(types.Event{Kind: types.EventAdd, Name: "lib.fast", Value: 1, Size: 10}))

	if err := svc.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}

	slow := rowsOf(t, st, "lib.slow.jobs")
	if len(slow) != 1 || slow[0].Time != 0 || slow[0].Size != 3600 || slow[0].Lifetime != 365 {
		t.Errorf("unexpected hourly row %+v", slow)
	}

	fast := rowsOf(t, st, "lib.fast")
	if len(fast) != 1 || fast[0].Time != 1000 || fast[0].Size != 10 {
		t.Errorf("size override not applied: %+v", fast)
	}
}

func TestService_Average(t *testing.T) {
	st := openStore(t)
	svc := newService(t, st, nil)

	for _, v := range []float64{10, 20, 60} {
		mustRecord(t, svc.Average("lib.latency", v))
	}

	if err := svc.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}

	rows := rowsOf(t, st, "lib.latency")
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %+v", rows)
	}
	if rows[0].Type != types.BucketAverage || rows[0].Value != 30 {
		t.Errorf("expected average 30, got %+v", rows[0])
	}
}

func TestService_DatapointDuplicates(t *testing.T) {
	tests := []struct {
		name string
		keep bool
		want []float64
	}{
		{"skip duplicates", false, []float64{5, 6}},
		{"keep duplicates", true, []float64{5, 5, 6}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := openStore(t)
			svc := newService(t, st, func(cfg *config.Config) {
				cfg.Ingestion.KeepDuplicates = tt.keep
			})

			for i, v := range []float64{5, 5, 6} {
				ev := types.Event{Kind: types.EventDatapoint, Name: "lib.temp", Value: v, Time: float64(100 + i)}
				mustRecord(t, svc.Record(ev))
			}
			if err := svc.Flush(context.Background()); err != nil {
				t.Fatal(err)
			}

			rows := rowsOf(t, st, "lib.temp")
			if len(rows) != len(tt.want) {
				t.Fatalf("expected %d rows, got %+v", len(tt.want), rows)
			}
			for i, r := range rows {
				if !r.IsPoint() || r.Size != 1 || r.Value != tt.want[i] {
					t.Errorf("row %d: unexpected %+v", i, r)
				}
			}
		})
	}
}

func TestService_DatapointLastValueLoaded(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()

	err := st.Insert(ctx, []types.Row{
		{Name: "lib.temp", Type: types.BucketDatapoint, Time: 50, Size: 1, Value: 21},
	})
	if err != nil {
		t.Fatal(err)
	}

	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	svc, err := New(cfg, st, testRules(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Start(); err != nil {
		t.Fatal(err)
	}

	mustRecord(t, svc.Datapoint("lib.temp", 21))
	mustRecord(t, svc.Datapoint("lib.temp", 22))

	if err := svc.Stop(); err != nil {
		t.Fatal(err)
	}

	rows := rowsOf(t, st, "lib.temp")
	if len(rows) != 2 || rows[1].Value != 22 {
		t.Errorf("expected stored 21 plus new 22, got %+v", rows)
	}
	if got := svc.Stats().DuplicatesSkipped; got != 1 {
		t.Errorf("expected 1 duplicate skipped, got %d", got)
	}
}

func TestService_CounterRestoredFromStore(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()

	err := st.Insert(ctx, []types.Row{
		{Name: "lib.requests", Type: types.BucketCounter, Time: 960, Size: 60, Value: 10, Lifetime: 30},
		{Name: "lib.resets", Type: types.BucketCounter, Time: 960, Size: 60, Value: 10, Lifetime: 30},
	})
	if err != nil {
		t.Fatal(err)
	}

	svc := newService(t, st, nil)
	mustRecord(t, svc.Increment("lib.requests", 1))
	mustRecord(t, svc.Count("lib.resets", 3))

	if err := svc.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	if rows := rowsOf(t, st, "lib.requests"); len(rows) != 1 || rows[0].Value != 11 {
		t.Errorf("expected stored counter continued to 11, got %+v", rows)
	}
	if rows := rowsOf(t, st, "lib.resets"); len(rows) != 1 || rows[0].Value != 3 {
		t.Errorf("expected count to override stored value, got %+v", rows)
	}

	// A second flush must not merge the stored value again.
	mustRecord(t, svc.Increment("lib.requests", 1))
	if err := svc.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if rows := rowsOf(t, st, "lib.requests"); rows[0].Value != 12 {
		t.Errorf("expected 12 after second flush, got %v", rows[0].Value)
	}
}

func TestService_EvictsFinishedBuckets(t *testing.T) {
	st := openStore(t)
	svc := newService(t, st, nil)

	mustRecord(t, svc.Record(types.Event{Kind: types.EventAdd, Name: "lib.requests", Value: 1, Time: 900}))
	mustRecord(t, svc.Increment("lib.requests", 1))

	if err := svc.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}

	if got := svc.Stats().OpenBuckets; got != 1 {
		t.Errorf("expected only the current bucket open, got %d", got)
	}
	if rows := rowsOf(t, st, "lib.requests"); len(rows) != 2 {
		t.Errorf("expected both buckets written, got %+v", rows)
	}
}

func TestService_Backpressure(t *testing.T) {
	st := openStore(t)
	svc := newService(t, st, func(cfg *config.Config) {
		cfg.Ingestion.BufferSize = 10
	})

	for i := 0; i < 10; i++ {
		mustRecord(t, svc.Increment("lib.requests", 1))
	}

	err := svc.Increment("lib.requests", 1)
	if !errors.Is(err, errors.ErrEventsDropped) {
		t.Fatalf("expected ErrEventsDropped at full buffer, got %v", err)
	}

	stats := svc.Stats()
	if stats.EventsDropped != 1 || stats.Backpressure.EventsDropped != 1 {
		t.Errorf("unexpected drop counters: %+v", stats)
	}
	if stats.Backpressure.CurrentLevel.String() != "emergency" {
		t.Errorf("expected emergency level, got %s", stats.Backpressure.CurrentLevel)
	}

	// Folding the buffer relieves the pressure.
	svc.drain()
	mustRecord(t, svc.Increment("lib.requests", 1))

	if err := svc.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if rows := rowsOf(t, st, "lib.requests"); len(rows) != 1 || rows[0].Value != 11 {
		t.Errorf("expected 11 requests, got %+v", rows)
	}
}

func TestService_RecordValidation(t *testing.T) {
	svc := newService(t, openStore(t), nil)

	tests := []struct {
		name string
		ev   types.Event
	}{
		{"empty name", types.Event{Name: "", Value: 1}},
		{"wildcard name", types.Event{Name: "lib.#", Value: 1}},
		{"nan value", types.Event{Name: "lib.x", Value: nan()}},
		{"infinite time", types.Event{Name: "lib.x", Value: 1, Time: math.Inf(1)}},
		{"nan time", types.Event{Name: "lib.x", Value: 1, Time: nan()}},
		{"infinite size", types.Event{Name: "lib.x", Value: 1, Size: math.Inf(1)}},
		{"negative size", types.Event{Name: "lib.x", Value: 1, Size: -60}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := svc.Record(tt.ev); !errors.IsValidation(err) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}

	if svc.Stats().EventsRecorded != 0 {
		t.Error("invalid events must not be buffered")
	}

	if err := svc.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if got := svc.Stats().OpenBuckets; got != 0 {
		t.Errorf("expected no open buckets, got %d", got)
	}
}

func nan() float64 {
	zero := 0.0
	return zero / zero
}

func TestService_ReplaysWAL(t *testing.T) {
	st := openStore(t)
	dataDir := t.TempDir()
	sameDir := func(cfg *config.Config) { cfg.DataDir = dataDir }

	crashed := newService(t, st, sameDir)
	for i := 0; i < 3; i++ {
		mustRecord(t, crashed.Increment("lib.requests", 1))
	}
	mustRecord(t, crashed.Datapoint("lib.temp", 19))
	crashed.drainLocked()

	// Crash: the drained batch reaches the log, the store sees nothing.
	if err := crashed.wal.Close(); err != nil {
		t.Fatal(err)
	}
	if rows := rowsOf(t, st, "lib.requests"); len(rows) != 0 {
		t.Fatalf("nothing should be stored before a flush, got %+v", rows)
	}

	cfg := config.DefaultConfig()
	sameDir(cfg)
	svc, err := New(cfg, st, testRules(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	svc.now = func() time.Time { return now }

	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if got := svc.Stats().EventsReplayed; got != 4 {
		t.Errorf("expected 4 replayed events, got %d", got)
	}

	rows := rowsOf(t, st, "lib.requests")
	if len(rows) != 1 || rows[0].Time != 960 || rows[0].Value != 3 {
		t.Errorf("expected replayed counter 3 at 960, got %+v", rows)
	}
	if rows := rowsOf(t, st, "lib.temp"); len(rows) != 1 || rows[0].Value != 19 {
		t.Errorf("expected replayed datapoint, got %+v", rows)
	}

	// Replayed segments are gone once their events are stored.
	segments, err := svc.wal.Segments()
	if err != nil {
		t.Fatal(err)
	}
	if len(segments) != 1 {
		t.Errorf("expected only the current segment left, got %v", segments)
	}
}

func TestService_DrainLogsOneBatch(t *testing.T) {
	st := openStore(t)
	svc := newService(t, st, nil)

	for i := 0; i < 5; i++ {
		mustRecord(t, svc.Increment("lib.requests", 1))
	}
	mustRecord(t, svc.Average("lib.latency", 20))

	if got := svc.Stats().WAL.Records; got != 0 {
		t.Errorf("buffered events must not be logged before a drain, got %d records", got)
	}

	svc.drainLocked()

	w := svc.Stats().WAL
	if w.Records != 1 || w.Events != 6 {
		t.Errorf("expected one record of 6 events, got %d records of %d events", w.Records, w.Events)
	}

	// An empty drain logs nothing.
	svc.drainLocked()
	if got := svc.Stats().WAL.Records; got != 1 {
		t.Errorf("expected no record for an empty drain, got %d", got)
	}

	if err := svc.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	segments, err := svc.wal.Segments()
	if err != nil {
		t.Fatal(err)
	}
	if len(segments) != 1 {
		t.Errorf("expected the logged segment released after the flush, got %v", segments)
	}
	if rows := rowsOf(t, st, "lib.requests"); len(rows) != 1 || rows[0].Value != 5 {
		t.Errorf("expected counter 5, got %+v", rows)
	}
}

func TestService_WALDisabled(t *testing.T) {
	st := openStore(t)
	svc := newService(t, st, func(cfg *config.Config) {
		cfg.Ingestion.WAL.Enabled = false
	})

	mustRecord(t, svc.Increment("lib.requests", 1))
	if err := svc.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}

	if svc.wal != nil {
		t.Error("no WAL should be opened when disabled")
	}
	if rows := rowsOf(t, st, "lib.requests"); len(rows) != 1 {
		t.Errorf("expected 1 row, got %+v", rows)
	}
}
