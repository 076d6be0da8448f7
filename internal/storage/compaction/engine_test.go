package compaction

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/xtxerr/statline/internal/storage/config"
	"github.com/xtxerr/statline/internal/storage/span"
	"github.com/xtxerr/statline/internal/storage/types"
	"github.com/xtxerr/statline/internal/store"
	testutil "github.com/xtxerr/statline/internal/testing"
)

// Ten days after the epoch. With the test tiers, rows before 691200 (two
// days back, hour aligned) go to hourly buckets and rows before 777600 (one
// day back) to 5 minute buckets.
var now = time.Unix(864000, 0)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Compaction.Workers = 2
	cfg.Compaction.Interval = time.Hour
	cfg.Compaction.Tiers = []config.CompactionTier{
		{AfterDays: 1, SizeSec: 300},
		{AfterDays: 2, SizeSec: 3600},
	}
	return cfg
}

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

func newEngine(t *testing.T, st Store) *Engine {
	t.Helper()

	e, err := New(testConfig(), st)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e.now = func() time.Time { return now }
	return e
}

// seed stores a counter, an average and a datapoint metric, plus one of a
// type the engine has no reducer for.
func seed(t *testing.T, st *store.Store) {
	t.Helper()

	var rows []types.Row
	rows = append(rows, testutil.CounterRows("lib.requests", 687600, 60, 12, 1)...)
	rows = append(rows, testutil.CounterRows("lib.requests", 700200, 60, 10, 2)...)
	rows = append(rows, testutil.CounterRows("lib.requests", 799800, 60, 2, 7)...)
	rows = append(rows,
		types.Row{Name: "lib.latency", Type: types.BucketAverage, Time: 687600, Size: 60, Value: 10},
		types.Row{Name: "lib.latency", Type: types.BucketAverage, Time: 687660, Size: 60, Value: 20},
		types.Row{Name: "lib.latency", Type: types.BucketAverage, Time: 687720, Size: 60, Value: 30},
	)
	rows = append(rows, testutil.DatapointRows("lib.temp", [2]float64{700210, 5}, [2]float64{700290, 8}, [2]float64{700510, 3})...)
	rows = append(rows, testutil.CounterRows("lib.custom", 687600, 60, 3, 1)...)
	for i := range rows[len(rows)-3:] {
		rows[len(rows)-3+i].Type = "p99"
	}

	if err := st.Insert(context.Background(), rows); err != nil {
		t.Fatalf("Insert: %v", err)
	}
}

// snapshot renders a metric's rows as time/size=value.
func snapshot(t *testing.T, st *store.Store, name string) []string {
	t.Helper()

	rows, err := st.Range(context.Background(), []string{name}, 0, 1e10)
	if err != nil {
		t.Fatal(err)
	}
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, fmt.Sprintf("%g/%g=%g", r.Time, r.Size, r.Value))
	}
	return out
}

func assertRows(t *testing.T, got []string, want ...string) {
	t.Helper()

	if len(got) != len(want) {
		t.Fatalf("expected rows %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("row %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestEngine_New(t *testing.T) {
	e, err := New(testConfig(), openStore(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if e.IsRunning() {
		t.Error("engine should not be running before Start()")
	}

	tiers := e.Tiers()
	if len(tiers) != 2 || tiers[0].After != 24*time.Hour || tiers[1].Size != 3600 {
		t.Errorf("unexpected tiers: %+v", tiers)
	}

	if _, err := New(testConfig(), nil); err == nil {
		t.Error("expected error without a store")
	}
}

func TestEngine_StartStop(t *testing.T) {
	e := newEngine(t, openStore(t))

	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if !e.IsRunning() {
		t.Error("engine should be running after Start()")
	}

	// Double start should fail
	if err := e.Start(); err == nil {
		t.Error("expected error on double start")
	}

	if err := e.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if e.IsRunning() {
		t.Error("engine should not be running after Stop()")
	}
}

func TestEngine_Plan(t *testing.T) {
	st := openStore(t)
	seed(t, st)
	e := newEngine(t, st)

	jobs, err := e.Plan(context.Background())
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}

	got := make(map[string]Job)
	for _, j := range jobs {
		got[fmt.Sprintf("%s/%g", j.Name, j.Size)] = j
	}

	want := map[string]Job{
		"lib.latency/3600":  {Name: "lib.latency", Size: 3600, Start: 687600, End: 691200},
		"lib.requests/3600": {Name: "lib.requests", Size: 3600, Start: 687600, End: 691200},
		"lib.requests/300":  {Name: "lib.requests", Size: 300, Start: 691200, End: 777600},
		"lib.temp/300":      {Name: "lib.temp", Size: 300, Start: 691200, End: 777600},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d jobs, got %+v", len(want), jobs)
	}
	for k, w := range want {
		if got[k] != w {
			t.Errorf("%s: expected %+v, got %+v", k, w, got[k])
		}
	}
}

func TestEngine_Run(t *testing.T) {
	st := openStore(t)
	seed(t, st)
	e := newEngine(t, st)
	ctx := context.Background()

	results, err := e.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, r := range results {
		if r.Err != nil || r.Skipped {
			t.Errorf("job %s/%g: err=%v skipped=%v", r.Name, r.Size, r.Err, r.Skipped)
		}
	}

	assertRows(t, snapshot(t, st, "lib.requests"),
		"687600/3600=12",
		"700200/300=10",
		"700500/300=10",
		"799800/60=7",
		"799860/60=7",
	)
	assertRows(t, snapshot(t, st, "lib.latency"), "687600/3600=20")
	assertRows(t, snapshot(t, st, "lib.temp"), "700200/300=8", "700500/300=3")
	assertRows(t, snapshot(t, st, "lib.custom"), "687600/60=1", "687660/60=1", "687720/60=1")

	stats := e.Stats()
	if stats.Runs != 1 || stats.JobsCompleted != 4 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if stats.RowsRead != 28 || stats.RowsWritten != 6 {
		t.Errorf("expected 28 rows read and 6 written, got %d and %d", stats.RowsRead, stats.RowsWritten)
	}

	// A second pass finds nothing finer than its tiers.
	results, err = e.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, r := range results {
		if !r.Skipped {
			t.Errorf("job %s/%g should be skipped, read %d rows", r.Name, r.Size, r.RowsRead)
		}
	}
	if e.Stats().JobsSkipped != 4 {
		t.Errorf("expected 4 skipped jobs, got %d", e.Stats().JobsSkipped)
	}
}

func TestEngine_RowsAgeIntoCoarserTiers(t *testing.T) {
	st := openStore(t)
	seed(t, st)
	e := newEngine(t, st)
	ctx := context.Background()

	if _, err := e.Run(ctx); err != nil {
		t.Fatal(err)
	}

	e.now = func() time.Time { return now.Add(24 * time.Hour) }
	if _, err := e.Run(ctx); err != nil {
		t.Fatal(err)
	}

	assertRows(t, snapshot(t, st, "lib.requests"),
		"687600/3600=12",
		"698400/3600=20",
		"799800/300=14",
	)
	assertRows(t, snapshot(t, st, "lib.temp"), "698400/3600=3")
}

func TestEngine_RunJobKeepsStraddlingRows(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()

	rows := testutil.CounterRows("lib.requests", 0, 120, 3, 4)
	if err := st.Insert(ctx, rows); err != nil {
		t.Fatal(err)
	}

	e := newEngine(t, st)
	r := e.RunJob(ctx, Job{Name: "lib.requests", Size: 300, Start: 0, End: 300})
	if r.Err != nil {
		t.Fatalf("RunJob: %v", r.Err)
	}
	if r.RowsRead != 2 || r.RowsWritten != 1 {
		t.Errorf("expected 2 rows merged into 1, got %d into %d", r.RowsRead, r.RowsWritten)
	}

	// [240, 360) reaches past the window and is left alone.
	assertRows(t, snapshot(t, st, "lib.requests"), "0/300=8", "240/120=4")
}

// fakeStore serves fixed rows and fails rewrites on demand.
type fakeStore struct {
	names      []store.NameSummary
	rows       []types.Row
	rewriteErr error
	rewritten  [][]types.Row
}

func (f *fakeStore) Names(ctx context.Context, filter store.NameFilter) ([]store.NameSummary, error) {
	return f.names, nil
}

func (f *fakeStore) Range(ctx context.Context, names []string, start, stop float64) ([]types.Row, error) {
	var out []types.Row
	for _, r := range f.rows {
		if r.Name == names[0] && r.Time >= start && r.Time <= stop {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) Rewrite(ctx context.Context, old, add []types.Row) error {
	if f.rewriteErr != nil {
		return f.rewriteErr
	}
	f.rewritten = append(f.rewritten, add)
	return nil
}

func TestEngine_RunJobFailure(t *testing.T) {
	fs := &fakeStore{
		rows:       testutil.CounterRows("lib.requests", 0, 60, 5, 1),
		rewriteErr: errors.New("disk full"),
	}
	e := newEngine(t, fs)

	r := e.RunJob(context.Background(), Job{Name: "lib.requests", Size: 300, Start: 0, End: 300})
	if r.Err == nil {
		t.Fatal("expected rewrite error")
	}
	if e.Stats().JobsFailed != 1 {
		t.Errorf("expected 1 failed job, got %d", e.Stats().JobsFailed)
	}
}

func TestEngine_Register(t *testing.T) {
	rows := testutil.CounterRows("lib.peak", 0, 60, 5, 1)
	for i := range rows {
		rows[i].Type = "max"
		rows[i].Value = float64(i)
		rows[i].Lifetime = 30
	}
	fs := &fakeStore{
		names: []store.NameSummary{{Name: "lib.peak", Type: "max", MinTime: 0, MaxTime: 240}},
		rows:  rows,
	}
	e := newEngine(t, fs)

	if jobs, _ := e.Plan(context.Background()); len(jobs) != 0 {
		t.Fatalf("unregistered type should not be planned, got %+v", jobs)
	}

	e.Register("max", func(bucket []span.Span) float64 {
		m := bucket[0].Value()
		for _, s := range bucket[1:] {
			if s.Value() > m {
				m = s.Value()
			}
		}
		return m
	})

	if _, err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(fs.rewritten) != 1 || len(fs.rewritten[0]) != 1 {
		t.Fatalf("expected one merged row, got %+v", fs.rewritten)
	}
	got := fs.rewritten[0][0]
	if got.Value != 4 || got.Size != 3600 || got.Lifetime != 30 || got.Type != "max" {
		t.Errorf("unexpected merged row: %+v", got)
	}
}

func TestLongestLifetime(t *testing.T) {
	tests := []struct {
		lifetimes []int
		want      int
	}{
		{[]int{30}, 30},
		{[]int{30, 365, 90}, 365},
		{[]int{30, 0, 90}, 0},
	}

	for _, tt := range tests {
		rows := make([]types.Row, len(tt.lifetimes))
		for i, l := range tt.lifetimes {
			rows[i].Lifetime = l
		}
		if got := longestLifetime(rows); got != tt.want {
			t.Errorf("%v: expected %d, got %d", tt.lifetimes, tt.want, got)
		}
	}
}

func TestNeedsRewrite(t *testing.T) {
	tests := []struct {
		name string
		rows []types.Row
		want bool
	}{
		{"finer rows", testutil.CounterRows("a", 0, 60, 2, 1), true},
		{"already merged", testutil.CounterRows("a", 0, 300, 2, 1), false},
		{"off grid", testutil.CounterRows("a", 60, 300, 1, 1), true},
		{"coarser rows", testutil.CounterRows("a", 0, 3600, 1, 1), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := needsRewrite(tt.rows, 300); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}
