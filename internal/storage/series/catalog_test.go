package series

import (
	"testing"

	"github.com/xtxerr/statline/internal/errors"
	"github.com/xtxerr/statline/internal/storage/aggregate"
	"github.com/xtxerr/statline/internal/storage/timeline"
	"github.com/xtxerr/statline/internal/storage/types"
	testutil "github.com/xtxerr/statline/internal/testing"
)

func TestCatalogCPUScenarios(t *testing.T) {
	c := NewCatalog(nil)
	if err := c.Load(testutil.CPURows()); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		size float64
		want []float64
	}{
		{120, []float64{300}},
		{30, []float64{60, 60, 90, 90}},
	}

	for _, tt := range tests {
		result, err := c.Query(tt.size, 0, 120)
		if err != nil {
			t.Fatalf("Query(%v): %v", tt.size, err)
		}
		if len(result.Boundaries) != len(tt.want) {
			t.Errorf("size %v: expected %d boundaries, got %v", tt.size, len(tt.want), result.Boundaries)
		}
		if err := testutil.AssertSeries(result.Values["cpu"], tt.want, "cpu"); err != nil {
			t.Errorf("size %v: %v", tt.size, err)
		}
	}
}

func TestCatalogUnknownTypeIsIsolated(t *testing.T) {
	c := NewCatalog(aggregate.NewRegistry(aggregate.StrictTypes()))

	rows := append(testutil.CPURows(), types.Row{
		Name: "mystery", Type: "histogram", Time: 0, Size: 60, Value: 1,
	})

	err := c.Load(rows)
	if !errors.Is(err, errors.ErrUnknownBucketType) {
		t.Fatalf("expected ErrUnknownBucketType, got %v", err)
	}

	var loadErrs *LoadErrors
	if !errors.As(err, &loadErrs) {
		t.Fatalf("expected *LoadErrors, got %T", err)
	}
	if names := loadErrs.Names(); len(names) != 1 || names[0] != "mystery" {
		t.Errorf("expected only mystery to fail, got %v", names)
	}

	if c.Len() != 1 {
		t.Errorf("expected cpu to stay loaded, got %v", c.Names())
	}

	result, err := c.Query(120, 0, 120)
	if err != nil {
		t.Fatal(err)
	}
	if err := testutil.AssertSeries(result.Values["cpu"], []float64{300}, "cpu"); err != nil {
		t.Error(err)
	}
	if _, ok := result.Errors["mystery"]; !ok {
		t.Error("query result should report the load failure")
	}
	if _, ok := result.Values["mystery"]; ok {
		t.Error("failed metric must not have values")
	}
}

func TestCatalogUnknownTypeFallsBack(t *testing.T) {
	c := NewCatalog(nil)

	rows := []types.Row{
		{Name: "mystery", Type: "histogram", Time: 0, Size: 10, Value: 4},
		{Name: "mystery", Type: "histogram", Time: 10, Size: 10, Value: 8},
	}
	if err := c.Load(rows); err != nil {
		t.Fatal(err)
	}

	got, err := c.Stat("mystery", 20, timeline.From(0), timeline.Until(20))
	if err != nil {
		t.Fatal(err)
	}
	if err := testutil.AssertSeries(got, []float64{6}, "mean fallback"); err != nil {
		t.Error(err)
	}
}

func TestCatalogInconsistentType(t *testing.T) {
	c := NewCatalog(nil)

	rows := append(testutil.CPURows(),
		types.Row{Name: "mixed", Type: types.BucketCounter, Time: 0, Size: 60, Value: 1},
		types.Row{Name: "mixed", Type: types.BucketAverage, Time: 60, Size: 60, Value: 2},
	)

	err := c.Load(rows)
	if !errors.Is(err, errors.ErrInconsistentBucketType) {
		t.Fatalf("expected ErrInconsistentBucketType, got %v", err)
	}
	if _, err := c.Get("mixed"); !errors.Is(err, errors.ErrInconsistentBucketType) {
		t.Errorf("Get should return the load error, got %v", err)
	}
	if _, err := c.Get("cpu"); err != nil {
		t.Errorf("cpu should load: %v", err)
	}
}

func TestCatalogStatUnknownName(t *testing.T) {
	c := NewCatalog(nil)
	if err := c.Load(testutil.CPURows()); err != nil {
		t.Fatal(err)
	}

	got, err := c.Stat("disk", 30, timeline.From(0), timeline.Until(120))
	if err != nil {
		t.Fatalf("unknown metric must not fail: %v", err)
	}
	if err := testutil.AssertSeries(got, []float64{0, 0, 0, 0}, "disk"); err != nil {
		t.Error(err)
	}

	if _, err := c.Get("disk"); !errors.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestCatalogNamesSorted(t *testing.T) {
	c := NewCatalog(nil)

	var rows []types.Row
	rows = append(rows, testutil.CounterRows("zeta", 0, 60, 1, 1)...)
	rows = append(rows, testutil.AverageRows("alpha", 0, 60, 1, 1)...)
	rows = append(rows, testutil.DatapointRows("mid", [2]float64{0, 1})...)

	if err := c.Load(rows); err != nil {
		t.Fatal(err)
	}

	want := []string{"alpha", "mid", "zeta"}
	got := c.Names()
	if len(got) != len(want) {
		t.Fatalf("Names() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Names()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestCatalogLoadReplaces(t *testing.T) {
	c := NewCatalog(nil)

	if err := c.Load(testutil.CPURows()); err != nil {
		t.Fatal(err)
	}
	if err := c.Load(testutil.CounterRows("mem", 0, 60, 2, 1)); err != nil {
		t.Fatal(err)
	}

	if c.Len() != 1 || c.Names()[0] != "mem" {
		t.Errorf("second load should replace the first, got %v", c.Names())
	}
}

func TestCatalogQueryAlignsSeries(t *testing.T) {
	c := NewCatalog(nil)

	var rows []types.Row
	rows = append(rows, testutil.CounterRows("net", 0, 60, 10, 6)...)
	rows = append(rows, testutil.DatapointRows("temp", [2]float64{0, 20}, [2]float64{300, 25})...)

	if err := c.Load(rows); err != nil {
		t.Fatal(err)
	}

	result, err := c.Query(120, 0, 600)
	if err != nil {
		t.Fatal(err)
	}

	if len(result.Boundaries) != 5 {
		t.Fatalf("expected 5 boundaries, got %v", result.Boundaries)
	}
	for _, name := range result.Names() {
		if len(result.Values[name]) != len(result.Boundaries) {
			t.Errorf("%s: %d values for %d boundaries", name, len(result.Values[name]), len(result.Boundaries))
		}
	}
	if err := testutil.AssertSeries(result.Values["net"], []float64{12, 12, 12, 12, 12}, "net"); err != nil {
		t.Error(err)
	}
}

func TestCatalogQueryInvalidSize(t *testing.T) {
	c := NewCatalog(nil)

	if _, err := c.Query(-1, 0, 100); !errors.Is(err, errors.ErrInvalidBucketSize) {
		t.Errorf("expected ErrInvalidBucketSize, got %v", err)
	}
}

func TestCatalogConcurrentQueries(t *testing.T) {
	c := NewCatalog(nil)
	if err := c.Load(testutil.CPURows()); err != nil {
		t.Fatal(err)
	}

	gt := testutil.NewGoroutineTest(t)
	defer gt.Wait()

	for i := 0; i < 10; i++ {
		gt.Go(func() error {
			result, err := c.Query(30, 0, 120)
			if err != nil {
				return err
			}
			return testutil.AssertSeries(result.Values["cpu"], []float64{60, 60, 90, 90}, "cpu")
		})
	}
}
