package aggregate

import (
	"math"
	"testing"

	"github.com/xtxerr/statline/internal/storage/span"
	"github.com/xtxerr/statline/internal/storage/timeline"
	testutil "github.com/xtxerr/statline/internal/testing"
)

func partition(t *testing.T, spans []span.Span, size float64, opts ...timeline.RangeOption) *timeline.Partition {
	t.Helper()
	p, err := timeline.New(spans).Partition(size, opts...)
	if err != nil {
		t.Fatalf("Partition(%v): %v", size, err)
	}
	return p
}

func interval(t *testing.T, start, end, raw float64) span.Span {
	t.Helper()
	s, err := span.NewInterval(start, end, raw)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestSumRebucketsCounters(t *testing.T) {
	spans := []span.Span{interval(t, 0, 60, 120), interval(t, 60, 120, 180)}

	tests := []struct {
		size float64
		want []float64
	}{
		{120, []float64{300}},
		{60, []float64{120, 180}},
		{30, []float64{60, 60, 90, 90}},
		{40, []float64{80, 40 + 60, 120}},
	}

	for _, tt := range tests {
		got := Sum.Aggregate(partition(t, spans, tt.size))
		if err := testutil.AssertSeries(got, tt.want, "sum"); err != nil {
			t.Errorf("size %v: %v", tt.size, err)
		}
	}
}

func TestSumEmptyBuckets(t *testing.T) {
	p := partition(t, []span.Span{interval(t, 0, 10, 5)}, 10, timeline.From(0), timeline.Until(40))

	got := Sum.Aggregate(p)
	if err := testutil.AssertSeries(got, []float64{5, 0, 0, 0}, "sum"); err != nil {
		t.Error(err)
	}
	if Sum.EmptyValue() != 0 {
		t.Errorf("expected empty value 0, got %v", Sum.EmptyValue())
	}
}

func TestMean(t *testing.T) {
	spans := []span.Span{
		interval(t, 0, 10, 4),
		interval(t, 10, 20, 8),
		interval(t, 20, 30, 3),
	}

	got := Mean.Aggregate(partition(t, spans, 20, timeline.From(0), timeline.Until(60)))
	if err := testutil.AssertSeries(got, []float64{6, 3, 0}, "mean"); err != nil {
		t.Error(err)
	}
}

func TestCarryForwardPointAtBucketStart(t *testing.T) {
	p := partition(t, []span.Span{span.NewPoint(0, 10)}, 60, timeline.From(0), timeline.Until(60))

	got := CarryForward.Aggregate(p)
	if err := testutil.AssertSeries(got, []float64{10}, "carry-forward"); err != nil {
		t.Error(err)
	}
}

func TestCarryForwardPointAtBucketEnd(t *testing.T) {
	end := math.Nextafter(120, 0)
	spans := []span.Span{span.NewPoint(0, 5), span.NewPoint(end, 100)}

	got := CarryForward.Aggregate(partition(t, spans, 60, timeline.From(0), timeline.Until(120)))

	if len(got) != 2 {
		t.Fatalf("expected 2 values, got %v", got)
	}
	if err := testutil.AssertClose(got[0], 5, "first bucket"); err != nil {
		t.Error(err)
	}
	if math.Abs(got[1]-5) > 1e-6 {
		t.Errorf("late sample should barely move the carried value: got %v, want ~5", got[1])
	}
}

func TestCarryForwardThroughGaps(t *testing.T) {
	spans := []span.Span{
		span.NewPoint(0, 10),
		span.NewPoint(40, 30),
	}

	got := CarryForward.Aggregate(partition(t, spans, 10, timeline.From(0), timeline.Until(50)))

	// Bucket 4 starts at 40, so the sample counts fully.
	want := []float64{10, 10, 10, 10, 30}
	if err := testutil.AssertSeries(got, want, "carry-forward"); err != nil {
		t.Error(err)
	}
}

func TestCarryForwardWeightsByArrival(t *testing.T) {
	spans := []span.Span{
		span.NewPoint(0, 10),
		span.NewPoint(15, 20),
	}

	got := CarryForward.Aggregate(partition(t, spans, 10, timeline.From(0), timeline.Until(20)))

	// alpha = 1 - (15-10)/10 = 0.5, so 10 + 0.5*(20-10).
	if err := testutil.AssertSeries(got, []float64{10, 15}, "carry-forward"); err != nil {
		t.Error(err)
	}
}

func TestCarryForwardStartsFromEmptyValue(t *testing.T) {
	p := partition(t, []span.Span{span.NewPoint(25, 8)}, 10, timeline.From(0), timeline.Until(30))

	got := CarryForward.Aggregate(p)
	// alpha = 0.5 against a starting value of 0.
	if err := testutil.AssertSeries(got, []float64{0, 0, 4}, "carry-forward"); err != nil {
		t.Error(err)
	}
}

func TestCarryForwardIndependentCalls(t *testing.T) {
	p := partition(t, []span.Span{span.NewPoint(0, 7)}, 10, timeline.From(0), timeline.Until(20))

	first := CarryForward.Aggregate(p)
	second := CarryForward.Aggregate(p)
	if err := testutil.AssertSeries(second, first, "repeat"); err != nil {
		t.Error(err)
	}

	empty := CarryForward.Aggregate(partition(t, nil, 10, timeline.From(0), timeline.Until(20)))
	if err := testutil.AssertSeries(empty, []float64{0, 0}, "fresh call"); err != nil {
		t.Error(err)
	}
}

func TestCustom(t *testing.T) {
	maxOf := func(bucket []span.Span) float64 {
		m := math.Inf(-1)
		for _, s := range bucket {
			m = math.Max(m, s.Value())
		}
		return m
	}
	agg := NewCustom("max", maxOf, -1)

	spans := []span.Span{span.NewPoint(1, 3), span.NewPoint(2, 9), span.NewPoint(25, 4)}
	got := agg.Aggregate(partition(t, spans, 10, timeline.From(0), timeline.Until(30)))

	if err := testutil.AssertSeries(got, []float64{9, -1, 4}, "custom"); err != nil {
		t.Error(err)
	}
	if agg.Name() != "max" || agg.EmptyValue() != -1 {
		t.Errorf("unexpected identity: %s %v", agg.Name(), agg.EmptyValue())
	}
}

func TestLastValue(t *testing.T) {
	agg := NewCustom("last", LastValue, 0)

	spans := []span.Span{span.NewPoint(1, 3), span.NewPoint(7, 9), span.NewPoint(12, 4)}
	got := agg.Aggregate(partition(t, spans, 10, timeline.From(0), timeline.Until(30)))

	if err := testutil.AssertSeries(got, []float64{9, 4, 0}, "last"); err != nil {
		t.Error(err)
	}
}

func TestQuantile(t *testing.T) {
	var spans []span.Span
	for i := 1; i <= 100; i++ {
		spans = append(spans, span.NewPoint(float64(i-1), float64(i)))
	}

	median, err := NewMedian(0.01)
	if err != nil {
		t.Fatal(err)
	}
	p90, err := NewQuantile("p90", 0.9, 0.01)
	if err != nil {
		t.Fatal(err)
	}

	p := partition(t, spans, 100, timeline.From(0), timeline.Until(200))

	got := median.Aggregate(p)
	if math.Abs(got[0]-50) > 2 {
		t.Errorf("expected median near 50, got %v", got[0])
	}
	if got[1] != 0 {
		t.Errorf("empty bucket should report 0, got %v", got[1])
	}

	got = p90.Aggregate(p)
	if math.Abs(got[0]-90) > 2 {
		t.Errorf("expected p90 near 90, got %v", got[0])
	}
}

func TestNewQuantileRejectsBadArguments(t *testing.T) {
	if _, err := NewQuantile("q", 1.5, 0.01); err == nil {
		t.Error("expected error for q > 1")
	}
	if _, err := NewQuantile("q", 0.5, 0); err == nil {
		t.Error("expected error for zero accuracy")
	}
}

func TestAggregateLengthMatchesPartition(t *testing.T) {
	median, _ := NewMedian(0.01)
	p := partition(t, nil, 7, timeline.From(3), timeline.Until(50))

	for _, agg := range []Aggregator{Sum, Mean, CarryForward, median} {
		if got := agg.Aggregate(p); len(got) != p.Len() {
			t.Errorf("%s: got %d values for %d buckets", agg.Name(), len(got), p.Len())
		}
	}
}
