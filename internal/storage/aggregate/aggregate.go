// Package aggregate reduces the buckets of a timeline partition to one value
// each.
package aggregate

import (
	"fmt"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/xtxerr/statline/config"
	"github.com/xtxerr/statline/internal/storage/span"
	"github.com/xtxerr/statline/internal/storage/timeline"
)

// Aggregator turns a partition into one value per bucket.
// Implementations must be safe for concurrent use; any state that carries
// across buckets lives inside a single Aggregate call.
type Aggregator interface {
	// Name identifies the strategy in logs and errors.
	Name() string

	// EmptyValue is reported for a bucket no span touches.
	EmptyValue() float64

	// Aggregate returns exactly p.Len() values.
	Aggregate(p *timeline.Partition) []float64
}

// ReduceFunc reduces a non-empty bucket to a single value.
type ReduceFunc func(bucket []span.Span) float64

// reducer applies a ReduceFunc to each bucket independently.
type reducer struct {
	name  string
	fn    ReduceFunc
	empty float64
}

// NewCustom returns an aggregator that applies fn to every non-empty bucket
// and reports empty for the others.
func NewCustom(name string, fn ReduceFunc, empty float64) Aggregator {
	return &reducer{name: name, fn: fn, empty: empty}
}

func (r *reducer) Name() string        { return r.name }
func (r *reducer) EmptyValue() float64 { return r.empty }

func (r *reducer) Aggregate(p *timeline.Partition) []float64 {
	out := make([]float64, p.Len())
	for i, bucket := range p.Buckets {
		if len(bucket) == 0 {
			out[i] = r.empty
			continue
		}
		out[i] = r.fn(bucket)
	}
	return out
}

// SumValues adds the values of a bucket.
func SumValues(bucket []span.Span) float64 {
	var sum float64
	for _, s := range bucket {
		sum += s.Value()
	}
	return sum
}

// MeanValues returns the arithmetic mean of a bucket's values.
func MeanValues(bucket []span.Span) float64 {
	return SumValues(bucket) / float64(len(bucket))
}

// LastValue returns the value of the latest span in a bucket.
func LastValue(bucket []span.Span) float64 {
	return bucket[len(bucket)-1].Value()
}

var (
	// Sum adds the (weighted) values in each bucket. Used for counters.
	Sum = NewCustom("sum", SumValues, config.DefaultEmptyValue)

	// Mean averages the values in each bucket. Used for averages.
	Mean = NewCustom("mean", MeanValues, config.DefaultEmptyValue)

	// CarryForward is the weighted mean for gauge samples. See
	// carryForward.Aggregate.
	CarryForward Aggregator = carryForward{empty: config.DefaultEmptyValue}
)

// carryForward keeps the last seen value alive through empty buckets and
// pulls a bucket's output toward its samples by how early they arrived.
type carryForward struct {
	empty float64
}

func (carryForward) Name() string          { return "carry-forward" }
func (c carryForward) EmptyValue() float64 { return c.empty }

// Aggregate folds over the buckets left to right. A sample at the bucket
// start counts fully (alpha 1); one just before the bucket end barely moves
// the previous value (alpha near 0).
func (c carryForward) Aggregate(p *timeline.Partition) []float64 {
	out := make([]float64, p.Len())
	current := c.empty

	for i, bucket := range p.Buckets {
		if len(bucket) == 0 {
			out[i] = current
			continue
		}

		bucketStart := p.BucketStart(i)
		var delta float64
		for _, s := range bucket {
			alpha := 1 - (s.Coord()-bucketStart)/p.BucketSize
			delta += alpha * (s.Value() - current)
		}

		out[i] = current + delta/float64(len(bucket))
		current = bucket[len(bucket)-1].Value()
	}

	return out
}

// quantile estimates a quantile of each bucket's values with a DDSketch.
type quantile struct {
	name     string
	q        float64
	accuracy float64
	empty    float64
}

// NewQuantile returns an aggregator reporting quantile q (0 to 1) of each
// bucket's values within the given relative accuracy.
func NewQuantile(name string, q, accuracy float64) (Aggregator, error) {
	if q < 0 || q > 1 {
		return nil, fmt.Errorf("quantile %v: must be between 0 and 1", q)
	}
	if accuracy <= 0 || accuracy >= 1 {
		return nil, fmt.Errorf("accuracy %v: must be between 0 and 1", accuracy)
	}
	return &quantile{
		name:     name,
		q:        q,
		accuracy: accuracy,
		empty:    config.DefaultEmptyValue,
	}, nil
}

// NewMedian returns a 50th percentile aggregator.
func NewMedian(accuracy float64) (Aggregator, error) {
	return NewQuantile("median", 0.5, accuracy)
}

func (a *quantile) Name() string        { return a.name }
func (a *quantile) EmptyValue() float64 { return a.empty }

func (a *quantile) Aggregate(p *timeline.Partition) []float64 {
	out := make([]float64, p.Len())
	for i, bucket := range p.Buckets {
		out[i] = a.reduce(bucket)
	}
	return out
}

func (a *quantile) reduce(bucket []span.Span) float64 {
	if len(bucket) == 0 {
		return a.empty
	}

	sketch, err := ddsketch.NewDefaultDDSketch(a.accuracy)
	if err != nil {
		return a.empty
	}

	added := 0
	for _, s := range bucket {
		// Values outside the sketch's indexable range are skipped.
		if err := sketch.Add(s.Value()); err == nil {
			added++
		}
	}
	if added == 0 {
		return a.empty
	}

	v, err := sketch.GetValueAtQuantile(a.q)
	if err != nil {
		return a.empty
	}
	return v
}
