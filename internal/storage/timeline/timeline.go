// Package timeline re-buckets a sorted set of spans into equal-width
// output buckets.
package timeline

import (
	"fmt"
	"math"
	"sort"

	"github.com/xtxerr/statline/internal/errors"
	"github.com/xtxerr/statline/internal/storage/span"
)

// MaxBuckets bounds the size of a single partition.
const MaxBuckets = 1 << 24

// Timeline holds the spans of one metric sorted by start, plus the range
// they cover. It is immutable after New and safe for concurrent use.
type Timeline struct {
	spans []span.Span
	start float64
	end   float64
}

// Option configures a Timeline.
type Option func(*Timeline)

// WithCoverage overrides the default coverage (min start, max end).
func WithCoverage(start, end float64) Option {
	return func(tl *Timeline) {
		tl.start = start
		tl.end = end
	}
}

// New builds a timeline from spans. The input slice is copied and sorted
// by start; spans with equal starts keep their input order.
func New(spans []span.Span, opts ...Option) *Timeline {
	sorted := make([]span.Span, len(spans))
	copy(sorted, spans)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Start() < sorted[j].Start()
	})

	tl := &Timeline{spans: sorted}

	if len(sorted) > 0 {
		tl.start = sorted[0].Start()
		tl.end = sorted[0].End()
		for _, s := range sorted[1:] {
			if s.End() > tl.end {
				tl.end = s.End()
			}
		}
	}

	for _, opt := range opts {
		opt(tl)
	}

	return tl
}

// Start returns the coverage start.
func (tl *Timeline) Start() float64 { return tl.start }

// End returns the coverage end.
func (tl *Timeline) End() float64 { return tl.end }

// Len returns the number of spans.
func (tl *Timeline) Len() int { return len(tl.spans) }

// Spans returns a copy of the sorted spans.
func (tl *Timeline) Spans() []span.Span {
	out := make([]span.Span, len(tl.spans))
	copy(out, tl.spans)
	return out
}

// RangeOption narrows a partition to part of the timeline.
type RangeOption func(*bounds)

type bounds struct {
	start, end float64
}

// From sets the first bucket start. Defaults to the coverage start.
func From(start float64) RangeOption {
	return func(b *bounds) {
		b.start = start
	}
}

// Until sets the bound below which bucket starts are generated.
// Defaults to the coverage end.
func Until(end float64) RangeOption {
	return func(b *bounds) {
		b.end = end
	}
}

// Partition is the result of splitting a timeline into buckets.
// Bucket i covers [Start+i*BucketSize, Start+(i+1)*BucketSize).
type Partition struct {
	BucketSize float64
	Start      float64
	End        float64
	Buckets    [][]span.Span
}

// Len returns the number of buckets.
func (p *Partition) Len() int { return len(p.Buckets) }

// BucketStart returns the start of bucket i.
func (p *Partition) BucketStart(i int) float64 {
	return p.Start + float64(i)*p.BucketSize
}

// Boundaries returns the start of every bucket.
func (p *Partition) Boundaries() []float64 {
	out := make([]float64, len(p.Buckets))
	for i := range out {
		out[i] = p.BucketStart(i)
	}
	return out
}

// BucketCount returns how many buckets of bucketSize start before end when
// the first starts at start. The last bucket may extend past end.
func BucketCount(bucketSize, start, end float64) (int, error) {
	if err := validate(bucketSize, start, end); err != nil {
		return 0, err
	}
	if start >= end {
		return 0, nil
	}

	estimate := math.Ceil((end - start) / bucketSize)
	if estimate > MaxBuckets {
		return 0, fmt.Errorf("%v buckets of %v: %w", estimate, bucketSize, errors.ErrTooManyBuckets)
	}

	// Settle rounding in the estimate against the exact start generation.
	n := int(estimate)
	for n > 0 && start+float64(n-1)*bucketSize >= end {
		n--
	}
	for start+float64(n)*bucketSize < end {
		n++
	}
	return n, nil
}

// Boundaries returns the bucket starts a partition with the same arguments
// would produce.
func Boundaries(bucketSize, start, end float64) ([]float64, error) {
	n, err := BucketCount(bucketSize, start, end)
	if err != nil {
		return nil, err
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = start + float64(i)*bucketSize
	}
	return out, nil
}

// Partition splits the timeline into buckets of bucketSize.
//
// Spans crossing a bucket edge are split there; the part before the first
// bucket is dropped and the part after the last bucket is never reached.
// A bucket may be empty.
func (tl *Timeline) Partition(bucketSize float64, opts ...RangeOption) (*Partition, error) {
	b := bounds{start: tl.start, end: tl.end}
	for _, opt := range opts {
		opt(&b)
	}

	n, err := BucketCount(bucketSize, b.start, b.end)
	if err != nil {
		return nil, err
	}

	p := &Partition{
		BucketSize: bucketSize,
		Start:      b.start,
		End:        b.end,
		Buckets:    make([][]span.Span, n),
	}

	c := cursor{spans: tl.spans}
	for i := 0; i < n; i++ {
		bucketStart, bucketEnd := p.BucketStart(i), p.BucketStart(i+1)
		if bucketEnd <= bucketStart {
			return nil, fmt.Errorf("bucket size %v collapses at %v: %w", bucketSize, bucketStart, errors.ErrInvalidBucketSize)
		}
		p.Buckets[i] = c.take(bucketStart, bucketEnd)
	}

	return p, nil
}

func validate(bucketSize, start, end float64) error {
	if math.IsNaN(bucketSize) || math.IsInf(bucketSize, 0) || bucketSize <= 0 {
		return fmt.Errorf("bucket size %v: %w", bucketSize, errors.ErrInvalidBucketSize)
	}
	if math.IsNaN(start) || math.IsInf(start, 0) || math.IsNaN(end) || math.IsInf(end, 0) {
		return fmt.Errorf("range [%v, %v): %w", start, end, errors.ErrInvalidRange)
	}
	// Bucket edges must stay distinct at the magnitude of the range.
	if start+bucketSize == start || end-bucketSize == end {
		return fmt.Errorf("bucket size %v below float resolution of [%v, %v): %w", bucketSize, start, end, errors.ErrInvalidBucketSize)
	}
	return nil
}

// cursor walks the sorted spans once across all buckets. A span cut at a
// bucket's right edge leaves its remainder in the pending slot, which is
// read before the next span.
type cursor struct {
	spans      []span.Span
	next       int
	pending    span.Span
	hasPending bool
}

func (c *cursor) peek() (span.Span, bool) {
	if c.hasPending {
		return c.pending, true
	}
	if c.next < len(c.spans) {
		return c.spans[c.next], true
	}
	return span.Span{}, false
}

func (c *cursor) consume() {
	if c.hasPending {
		c.hasPending = false
		return
	}
	c.next++
}

// replace consumes the current span and makes rest the new head.
func (c *cursor) replace(rest span.Span) {
	if !c.hasPending {
		c.next++
	}
	c.pending = rest
	c.hasPending = true
}

func (c *cursor) take(bucketStart, bucketEnd float64) []span.Span {
	var bucket []span.Span

	for {
		s, ok := c.peek()
		if !ok {
			return bucket
		}

		if s.Start() < bucketStart {
			switch {
			case bucketStart >= s.End():
				// Entirely before the bucket.
				c.consume()
			case bucketEnd >= s.End():
				// Crosses the left edge only.
				_, right := mustSplit(s, bucketStart)
				bucket = append(bucket, right)
				c.consume()
			default:
				// Covers the whole bucket.
				_, rest := mustSplit(s, bucketStart)
				middle, tail := mustSplit(rest, bucketEnd)
				bucket = append(bucket, middle)
				c.replace(tail)
				return bucket
			}
			continue
		}

		switch {
		case bucketEnd >= s.End():
			// Entirely inside.
			bucket = append(bucket, s)
			c.consume()
		case bucketEnd > s.Start():
			// Crosses the right edge only.
			head, tail := mustSplit(s, bucketEnd)
			bucket = append(bucket, head)
			c.replace(tail)
			return bucket
		default:
			// Entirely after; leave it for a later bucket.
			return bucket
		}
	}
}

// mustSplit is only called with start < coord < end, which the case
// analysis in take guarantees.
func mustSplit(s span.Span, coord float64) (span.Span, span.Span) {
	left, right, err := s.Split(coord)
	if err != nil {
		panic(fmt.Sprintf("timeline: %v", err))
	}
	return left, right
}
