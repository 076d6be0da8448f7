// Package span implements the time spans a timeline is built from.
//
// A Span is either an interval, which carries a quantity accumulated over
// [start, end), or a point, which carries an instantaneous sample. Both
// expose the same accessors so the partitioning code handles them uniformly:
// a point behaves like an interval whose end is the next representable
// float after its coordinate.
//
// An interval's value is raw*weight. The weight starts at 1 and shrinks in
// proportion to the time removed by Split and Trim, so raw behaves like a
// linearly divisible quantity (a counter delta), not a density.
package span

import (
	"fmt"
	"math"

	"github.com/xtxerr/statline/internal/errors"
)

// Kind tags the shape of a Span.
type Kind uint8

const (
	// KindInterval is a duration-bearing span.
	KindInterval Kind = iota
	// KindPoint is an instantaneous sample.
	KindPoint
)

// String returns a human-readable representation of the Kind.
func (k Kind) String() string {
	switch k {
	case KindInterval:
		return "interval"
	case KindPoint:
		return "point"
	default:
		return "unknown"
	}
}

// Span is an interval or a point. The zero value is not valid; use
// NewInterval or NewPoint.
type Span struct {
	kind   Kind
	start  float64
	end    float64
	raw    float64
	weight float64
	fake   bool
}

// NewInterval returns an interval over [start, end) with weight 1.
func NewInterval(start, end, raw float64) (Span, error) {
	if !isFinite(start) || !isFinite(end) {
		return Span{}, fmt.Errorf("interval [%v, %v): %w", start, end, errors.ErrMalformedSpan)
	}
	if end <= start {
		return Span{}, fmt.Errorf("interval [%v, %v): end must be after start: %w", start, end, errors.ErrMalformedSpan)
	}
	return Span{
		kind:   KindInterval,
		start:  start,
		end:    end,
		raw:    raw,
		weight: 1,
	}, nil
}

// NewPoint returns a point sample at coord.
func NewPoint(coord, raw float64) Span {
	return Span{
		kind:   KindPoint,
		start:  coord,
		end:    math.Nextafter(coord, math.Inf(1)),
		raw:    raw,
		weight: 1,
	}
}

// Kind returns the span's shape.
func (s Span) Kind() Kind { return s.kind }

// IsPoint returns true for point samples.
func (s Span) IsPoint() bool { return s.kind == KindPoint }

// Start returns the inclusive lower bound.
func (s Span) Start() float64 { return s.start }

// End returns the exclusive upper bound. For a point this is the smallest
// float strictly greater than its coordinate.
func (s Span) End() float64 { return s.end }

// Coord returns a point's coordinate (the start, for intervals).
func (s Span) Coord() float64 { return s.start }

// Size returns end-start for intervals and 0 for points.
func (s Span) Size() float64 {
	if s.kind == KindPoint {
		return 0
	}
	return s.end - s.start
}

// RawValue returns the value the span was created with.
func (s Span) RawValue() float64 { return s.raw }

// Weight returns the fraction of the original interval this span still
// represents. Always 1 for points.
func (s Span) Weight() float64 { return s.weight }

// Value returns raw*weight for intervals and raw for points.
func (s Span) Value() float64 {
	if s.kind == KindPoint {
		return s.raw
	}
	return s.raw * s.weight
}

// Fake reports whether the span was marked synthetic. Aggregation ignores it.
func (s Span) Fake() bool { return s.fake }

// AsFake returns a copy of the span marked synthetic.
func (s Span) AsFake() Span {
	s.fake = true
	return s
}

// Trim clips an interval to [max(start, lo), min(end, hi)] and rescales its
// weight by the fraction of time kept. Pass math.Inf(-1) or math.Inf(1) to
// leave a side unbounded. Points are returned unchanged: whether a point
// belongs to a bucket is decided by its coordinate alone.
func (s Span) Trim(lo, hi float64) (Span, error) {
	if s.kind == KindPoint {
		return s, nil
	}

	newStart := math.Max(s.start, lo)
	newEnd := math.Min(s.end, hi)
	if newStart > newEnd {
		return Span{}, fmt.Errorf("trim [%v, %v) to [%v, %v]: %w", s.start, s.end, lo, hi, errors.ErrInvertedTrim)
	}

	weight := 0.0
	if size := s.end - s.start; size > 0 {
		weight = s.weight * ((newEnd - newStart) / size)
	}

	return Span{
		kind:   KindInterval,
		start:  newStart,
		end:    newEnd,
		raw:    s.raw,
		weight: weight,
		fake:   s.fake,
	}, nil
}

// Split cuts an interval at coord, which must lie strictly inside it.
// The weight is divided in proportion to the time on each side; both halves
// keep the raw value.
func (s Span) Split(coord float64) (Span, Span, error) {
	if s.kind == KindPoint {
		return Span{}, Span{}, errors.ErrSplitPoint
	}
	if coord <= s.start || coord >= s.end {
		return Span{}, Span{}, fmt.Errorf("split [%v, %v) at %v: %w", s.start, s.end, coord, errors.ErrSplitOutOfRange)
	}

	leftWeight := s.weight * ((coord - s.start) / (s.end - s.start))
	left := Span{kind: KindInterval, start: s.start, end: coord, raw: s.raw, weight: leftWeight, fake: s.fake}
	right := Span{kind: KindInterval, start: coord, end: s.end, raw: s.raw, weight: s.weight - leftWeight, fake: s.fake}

	return left, right, nil
}

// String implements fmt.Stringer.
func (s Span) String() string {
	if s.kind == KindPoint {
		return fmt.Sprintf("[%v](%v)", s.start, s.raw)
	}
	return fmt.Sprintf("[%v, %v)(%v, %v, %v)", s.start, s.end, s.raw, s.weight, s.fake)
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
