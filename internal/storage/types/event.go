package types

import (
	"fmt"
	"math"
)

// EventKind says how a recorded event changes its bucket.
type EventKind uint8

const (
	// EventAdd adds Value to a counter bucket (negative to decrement).
	EventAdd EventKind = iota

	// EventSet replaces the value of a counter bucket.
	EventSet

	// EventAverage adds one observation to an average bucket.
	EventAverage

	// EventDatapoint sets the value of a datapoint bucket.
	EventDatapoint
)

// String returns the string representation of the kind.
func (k EventKind) String() string {
	switch k {
	case EventAdd:
		return "add"
	case EventSet:
		return "set"
	case EventAverage:
		return "average"
	case EventDatapoint:
		return "datapoint"
	default:
		return "unknown"
	}
}

// ParseEventKind parses the string form of a kind.
func ParseEventKind(s string) (EventKind, error) {
	for k := EventAdd; k <= EventDatapoint; k++ {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown event kind %q", s)
}

// BucketType returns the bucket type rows of this kind are stored as.
func (k EventKind) BucketType() string {
	switch k {
	case EventAverage:
		return BucketAverage
	case EventDatapoint:
		return BucketDatapoint
	default:
		return BucketCounter
	}
}

// Event is one call to the recorder, stamped with the time it was made.
type Event struct {
	Kind  EventKind
	Name  string
	Value float64

	// Time is the epoch second the event happened.
	Time float64

	// Size overrides the bucket width from the lifetime rules when > 0.
	Size float64
}

// BucketTime aligns t to the start of its bucket of width size.
func BucketTime(t, size float64) float64 {
	if size <= 0 {
		return t
	}
	return math.Floor(t/size) * size
}
