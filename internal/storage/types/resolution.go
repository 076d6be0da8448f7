package types

import (
	"fmt"
	"time"
)

// Resolution is a preset output bucket width.
type Resolution int

const (
	// ResolutionMinute renders one-minute buckets.
	// Chosen for ranges up to 6 hours.
	ResolutionMinute Resolution = iota

	// Resolution5Min renders five-minute buckets.
	// Chosen for ranges up to 48 hours.
	Resolution5Min

	// ResolutionHourly renders hourly buckets.
	// Chosen for ranges up to 30 days.
	ResolutionHourly

	// ResolutionDaily renders daily buckets.
	// Chosen for ranges up to 2 years.
	ResolutionDaily

	// ResolutionWeekly renders weekly buckets.
	ResolutionWeekly
)

// String returns the string representation of the resolution.
func (r Resolution) String() string {
	switch r {
	case ResolutionMinute:
		return "minute"
	case Resolution5Min:
		return "5min"
	case ResolutionHourly:
		return "hourly"
	case ResolutionDaily:
		return "daily"
	case ResolutionWeekly:
		return "weekly"
	default:
		return fmt.Sprintf("unknown(%d)", r)
	}
}

// Duration returns the bucket width for this resolution.
func (r Resolution) Duration() time.Duration {
	switch r {
	case ResolutionMinute:
		return time.Minute
	case Resolution5Min:
		return 5 * time.Minute
	case ResolutionHourly:
		return time.Hour
	case ResolutionDaily:
		return 24 * time.Hour
	case ResolutionWeekly:
		return 7 * 24 * time.Hour
	default:
		return 0
	}
}

// Seconds returns the bucket width in seconds.
func (r Resolution) Seconds() float64 {
	return r.Duration().Seconds()
}

// ParseResolution parses a string into a Resolution.
func ParseResolution(s string) (Resolution, error) {
	switch s {
	case "minute", "1min":
		return ResolutionMinute, nil
	case "5min":
		return Resolution5Min, nil
	case "hourly":
		return ResolutionHourly, nil
	case "daily":
		return ResolutionDaily, nil
	case "weekly":
		return ResolutionWeekly, nil
	default:
		return Resolution5Min, fmt.Errorf("unknown resolution: %s", s)
	}
}

// AllResolutions returns all presets from finest to coarsest.
func AllResolutions() []Resolution {
	return []Resolution{ResolutionMinute, Resolution5Min, ResolutionHourly, ResolutionDaily, ResolutionWeekly}
}

// SelectResolution returns the preset suited to a range of epoch seconds.
// Wider ranges get coarser buckets so a chart stays at a few hundred points.
func SelectResolution(start, end float64) Resolution {
	width := end - start

	switch {
	case width <= (6 * time.Hour).Seconds():
		return ResolutionMinute
	case width <= (48 * time.Hour).Seconds():
		return Resolution5Min
	case width <= (30 * 24 * time.Hour).Seconds():
		return ResolutionHourly
	case width <= (2 * 365 * 24 * time.Hour).Seconds():
		return ResolutionDaily
	default:
		return ResolutionWeekly
	}
}
