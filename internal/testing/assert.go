package testing

import (
	"fmt"
	"math"
)

// Tolerance is the relative error accepted by AssertClose and AssertSeries.
const Tolerance = 1e-9

// AssertEqual returns an error if got != want.
func AssertEqual[T comparable](got, want T, msg string) error {
	if got != want {
		return fmt.Errorf("%s: got %v, want %v", msg, got, want)
	}
	return nil
}

// AssertNoError returns an error if err is not nil.
func AssertNoError(err error, msg string) error {
	if err != nil {
		return fmt.Errorf("%s: unexpected error: %w", msg, err)
	}
	return nil
}

// Close reports whether a and b agree within Tolerance.
func Close(a, b float64) bool {
	if a == b {
		return true
	}
	return math.Abs(a-b) <= Tolerance*math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
}

// AssertClose returns an error if got and want differ by more than Tolerance.
func AssertClose(got, want float64, msg string) error {
	if !Close(got, want) {
		return fmt.Errorf("%s: got %v, want %v", msg, got, want)
	}
	return nil
}

// AssertSeries compares two series element-wise within Tolerance.
func AssertSeries(got, want []float64, msg string) error {
	if len(got) != len(want) {
		return fmt.Errorf("%s: got %d values %v, want %d values %v", msg, len(got), got, len(want), want)
	}
	for i := range got {
		if !Close(got[i], want[i]) {
			return fmt.Errorf("%s: value %d: got %v, want %v (series %v)", msg, i, got[i], want[i], got)
		}
	}
	return nil
}
