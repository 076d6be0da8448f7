package testing

import (
	"github.com/xtxerr/statline/internal/storage/types"
)

// CounterRows returns n consecutive counter rows of width size starting at
// start, each holding value.
func CounterRows(name string, start, size float64, n int, value float64) []types.Row {
	return uniformRows(name, types.BucketCounter, start, size, n, value)
}

// AverageRows returns n consecutive average rows.
func AverageRows(name string, start, size float64, n int, value float64) []types.Row {
	return uniformRows(name, types.BucketAverage, start, size, n, value)
}

// DatapointRows returns one datapoint row per (time, value) pair.
func DatapointRows(name string, pairs ...[2]float64) []types.Row {
	rows := make([]types.Row, 0, len(pairs))
	for _, p := range pairs {
		rows = append(rows, types.Row{
			Name:  name,
			Type:  types.BucketDatapoint,
			Time:  p[0],
			Size:  1,
			Value: p[1],
		})
	}
	return rows
}

// CPURows returns the two-row counter fixture used by the end-to-end tests:
// 120 over [0, 60) and 180 over [60, 120).
func CPURows() []types.Row {
	return []types.Row{
		{Name: "cpu", Type: types.BucketCounter, Time: 0, Size: 60, Value: 120},
		{Name: "cpu", Type: types.BucketCounter, Time: 60, Size: 60, Value: 180},
	}
}

func uniformRows(name, bucketType string, start, size float64, n int, value float64) []types.Row {
	rows := make([]types.Row, 0, n)
	for i := 0; i < n; i++ {
		rows = append(rows, types.Row{
			Name:  name,
			Type:  bucketType,
			Time:  start + float64(i)*size,
			Size:  size,
			Value: value,
		})
	}
	return rows
}
