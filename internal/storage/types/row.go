package types

import (
	"math"
	"time"
)

// Built-in bucket types.
const (
	// BucketCounter rows hold a quantity accumulated over the bucket
	// (e.g. bytes sent). Re-bucketing sums them.
	BucketCounter = "counter"

	// BucketAverage rows hold a representative value for the bucket
	// (e.g. a median latency). Re-bucketing averages them.
	BucketAverage = "average"

	// BucketDatapoint rows hold an instantaneous sample taken at
	// bucket_time (e.g. a temperature). Their bucket_size is ignored.
	BucketDatapoint = "datapoint"
)

// Row is one persisted statistic bucket.
// Times and sizes are in seconds since the epoch and may be fractional.
type Row struct {
	Name  string  // bucket_name, e.g. "lib.device.status.changed"
	Type  string  // bucket_type
	Time  float64 // bucket_time: start of the bucket (or the sample instant)
	Size  float64 // bucket_size: bucket width
	Value float64 // bucket_value

	// Lifetime is the retention in days requested when the row was written.
	// 0 means keep forever.
	Lifetime int

	// UpdatedAt is the unix time the row was last written.
	UpdatedAt int64
}

// End returns the end of the bucket covered by the row.
func (r *Row) End() float64 {
	return r.Time + r.Size
}

// IsPoint returns true if the row is an instantaneous sample.
func (r *Row) IsPoint() bool {
	return r.Type == BucketDatapoint
}

// StartTime returns the bucket start as a time.Time.
func (r *Row) StartTime() time.Time {
	return SecondsToTime(r.Time)
}

// SecondsToTime converts fractional epoch seconds to a UTC time.Time.
func SecondsToTime(sec float64) time.Time {
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(frac*1e9)).UTC()
}

// TimeToSeconds converts a time.Time to fractional epoch seconds.
func TimeToSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// GroupByName splits rows by bucket name, preserving input order within
// each group. The second return value lists names in first-seen order.
func GroupByName(rows []Row) (map[string][]Row, []string) {
	groups := make(map[string][]Row)
	var order []string

	for _, r := range rows {
		if _, ok := groups[r.Name]; !ok {
			order = append(order, r.Name)
		}
		groups[r.Name] = append(groups[r.Name], r)
	}

	return groups, order
}
