// Package series binds raw statistics rows to timelines and answers range
// queries over many metrics at once.
package series

import (
	"fmt"

	"github.com/xtxerr/statline/internal/storage/aggregate"
	"github.com/xtxerr/statline/internal/storage/span"
	"github.com/xtxerr/statline/internal/storage/timeline"
	"github.com/xtxerr/statline/internal/storage/types"
)

// MetricSeries is the timeline of one metric plus the aggregator that
// reduces its buckets.
type MetricSeries struct {
	Name       string
	BucketType string
	Timeline   *timeline.Timeline
	Aggregator aggregate.Aggregator
}

// NewMetricSeries converts rows into spans. For the datapoint type each row
// becomes a point at its time; otherwise rows become intervals
// [Time, Time+Size).
func NewMetricSeries(name, bucketType string, rows []types.Row, agg aggregate.Aggregator) (*MetricSeries, error) {
	spans := make([]span.Span, 0, len(rows))
	points := bucketType == types.BucketDatapoint

	for _, row := range rows {
		if points {
			spans = append(spans, span.NewPoint(row.Time, row.Value))
			continue
		}

		s, err := span.NewInterval(row.Time, row.End(), row.Value)
		if err != nil {
			return nil, fmt.Errorf("metric %s: row at %v size %v: %w", name, row.Time, row.Size, err)
		}
		spans = append(spans, s)
	}

	return &MetricSeries{
		Name:       name,
		BucketType: bucketType,
		Timeline:   timeline.New(spans),
		Aggregator: agg,
	}, nil
}

// Stat partitions the timeline into buckets of bucketSize and reduces each.
func (m *MetricSeries) Stat(bucketSize float64, opts ...timeline.RangeOption) ([]float64, error) {
	p, err := m.Timeline.Partition(bucketSize, opts...)
	if err != nil {
		return nil, fmt.Errorf("metric %s: %w", m.Name, err)
	}
	return m.Aggregator.Aggregate(p), nil
}

// Len returns the number of spans in the series.
func (m *MetricSeries) Len() int {
	return m.Timeline.Len()
}
