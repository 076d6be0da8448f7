// Package types defines the data types shared by the statistics packages.
//
// Key types:
//   - Row: one persisted statistic bucket as handed over by the store
//   - BucketType: how a row's value accumulates (counter, average, datapoint)
//   - Resolution: preset output bucket widths (minute, 5min, hourly, daily, weekly)
package types
