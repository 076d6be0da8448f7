// Package storage ties the statistics row store to the downsampling engine.
//
// Architecture:
//
//	┌─────────────┐     ┌─────────────┐     ┌─────────────┐
//	│  Collector  │────▶│   DuckDB    │────▶│    Query    │
//	│ (Record)    │     │ row store   │     │   Service   │
//	└─────────────┘     └─────────────┘     └─────────────┘
//	                      │        ▲               │
//	                      ▼        │               ▼
//	               ┌───────────┐ ┌─────────┐ ┌─────────────┐
//	               │ Retention │ │ Parquet │ │   Catalog   │
//	               │  Manager  │ │snapshots│ │ (timeline + │
//	               └───────────┘ └─────────┘ │ aggregator) │
//	                                         └─────────────┘
//
// A query reads the raw rows of the requested metrics, groups them into one
// series per name, splits every series into equal-width output buckets and
// reduces each bucket with the aggregator registered for the metric's bucket
// type (counter sums, average means, datapoint carries the last sample
// forward).
//
// Subpackages:
//   - span: intervals and points with proportional splitting
//   - timeline: sorted spans partitioned into buckets
//   - aggregate: aggregators and the bucket type registry
//   - series: per-metric series and the catalog
//   - query: request validation, defaults and shared reads
//   - retention: lifetime rules and row cleanup
//   - parquet: snapshot import and export
//   - config: YAML configuration
package storage
