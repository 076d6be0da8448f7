// Package parquet snapshots raw statistics rows to and from Parquet files.
//
// The package provides:
//   - RowWriter/RowReader for statistics rows
//   - Support for multiple compression algorithms (snappy, zstd, lz4, gzip)
//   - Conversion between types.Row and the on-disk RowRecord
package parquet
