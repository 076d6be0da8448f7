package config

import (
	"fmt"
	"time"
)

// Requirements represents estimated resource requirements.
type Requirements struct {
	// Load
	Metrics       int64
	RowsPerSecond float64
	RowsPerDay    int64

	// Storage
	RetainedRows     int64
	StoreBytes       int64
	SnapshotBytes    int64
	StoreMemoryBytes int64

	// Query
	MaxResultBytes int64
}

// Constants for estimates
const (
	// Bytes per row in DuckDB (columnar, compressed)
	bytesPerStoredRow = 24

	// Bytes per row in a Parquet snapshot (dictionary-encoded names)
	bytesPerSnapshotRow = 14

	// One float64 per output bucket
	bytesPerBucketValue = 8
)

// EstimateRequirements estimates the footprint of metrics series that each
// write one row every interval, kept for the default lifetime.
func (c *Config) EstimateRequirements(metrics int, interval time.Duration) Requirements {
	r := Requirements{Metrics: int64(metrics)}

	if interval > 0 {
		r.RowsPerSecond = float64(metrics) / interval.Seconds()
		r.RowsPerDay = int64(float64(metrics) * 86400 / interval.Seconds())
	}

	// A lifetime of 0 keeps rows forever; estimate one year.
	days := int64(c.Retention.DefaultLifetimeDays)
	if days == 0 {
		days = 365
	}
	r.RetainedRows = r.RowsPerDay * days

	r.StoreBytes = r.RetainedRows * bytesPerStoredRow
	r.SnapshotBytes = r.RetainedRows * bytesPerSnapshotRow
	r.StoreMemoryBytes = parseMemoryLimit(c.Store.MemoryLimit)

	r.MaxResultBytes = int64(metrics) * int64(c.Query.MaxBuckets) * bytesPerBucketValue

	return r
}

// FormatRequirements returns a human-readable summary of requirements.
func (r *Requirements) FormatRequirements() string {
	return fmt.Sprintf(`Resource Requirements
=====================

Load:
  Metrics:           %s
  Rows/sec:          %.2f
  Rows/day:          %s

Storage:
  Retained Rows:     %s
  Store:             %s
  Snapshot:          %s
  Store Memory:      %s

Query:
  Max Result:        %s
`,
		formatNumber(r.Metrics),
		r.RowsPerSecond,
		formatNumber(r.RowsPerDay),
		formatNumber(r.RetainedRows),
		formatBytes(r.StoreBytes),
		formatBytes(r.SnapshotBytes),
		formatBytes(r.StoreMemoryBytes),
		formatBytes(r.MaxResultBytes),
	)
}

// parseMemoryLimit parses a memory limit string like "2GB" into bytes.
func parseMemoryLimit(s string) int64 {
	if s == "" {
		return 1024 * 1024 * 1024 // Default 1GB
	}

	var value int64
	var unit string
	_, err := fmt.Sscanf(s, "%d%s", &value, &unit)
	if err != nil {
		// Try without space
		for i, c := range s {
			if c < '0' || c > '9' {
				fmt.Sscanf(s[:i], "%d", &value)
				unit = s[i:]
				break
			}
		}
	}

	switch unit {
	case "B", "b", "":
		return value
	case "KB", "kb", "K", "k", "KiB":
		return value * 1024
	case "MB", "mb", "M", "m", "MiB":
		return value * 1024 * 1024
	case "GB", "gb", "G", "g", "GiB":
		return value * 1024 * 1024 * 1024
	case "TB", "tb", "T", "t", "TiB":
		return value * 1024 * 1024 * 1024 * 1024
	default:
		return 0
	}
}

// formatBytes formats bytes as a human-readable string.
func formatBytes(b int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
		TB = 1024 * GB
	)

	switch {
	case b >= TB:
		return fmt.Sprintf("%.2f TB", float64(b)/float64(TB))
	case b >= GB:
		return fmt.Sprintf("%.2f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.2f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.2f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}

// formatNumber formats a number with a K/M/B suffix.
func formatNumber(n int64) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		return fmt.Sprintf("%.1fK", float64(n)/1000)
	}
	if n < 1000000000 {
		return fmt.Sprintf("%.1fM", float64(n)/1000000)
	}
	return fmt.Sprintf("%.1fB", float64(n)/1000000000)
}
