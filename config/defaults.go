// Package config provides configuration defaults for statline.
//
// This package defines all configurable constants with documented defaults.
// Users can override most of these values via config.yaml.
package config

import "time"

// =============================================================================
// Query Defaults
// =============================================================================

const (
	// DefaultResolutionSec is the output bucket width used when a request
	// does not name one and the range is too short to pick a coarser preset.
	// Override via config: query.default_resolution
	DefaultResolutionSec = 300

	// DefaultLookback is how far back a request reaches when it only gives
	// an end time (or nothing at all). Two weeks covers the usual dashboards.
	DefaultLookback = 14 * 24 * time.Hour

	// DefaultMaxBuckets caps the number of output buckets per query.
	// A one-second resolution over a year would otherwise allocate 31M slots.
	// Override via config: query.max_buckets
	DefaultMaxBuckets = 100000

	// DefaultQueryTimeout bounds how long a single store read may take.
	// Override via config: query.timeout
	DefaultQueryTimeout = 30 * time.Second
)

// =============================================================================
// Aggregation Defaults
// =============================================================================

const (
	// DefaultPercentileAccuracy is the relative accuracy of quantile sketches
	// (0.01 = 1% error).
	// Override via config: aggregation.accuracy
	DefaultPercentileAccuracy = 0.01

	// DefaultEmptyValue is reported for an output bucket that no input span
	// touches, for every built-in aggregator.
	DefaultEmptyValue = 0.0
)

// =============================================================================
// Store Defaults
// =============================================================================

const (
	// DefaultStoreFile is the DuckDB file name below data_dir.
	// Override via config: store.path
	DefaultStoreFile = "statistics.duckdb"

	// DefaultMemoryLimit is the DuckDB memory limit.
	// Override via config: store.memory_limit
	DefaultMemoryLimit = "1GB"

	// DefaultMaxOpenConns is the database/sql pool size.
	DefaultMaxOpenConns = 8

	// DefaultInsertChunk is the number of rows per multi-row INSERT.
	// 7 columns * 100 rows = 700 parameters per statement.
	DefaultInsertChunk = 100
)

// =============================================================================
// Retention Defaults
// =============================================================================

const (
	// DefaultLifetimeDays is how long raw rows are kept when no lifetime
	// rule matches their name. 0 keeps rows forever.
	// Override via config: retention.default_lifetime_days
	DefaultLifetimeDays = 360

	// DefaultRetentionInterval is how often the cleanup loop runs.
	// Override via config: retention.interval
	DefaultRetentionInterval = time.Hour
)

// =============================================================================
// Ingestion Defaults
// =============================================================================

const (
	// DefaultBufferSize is the number of recorder events held between
	// drains. Events recorded while the buffer is full are dropped.
	// Override via config: ingestion.buffer_size
	DefaultBufferSize = 65536

	// DefaultDrainInterval is how often buffered events are folded into
	// the open buckets.
	// Override via config: ingestion.drain_interval
	DefaultDrainInterval = time.Second

	// DefaultFlushInterval is how often open buckets are written to the
	// store. Finished buckets are released after their write.
	// Override via config: ingestion.flush_interval
	DefaultFlushInterval = 5 * time.Minute

	// DefaultDatapointSizeSec is the bucket width of datapoints. Two values
	// recorded within one such bucket keep only the later one.
	// Override via config: ingestion.datapoint_size_sec
	DefaultDatapointSizeSec = 1

	// Backpressure thresholds as buffer usage ratios. Warning triggers an
	// early drain; emergency drops new events.
	DefaultWarningThreshold   = 0.50
	DefaultCriticalThreshold  = 0.75
	DefaultEmergencyThreshold = 0.95
	DefaultHysteresis         = 0.05

	// DefaultWALSegmentSize is the size at which the recorder's write-ahead
	// log starts a new segment.
	// Override via config: ingestion.wal.max_segment_size
	DefaultWALSegmentSize = 16 * 1024 * 1024
)

// =============================================================================
// Compaction Defaults
// =============================================================================

const (
	// DefaultCompactionInterval is how often old rows are merged into
	// coarser buckets.
	// Override via config: compaction.interval
	DefaultCompactionInterval = 6 * time.Hour

	// DefaultCompactionWorkers is the number of names merged concurrently.
	// Override via config: compaction.workers
	DefaultCompactionWorkers = 4
)

// =============================================================================
// Server Defaults
// =============================================================================

const (
	// DefaultListen is the address of the statistics server.
	// Override via config: server.listen
	DefaultListen = "127.0.0.1:9170"

	// DefaultAuthTimeout bounds the wait for a connection's auth message.
	// Override via config: server.auth_timeout
	DefaultAuthTimeout = 10 * time.Second

	// DefaultMaxAuthFailures is the number of failed logins per minute
	// after which an address is refused.
	// Override via config: server.max_auth_failures
	DefaultMaxAuthFailures = 10

	// DefaultSendBufferSize is the number of responses queued per
	// connection before the server waits on a slow client.
	DefaultSendBufferSize = 64

	// DefaultRequestTimeout bounds a single client request.
	DefaultRequestTimeout = 30 * time.Second
)

// =============================================================================
// Wire Defaults
// =============================================================================

const (
	// DefaultMaxMessageSize limits encoded result size to prevent OOM
	// when reading untrusted streams.
	DefaultMaxMessageSize = 16 * 1024 * 1024
)
