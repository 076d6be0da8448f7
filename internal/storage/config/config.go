package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	defaults "github.com/xtxerr/statline/config"
)

// Config represents the complete statline configuration.
type Config struct {
	// DataDir is the root directory for the store file and snapshots.
	DataDir string `yaml:"data_dir"`

	// Logging configures the global logger.
	Logging LoggingConfig `yaml:"logging"`

	// Store configures the DuckDB row store.
	Store StoreConfig `yaml:"store"`

	// Query configures the query service.
	Query QueryConfig `yaml:"query"`

	// Aggregation configures the bucket type registry.
	Aggregation AggregationConfig `yaml:"aggregation"`

	// Parquet configures snapshot export.
	Parquet ParquetConfig `yaml:"parquet"`

	// Retention configures row cleanup.
	Retention RetentionConfig `yaml:"retention"`

	// Ingestion configures the recorder.
	Ingestion IngestionConfig `yaml:"ingestion"`

	// Compaction merges old rows into coarser buckets.
	Compaction CompactionConfig `yaml:"compaction"`

	// Server answers queries and records events over TCP.
	Server ServerConfig `yaml:"server"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// JSON switches the output to JSON lines.
	JSON bool `yaml:"json"`
}

// StoreConfig configures the DuckDB row store.
type StoreConfig struct {
	// Path is the DuckDB file. Relative paths are resolved below DataDir.
	Path string `yaml:"path"`

	// MemoryLimit is the DuckDB memory limit.
	// Format: "512MB", "1GB"
	MemoryLimit string `yaml:"memory_limit"`

	// MaxOpenConns is the database/sql pool size.
	MaxOpenConns int `yaml:"max_open_conns"`

	// QueryTimeout bounds a single read.
	QueryTimeout time.Duration `yaml:"query_timeout"`

	// InsertChunk is the number of rows per INSERT statement.
	InsertChunk int `yaml:"insert_chunk"`
}

// QueryConfig configures the query service.
type QueryConfig struct {
	// DefaultResolution is the output bucket width used by the interactive
	// shell when none is given. 0 selects a preset from the range width.
	DefaultResolution time.Duration `yaml:"default_resolution"`

	// Lookback is how far back a request without a start time reaches.
	Lookback time.Duration `yaml:"lookback"`

	// MaxBuckets caps the number of output buckets per request.
	MaxBuckets int `yaml:"max_buckets"`

	// Timeout bounds a whole request.
	Timeout time.Duration `yaml:"timeout"`
}

// AggregationConfig configures the bucket type registry.
type AggregationConfig struct {
	// StrictTypes rejects metrics with an unregistered bucket type instead
	// of aggregating them with the fallback.
	StrictTypes bool `yaml:"strict_types"`

	// FallbackDefault is the empty-bucket value of the fallback aggregator.
	FallbackDefault float64 `yaml:"fallback_default"`

	// Quantiles registers extra bucket types aggregated by quantile,
	// e.g. {"p95": 0.95}.
	Quantiles map[string]float64 `yaml:"quantiles"`

	// Accuracy is the relative accuracy of quantile sketches (0.01 = 1% error).
	Accuracy float64 `yaml:"accuracy"`
}

// ParquetConfig configures snapshot export.
type ParquetConfig struct {
	// Compression is the compression algorithm: snappy, zstd, lz4, gzip, none.
	Compression string `yaml:"compression"`

	// RowGroupSize is the maximum number of rows per row group.
	RowGroupSize int64 `yaml:"row_group_size"`
}

// RetentionConfig configures row cleanup.
type RetentionConfig struct {
	// Interval is how often the cleanup loop runs.
	Interval time.Duration `yaml:"interval"`

	// DefaultLifetimeDays applies to names no rule matches. 0 keeps forever.
	DefaultLifetimeDays int `yaml:"default_lifetime_days"`

	// Rules assign lifetimes by name pattern.
	Rules []LifetimeRule `yaml:"rules"`
}

// LifetimeRule assigns a lifetime to metric names matching Pattern.
type LifetimeRule struct {
	// Pattern uses "#" for any suffix and "+" for one dotted segment.
	Pattern string `yaml:"pattern"`

	// LifetimeDays is the retention. 0 keeps forever.
	LifetimeDays int `yaml:"lifetime_days"`

	// SizeSec is the bucket size suggested for matching names.
	SizeSec int `yaml:"size_sec"`
}

// CompactionConfig configures consolidation of old rows.
type CompactionConfig struct {
	Enabled bool `yaml:"enabled"`

	// Interval is how often the consolidation loop runs.
	Interval time.Duration `yaml:"interval"`

	// Workers is the number of metric names consolidated concurrently.
	Workers int `yaml:"workers"`

	// Tiers list bucket widths by row age, youngest first.
	Tiers []CompactionTier `yaml:"tiers"`
}

// CompactionTier rewrites rows older than AfterDays into buckets of SizeSec.
type CompactionTier struct {
	AfterDays int `yaml:"after_days"`
	SizeSec   int `yaml:"size_sec"`
}

// ServerConfig configures the statistics server.
type ServerConfig struct {
	// Listen is the address to listen on (e.g., "0.0.0.0:9170").
	Listen string `yaml:"listen"`

	// TLS is used when both files are set.
	TLSCertFile string `yaml:"tls_cert"`
	TLSKeyFile  string `yaml:"tls_key"`

	// Tokens authenticate clients. The server refuses to start without one.
	Tokens []TokenConfig `yaml:"tokens"`

	// AuthTimeout bounds the wait for the first message of a connection.
	AuthTimeout time.Duration `yaml:"auth_timeout"`

	// MaxAuthFailures blocks an address after this many failed logins
	// within one minute.
	MaxAuthFailures int `yaml:"max_auth_failures"`

	// MaxMessageSize limits a single encoded request or response.
	MaxMessageSize int `yaml:"max_message_size"`
}

// TokenConfig grants a client access to the server.
type TokenConfig struct {
	ID    string `yaml:"id"`
	Token string `yaml:"token"`

	// Prefixes limits the metric names a client may read or record.
	// Empty grants every name.
	Prefixes []string `yaml:"prefixes"`

	// ReadOnly refuses record and flush requests.
	ReadOnly bool `yaml:"read_only"`
}

// IngestionConfig configures the recorder that turns counter, average and
// datapoint calls into rows.
type IngestionConfig struct {
	// BufferSize is the event buffer capacity.
	BufferSize int `yaml:"buffer_size"`

	// DrainInterval is how often buffered events are folded into buckets.
	DrainInterval time.Duration `yaml:"drain_interval"`

	// FlushInterval is how often open buckets are written to the store.
	FlushInterval time.Duration `yaml:"flush_interval"`

	// DatapointSizeSec is the bucket width of datapoints.
	DatapointSizeSec int `yaml:"datapoint_size_sec"`

	// KeepDuplicates stores a datapoint even when it repeats the last
	// stored value of its metric.
	KeepDuplicates bool `yaml:"keep_duplicates"`

	// Backpressure drops events when the buffer fills up.
	Backpressure BackpressureConfig `yaml:"backpressure"`

	// WAL logs events before they are buffered so a crash loses nothing
	// that was not yet written to the store.
	WAL WALConfig `yaml:"wal"`
}

// WALConfig configures the recorder's write-ahead log.
type WALConfig struct {
	Enabled        bool  `yaml:"enabled"`
	MaxSegmentSize int64 `yaml:"max_segment_size"`

	// Fsync syncs every drained batch to disk. Without it a batch is
	// handed to the OS and survives a process crash but not a power loss.
	Fsync bool `yaml:"fsync"`
}

// BackpressureConfig configures the buffer usage levels.
type BackpressureConfig struct {
	Enabled bool `yaml:"enabled"`

	// Thresholds are buffer usage ratios (0-1).
	Warning   float64 `yaml:"warning"`
	Critical  float64 `yaml:"critical"`
	Emergency float64 `yaml:"emergency"`

	// Hysteresis is how far usage must fall below a threshold before the
	// level drops back.
	Hysteresis float64 `yaml:"hysteresis"`

	// Cooldown is the minimum time between level evaluations.
	Cooldown time.Duration `yaml:"cooldown"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return config, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "/var/lib/statline",
		Logging: LoggingConfig{
			Level: "info",
		},
		Store: StoreConfig{
			Path:         defaults.DefaultStoreFile,
			MemoryLimit:  defaults.DefaultMemoryLimit,
			MaxOpenConns: defaults.DefaultMaxOpenConns,
			QueryTimeout: defaults.DefaultQueryTimeout,
			InsertChunk:  defaults.DefaultInsertChunk,
		},
		Query: QueryConfig{
			DefaultResolution: defaults.DefaultResolutionSec * time.Second,
			Lookback:          defaults.DefaultLookback,
			MaxBuckets:        defaults.DefaultMaxBuckets,
			Timeout:           defaults.DefaultQueryTimeout,
		},
		Aggregation: AggregationConfig{
			FallbackDefault: defaults.DefaultEmptyValue,
			Accuracy:        defaults.DefaultPercentileAccuracy,
		},
		Parquet: ParquetConfig{
			Compression:  "zstd",
			RowGroupSize: 100000,
		},
		Retention: RetentionConfig{
			Interval:            defaults.DefaultRetentionInterval,
			DefaultLifetimeDays: defaults.DefaultLifetimeDays,
		},
		Ingestion: IngestionConfig{
			BufferSize:       defaults.DefaultBufferSize,
			DrainInterval:    defaults.DefaultDrainInterval,
			FlushInterval:    defaults.DefaultFlushInterval,
			DatapointSizeSec: defaults.DefaultDatapointSizeSec,
			Backpressure: BackpressureConfig{
				Enabled:    true,
				Warning:    defaults.DefaultWarningThreshold,
				Critical:   defaults.DefaultCriticalThreshold,
				Emergency:  defaults.DefaultEmergencyThreshold,
				Hysteresis: defaults.DefaultHysteresis,
			},
			WAL: WALConfig{
				Enabled:        true,
				MaxSegmentSize: defaults.DefaultWALSegmentSize,
			},
		},
		Compaction: CompactionConfig{
			Enabled:  true,
			Interval: defaults.DefaultCompactionInterval,
			Workers:  defaults.DefaultCompactionWorkers,
			Tiers:    DefaultCompactionTiers(),
		},
		Server: ServerConfig{
			Listen:          defaults.DefaultListen,
			AuthTimeout:     defaults.DefaultAuthTimeout,
			MaxAuthFailures: defaults.DefaultMaxAuthFailures,
			MaxMessageSize:  defaults.DefaultMaxMessageSize,
		},
	}
}

// DefaultCompactionTiers keeps full resolution for 60 days, then steps
// through 5 minute, hourly, 6 hour and daily buckets.
func DefaultCompactionTiers() []CompactionTier {
	return []CompactionTier{
		{AfterDays: 60, SizeSec: 300},
		{AfterDays: 90, SizeSec: 3600},
		{AfterDays: 365, SizeSec: 6 * 3600},
		{AfterDays: 730, SizeSec: 24 * 3600},
	}
}

// StorePath returns the DuckDB file path. An empty store path or ":memory:"
// selects an in-memory database.
func (c *Config) StorePath() string {
	switch {
	case c.Store.Path == "" || c.Store.Path == ":memory:":
		return ""
	case filepath.IsAbs(c.Store.Path):
		return c.Store.Path
	default:
		return filepath.Join(c.DataDir, c.Store.Path)
	}
}

// SnapshotDir returns the default directory for parquet exports.
func (c *Config) SnapshotDir() string {
	return filepath.Join(c.DataDir, "snapshots")
}

// WALDir returns the directory of the recorder's write-ahead log.
func (c *Config) WALDir() string {
	return filepath.Join(c.DataDir, "wal")
}

// EnsureDirectories creates the directories the store, the write-ahead log
// and exports write to.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir, c.SnapshotDir()}
	if c.Ingestion.WAL.Enabled {
		dirs = append(dirs, c.WALDir())
	}
	if p := c.StorePath(); p != "" {
		dirs = append(dirs, filepath.Dir(p))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}
