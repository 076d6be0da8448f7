package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/xtxerr/statline/internal/logging"
	"github.com/xtxerr/statline/internal/storage/parquet"
)

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	// DataDir
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}

	// Logging
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging: %w", err))
	}

	// Store
	if err := c.Store.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}

	// Query
	if err := c.Query.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("query: %w", err))
	}

	// Aggregation
	if err := c.Aggregation.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("aggregation: %w", err))
	}

	// Parquet
	if err := c.Parquet.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("parquet: %w", err))
	}

	// Retention
	if err := c.Retention.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("retention: %w", err))
	}

	// Ingestion
	if err := c.Ingestion.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("ingestion: %w", err))
	}

	// Compaction
	if err := c.Compaction.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("compaction: %w", err))
	}

	// Server
	if err := c.Server.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("server: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the store configuration.
func (c *StoreConfig) Validate() error {
	var errs []error

	if c.MemoryLimit != "" && parseMemoryLimit(c.MemoryLimit) <= 0 {
		errs = append(errs, fmt.Errorf("memory_limit %q is not a size", c.MemoryLimit))
	}

	if c.MaxOpenConns <= 0 {
		errs = append(errs, errors.New("max_open_conns must be positive"))
	}

	if c.QueryTimeout <= 0 {
		errs = append(errs, errors.New("query_timeout must be positive"))
	}

	if c.InsertChunk <= 0 {
		errs = append(errs, errors.New("insert_chunk must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the query configuration.
func (c *QueryConfig) Validate() error {
	var errs []error

	if c.DefaultResolution < 0 {
		errs = append(errs, errors.New("default_resolution must not be negative"))
	}

	if c.Lookback <= 0 {
		errs = append(errs, errors.New("lookback must be positive"))
	}

	if c.MaxBuckets <= 0 {
		errs = append(errs, errors.New("max_buckets must be positive"))
	}

	if c.Timeout <= 0 {
		errs = append(errs, errors.New("timeout must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the aggregation configuration.
func (c *AggregationConfig) Validate() error {
	var errs []error

	if c.Accuracy <= 0 || c.Accuracy >= 1 {
		errs = append(errs, errors.New("accuracy must be between 0 and 1"))
	}

	for bucketType, q := range c.Quantiles {
		if strings.TrimSpace(bucketType) == "" {
			errs = append(errs, errors.New("quantiles: bucket type must not be blank"))
		}
		if q < 0 || q > 1 {
			errs = append(errs, fmt.Errorf("quantiles.%s must be between 0 and 1", bucketType))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the parquet configuration.
func (c *ParquetConfig) Validate() error {
	var errs []error

	if _, err := parquet.ParseCompressionType(c.Compression); err != nil {
		errs = append(errs, fmt.Errorf("compression must be one of: snappy, zstd, lz4, gzip, none"))
	}

	if c.RowGroupSize <= 0 {
		errs = append(errs, errors.New("row_group_size must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the retention configuration.
func (c *RetentionConfig) Validate() error {
	var errs []error

	if c.Interval <= 0 {
		errs = append(errs, errors.New("interval must be positive"))
	}

	if c.DefaultLifetimeDays < 0 {
		errs = append(errs, errors.New("default_lifetime_days must not be negative"))
	}

	seen := make(map[string]bool, len(c.Rules))
	for i, r := range c.Rules {
		if strings.TrimSpace(r.Pattern) == "" {
			errs = append(errs, fmt.Errorf("rules[%d]: pattern is required", i))
			continue
		}
		if seen[r.Pattern] {
			errs = append(errs, fmt.Errorf("rules[%d]: duplicate pattern %q", i, r.Pattern))
		}
		seen[r.Pattern] = true

		if r.LifetimeDays < 0 {
			errs = append(errs, fmt.Errorf("rules[%d]: lifetime_days must not be negative", i))
		}
		if r.SizeSec < 0 {
			errs = append(errs, fmt.Errorf("rules[%d]: size_sec must not be negative", i))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the ingestion configuration.
func (c *IngestionConfig) Validate() error {
	var errs []error

	if c.BufferSize <= 0 {
		errs = append(errs, errors.New("buffer_size must be positive"))
	}

	if c.DrainInterval <= 0 {
		errs = append(errs, errors.New("drain_interval must be positive"))
	}

	if c.FlushInterval <= 0 {
		errs = append(errs, errors.New("flush_interval must be positive"))
	}

	if c.DatapointSizeSec <= 0 {
		errs = append(errs, errors.New("datapoint_size_sec must be positive"))
	}

	if err := c.Backpressure.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("backpressure: %w", err))
	}

	if err := c.WAL.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("wal: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the backpressure thresholds. Disabled backpressure is
// not checked.
func (c *BackpressureConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	var errs []error

	if !(0 < c.Warning && c.Warning < c.Critical && c.Critical < c.Emergency && c.Emergency <= 1) {
		errs = append(errs, errors.New("thresholds must satisfy 0 < warning < critical < emergency <= 1"))
	}

	if c.Hysteresis < 0 || c.Hysteresis >= c.Warning {
		errs = append(errs, errors.New("hysteresis must be between 0 and the warning threshold"))
	}

	if c.Cooldown < 0 {
		errs = append(errs, errors.New("cooldown must not be negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the write-ahead log settings. A disabled WAL is not
// checked.
func (c *WALConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.MaxSegmentSize <= 0 {
		return errors.New("max_segment_size must be positive")
	}
	return nil
}

// Validate checks the compaction configuration. Tiers must grow older and
// coarser, each bucket width a multiple of the one before.
func (c *CompactionConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	var errs []error

	if c.Interval <= 0 {
		errs = append(errs, errors.New("interval must be positive"))
	}

	if c.Workers <= 0 {
		errs = append(errs, errors.New("workers must be positive"))
	}

	for i, t := range c.Tiers {
		if t.AfterDays <= 0 {
			errs = append(errs, fmt.Errorf("tiers[%d]: after_days must be positive", i))
		}
		if t.SizeSec <= 0 {
			errs = append(errs, fmt.Errorf("tiers[%d]: size_sec must be positive", i))
			continue
		}
		if i == 0 {
			continue
		}

		prev := c.Tiers[i-1]
		if t.AfterDays <= prev.AfterDays {
			errs = append(errs, fmt.Errorf("tiers[%d]: after_days must exceed %d", i, prev.AfterDays))
		}
		if prev.SizeSec > 0 && (t.SizeSec <= prev.SizeSec || t.SizeSec%prev.SizeSec != 0) {
			errs = append(errs, fmt.Errorf("tiers[%d]: size_sec must be a multiple of %d", i, prev.SizeSec))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the server configuration. Tokens are not required here;
// only a server that is actually started needs one.
func (c *ServerConfig) Validate() error {
	var errs []error

	if c.Listen == "" {
		errs = append(errs, errors.New("listen is required"))
	}

	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		errs = append(errs, errors.New("tls_cert and tls_key must be set together"))
	}

	if c.AuthTimeout <= 0 {
		errs = append(errs, errors.New("auth_timeout must be positive"))
	}

	if c.MaxAuthFailures <= 0 {
		errs = append(errs, errors.New("max_auth_failures must be positive"))
	}

	if c.MaxMessageSize <= 0 {
		errs = append(errs, errors.New("max_message_size must be positive"))
	}

	ids := make(map[string]bool, len(c.Tokens))
	for i, t := range c.Tokens {
		if t.ID == "" {
			errs = append(errs, fmt.Errorf("tokens[%d]: id is required", i))
		} else if ids[t.ID] {
			errs = append(errs, fmt.Errorf("tokens[%d]: duplicate id %q", i, t.ID))
		}
		ids[t.ID] = true

		if t.Token == "" {
			errs = append(errs, fmt.Errorf("tokens[%d]: token is required", i))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
