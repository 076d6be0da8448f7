package config

import (
	"github.com/xtxerr/statline/internal/storage/parquet"
	"github.com/xtxerr/statline/internal/storage/retention"
	"github.com/xtxerr/statline/internal/store"
)

// StoreOptions returns the store settings.
func (c *Config) StoreOptions() store.Config {
	return store.Config{
		Path:         c.StorePath(),
		MemoryLimit:  c.Store.MemoryLimit,
		MaxOpenConns: c.Store.MaxOpenConns,
		QueryTimeout: c.Store.QueryTimeout,
		InsertChunk:  c.Store.InsertChunk,
	}
}

// ParquetOptions returns the snapshot writer settings.
func (c *Config) ParquetOptions() (parquet.Options, error) {
	opts := parquet.DefaultOptions()

	ct, err := parquet.ParseCompressionType(c.Parquet.Compression)
	if err != nil {
		return opts, err
	}
	opts.Compression = ct

	if c.Parquet.RowGroupSize > 0 {
		opts.RowGroupSize = c.Parquet.RowGroupSize
	}
	return opts, nil
}

// LifetimeRules compiles the retention rules.
func (c *Config) LifetimeRules() (*retention.Rules, error) {
	fallback := retention.DefaultRule()
	fallback.LifetimeDays = c.Retention.DefaultLifetimeDays

	rules := make([]retention.Rule, 0, len(c.Retention.Rules))
	for _, r := range c.Retention.Rules {
		size := r.SizeSec
		if size == 0 {
			size = fallback.SizeSec
		}
		rules = append(rules, retention.Rule{
			Pattern:      r.Pattern,
			LifetimeDays: r.LifetimeDays,
			SizeSec:      size,
		})
	}

	return retention.NewRules(fallback, rules...)
}
