package series

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/xtxerr/statline/config"
	"github.com/xtxerr/statline/internal/errors"
	"github.com/xtxerr/statline/internal/logging"
	"github.com/xtxerr/statline/internal/storage/aggregate"
	"github.com/xtxerr/statline/internal/storage/timeline"
	"github.com/xtxerr/statline/internal/storage/types"
)

// Result is the answer to a multi-metric query. Every slice in Values has
// one entry per boundary. Metrics that failed to load or aggregate appear in
// Errors instead of Values.
type Result struct {
	Boundaries []float64
	Values     map[string][]float64
	Errors     map[string]string
}

// Names returns the metric names with values, sorted.
func (r *Result) Names() []string {
	names := make([]string, 0, len(r.Values))
	for name := range r.Values {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadErrors collects per-metric failures from Catalog.Load.
type LoadErrors struct {
	Errors map[string]error
}

// Error implements the error interface.
func (e *LoadErrors) Error() string {
	names := e.Names()
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s: %v", name, e.Errors[name]))
	}
	return fmt.Sprintf("%d metric(s) failed to load: %s", len(names), strings.Join(parts, "; "))
}

// Unwrap exposes the individual errors to errors.Is and errors.As.
func (e *LoadErrors) Unwrap() []error {
	out := make([]error, 0, len(e.Errors))
	for _, name := range e.Names() {
		out = append(out, e.Errors[name])
	}
	return out
}

// Names returns the failed metric names, sorted.
func (e *LoadErrors) Names() []string {
	names := make([]string, 0, len(e.Errors))
	for name := range e.Errors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Catalog holds one MetricSeries per metric name.
type Catalog struct {
	mu       sync.RWMutex
	registry *aggregate.Registry
	series   map[string]*MetricSeries
	failed   map[string]error
	logger   *slog.Logger
}

// NewCatalog creates an empty catalog. A nil registry uses the built-in
// defaults.
func NewCatalog(registry *aggregate.Registry) *Catalog {
	if registry == nil {
		registry = aggregate.NewRegistry()
	}
	return &Catalog{
		registry: registry,
		series:   make(map[string]*MetricSeries),
		failed:   make(map[string]error),
		logger:   logging.Component("catalog"),
	}
}

// Load replaces the catalog's contents with series built from rows.
//
// Rows are grouped by name and each group takes the bucket type of its first
// row. A metric that cannot be built is recorded and skipped; the rest still
// load. The returned error, if any, is a *LoadErrors.
func (c *Catalog) Load(rows []types.Row) error {
	groups, order := types.GroupByName(rows)

	loaded := make(map[string]*MetricSeries, len(groups))
	failed := make(map[string]error)

	for _, name := range order {
		ms, err := c.build(name, groups[name])
		if err != nil {
			c.logger.Warn("metric skipped", "metric", name, "error", err)
			failed[name] = err
			continue
		}
		loaded[name] = ms
	}

	c.mu.Lock()
	c.series = loaded
	c.failed = failed
	c.mu.Unlock()

	c.logger.Debug("catalog loaded", "rows", len(rows), "metrics", len(loaded), "failed", len(failed))

	if len(failed) > 0 {
		return &LoadErrors{Errors: failed}
	}
	return nil
}

func (c *Catalog) build(name string, rows []types.Row) (*MetricSeries, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("metric %q: %w", name, errors.ErrInvalidName)
	}

	bucketType := rows[0].Type
	for _, row := range rows[1:] {
		if row.Type != bucketType {
			return nil, fmt.Errorf("metric %s: %q and %q: %w", name, bucketType, row.Type, errors.ErrInconsistentBucketType)
		}
	}

	agg, err := c.registry.Lookup(bucketType)
	if err != nil {
		return nil, fmt.Errorf("metric %s: %w", name, err)
	}

	return NewMetricSeries(name, bucketType, rows, agg)
}

// Query aggregates every loaded metric over buckets of bucketSize starting at
// start, for every bucket start before end.
func (c *Catalog) Query(bucketSize, start, end float64) (*Result, error) {
	boundaries, err := timeline.Boundaries(bucketSize, start, end)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	result := &Result{
		Boundaries: boundaries,
		Values:     make(map[string][]float64, len(c.series)),
		Errors:     make(map[string]string),
	}

	for name, ms := range c.series {
		values, err := ms.Stat(bucketSize, timeline.From(start), timeline.Until(end))
		if err != nil {
			result.Errors[name] = err.Error()
			continue
		}
		result.Values[name] = values
	}
	for name, err := range c.failed {
		result.Errors[name] = err.Error()
	}

	return result, nil
}

// Stat aggregates a single metric. A name with no rows yields one empty
// value per bucket. A name that failed to load returns its load error.
func (c *Catalog) Stat(name string, bucketSize float64, opts ...timeline.RangeOption) ([]float64, error) {
	c.mu.RLock()
	ms, ok := c.series[name]
	loadErr := c.failed[name]
	c.mu.RUnlock()

	if ok {
		return ms.Stat(bucketSize, opts...)
	}
	if loadErr != nil {
		return nil, loadErr
	}
	return EmptySeries(bucketSize, opts...)
}

// EmptySeries returns config.DefaultEmptyValue for every bucket of an empty
// timeline partitioned with the given options.
func EmptySeries(bucketSize float64, opts ...timeline.RangeOption) ([]float64, error) {
	p, err := timeline.New(nil).Partition(bucketSize, opts...)
	if err != nil {
		return nil, err
	}
	out := make([]float64, p.Len())
	for i := range out {
		out[i] = config.DefaultEmptyValue
	}
	return out, nil
}

// Get returns the series for name.
func (c *Catalog) Get(name string) (*MetricSeries, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if ms, ok := c.series[name]; ok {
		return ms, nil
	}
	if err, ok := c.failed[name]; ok {
		return nil, err
	}
	return nil, fmt.Errorf("metric %s: %w", name, errors.ErrMetricNotFound)
}

// Names returns the loaded metric names in lexicographic order.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	names := make([]string, 0, len(c.series))
	for name := range c.series {
		names = append(names, name)
	}
	c.mu.RUnlock()

	sort.Strings(names)
	return names
}

// Len returns the number of loaded metrics.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.series)
}

// Failed returns the load error for each metric that could not be built.
func (c *Catalog) Failed() map[string]error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]error, len(c.failed))
	for name, err := range c.failed {
		out[name] = err
	}
	return out
}
