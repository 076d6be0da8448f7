package query

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/xtxerr/statline/internal/errors"
	"github.com/xtxerr/statline/internal/logging"
	"github.com/xtxerr/statline/internal/storage/aggregate"
	"github.com/xtxerr/statline/internal/storage/config"
	"github.com/xtxerr/statline/internal/storage/series"
	"github.com/xtxerr/statline/internal/storage/timeline"
	"github.com/xtxerr/statline/internal/storage/types"
	"github.com/xtxerr/statline/internal/store"
)

// RowSource reads persisted statistics rows.
type RowSource interface {
	// Range returns the rows of names with bucket time in [start, stop].
	Range(ctx context.Context, names []string, start, stop float64) ([]types.Row, error)

	// Names summarises the stored metrics.
	Names(ctx context.Context, filter store.NameFilter) ([]store.NameSummary, error)
}

// Request describes a multi-metric query. Times are epoch seconds.
type Request struct {
	Names []string

	// Start defaults to End minus the configured lookback when 0.
	Start float64

	// End defaults to the current time when 0.
	End float64

	// Resolution is the output bucket width in seconds. 0 selects a preset
	// from the range width.
	Resolution float64
}

// Service answers queries by loading rows from a RowSource into a fresh
// catalog and aggregating them.
//
// Identical concurrent requests share one store read.
type Service struct {
	mu sync.Mutex

	config   *config.Config
	source   RowSource
	registry *aggregate.Registry
	group    singleflight.Group
	latest   atomic.Pointer[series.Catalog]
	now      func() time.Time
	logger   *slog.Logger

	// Statistics
	stats Stats
}

// Stats holds query statistics.
type Stats struct {
	QueriesExecuted int64
	QueriesShared   int64
	RowsLoaded      int64
	Errors          int64
	LastDuration    time.Duration
}

// New creates a new query service. A nil config uses the defaults and a nil
// registry is built from the config's aggregation section.
func New(cfg *config.Config, source RowSource, registry *aggregate.Registry) (*Service, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if source == nil {
		return nil, errors.NewMissingField("row source")
	}

	if registry == nil {
		var err error
		registry, err = NewRegistry(cfg.Aggregation)
		if err != nil {
			return nil, fmt.Errorf("build registry: %w", err)
		}
	}

	s := &Service{
		config:   cfg,
		source:   source,
		registry: registry,
		now:      time.Now,
		logger:   logging.Component("query"),
	}
	s.latest.Store(series.NewCatalog(registry))

	return s, nil
}

// NewRegistry builds the bucket type registry described by cfg.
// Configured quantile types are registered in addition to the built-ins.
func NewRegistry(cfg config.AggregationConfig) (*aggregate.Registry, error) {
	var opts []aggregate.Option
	if cfg.StrictTypes {
		opts = append(opts, aggregate.StrictTypes())
	} else {
		opts = append(opts, aggregate.WithFallback(
			aggregate.NewCustom("custom", aggregate.MeanValues, cfg.FallbackDefault),
		))
	}
	reg := aggregate.NewRegistry(opts...)

	bucketTypes := make([]string, 0, len(cfg.Quantiles))
	for bucketType := range cfg.Quantiles {
		bucketTypes = append(bucketTypes, bucketType)
	}
	sort.Strings(bucketTypes)

	for _, bucketType := range bucketTypes {
		agg, err := aggregate.NewQuantile(bucketType, cfg.Quantiles[bucketType], cfg.Accuracy)
		if err != nil {
			return nil, fmt.Errorf("quantile %s: %w", bucketType, err)
		}
		if err := reg.Register(bucketType, agg); err != nil {
			return nil, err
		}
	}

	return reg, nil
}

// Registry returns the registry used to build catalogs.
func (s *Service) Registry() *aggregate.Registry {
	return s.registry
}

// Collect returns one value per output bucket for every requested name.
// Names without stored rows get an empty series; names whose rows cannot be
// aggregated are reported in Result.Errors.
func (s *Service) Collect(ctx context.Context, req Request) (*series.Result, error) {
	req, err := s.normalize(req)
	if err != nil {
		s.recordError()
		return nil, err
	}

	n, err := timeline.BucketCount(req.Resolution, req.Start, req.End)
	if err != nil {
		s.recordError()
		return nil, err
	}
	if n > s.config.Query.MaxBuckets {
		s.recordError()
		return nil, fmt.Errorf("%d buckets exceed max_buckets %d: %w", n, s.config.Query.MaxBuckets, errors.ErrTooManyBuckets)
	}

	started := s.now()

	// The shared read outlives any single caller; each caller still stops
	// waiting on its own context.
	flight := context.WithoutCancel(ctx)
	ch := s.group.DoChan(requestKey(req), func() (interface{}, error) {
		return s.collect(flight, req)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		s.recordError()
		return nil, ctx.Err()
	}

	v, err, shared := res.Val, res.Err, res.Shared
	if err != nil {
		s.recordError()
		s.logger.Warn("query failed", "names", len(req.Names), "error", err)
		return nil, err
	}

	result := v.(*series.Result)
	s.mu.Lock()
	s.stats.QueriesExecuted++
	if shared {
		s.stats.QueriesShared++
	}
	s.stats.LastDuration = s.now().Sub(started)
	s.mu.Unlock()

	if shared {
		return copyResult(result), nil
	}
	return result, nil
}

func (s *Service) collect(ctx context.Context, req Request) (*series.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.Query.Timeout)
	defer cancel()

	rows, err := s.source.Range(ctx, req.Names, req.Start, req.End)
	if err != nil {
		return nil, fmt.Errorf("read rows: %w", err)
	}

	catalog := series.NewCatalog(s.registry)
	if err := catalog.Load(rows); err != nil {
		// Per-metric failures surface in the result.
		var loadErrs *series.LoadErrors
		if !errors.As(err, &loadErrs) {
			return nil, err
		}
	}
	s.latest.Store(catalog)

	result, err := catalog.Query(req.Resolution, req.Start, req.End)
	if err != nil {
		return nil, err
	}

	for _, name := range req.Names {
		if _, ok := result.Values[name]; ok {
			continue
		}
		if _, ok := result.Errors[name]; ok {
			continue
		}
		empty, err := series.EmptySeries(req.Resolution, timeline.From(req.Start), timeline.Until(req.End))
		if err != nil {
			return nil, err
		}
		result.Values[name] = empty
	}

	s.mu.Lock()
	s.stats.RowsLoaded += int64(len(rows))
	s.mu.Unlock()

	s.logger.Debug("query collected",
		"names", len(req.Names),
		"rows", len(rows),
		"buckets", len(result.Boundaries),
		"resolution", req.Resolution,
	)

	return result, nil
}

// normalize validates req and fills in defaults.
func (s *Service) normalize(req Request) (Request, error) {
	verrs := errors.NewValidationErrors()

	if len(req.Names) == 0 {
		verrs.AddMissing("names")
	}
	seen := make(map[string]bool, len(req.Names))
	names := make([]string, 0, len(req.Names))
	for _, name := range req.Names {
		if strings.TrimSpace(name) == "" {
			verrs.Add(fmt.Errorf("name %q: %w", name, errors.ErrInvalidName))
			continue
		}
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}

	for field, v := range map[string]float64{"start": req.Start, "end": req.End, "resolution": req.Resolution} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			verrs.AddField(field, "must be a finite number")
		}
	}
	if req.Resolution < 0 {
		verrs.AddField("resolution", "must not be negative")
	}

	if err := verrs.Err(); err != nil {
		return req, err
	}

	req.Names = names
	if req.End == 0 {
		req.End = types.TimeToSeconds(s.now())
	}
	if req.Start == 0 {
		req.Start = req.End - s.config.Query.Lookback.Seconds()
	}
	if req.Resolution == 0 {
		req.Resolution = types.SelectResolution(req.Start, req.End).Seconds()
	}

	return req, nil
}

// Latest returns the catalog built by the most recent query.
func (s *Service) Latest() *series.Catalog {
	return s.latest.Load()
}

// Names returns the stored metric names, sorted.
func (s *Service) Names(ctx context.Context) ([]string, error) {
	summaries, err := s.source.Names(ctx, store.NameFilter{})
	if err != nil {
		s.recordError()
		return nil, err
	}

	names := make([]string, 0, len(summaries))
	for _, sum := range summaries {
		names = append(names, sum.Name)
	}
	sort.Strings(names)
	return names, nil
}

// Stats returns query statistics.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Service) recordError() {
	s.mu.Lock()
	s.stats.Errors++
	s.mu.Unlock()
}

func requestKey(req Request) string {
	names := make([]string, len(req.Names))
	copy(names, req.Names)
	sort.Strings(names)
	return fmt.Sprintf("%s|%v|%v|%v", strings.Join(names, "\x00"), req.Start, req.End, req.Resolution)
}

// copyResult gives each caller sharing a flight its own maps.
func copyResult(r *series.Result) *series.Result {
	out := &series.Result{
		Boundaries: append([]float64(nil), r.Boundaries...),
		Values:     make(map[string][]float64, len(r.Values)),
		Errors:     make(map[string]string, len(r.Errors)),
	}
	for name, values := range r.Values {
		out.Values[name] = append([]float64(nil), values...)
	}
	for name, msg := range r.Errors {
		out.Errors[name] = msg
	}
	return out
}
