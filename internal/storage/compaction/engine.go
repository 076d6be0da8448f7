// Package compaction merges old statistics rows into coarser buckets.
//
// Each tier names an age and a bucket width. A metric's rows older than the
// oldest tier's age are rewritten into that tier's buckets, rows between two
// tier ages into the younger tier's buckets:
//
//	now - 60d  →  5 minute buckets
//	now - 90d  →  hourly buckets
//	now - 365d →  6 hour buckets
//	now - 730d →  daily buckets
//
// Counters are summed, averages averaged and datapoints keep the last sample
// of each bucket. Buckets no row touches are not written.
package compaction

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/statline/internal/errors"
	"github.com/xtxerr/statline/internal/logging"
	"github.com/xtxerr/statline/internal/storage/aggregate"
	"github.com/xtxerr/statline/internal/storage/config"
	"github.com/xtxerr/statline/internal/storage/series"
	"github.com/xtxerr/statline/internal/storage/timeline"
	"github.com/xtxerr/statline/internal/storage/types"
	"github.com/xtxerr/statline/internal/store"
)

// Store is the part of the row store compaction needs.
type Store interface {
	Names(ctx context.Context, filter store.NameFilter) ([]store.NameSummary, error)
	Range(ctx context.Context, names []string, start, stop float64) ([]types.Row, error)
	Rewrite(ctx context.Context, old, add []types.Row) error
}

// Tier rewrites rows older than After into buckets of Size seconds.
type Tier struct {
	After time.Duration
	Size  float64
}

// Engine runs compaction jobs, either on a schedule or on demand.
type Engine struct {
	mu sync.Mutex

	config   *config.Config
	store    Store
	tiers    []Tier
	reducers map[string]aggregate.ReduceFunc
	workers  int
	logger   *slog.Logger
	now      func() time.Time

	// State
	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// Statistics
	stats Stats
}

// Stats holds compaction statistics.
type Stats struct {
	Runs          atomic.Int64
	JobsScheduled atomic.Int64
	JobsCompleted atomic.Int64
	JobsSkipped   atomic.Int64
	JobsFailed    atomic.Int64
	RowsRead      atomic.Int64
	RowsWritten   atomic.Int64
}

// Job is one window of one metric to rewrite into buckets of Size.
// The window covers bucket times in [Start, End).
type Job struct {
	Name  string
	Size  float64
	Start float64
	End   float64
}

// Result is the outcome of a job.
type Result struct {
	Job
	RowsRead    int
	RowsWritten int
	Skipped     bool // nothing finer than Size in the window
	Err         error
}

// New creates a compaction engine over st. Tiers come from
// cfg.Compaction.Tiers.
func New(cfg *config.Config, st Store) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if st == nil {
		return nil, errors.NewMissingField("store")
	}

	tiers := make([]Tier, 0, len(cfg.Compaction.Tiers))
	for _, t := range cfg.Compaction.Tiers {
		tiers = append(tiers, Tier{
			After: time.Duration(t.AfterDays) * 24 * time.Hour,
			Size:  float64(t.SizeSec),
		})
	}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].After < tiers[j].After })

	workers := cfg.Compaction.Workers
	if workers <= 0 {
		workers = 4
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		config: cfg,
		store:  st,
		tiers:  tiers,
		reducers: map[string]aggregate.ReduceFunc{
			types.BucketCounter:   aggregate.SumValues,
			types.BucketAverage:   aggregate.MeanValues,
			types.BucketDatapoint: aggregate.LastValue,
		},
		workers: workers,
		logger:  logging.Component("compaction"),
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Register sets how rows of bucketType are merged. Rows of types without a
// reducer are never compacted.
func (e *Engine) Register(bucketType string, fn aggregate.ReduceFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reducers[bucketType] = fn
}

// Tiers returns the configured tiers, youngest first.
func (e *Engine) Tiers() []Tier {
	out := make([]Tier, len(e.tiers))
	copy(out, e.tiers)
	return out
}

// Start starts the scheduler.
func (e *Engine) Start() error {
	if e.running.Load() {
		return fmt.Errorf("engine already running")
	}

	e.running.Store(true)

	e.wg.Add(1)
	go e.scheduler()

	e.logger.Info("compaction started",
		"interval", e.config.Compaction.Interval,
		"tiers", len(e.tiers),
		"workers", e.workers,
	)
	return nil
}

// Stop stops the scheduler and waits for a running pass to return.
func (e *Engine) Stop() error {
	if !e.running.Load() {
		return nil
	}

	e.running.Store(false)
	e.cancel()
	e.wg.Wait()

	return nil
}

// scheduler periodically runs a compaction pass.
func (e *Engine) scheduler() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.Compaction.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.Run(e.ctx); err != nil && e.ctx.Err() == nil {
				e.logger.Warn("compaction failed", "error", err)
			}
		}
	}
}

// Plan lists the jobs a pass would run now.
func (e *Engine) Plan(ctx context.Context) ([]Job, error) {
	names, err := e.store.Names(ctx, store.NameFilter{})
	if err != nil {
		return nil, fmt.Errorf("list names: %w", err)
	}
	return e.plan(names, types.TimeToSeconds(e.now())), nil
}

// plan builds one job per name and tier whose window holds rows. Windows
// are aligned to their tier's bucket width and never overlap.
func (e *Engine) plan(names []store.NameSummary, now float64) []Job {
	var jobs []Job

	for _, ns := range names {
		e.mu.Lock()
		_, ok := e.reducers[ns.Type]
		e.mu.Unlock()
		if !ok {
			continue
		}

		// Oldest tier first; each window starts where the older one ends.
		var lower float64
		for i := len(e.tiers) - 1; i >= 0; i-- {
			t := e.tiers[i]
			end := types.BucketTime(now-t.After.Seconds(), t.Size)

			start := lower
			if i == len(e.tiers)-1 {
				start = types.BucketTime(ns.MinTime, t.Size)
			}
			lower = end

			if start >= end || ns.MinTime >= end || ns.MaxTime < start {
				continue
			}

			jobs = append(jobs, Job{Name: ns.Name, Size: t.Size, Start: start, End: end})
		}
	}

	return jobs
}

// Run executes one compaction pass over every stored metric. Jobs run
// concurrently, at most compaction.workers at a time. A failed job is
// reported in its result and does not stop the others.
func (e *Engine) Run(ctx context.Context) ([]Result, error) {
	jobs, err := e.Plan(ctx)
	if err != nil {
		return nil, err
	}

	e.stats.Runs.Add(1)
	e.stats.JobsScheduled.Add(int64(len(jobs)))

	results := make([]Result, len(jobs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, job := range jobs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = e.RunJob(gctx, job)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}

	var read, written int
	for _, r := range results {
		read += r.RowsRead
		written += r.RowsWritten
	}
	if read > 0 {
		e.logger.Info("compaction finished", "jobs", len(jobs), "rows_read", read, "rows_written", written)
	}

	return results, nil
}

// RunJob rewrites the rows of one window into buckets of job.Size.
func (e *Engine) RunJob(ctx context.Context, job Job) Result {
	result := Result{Job: job}

	rows, err := e.store.Range(ctx, []string{job.Name}, job.Start, job.End)
	if err != nil {
		result.Err = fmt.Errorf("read %s: %w", job.Name, err)
		e.fail(result)
		return result
	}

	groups := make(map[string][]types.Row)
	var order []string
	for _, r := range rows {
		// Rows reaching past the window stay as they are.
		if r.Time >= job.End || (!r.IsPoint() && r.End() > job.End) {
			continue
		}
		if _, ok := groups[r.Type]; !ok {
			order = append(order, r.Type)
		}
		groups[r.Type] = append(groups[r.Type], r)
	}

	for _, bucketType := range order {
		group := groups[bucketType]

		e.mu.Lock()
		reduce, ok := e.reducers[bucketType]
		e.mu.Unlock()
		if !ok || !needsRewrite(group, job.Size) {
			continue
		}

		merged, err := e.merge(job, bucketType, group, reduce)
		if err != nil {
			result.Err = err
			e.fail(result)
			return result
		}

		if err := e.store.Rewrite(ctx, group, merged); err != nil {
			result.Err = fmt.Errorf("rewrite %s: %w", job.Name, err)
			e.fail(result)
			return result
		}

		result.RowsRead += len(group)
		result.RowsWritten += len(merged)
	}

	if result.RowsRead == 0 {
		result.Skipped = true
		e.stats.JobsSkipped.Add(1)
		return result
	}

	e.stats.JobsCompleted.Add(1)
	e.stats.RowsRead.Add(int64(result.RowsRead))
	e.stats.RowsWritten.Add(int64(result.RowsWritten))

	e.logger.Debug("window compacted",
		"metric", job.Name,
		"size", job.Size,
		"rows_read", result.RowsRead,
		"rows_written", result.RowsWritten,
	)
	return result
}

func (e *Engine) fail(r Result) {
	e.stats.JobsFailed.Add(1)
	e.logger.Warn("compaction job failed", "metric", r.Name, "size", r.Size, "error", r.Err)
}

// merge partitions the rows of one type into the job's buckets and reduces
// every non-empty bucket to one row.
func (e *Engine) merge(job Job, bucketType string, rows []types.Row, reduce aggregate.ReduceFunc) ([]types.Row, error) {
	ms, err := series.NewMetricSeries(job.Name, bucketType, rows, nil)
	if err != nil {
		return nil, err
	}

	p, err := ms.Timeline.Partition(job.Size, timeline.From(job.Start), timeline.Until(job.End))
	if err != nil {
		return nil, fmt.Errorf("metric %s: %w", job.Name, err)
	}

	lifetime := longestLifetime(rows)
	// Merged datapoints must not look newer than the latest sample.
	updated := latestUpdate(rows)

	var out []types.Row
	for i, bucket := range p.Buckets {
		if len(bucket) == 0 {
			continue
		}
		out = append(out, types.Row{
			Name:      job.Name,
			Type:      bucketType,
			Time:      p.BucketStart(i),
			Size:      job.Size,
			Value:     reduce(bucket),
			Lifetime:  lifetime,
			UpdatedAt: updated,
		})
	}
	return out, nil
}

// needsRewrite reports whether any row is finer than size or off its grid.
func needsRewrite(rows []types.Row, size float64) bool {
	for _, r := range rows {
		if r.Size < size || types.BucketTime(r.Time, size) != r.Time {
			return true
		}
	}
	return false
}

// longestLifetime returns the longest lifetime of rows, where 0 (forever)
// outlasts everything.
func longestLifetime(rows []types.Row) int {
	longest := 0
	for i, r := range rows {
		if r.Lifetime == 0 {
			return 0
		}
		if i == 0 || r.Lifetime > longest {
			longest = r.Lifetime
		}
	}
	return longest
}

func latestUpdate(rows []types.Row) int64 {
	var latest int64
	for _, r := range rows {
		if r.UpdatedAt > latest {
			latest = r.UpdatedAt
		}
	}
	return latest
}

// Stats returns current statistics.
func (e *Engine) Stats() EngineStats {
	return EngineStats{
		Running:       e.running.Load(),
		Tiers:         len(e.tiers),
		Runs:          e.stats.Runs.Load(),
		JobsScheduled: e.stats.JobsScheduled.Load(),
		JobsCompleted: e.stats.JobsCompleted.Load(),
		JobsSkipped:   e.stats.JobsSkipped.Load(),
		JobsFailed:    e.stats.JobsFailed.Load(),
		RowsRead:      e.stats.RowsRead.Load(),
		RowsWritten:   e.stats.RowsWritten.Load(),
	}
}

// EngineStats holds engine statistics.
type EngineStats struct {
	Running       bool
	Tiers         int
	Runs          int64
	JobsScheduled int64
	JobsCompleted int64
	JobsSkipped   int64
	JobsFailed    int64
	RowsRead      int64
	RowsWritten   int64
}

// IsRunning returns whether the scheduler is running.
func (e *Engine) IsRunning() bool {
	return e.running.Load()
}
