package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/statline/internal/logging"
	"github.com/xtxerr/statline/internal/storage/aggregate"
	"github.com/xtxerr/statline/internal/storage/compaction"
	"github.com/xtxerr/statline/internal/storage/config"
	"github.com/xtxerr/statline/internal/storage/ingestion"
	"github.com/xtxerr/statline/internal/storage/parquet"
	"github.com/xtxerr/statline/internal/storage/query"
	"github.com/xtxerr/statline/internal/storage/retention"
	"github.com/xtxerr/statline/internal/storage/series"
	"github.com/xtxerr/statline/internal/storage/types"
	"github.com/xtxerr/statline/internal/store"
	"github.com/xtxerr/statline/internal/validation"
)

// importBatch is the number of rows read from a snapshot per store insert.
const importBatch = 10000

// Service is the main storage service that orchestrates all components.
type Service struct {
	mu sync.RWMutex

	config *config.Config
	logger *slog.Logger

	// Components
	store     *store.Store
	query     *query.Service
	retention *retention.Manager
	recorder  *ingestion.Service
	compactor *compaction.Engine

	// State
	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// Statistics
	startTime    time.Time
	rowsRecorded atomic.Int64
	rowsImported atomic.Int64
	rowsExported atomic.Int64
}

// New creates a new storage service and opens its store.
func New(cfg *config.Config) (*Service, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	// Ensure directories exist
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	rules, err := cfg.LifetimeRules()
	if err != nil {
		return nil, fmt.Errorf("retention rules: %w", err)
	}

	st, err := store.Open(cfg.StoreOptions())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	qry, err := query.New(cfg, st, nil)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("create query: %w", err)
	}

	cmp, err := compaction.New(cfg, st)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("create compaction: %w", err)
	}

	rec, err := ingestion.New(cfg, st, rules)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("create recorder: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Service{
		config:    cfg,
		logger:    logging.Component("storage"),
		store:     st,
		query:     qry,
		retention: retention.New(st, rules),
		recorder:  rec,
		compactor: cmp,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start starts the recorder, the compaction scheduler and the background
// retention worker.
func (s *Service) Start() error {
	if s.running.Load() {
		return fmt.Errorf("service already running")
	}

	if err := s.recorder.Start(); err != nil {
		return fmt.Errorf("start recorder: %w", err)
	}

	if s.config.Compaction.Enabled {
		if err := s.compactor.Start(); err != nil {
			s.recorder.Stop()
			return fmt.Errorf("start compaction: %w", err)
		}
	}

	s.running.Store(true)
	s.mu.Lock()
	s.startTime = time.Now()
	s.mu.Unlock()

	s.wg.Add(1)
	go s.retentionWorker()

	s.logger.Info("storage started",
		"store", s.config.StorePath(),
		"retention_interval", s.config.Retention.Interval,
	)
	return nil
}

// Stop stops the background worker, writes the recorder's open buckets and
// closes the store. The service cannot be restarted.
func (s *Service) Stop() error {
	s.running.Store(false)
	s.cancel()

	// Wait for background workers
	s.wg.Wait()

	if err := s.compactor.Stop(); err != nil {
		s.logger.Error("compaction stop failed", "error", err)
	}

	if err := s.recorder.Stop(); err != nil {
		s.logger.Error("recorder stop failed", "error", err)
	}

	if err := s.store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	return nil
}

// retentionWorker periodically runs retention cleanup.
func (s *Service) retentionWorker() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Retention.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.retention.RunCleanup(s.ctx); err != nil && s.ctx.Err() == nil {
				s.logger.Warn("retention cleanup failed", "error", err)
			}
		}
	}
}

// Record persists rows handed over by a collector. A batch with any invalid
// row is rejected as a whole.
func (s *Service) Record(ctx context.Context, rows []types.Row) error {
	if err := validation.ValidateRows(rows); err != nil {
		return err
	}

	if err := s.store.Insert(ctx, rows); err != nil {
		return err
	}
	s.rowsRecorded.Add(int64(len(rows)))
	return nil
}

// Recorder returns the recorder that turns counter, average and datapoint
// calls into rows.
func (s *Service) Recorder() *ingestion.Service {
	return s.recorder
}

// Collect aggregates the requested metrics.
func (s *Service) Collect(ctx context.Context, req query.Request) (*series.Result, error) {
	return s.query.Collect(ctx, req)
}

// Names returns the stored metric names, sorted.
func (s *Service) Names(ctx context.Context) ([]string, error) {
	return s.query.Names(ctx)
}

// Summaries describes the stored metrics matching filter.
func (s *Service) Summaries(ctx context.Context, filter store.NameFilter) ([]store.NameSummary, error) {
	return s.store.Names(ctx, filter)
}

// LastDatapoints returns the most recent value of every datapoint metric.
func (s *Service) LastDatapoints(ctx context.Context) (map[string]float64, error) {
	return s.store.LastDatapoints(ctx)
}

// Import loads every row of a parquet snapshot into the store.
func (s *Service) Import(ctx context.Context, path string) (int64, error) {
	r, err := parquet.NewRowReader(path)
	if err != nil {
		return 0, fmt.Errorf("open snapshot: %w", err)
	}
	defer r.Close()

	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		rows, err := r.Read(importBatch)
		if err == io.EOF {
			break
		}
		if err != nil {
			return total, fmt.Errorf("read snapshot: %w", err)
		}
		if len(rows) == 0 {
			break
		}

		if err := validation.ValidateRows(rows); err != nil {
			return total, fmt.Errorf("snapshot rows %d-%d: %w", total, total+int64(len(rows))-1, err)
		}
		if err := s.store.Insert(ctx, rows); err != nil {
			return total, fmt.Errorf("insert rows: %w", err)
		}
		total += int64(len(rows))
	}

	s.rowsImported.Add(total)
	s.logger.Info("snapshot imported", "path", path, "rows", total)
	return total, nil
}

// Export writes the rows of every metric matching filter to a parquet
// snapshot, grouped by name in name order. Names are read concurrently, at
// most store.max_open_conns at a time.
func (s *Service) Export(ctx context.Context, path string, filter store.NameFilter) (int64, error) {
	opts, err := s.config.ParquetOptions()
	if err != nil {
		return 0, err
	}

	summaries, err := s.store.Names(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("list names: %w", err)
	}

	perName := make([][]types.Row, len(summaries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Store.MaxOpenConns)
	for i, sum := range summaries {
		g.Go(func() error {
			rows, err := s.store.Range(gctx, []string{sum.Name}, sum.MinTime, sum.MaxTime)
			if err != nil {
				return fmt.Errorf("read %s: %w", sum.Name, err)
			}
			perName[i] = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	w, err := parquet.NewRowWriter(path, opts)
	if err != nil {
		return 0, fmt.Errorf("create snapshot: %w", err)
	}

	for _, rows := range perName {
		if err := w.Write(rows); err != nil {
			w.Close()
			return 0, fmt.Errorf("write snapshot: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return 0, fmt.Errorf("close snapshot: %w", err)
	}

	n := w.RowCount()
	s.rowsExported.Add(n)
	s.logger.Info("snapshot exported", "path", path, "names", len(summaries), "rows", n)
	return n, nil
}

// RunRetention manually triggers retention cleanup.
func (s *Service) RunRetention(ctx context.Context) ([]retention.CleanupResult, error) {
	return s.retention.RunCleanup(ctx)
}

// DryRunRetention simulates retention cleanup.
func (s *Service) DryRunRetention(ctx context.Context) ([]retention.CleanupResult, error) {
	return s.retention.DryRun(ctx)
}

// RunCompaction merges old rows into coarser buckets now.
func (s *Service) RunCompaction(ctx context.Context) ([]compaction.Result, error) {
	return s.compactor.Run(ctx)
}

// PlanCompaction lists the windows RunCompaction would rewrite.
func (s *Service) PlanCompaction(ctx context.Context) ([]compaction.Job, error) {
	return s.compactor.Plan(ctx)
}

// Stats returns combined statistics.
func (s *Service) Stats() ServiceStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var uptime time.Duration
	if !s.startTime.IsZero() && s.running.Load() {
		uptime = time.Since(s.startTime)
	}

	return ServiceStats{
		Running:      s.running.Load(),
		Uptime:       uptime,
		RowsRecorded: s.rowsRecorded.Load(),
		RowsImported: s.rowsImported.Load(),
		RowsExported: s.rowsExported.Load(),
		Query:        s.query.Stats(),
		Registry:     s.query.Registry().Stats(),
		Retention:    s.retention.Stats(),
		Ingestion:    s.recorder.Stats(),
		Compaction:   s.compactor.Stats(),
	}
}

// ServiceStats holds combined statistics.
type ServiceStats struct {
	Running      bool
	Uptime       time.Duration
	RowsRecorded int64
	RowsImported int64
	RowsExported int64
	Query        query.Stats
	Registry     aggregate.RegistryStats
	Retention    retention.Stats
	Ingestion    ingestion.ServiceStats
	Compaction   compaction.EngineStats
}

// Config returns the current configuration.
func (s *Service) Config() *config.Config {
	return s.config
}

// IsRunning returns whether the service is running.
func (s *Service) IsRunning() bool {
	return s.running.Load()
}

// Health checks that the store answers.
func (s *Service) Health(ctx context.Context) error {
	return s.store.Health(ctx)
}
