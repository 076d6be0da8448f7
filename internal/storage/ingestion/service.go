// Package ingestion implements the recorder: counter, average and datapoint
// calls are buffered, folded into open buckets and periodically written to
// the row store.
package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/statline/internal/errors"
	"github.com/xtxerr/statline/internal/logging"
	"github.com/xtxerr/statline/internal/storage/backpressure"
	"github.com/xtxerr/statline/internal/storage/buffer"
	"github.com/xtxerr/statline/internal/storage/config"
	"github.com/xtxerr/statline/internal/storage/retention"
	"github.com/xtxerr/statline/internal/storage/types"
	"github.com/xtxerr/statline/internal/storage/wal"
	"github.com/xtxerr/statline/internal/validation"
)

// Store is the part of the row store the recorder writes through.
type Store interface {
	Replace(ctx context.Context, rows []types.Row) error
	Range(ctx context.Context, names []string, start, stop float64) ([]types.Row, error)
	LastDatapoints(ctx context.Context) (map[string]float64, error)
}

type bucketKey struct {
	name string
	typ  string
	time float64
}

// bucket is an open bucket held in memory until it is finished and flushed.
type bucket struct {
	size     float64
	lifetime int
	value    float64

	// average buckets
	sum   float64
	count int64

	// set is true once a counter was assigned an absolute value.
	set bool
	// restored is true once a stored counter value was merged in.
	restored bool
	dirty    bool
}

// Service orchestrates the recorder pipeline.
// It manages the flow: Events → Buffer → WAL batch → Open buckets → Store
type Service struct {
	mu sync.Mutex

	// flushMu serializes drains and flushes.
	flushMu sync.Mutex

	config *config.Config
	store  Store
	rules  *retention.Rules
	logger *slog.Logger
	now    func() time.Time

	// Components
	buffer       *buffer.Buffer
	backpressure *backpressure.Controller
	wal          *wal.Log // nil when disabled

	// spare backs the buffer after the next drain. Guarded by flushMu.
	spare []types.Event

	// Open buckets and the last value seen per datapoint metric
	buckets    map[bucketKey]*bucket
	lastPoints map[string]float64

	// State
	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// Statistics
	stats Stats

	// Channels
	drainCh chan struct{}
}

// Stats holds recorder statistics.
type Stats struct {
	EventsRecorded    atomic.Int64
	EventsDropped     atomic.Int64
	EventsFolded      atomic.Int64
	EventsReplayed    atomic.Int64
	DuplicatesSkipped atomic.Int64
	FlushesCompleted  atomic.Int64
	RowsWritten       atomic.Int64
	Errors            atomic.Int64
}

// New creates a recorder writing to st. A nil rules value uses
// retention.DefaultRule for every name.
func New(cfg *config.Config, st Store, rules *retention.Rules) (*Service, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if st == nil {
		return nil, errors.NewMissingField("store")
	}
	if rules == nil {
		var err error
		if rules, err = retention.NewRules(retention.DefaultRule()); err != nil {
			return nil, err
		}
	}
	if err := cfg.Ingestion.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ingestion config: %w", err)
	}

	rb := buffer.New(cfg.Ingestion.BufferSize)

	var w *wal.Log
	if cfg.Ingestion.WAL.Enabled {
		var err error
		w, err = wal.Open(cfg.WALDir(), wal.Options{
			MaxSegmentSize: cfg.Ingestion.WAL.MaxSegmentSize,
			Fsync:          cfg.Ingestion.WAL.Fsync,
		})
		if err != nil {
			return nil, fmt.Errorf("open WAL: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Service{
		config:       cfg,
		store:        st,
		rules:        rules,
		logger:       logging.Component("ingestion"),
		now:          time.Now,
		buffer:       rb,
		backpressure: backpressure.New(cfg.Ingestion.Backpressure, rb),
		wal:          w,
		buckets:      make(map[bucketKey]*bucket),
		lastPoints:   make(map[string]float64),
		ctx:          ctx,
		cancel:       cancel,
		drainCh:      make(chan struct{}, 1),
	}

	s.backpressure.SetOnLevelChange(func(old, new backpressure.Level) {
		s.logger.Warn("backpressure level changed",
			"from", old.String(),
			"to", new.String(),
			"buffer_usage", rb.UsageRatio(),
		)
	})

	return s, nil
}

// Start loads the last stored datapoint values, replays events left in the
// WAL by an earlier run and starts the drain and flush workers.
func (s *Service) Start() error {
	if s.running.Load() {
		return fmt.Errorf("service already running")
	}

	last, err := s.store.LastDatapoints(s.ctx)
	if err != nil {
		return fmt.Errorf("load last datapoints: %w", err)
	}
	s.mu.Lock()
	for name, v := range last {
		s.lastPoints[name] = v
	}
	s.mu.Unlock()

	replayed, err := s.replay()
	if err != nil {
		return fmt.Errorf("replay WAL: %w", err)
	}

	s.running.Store(true)

	s.wg.Add(2)
	go s.drainWorker()
	go s.flushWorker()

	s.logger.Info("recorder started",
		"buffer_size", s.buffer.Cap(),
		"flush_interval", s.config.Ingestion.FlushInterval,
		"datapoints_loaded", len(last),
		"events_replayed", replayed,
	)
	return nil
}

// replay folds the batches an earlier run left in the WAL. They are written
// by the next flush, which also releases their segments.
func (s *Service) replay() (int, error) {
	if s.wal == nil {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.wal.Replay(func(batch []types.Event) {
		for i := range batch {
			s.fold(&batch[i])
		}
	})
	if err != nil {
		return 0, err
	}
	for _, damage := range st.Damaged {
		s.logger.Warn("WAL segment damaged, replayed up to the damage", "segment", damage)
	}

	s.stats.EventsReplayed.Add(int64(st.Events))
	return st.Events, nil
}

// Stop stops the workers, then folds and writes everything still buffered.
// The store must stay open until Stop returns.
func (s *Service) Stop() error {
	if !s.running.Load() {
		return nil
	}

	s.running.Store(false)
	s.cancel()

	// Wait for workers
	s.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.flush(ctx, true); err != nil {
		return fmt.Errorf("final flush: %w", err)
	}

	if s.wal != nil {
		if err := s.wal.Close(); err != nil {
			return fmt.Errorf("close WAL: %w", err)
		}
	}
	return nil
}

// Record buffers one event. Events without a time are stamped with the
// current time. ErrEventsDropped is returned when backpressure or a full
// buffer rejected the event.
func (s *Service) Record(ev types.Event) error {
	if !s.running.Load() {
		return errors.ErrNotRunning
	}
	if err := validation.ValidateMetricName(ev.Name); err != nil {
		return err
	}
	if math.IsNaN(ev.Value) || math.IsInf(ev.Value, 0) {
		return errors.NewInvalidValue("value", ev.Value, "must be finite")
	}
	if math.IsNaN(ev.Time) || math.IsInf(ev.Time, 0) {
		return errors.NewInvalidValue("time", ev.Time, "must be finite")
	}
	if math.IsNaN(ev.Size) || math.IsInf(ev.Size, 0) || ev.Size < 0 {
		return errors.NewInvalidValue("size", ev.Size, "must be finite and not negative")
	}
	if ev.Time == 0 {
		ev.Time = types.TimeToSeconds(s.now())
	}

	if s.backpressure.Check() == backpressure.LevelEmergency {
		s.backpressure.RecordDrop()
		s.stats.EventsDropped.Add(1)
		return fmt.Errorf("%s: %w", ev.Name, errors.ErrEventsDropped)
	}

	if !s.buffer.Push(ev) {
		s.backpressure.RecordDrop()
		s.stats.EventsDropped.Add(1)
		return fmt.Errorf("%s: %w", ev.Name, errors.ErrEventsDropped)
	}
	s.stats.EventsRecorded.Add(1)

	if s.backpressure.ShouldDrain() {
		select {
		case s.drainCh <- struct{}{}:
		default:
			// Drain already pending
		}
	}
	return nil
}

// Increment adds n to the counter bucket of name.
func (s *Service) Increment(name string, n float64) error {
	return s.Record(types.Event{Kind: types.EventAdd, Name: name, Value: n})
}

// Decrement subtracts n from the counter bucket of name.
func (s *Service) Decrement(name string, n float64) error {
	return s.Record(types.Event{Kind: types.EventAdd, Name: name, Value: -n})
}

// Count sets the counter bucket of name to value.
func (s *Service) Count(name string, value float64) error {
	return s.Record(types.Event{Kind: types.EventSet, Name: name, Value: value})
}

// Average adds one observation to the average bucket of name.
func (s *Service) Average(name string, value float64) error {
	return s.Record(types.Event{Kind: types.EventAverage, Name: name, Value: value})
}

// Datapoint records an instantaneous value for name. A value equal to the
// previous one is skipped unless ingestion.keep_duplicates is set.
func (s *Service) Datapoint(name string, value float64) error {
	return s.Record(types.Event{Kind: types.EventDatapoint, Name: name, Value: value})
}

// Flush folds buffered events and writes every touched bucket.
func (s *Service) Flush(ctx context.Context) error {
	return s.flush(ctx, false)
}

// drainWorker folds buffered events on a schedule, or early when the
// backpressure controller asks for it.
func (s *Service) drainWorker() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Ingestion.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.drainLocked()
		case <-s.drainCh:
			s.drainLocked()
		}
	}
}

// drainLocked drains unless a flush is in progress.
func (s *Service) drainLocked() {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	s.drain()
}

// flushWorker periodically writes touched buckets.
func (s *Service) flushWorker() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Ingestion.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.flush(s.ctx, false); err != nil && s.ctx.Err() == nil {
				s.logger.Warn("flush failed", "error", err)
			}
		}
	}
}

// drain logs the buffered events as one WAL batch and moves them into
// their open buckets. Caller holds s.flushMu.
func (s *Service) drain() {
	events := s.buffer.Drain(s.spare)
	if len(events) == 0 {
		s.spare = events
		return
	}

	// A failed append leaves the batch without a log record; the events
	// are folded anyway and reach the store with the next flush.
	if s.wal != nil {
		if err := s.wal.Append(events); err != nil {
			s.stats.Errors.Add(1)
			s.logger.Warn("WAL append failed", "events", len(events), "error", err)
		}
	}

	s.mu.Lock()
	for i := range events {
		s.fold(&events[i])
	}
	s.mu.Unlock()

	s.stats.EventsFolded.Add(int64(len(events)))
	clear(events)
	s.spare = events[:0]
}

// fold applies one event to its bucket. Caller holds s.mu.
func (s *Service) fold(ev *types.Event) {
	rule := s.rules.Lookup(ev.Name)

	size := ev.Size
	if size <= 0 {
		if ev.Kind == types.EventDatapoint {
			size = float64(s.config.Ingestion.DatapointSizeSec)
		} else {
			size = float64(rule.SizeSec)
		}
	}
	if size <= 0 {
		size = float64(s.config.Ingestion.DatapointSizeSec)
	}

	if ev.Kind == types.EventDatapoint {
		last, seen := s.lastPoints[ev.Name]
		if seen && last == ev.Value && !s.config.Ingestion.KeepDuplicates {
			s.stats.DuplicatesSkipped.Add(1)
			return
		}
		s.lastPoints[ev.Name] = ev.Value
	}

	key := bucketKey{
		name: ev.Name,
		typ:  ev.Kind.BucketType(),
		time: types.BucketTime(ev.Time, size),
	}

	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{
			size:     size,
			lifetime: rule.LifetimeDays,
			restored: key.typ != types.BucketCounter,
		}
		s.buckets[key] = b
	}

	switch ev.Kind {
	case types.EventAdd:
		b.value += ev.Value
	case types.EventSet:
		b.value = ev.Value
		b.set = true
	case types.EventAverage:
		b.sum += ev.Value
		b.count++
		b.value = b.sum / float64(b.count)
	case types.EventDatapoint:
		b.value = ev.Value
	}
	b.dirty = true
}

// flush drains the buffer, writes touched buckets and evicts finished ones.
// With final set every bucket is evicted after writing.
func (s *Service) flush(ctx context.Context, final bool) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.drain()

	// Every batch folded so far is logged below the mark, so once the
	// buckets are written those segments can go.
	var mark int64
	if s.wal != nil {
		var err error
		if mark, err = s.wal.Seal(); err != nil {
			s.stats.Errors.Add(1)
			return fmt.Errorf("seal WAL: %w", err)
		}
	}

	if err := s.restoreCounters(ctx); err != nil {
		s.stats.Errors.Add(1)
		return err
	}

	s.mu.Lock()
	keys := make([]bucketKey, 0, len(s.buckets))
	rows := make([]types.Row, 0, len(s.buckets))
	for key, b := range s.buckets {
		if !b.dirty {
			continue
		}
		b.dirty = false
		keys = append(keys, key)
		rows = append(rows, types.Row{
			Name:     key.name,
			Type:     key.typ,
			Time:     key.time,
			Size:     b.size,
			Value:    b.value,
			Lifetime: b.lifetime,
		})
	}
	s.mu.Unlock()

	if err := s.store.Replace(ctx, rows); err != nil {
		s.mu.Lock()
		for _, key := range keys {
			if b, ok := s.buckets[key]; ok {
				b.dirty = true
			}
		}
		s.mu.Unlock()

		s.stats.Errors.Add(1)
		return fmt.Errorf("write buckets: %w", err)
	}

	evicted := s.evict(final)

	if s.wal != nil {
		if _, err := s.wal.Release(mark); err != nil {
			s.logger.Warn("release WAL segments failed", "error", err)
		}
	}

	s.stats.RowsWritten.Add(int64(len(rows)))
	s.stats.FlushesCompleted.Add(1)
	if len(rows) > 0 {
		s.logger.Debug("buckets flushed", "rows", len(rows), "evicted", evicted)
	}
	return nil
}

// restoreCounters merges the stored value of counter buckets that were
// opened in memory after their row was already written, for example by an
// earlier run.
func (s *Service) restoreCounters(ctx context.Context) error {
	s.mu.Lock()
	var pending []bucketKey
	for key, b := range s.buckets {
		if !b.restored && !b.set {
			pending = append(pending, key)
		}
	}
	s.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	stored := make(map[bucketKey]float64, len(pending))
	for _, key := range pending {
		rows, err := s.store.Range(ctx, []string{key.name}, key.time, key.time)
		if err != nil {
			return fmt.Errorf("restore %s: %w", key.name, err)
		}
		for _, r := range rows {
			if r.Type == key.typ && r.Time == key.time {
				stored[key] += r.Value
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range pending {
		b, ok := s.buckets[key]
		if !ok || b.restored {
			continue
		}
		if !b.set {
			b.value += stored[key]
		}
		b.restored = true
	}
	return nil
}

// evict drops written buckets that can no longer receive events at the
// current time.
func (s *Service) evict(all bool) int {
	now := types.TimeToSeconds(s.now())

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key, b := range s.buckets {
		if b.dirty {
			continue
		}
		if all || key.time+b.size <= now {
			delete(s.buckets, key)
			n++
		}
	}
	return n
}

// Stats returns current statistics.
func (s *Service) Stats() ServiceStats {
	s.mu.Lock()
	open := len(s.buckets)
	s.mu.Unlock()

	var walStats wal.Stats
	if s.wal != nil {
		walStats = s.wal.Stats()
	}

	return ServiceStats{
		Running:           s.running.Load(),
		EventsRecorded:    s.stats.EventsRecorded.Load(),
		EventsDropped:     s.stats.EventsDropped.Load(),
		EventsFolded:      s.stats.EventsFolded.Load(),
		EventsReplayed:    s.stats.EventsReplayed.Load(),
		DuplicatesSkipped: s.stats.DuplicatesSkipped.Load(),
		FlushesCompleted:  s.stats.FlushesCompleted.Load(),
		RowsWritten:       s.stats.RowsWritten.Load(),
		Errors:            s.stats.Errors.Load(),
		OpenBuckets:       open,
		Buffer:            s.buffer.Stats(),
		Backpressure:      s.backpressure.Stats(),
		WAL:               walStats,
	}
}

// ServiceStats holds combined recorder statistics.
type ServiceStats struct {
	Running           bool
	EventsRecorded    int64
	EventsDropped     int64
	EventsFolded      int64
	EventsReplayed    int64
	DuplicatesSkipped int64
	FlushesCompleted  int64
	RowsWritten       int64
	Errors            int64
	OpenBuckets       int
	Buffer            buffer.Stats
	Backpressure      backpressure.ControllerStats
	WAL               wal.Stats
}

// IsRunning returns whether the service is running.
func (s *Service) IsRunning() bool {
	return s.running.Load()
}
