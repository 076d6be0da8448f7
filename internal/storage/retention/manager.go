// Package retention deletes raw statistics rows once they outlive the
// lifetime configured for their metric name.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xtxerr/statline/internal/logging"
	"github.com/xtxerr/statline/internal/storage/types"
	"github.com/xtxerr/statline/internal/store"
)

// Store is the part of the row store cleanup needs.
type Store interface {
	Names(ctx context.Context, filter store.NameFilter) ([]store.NameSummary, error)
	DeleteBefore(ctx context.Context, name string, cutoff float64) (int64, error)
	CountBefore(ctx context.Context, name string, cutoff float64) (int64, error)
}

// Manager handles cleanup of expired rows.
type Manager struct {
	mu     sync.RWMutex
	store  Store
	rules  *Rules
	stats  Stats
	now    func() time.Time
	logger *slog.Logger
}

// Stats holds retention statistics.
type Stats struct {
	LastRunTime  time.Time
	Runs         int64
	RowsDeleted  int64
	NamesSkipped int64
	Errors       int64
}

// CleanupResult holds the outcome for one metric name.
type CleanupResult struct {
	Name         string
	LifetimeDays int
	Cutoff       float64
	Rows         int64 // deleted, or would be deleted on a dry run
	Skipped      bool  // lifetime 0
	Err          error
}

// New creates a retention manager. A nil rules value uses DefaultRule only.
func New(s Store, rules *Rules) *Manager {
	if rules == nil {
		rules, _ = NewRules(DefaultRule())
	}
	return &Manager{
		store:  s,
		rules:  rules,
		now:    time.Now,
		logger: logging.Component("retention"),
	}
}

// RunCleanup deletes expired rows for every stored metric name.
func (m *Manager) RunCleanup(ctx context.Context) ([]CleanupResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	results, err := m.cleanup(ctx, false)
	if err != nil {
		return nil, err
	}

	m.stats.LastRunTime = m.now()
	m.stats.Runs++
	for _, r := range results {
		switch {
		case r.Err != nil:
			m.stats.Errors++
		case r.Skipped:
			m.stats.NamesSkipped++
		default:
			m.stats.RowsDeleted += r.Rows
		}
	}

	return results, nil
}

// DryRun reports what RunCleanup would delete without deleting anything.
func (m *Manager) DryRun(ctx context.Context) ([]CleanupResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.cleanup(ctx, true)
}

func (m *Manager) cleanup(ctx context.Context, dryRun bool) ([]CleanupResult, error) {
	names, err := m.store.Names(ctx, store.NameFilter{})
	if err != nil {
		return nil, fmt.Errorf("list names: %w", err)
	}

	now := m.now()
	results := make([]CleanupResult, 0, len(names))

	for _, ns := range names {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		rule := m.rules.Lookup(ns.Name)
		result := CleanupResult{Name: ns.Name, LifetimeDays: rule.LifetimeDays}

		if rule.LifetimeDays == 0 {
			result.Skipped = true
			results = append(results, result)
			continue
		}

		cutoff := now.Add(-time.Duration(rule.LifetimeDays) * 24 * time.Hour)
		result.Cutoff = types.TimeToSeconds(cutoff)

		if ns.MinTime >= result.Cutoff {
			results = append(results, result)
			continue
		}

		if dryRun {
			result.Rows, result.Err = m.store.CountBefore(ctx, ns.Name, result.Cutoff)
		} else {
			result.Rows, result.Err = m.store.DeleteBefore(ctx, ns.Name, result.Cutoff)
		}

		if result.Err != nil {
			m.logger.Warn("cleanup failed", "metric", ns.Name, "error", result.Err)
		} else if result.Rows > 0 && !dryRun {
			m.logger.Info("expired rows deleted", "metric", ns.Name, "rows", result.Rows, "lifetime_days", rule.LifetimeDays)
		}

		results = append(results, result)
	}

	return results, nil
}

// Rules returns the rules the manager applies.
func (m *Manager) Rules() *Rules {
	return m.rules
}

// Stats returns current statistics.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}
