package aggregate

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/xtxerr/statline/config"
	"github.com/xtxerr/statline/internal/errors"
	"github.com/xtxerr/statline/internal/storage/types"
)

// Registry maps bucket types to aggregators.
//
// Types without an entry resolve to the fallback aggregator, which defaults
// to an arithmetic mean with empty value 0. A registry created with
// StrictTypes has no fallback and reports ErrUnknownBucketType instead.
type Registry struct {
	mu       sync.RWMutex
	byType   map[string]Aggregator
	fallback Aggregator

	lookups   atomic.Int64
	fallbacks atomic.Int64
	misses    atomic.Int64
}

// RegistryStats holds lookup counters for a registry.
type RegistryStats struct {
	Types     int
	Lookups   int64
	Fallbacks int64
	Misses    int64
}

// Option configures a Registry.
type Option func(*Registry)

// WithFallback sets the aggregator used for unregistered bucket types.
func WithFallback(a Aggregator) Option {
	return func(r *Registry) {
		r.fallback = a
	}
}

// StrictTypes removes the fallback so unknown bucket types fail lookup.
func StrictTypes() Option {
	return func(r *Registry) {
		r.fallback = nil
	}
}

// NewRegistry returns a registry with the built-in types:
// counter (Sum), average (Mean) and datapoint (CarryForward).
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		byType: map[string]Aggregator{
			types.BucketCounter:   Sum,
			types.BucketAverage:   Mean,
			types.BucketDatapoint: CarryForward,
		},
		fallback: NewCustom("custom", MeanValues, config.DefaultEmptyValue),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Register binds bucketType to a, replacing any previous binding.
func (r *Registry) Register(bucketType string, a Aggregator) error {
	if strings.TrimSpace(bucketType) == "" {
		return fmt.Errorf("bucket type: %w", errors.ErrInvalidName)
	}
	if a == nil {
		return errors.NewInvalidValue("aggregator", bucketType, "must not be nil")
	}

	r.mu.Lock()
	r.byType[bucketType] = a
	r.mu.Unlock()
	return nil
}

// Lookup returns the aggregator for bucketType.
func (r *Registry) Lookup(bucketType string) (Aggregator, error) {
	r.lookups.Add(1)

	r.mu.RLock()
	a, ok := r.byType[bucketType]
	fallback := r.fallback
	r.mu.RUnlock()

	if ok {
		return a, nil
	}
	if fallback != nil {
		r.fallbacks.Add(1)
		return fallback, nil
	}

	r.misses.Add(1)
	return nil, fmt.Errorf("bucket type %q: %w", bucketType, errors.ErrUnknownBucketType)
}

// Strict reports whether unknown types fail lookup.
func (r *Registry) Strict() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fallback == nil
}

// Types returns the registered bucket types in lexicographic order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.byType))
	for t := range r.byType {
		out = append(out, t)
	}
	r.mu.RUnlock()

	sort.Strings(out)
	return out
}

// Stats returns current lookup counters.
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	n := len(r.byType)
	r.mu.RUnlock()

	return RegistryStats{
		Types:     n,
		Lookups:   r.lookups.Load(),
		Fallbacks: r.fallbacks.Load(),
		Misses:    r.misses.Load(),
	}
}
