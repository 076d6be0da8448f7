// Package buffer holds recorded events between two drains.
package buffer

import (
	"sync"
	"sync/atomic"

	"github.com/xtxerr/statline/internal/storage/types"
)

// DefaultCapacity is used when New is given a capacity below one.
const DefaultCapacity = 1024

// Buffer collects events in arrival order until the recorder drains them
// as one batch. Drain swaps the filled slice for a spare one, so pushing
// never waits on folding.
type Buffer struct {
	mu       sync.Mutex
	events   []types.Event
	capacity int

	pushed   atomic.Int64
	rejected atomic.Int64
	drains   atomic.Int64
}

// New creates a buffer holding at most capacity events.
func New(capacity int) *Buffer {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		events:   make([]types.Event, 0, capacity),
		capacity: capacity,
	}
}

// Push appends ev. It returns false when the buffer is full.
func (b *Buffer) Push(ev types.Event) bool {
	b.mu.Lock()
	if len(b.events) >= b.capacity {
		b.mu.Unlock()
		b.rejected.Add(1)
		return false
	}
	b.events = append(b.events, ev)
	b.mu.Unlock()

	b.pushed.Add(1)
	return true
}

// Drain returns every buffered event in arrival order and continues with
// spare as the backing slice. The caller owns the returned slice and may
// hand it back as the spare of a later drain once it is done with it.
func (b *Buffer) Drain(spare []types.Event) []types.Event {
	if cap(spare) < b.capacity {
		spare = make([]types.Event, 0, b.capacity)
	}

	b.mu.Lock()
	batch := b.events
	b.events = spare[:0]
	b.mu.Unlock()

	if len(batch) > 0 {
		b.drains.Add(1)
	}
	return batch
}

// Len returns the number of buffered events.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// Cap returns the capacity.
func (b *Buffer) Cap() int {
	return b.capacity
}

// UsageRatio returns the filled share of the buffer between 0 and 1.
func (b *Buffer) UsageRatio() float64 {
	return float64(b.Len()) / float64(b.capacity)
}

// Stats returns buffer statistics.
func (b *Buffer) Stats() Stats {
	return Stats{
		Len:      b.Len(),
		Capacity: b.capacity,
		Pushed:   b.pushed.Load(),
		Rejected: b.rejected.Load(),
		Drains:   b.drains.Load(),
	}
}

// Stats holds buffer statistics.
type Stats struct {
	Len      int
	Capacity int
	Pushed   int64
	Rejected int64
	Drains   int64
}
