// Package buffer provides the bounded kline buffer shared between the feed
// client (producer), the gap-recovery manager (merge producer) and the
// range-bar aggregator (drain consumer). The lock covers only enqueue,
// merge and drain; callers never perform I/O while holding it.
package buffer

import (
	"sort"
	"sync"

	"rangeflow/internal/model"
)

// Buffer is a mutex-guarded bounded FIFO of klines. When full, Append
// evicts the oldest entry; eviction is acceptable because gap recovery can
// refetch true history after the fact.
type Buffer struct {
	mu       sync.Mutex
	events   []model.Kline
	capacity int
	evicted  uint64
}

// New creates a buffer holding at most capacity klines. Minimum capacity is 1.
func New(capacity int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{
		events:   make([]model.Kline, 0, capacity),
		capacity: capacity,
	}
}

// Append adds one kline, evicting the oldest entry if the buffer is full.
func (b *Buffer) Append(k model.Kline) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.events) >= b.capacity {
		copy(b.events, b.events[1:])
		b.events = b.events[:len(b.events)-1]
		b.evicted++
	}
	b.events = append(b.events, k)
}

// Merge inserts a backfilled batch in chronological order, deduplicated by
// open time against whatever the live stream already delivered. Returns the
// number of klines actually added.
func (b *Buffer) Merge(klines []model.Kline) int {
	if len(klines) == 0 {
		return 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	seen := make(map[int64]struct{}, len(b.events))
	for i := range b.events {
		seen[b.events[i].OpenTime] = struct{}{}
	}

	added := 0
	for _, k := range klines {
		if _, dup := seen[k.OpenTime]; dup {
			continue
		}
		seen[k.OpenTime] = struct{}{}
		b.events = append(b.events, k)
		added++
	}
	if added == 0 {
		return 0
	}

	sort.SliceStable(b.events, func(i, j int) bool {
		return b.events[i].OpenTime < b.events[j].OpenTime
	})

	// Merged history may overflow the cap; keep the newest entries.
	if len(b.events) > b.capacity {
		drop := len(b.events) - b.capacity
		copy(b.events, b.events[drop:])
		b.events = b.events[:b.capacity]
		b.evicted += uint64(drop)
	}
	return added
}

// DrainAll atomically returns all buffered klines and clears the buffer.
// The returned slice is owned by the caller.
func (b *Buffer) DrainAll() []model.Kline {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.events) == 0 {
		return nil
	}
	out := b.events
	b.events = make([]model.Kline, 0, b.capacity)
	return out
}

// Len returns the current number of buffered klines.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// Evicted returns the total number of klines dropped due to a full buffer.
func (b *Buffer) Evicted() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.evicted
}
