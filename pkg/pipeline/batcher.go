package pipeline

import (
	"sync"
	"time"

	"github.com/umputun/chatwarden/pkg/domain"
)

// FlushFunc receives a captured batch. Called outside the batcher lock.
type FlushFunc func(items []domain.Item)

// Batcher accumulates observed items and hands them off as one batch when
// either the size threshold is reached or the flush timer elapses. The timer
// is armed on the first insertion into an empty list; at most one timer is
// pending at a time, and an early size-triggered flush cancels it.
type Batcher struct {
	mu       sync.Mutex
	pending  []domain.Item
	timer    *time.Timer
	maxSize  int
	interval time.Duration
	flush    FlushFunc
}

// NewBatcher creates a batcher with the given thresholds
func NewBatcher(maxSize int, interval time.Duration, flush FlushFunc) *Batcher {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Batcher{
		maxSize:  maxSize,
		interval: interval,
		flush:    flush,
	}
}

// Add appends an item to the pending list, flushing if the size threshold
// is reached
func (b *Batcher) Add(item domain.Item) {
	b.mu.Lock()
	b.pending = append(b.pending, item)

	if len(b.pending) >= b.maxSize {
		batch := b.swapAndClearLocked()
		b.mu.Unlock()
		b.flush(batch)
		return
	}

	// arm the flush timer on first insertion after an empty state
	if b.timer == nil {
		b.timer = time.AfterFunc(b.interval, b.timerFlush)
	}
	b.mu.Unlock()
}

// Flush forces an immediate flush of pending items; empty flush is a no-op
func (b *Batcher) Flush() {
	b.mu.Lock()
	batch := b.swapAndClearLocked()
	b.mu.Unlock()

	if len(batch) > 0 {
		b.flush(batch)
	}
}

// Len returns the number of pending items
func (b *Batcher) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Stop cancels any pending flush timer without flushing
func (b *Batcher) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

func (b *Batcher) timerFlush() {
	b.mu.Lock()
	b.timer = nil
	batch := b.swapAndClearLocked()
	b.mu.Unlock()

	if len(batch) > 0 {
		b.flush(batch)
	}
}

// swapAndClearLocked captures the pending list and resets state under the
// caller's lock, so no operation can observe a partially flushed list
func (b *Batcher) swapAndClearLocked() []domain.Item {
	batch := b.pending
	b.pending = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	return batch
}
