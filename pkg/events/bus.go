package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultBusCapacity is the bounded queue size of a ProgressBus.
const DefaultBusCapacity = 100

// ProgressBus is a bounded many-producer one-consumer event queue.
// Offer never blocks: when the queue is full the event is dropped and a
// counter increments. The bus is request-scoped and closed by its owner
// once all producers have returned.
type ProgressBus struct {
	ch        chan ProgressEvent
	dropped   atomic.Int64
	closeOnce sync.Once
}

// NewProgressBus creates a bus with the given capacity (DefaultBusCapacity
// when capacity <= 0).
func NewProgressBus(capacity int) *ProgressBus {
	if capacity <= 0 {
		capacity = DefaultBusCapacity
	}
	return &ProgressBus{ch: make(chan ProgressEvent, capacity)}
}

// Offer enqueues an event without blocking. Returns false when the event
// was dropped because the queue is full.
func (b *ProgressBus) Offer(ev ProgressEvent) bool {
	select {
	case b.ch <- ev:
		return true
	default:
		if n := b.dropped.Add(1); n == 1 {
			slog.Warn("Progress bus full, dropping events")
		}
		return false
	}
}

// Events returns the consumer side of the queue. The channel is closed by
// Close; pending events remain readable after close.
func (b *ProgressBus) Events() <-chan ProgressEvent {
	return b.ch
}

// Dropped returns the number of events dropped so far.
func (b *ProgressBus) Dropped() int64 {
	return b.dropped.Load()
}

// Close marks the producer side done. Safe to call more than once.
// Producers must not Offer after Close.
func (b *ProgressBus) Close() {
	b.closeOnce.Do(func() { close(b.ch) })
}
