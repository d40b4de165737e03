package queue

import (
	"sync"
	"time"
)

// Batcher accumulates items and hands them to a consumer once Size items are
// pending or FlushInterval has passed since the first pending item, whichever
// comes first. Each batch is delivered exactly once, in arrival order.
type Batcher[T any] struct {
	size     int
	interval time.Duration
	consume  func([]T)

	mu      sync.Mutex
	pending []T
	timer   *time.Timer
	round   uint64
	stopped bool

	// deliverMu keeps batches in order when the timer and Add race.
	deliverMu sync.Mutex
}

// NewBatcher returns a batcher. A size below one is treated as one; a zero
// interval disables time-based flushing.
func NewBatcher[T any](size int, interval time.Duration, consume func([]T)) *Batcher[T] {
	if size < 1 {
		size = 1
	}
	return &Batcher[T]{
		size:     size,
		interval: interval,
		consume:  consume,
	}
}

// Add appends item. It reports false once the batcher is stopped.
func (b *Batcher[T]) Add(item T) bool {
	b.deliverMu.Lock()
	defer b.deliverMu.Unlock()

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return false
	}
	b.pending = append(b.pending, item)
	var batch []T
	if len(b.pending) >= b.size {
		batch = b.takeLocked()
	} else if len(b.pending) == 1 && b.interval > 0 {
		round := b.round
		b.timer = time.AfterFunc(b.interval, func() { b.onTimer(round) })
	}
	b.mu.Unlock()

	if batch != nil {
		b.consume(batch)
	}
	return true
}

// Flush delivers whatever is pending immediately.
func (b *Batcher[T]) Flush() {
	b.deliverMu.Lock()
	defer b.deliverMu.Unlock()

	b.mu.Lock()
	batch := b.takeLocked()
	b.mu.Unlock()

	if batch != nil {
		b.consume(batch)
	}
}

// Stop flushes the remaining items once and rejects further adds.
func (b *Batcher[T]) Stop() {
	b.deliverMu.Lock()
	defer b.deliverMu.Unlock()

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	batch := b.takeLocked()
	b.mu.Unlock()

	if batch != nil {
		b.consume(batch)
	}
}

// Pending returns how many items await the next batch.
func (b *Batcher[T]) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// onTimer flushes only the round that armed it; a timer that fired while a
// size-triggered flush held the lock must not cut the next batch short.
func (b *Batcher[T]) onTimer(round uint64) {
	b.deliverMu.Lock()
	defer b.deliverMu.Unlock()

	b.mu.Lock()
	if round != b.round {
		b.mu.Unlock()
		return
	}
	batch := b.takeLocked()
	b.mu.Unlock()

	if batch != nil {
		b.consume(batch)
	}
}

func (b *Batcher[T]) takeLocked() []T {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.pending) == 0 {
		return nil
	}
	batch := b.pending
	b.pending = nil
	b.round++
	return batch
}
