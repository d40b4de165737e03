// Package queue holds in-memory message queueing primitives: a priority
// queue, a time-bounded deduplicator and a size/interval batcher.
package queue

import (
	"container/heap"
	"sync"

	"peerlink/models"
)

type entry struct {
	message models.Message
	seq     uint64
}

type entryHeap []entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].message.Priority != h[j].message.Priority {
		return h[i].message.Priority > h[j].message.Priority
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = entry{}
	*h = old[:n-1]
	return item
}

// PriorityQueue orders messages by priority, then by insertion order.
// It is safe for concurrent use.
type PriorityQueue struct {
	mu      sync.Mutex
	items   entryHeap
	nextSeq uint64
	notify  chan struct{}
}

// NewPriorityQueue returns an empty queue.
func NewPriorityQueue() *PriorityQueue {
	return &PriorityQueue{notify: make(chan struct{}, 1)}
}

// Enqueue inserts message respecting priority order.
func (q *PriorityQueue) Enqueue(message models.Message) {
	q.mu.Lock()
	heap.Push(&q.items, entry{message: message, seq: q.nextSeq})
	q.nextSeq++
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Dequeue removes the highest-priority oldest message.
func (q *PriorityQueue) Dequeue() (models.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return models.Message{}, false
	}
	return heap.Pop(&q.items).(entry).message, true
}

// Peek returns the next message without removing it.
func (q *PriorityQueue) Peek() (models.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return models.Message{}, false
	}
	return q.items[0].message, true
}

func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drain removes every message in dequeue order.
func (q *PriorityQueue) Drain() []models.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]models.Message, 0, len(q.items))
	for len(q.items) > 0 {
		out = append(out, heap.Pop(&q.items).(entry).message)
	}
	return out
}

// Ready is signalled after Enqueue. It carries no count; drain with Dequeue
// until it reports false.
func (q *PriorityQueue) Ready() <-chan struct{} {
	return q.notify
}
