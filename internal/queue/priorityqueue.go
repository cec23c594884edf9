// Package queue implements the inbound workload controller: a priority
// min-heap, an elastic worker pool, and a message queue with priority
// boosting and dead-letter semantics.
package queue

import (
	"container/heap"
	"sync"
	"time"
)

// Priority orders QueuedMessages; lower values dequeue first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// QueuedMessage is one item moving through the queue.
type QueuedMessage struct {
	ID          string
	Payload     any
	Priority    Priority
	EnqueueTime time.Time
	RetryCount  int
	Metadata    map[string]any
}

// pqHeap implements container/heap.Interface, ordered by (priority asc,
// enqueueTime asc) so equal priorities dequeue FIFO.
type pqHeap []*QueuedMessage

func (h pqHeap) Len() int { return len(h) }
func (h pqHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].EnqueueTime.Before(h[j].EnqueueTime)
}
func (h pqHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *pqHeap) Push(x any) {
	*h = append(*h, x.(*QueuedMessage))
}

func (h *pqHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// PriorityQueue is a min-heap of QueuedMessage, safe for concurrent use. All
// operations are O(log n) except Size, Peek, CountByPriority, and Clear.
type PriorityQueue struct {
	mu sync.Mutex
	h  pqHeap
}

// NewPriorityQueue builds an empty PriorityQueue.
func NewPriorityQueue() *PriorityQueue {
	return &PriorityQueue{}
}

// Enqueue pushes msg onto the queue.
func (q *PriorityQueue) Enqueue(msg *QueuedMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(&q.h, msg)
}

// EnqueueBounded pushes msg only if the queue holds fewer than maxSize
// items (maxSize <= 0 means unbounded), atomically with the size check. It
// reports whether the push happened.
func (q *PriorityQueue) EnqueueBounded(msg *QueuedMessage, maxSize int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if maxSize > 0 && len(q.h) >= maxSize {
		return false
	}
	heap.Push(&q.h, msg)
	return true
}

// Dequeue removes and returns the highest-priority, earliest-enqueued
// message. ok is false if the queue is empty.
func (q *PriorityQueue) Dequeue() (msg *QueuedMessage, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return nil, false
	}
	return heap.Pop(&q.h).(*QueuedMessage), true
}

// Peek returns the next message to be dequeued without removing it.
func (q *PriorityQueue) Peek() (msg *QueuedMessage, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return nil, false
	}
	return q.h[0], true
}

// Size returns the number of queued messages.
func (q *PriorityQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}

// CountByPriority returns the number of queued messages at each priority
// level currently present.
func (q *PriorityQueue) CountByPriority() map[Priority]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	counts := make(map[Priority]int)
	for _, msg := range q.h {
		counts[msg.Priority]++
	}
	return counts
}

// Clear removes every queued message.
func (q *PriorityQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.h = nil
}
