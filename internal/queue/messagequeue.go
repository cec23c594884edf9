package queue

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basilisklabs/toolmesh/internal/events"
)

// ErrQueueFull is returned by Enqueue when the queue is at capacity.
var ErrQueueFull = errors.New("queue: queue full")

// PriorityBoostConfig controls which enqueued messages are bumped to HIGH
// priority by default.
type PriorityBoostConfig struct {
	Commands   bool
	AdminUsers map[string]struct{}
	Keywords   map[string]struct{}
}

// DeadLetterConfig controls retry-to-dead-letter behavior.
type DeadLetterConfig struct {
	Enabled    bool
	MaxRetries int
}

// Config configures a MessageQueue.
type Config struct {
	MaxQueueSize  int
	PriorityBoost PriorityBoostConfig
	DeadLetter    DeadLetterConfig
	Worker        WorkerPoolConfig
}

// EnqueueOptions carries the context Enqueue uses to compute an effective
// priority when the caller does not supply one explicitly.
type EnqueueOptions struct {
	Priority  *Priority
	IsCommand bool
	UserID    string
	Text      string
	Metadata  map[string]any
}

// ProcessorFunc handles one dequeued message. A returned error triggers the
// retry/dead-letter path.
type ProcessorFunc func(ctx context.Context, msg *QueuedMessage) error

// DeadLetterEntry is a message that exhausted its retries.
type DeadLetterEntry struct {
	Message  *QueuedMessage
	Err      error
	FailedAt time.Time
}

// MessageQueue combines a [PriorityQueue], a [WorkerPool], priority
// boosting, and dead-letter bookkeeping.
type MessageQueue struct {
	cfg    Config
	pq     *PriorityQueue
	pool   *WorkerPool
	bus    *events.Bus
	logger *slog.Logger

	signal chan struct{}

	mu          sync.Mutex
	started     bool
	processor   ProcessorFunc
	stopCh      chan struct{}
	dispatchEnd chan struct{}
	deadLetter  []DeadLetterEntry
}

// New builds a MessageQueue. bus may be nil.
func New(cfg Config, bus *events.Bus, logger *slog.Logger) *MessageQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageQueue{
		cfg:    cfg,
		pq:     NewPriorityQueue(),
		pool:   NewWorkerPool(cfg.Worker, bus, logger),
		bus:    bus,
		logger: logger,
		signal: make(chan struct{}, 1),
	}
}

// Enqueue pushes payload, rejecting with ErrQueueFull (and a QUEUE_FULL
// event) if the queue is at MaxQueueSize. Priority defaults to NORMAL, or
// HIGH if opts indicates a command, an admin user, or a keyword hit —
// unless opts.Priority overrides it explicitly.
func (q *MessageQueue) Enqueue(payload any, opts EnqueueOptions) (string, error) {
	priority := PriorityNormal
	if opts.Priority != nil {
		priority = *opts.Priority
	} else {
		priority = q.effectivePriority(opts)
	}

	msg := &QueuedMessage{
		ID:          uuid.NewString(),
		Payload:     payload,
		Priority:    priority,
		EnqueueTime: time.Now(),
		Metadata:    opts.Metadata,
	}

	if !q.pq.EnqueueBounded(msg, q.cfg.MaxQueueSize) {
		q.publish(events.QueueFull, map[string]any{"maxQueueSize": q.cfg.MaxQueueSize})
		return "", ErrQueueFull
	}

	q.wake()
	q.publish(events.MessageEnqueued, map[string]any{"id": msg.ID, "priority": msg.Priority.String()})
	return msg.ID, nil
}

func (q *MessageQueue) effectivePriority(opts EnqueueOptions) Priority {
	if opts.IsCommand && q.cfg.PriorityBoost.Commands {
		return PriorityHigh
	}
	if opts.UserID != "" && q.cfg.PriorityBoost.AdminUsers != nil {
		if _, ok := q.cfg.PriorityBoost.AdminUsers[opts.UserID]; ok {
			return PriorityHigh
		}
	}
	if opts.Text != "" && len(q.cfg.PriorityBoost.Keywords) > 0 {
		lower := strings.ToLower(opts.Text)
		for kw := range q.cfg.PriorityBoost.Keywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				return PriorityHigh
			}
		}
	}
	return PriorityNormal
}

// Start spins up the worker pool and the dispatch loop that feeds it from
// the priority queue. Calling Start more than once is a no-op.
func (q *MessageQueue) Start(processor ProcessorFunc) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.processor = processor
	q.stopCh = make(chan struct{})
	q.dispatchEnd = make(chan struct{})
	q.mu.Unlock()

	q.pool.Start()
	go q.dispatchLoop()
}

func (q *MessageQueue) dispatchLoop() {
	defer close(q.dispatchEnd)
	for {
		msg, ok := q.pq.Dequeue()
		if !ok {
			select {
			case <-q.signal:
				continue
			case <-q.stopCh:
				return
			}
		}

		if err := q.pool.Submit(func() { q.runOne(msg) }, q.stopCh); err != nil {
			return
		}
	}
}

func (q *MessageQueue) runOne(msg *QueuedMessage) {
	q.publish(events.MessageProcessing, map[string]any{"id": msg.ID})

	err := q.processor(context.Background(), msg)
	if err == nil {
		q.publish(events.MessageCompleted, map[string]any{"id": msg.ID})
		return
	}

	msg.RetryCount++
	if q.cfg.DeadLetter.Enabled && msg.RetryCount < q.cfg.DeadLetter.MaxRetries {
		msg.Priority = bumpTowardLow(msg.Priority)
		msg.EnqueueTime = time.Now()
		if q.pq.EnqueueBounded(msg, q.cfg.MaxQueueSize) {
			q.wake()
			return
		}
		// Queue is full; fall through to dead-letter rather than drop silently.
	}

	q.mu.Lock()
	q.deadLetter = append(q.deadLetter, DeadLetterEntry{Message: msg, Err: err, FailedAt: time.Now()})
	q.mu.Unlock()
	q.publish(events.MessageFailed, map[string]any{"id": msg.ID, "error": err.Error(), "retryCount": msg.RetryCount})
}

func bumpTowardLow(p Priority) Priority {
	if p < PriorityLow {
		return p + 1
	}
	return p
}

// Stop stops accepting new work, waits for in-flight workers to drain, and
// stops all workers.
func (q *MessageQueue) Stop() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.started = false
	stopCh, dispatchEnd := q.stopCh, q.dispatchEnd
	q.mu.Unlock()

	close(stopCh)
	<-dispatchEnd
	q.pool.Stop()
}

// Clear drains both the priority queue and the dead-letter list.
func (q *MessageQueue) Clear() {
	q.pq.Clear()
	q.mu.Lock()
	q.deadLetter = nil
	q.mu.Unlock()
}

// DeadLetters returns a snapshot of dead-lettered entries for inspection.
func (q *MessageQueue) DeadLetters() []DeadLetterEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadLetterEntry, len(q.deadLetter))
	copy(out, q.deadLetter)
	return out
}

// Size returns the number of messages currently queued (not counting
// dead-lettered or in-flight messages).
func (q *MessageQueue) Size() int { return q.pq.Size() }

func (q *MessageQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *MessageQueue) publish(kind events.Kind, payload any) {
	if q.bus != nil {
		q.bus.Publish("message-queue", kind, payload)
	}
}
