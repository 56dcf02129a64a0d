package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// BackpressureStrategy selects the overflow policy applied when the bounded
// queue is full at the moment of Put.
type BackpressureStrategy int

const (
	DropOldest BackpressureStrategy = iota
	RejectNew
	AdaptiveRateLimit
)

func (s BackpressureStrategy) String() string {
	switch s {
	case DropOldest:
		return "drop_oldest"
	case RejectNew:
		return "reject_new"
	case AdaptiveRateLimit:
		return "adaptive_rate_limit"
	default:
		return "unknown"
	}
}

// QueueMetrics is a point-in-time snapshot of the bounded queue's counters.
type QueueMetrics struct {
	TotalEnqueued    uint64
	TotalDequeued    uint64
	TotalDropped     uint64
	TotalRejected    uint64
	HighWaterHits    uint64
	LastHighWaterAt  time.Time
	CurrentSize      int
	MaxSizeReached   int
}

const (
	adaptiveDelayStep = 1 * time.Millisecond
	adaptiveDelayCap  = 100 * time.Millisecond
)

// BoundedEventQueue is a FIFO of events bounded at maxsize, with a
// policy-driven overflow strategy and hysteresis-based backpressure
// watermarks.
type BoundedEventQueue struct {
	mu           sync.Mutex
	notEmpty     *sync.Cond
	items        []Event
	maxSize      int
	highWater    int
	lowWater     int
	strategy     BackpressureStrategy
	overflowLock sync.Mutex

	backpressureActive bool
	rateLimitDelay      time.Duration

	onHighWater func()
	onLowWater  func()

	metrics QueueMetrics

	log *logrus.Entry
}

// QueueConfig configures a BoundedEventQueue.
type QueueConfig struct {
	MaxSize     int
	HighWater   float64 // fraction of MaxSize, default 0.8
	LowWater    float64 // fraction of MaxSize, default 0.5
	Strategy    BackpressureStrategy
	OnHighWater func()
	OnLowWater  func()
	Logger      *logrus.Entry
}

// NewBoundedEventQueue validates the watermark configuration and constructs
// a queue. 0 < LowWater < HighWater <= 1 is enforced.
func NewBoundedEventQueue(cfg QueueConfig) (*BoundedEventQueue, error) {
	if cfg.MaxSize <= 0 {
		return nil, fmt.Errorf("bus: queue maxsize must be positive, got %d", cfg.MaxSize)
	}
	if cfg.HighWater == 0 {
		cfg.HighWater = 0.8
	}
	if cfg.LowWater == 0 {
		cfg.LowWater = 0.5
	}
	if !(cfg.LowWater > 0 && cfg.LowWater < cfg.HighWater && cfg.HighWater <= 1) {
		return nil, fmt.Errorf("bus: invalid watermarks: need 0 < low(%v) < high(%v) <= 1", cfg.LowWater, cfg.HighWater)
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	q := &BoundedEventQueue{
		maxSize:     cfg.MaxSize,
		highWater:   int(float64(cfg.MaxSize) * cfg.HighWater),
		lowWater:    int(float64(cfg.MaxSize) * cfg.LowWater),
		strategy:    cfg.Strategy,
		onHighWater: cfg.OnHighWater,
		onLowWater:  cfg.OnLowWater,
		log:         cfg.Logger,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	return q, nil
}

// Put enqueues an event, applying the overflow strategy if the queue is
// full. It returns false only when the event was rejected (REJECT_NEW or
// ADAPTIVE_RATE_LIMIT while full).
func (q *BoundedEventQueue) Put(event Event) bool {
	q.mu.Lock()
	delay := q.rateLimitDelay
	q.mu.Unlock()
	if q.strategy == AdaptiveRateLimit && delay > 0 {
		time.Sleep(delay)
	}

	q.mu.Lock()
	if len(q.items) >= q.maxSize {
		q.mu.Unlock()
		return q.handleOverflow(event)
	}
	q.items = append(q.items, event)
	q.metrics.TotalEnqueued++
	if len(q.items) > q.metrics.MaxSizeReached {
		q.metrics.MaxSizeReached = len(q.items)
	}
	q.metrics.CurrentSize = len(q.items)
	size := len(q.items)
	q.notEmpty.Signal()
	q.mu.Unlock()

	if size >= q.highWater && !q.backpressureActiveSnapshot() {
		q.activateBackpressure()
	}
	return true
}

func (q *BoundedEventQueue) handleOverflow(event Event) bool {
	q.overflowLock.Lock()
	defer q.overflowLock.Unlock()

	q.mu.Lock()
	if len(q.items) < q.maxSize {
		// Raced with a concurrent Get; space freed up, insert normally.
		q.items = append(q.items, event)
		q.metrics.TotalEnqueued++
		if len(q.items) > q.metrics.MaxSizeReached {
			q.metrics.MaxSizeReached = len(q.items)
		}
		q.metrics.CurrentSize = len(q.items)
		q.notEmpty.Signal()
		q.mu.Unlock()
		return true
	}

	switch q.strategy {
	case DropOldest:
		q.items = q.items[1:]
		q.metrics.TotalDropped++
		q.items = append(q.items, event)
		q.metrics.TotalEnqueued++
		q.metrics.CurrentSize = len(q.items)
		q.notEmpty.Signal()
		q.mu.Unlock()
		q.log.WithField("strategy", q.strategy.String()).Debug("dropped oldest event on overflow")
		return true
	case RejectNew:
		q.metrics.TotalRejected++
		q.mu.Unlock()
		return false
	case AdaptiveRateLimit:
		q.metrics.TotalRejected++
		newDelay := q.rateLimitDelay + adaptiveDelayStep
		if newDelay > adaptiveDelayCap {
			newDelay = adaptiveDelayCap
		}
		q.rateLimitDelay = newDelay
		q.mu.Unlock()
		return false
	default:
		q.mu.Unlock()
		return false
	}
}

// Get blocks until an event is available or ctx is cancelled.
func (q *BoundedEventQueue) Get(ctx context.Context) (Event, error) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			q.mu.Lock()
			q.notEmpty.Broadcast()
			q.mu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	q.mu.Lock()
	for len(q.items) == 0 {
		if ctx.Err() != nil {
			q.mu.Unlock()
			return nil, ctx.Err()
		}
		q.notEmpty.Wait()
	}
	if len(q.items) == 0 {
		q.mu.Unlock()
		return nil, ctx.Err()
	}
	item := q.items[0]
	q.items = q.items[1:]
	q.metrics.TotalDequeued++
	q.metrics.CurrentSize = len(q.items)
	size := len(q.items)
	q.mu.Unlock()

	if size <= q.lowWater && q.backpressureActiveSnapshot() {
		q.deactivateBackpressure()
	}
	return item, nil
}

// GetNowait returns immediately: the dequeued event, or false if empty.
func (q *BoundedEventQueue) GetNowait() (Event, bool) {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return nil, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	q.metrics.TotalDequeued++
	q.metrics.CurrentSize = len(q.items)
	size := len(q.items)
	q.mu.Unlock()

	if size <= q.lowWater && q.backpressureActiveSnapshot() {
		q.deactivateBackpressure()
	}
	return item, true
}

// PutFront re-enqueues an event at the head of the queue, bypassing
// overflow handling. Used by the dispatch loop to put back scheduled
// events that are not yet due.
func (q *BoundedEventQueue) PutFront(event Event) {
	q.mu.Lock()
	q.items = append([]Event{event}, q.items...)
	q.metrics.CurrentSize = len(q.items)
	q.notEmpty.Signal()
	q.mu.Unlock()
}

func (q *BoundedEventQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *BoundedEventQueue) Empty() bool { return q.Size() == 0 }

func (q *BoundedEventQueue) Full() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) >= q.maxSize
}

func (q *BoundedEventQueue) backpressureActiveSnapshot() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.backpressureActive
}

func (q *BoundedEventQueue) IsBackpressureActive() bool { return q.backpressureActiveSnapshot() }

func (q *BoundedEventQueue) activateBackpressure() {
	q.mu.Lock()
	if q.backpressureActive {
		q.mu.Unlock()
		return
	}
	q.backpressureActive = true
	q.metrics.HighWaterHits++
	q.metrics.LastHighWaterAt = time.Now()
	q.mu.Unlock()

	if q.onHighWater != nil {
		q.safeCallback(q.onHighWater)
	}
}

func (q *BoundedEventQueue) deactivateBackpressure() {
	q.mu.Lock()
	if !q.backpressureActive {
		q.mu.Unlock()
		return
	}
	q.backpressureActive = false
	if q.strategy == AdaptiveRateLimit && q.rateLimitDelay > 0 {
		q.rateLimitDelay /= 2
		if q.rateLimitDelay < time.Microsecond {
			q.rateLimitDelay = 0
		}
	}
	q.mu.Unlock()

	if q.onLowWater != nil {
		q.safeCallback(q.onLowWater)
	}
}

func (q *BoundedEventQueue) safeCallback(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			q.log.WithField("panic", r).Warn("backpressure callback panicked")
		}
	}()
	fn()
}

// Metrics returns a snapshot of the queue's counters, refreshing CurrentSize.
func (q *BoundedEventQueue) Metrics() QueueMetrics {
	q.mu.Lock()
	defer q.mu.Unlock()
	m := q.metrics
	m.CurrentSize = len(q.items)
	return m
}
