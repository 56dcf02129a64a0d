package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvent(id string) Event {
	e := &GenericEvent{EventBase: NewEventBase("s1"), Type: id}
	e.Message.MessageID = id
	return e
}

func TestBoundedEventQueueRejectsInvalidWatermarks(t *testing.T) {
	_, err := NewBoundedEventQueue(QueueConfig{MaxSize: 10, HighWater: 0.5, LowWater: 0.8})
	assert.Error(t, err)

	_, err = NewBoundedEventQueue(QueueConfig{MaxSize: 0})
	assert.Error(t, err)
}

func TestBoundedEventQueueFIFOOrdering(t *testing.T) {
	q, err := NewBoundedEventQueue(QueueConfig{MaxSize: 10})
	require.NoError(t, err)

	q.Put(testEvent("a"))
	q.Put(testEvent("b"))
	q.Put(testEvent("c"))

	first, ok := q.GetNowait()
	require.True(t, ok)
	assert.Equal(t, "a", first.EventMessage().MessageID)

	second, ok := q.GetNowait()
	require.True(t, ok)
	assert.Equal(t, "b", second.EventMessage().MessageID)
}

func TestBoundedEventQueueDropOldestOnOverflow(t *testing.T) {
	q, err := NewBoundedEventQueue(QueueConfig{MaxSize: 2, Strategy: DropOldest})
	require.NoError(t, err)

	assert.True(t, q.Put(testEvent("a")))
	assert.True(t, q.Put(testEvent("b")))
	assert.True(t, q.Put(testEvent("c"))) // overflow: drops "a"

	assert.Equal(t, 2, q.Size())
	first, _ := q.GetNowait()
	assert.Equal(t, "b", first.EventMessage().MessageID)
	second, _ := q.GetNowait()
	assert.Equal(t, "c", second.EventMessage().MessageID)

	assert.Equal(t, uint64(1), q.Metrics().TotalDropped)
}

func TestBoundedEventQueueDropOldestWithMaxSizeOne(t *testing.T) {
	q, err := NewBoundedEventQueue(QueueConfig{MaxSize: 1, Strategy: DropOldest})
	require.NoError(t, err)

	assert.True(t, q.Put(testEvent("a")))
	assert.True(t, q.Put(testEvent("b")))

	assert.Equal(t, 1, q.Size())
	only, ok := q.GetNowait()
	require.True(t, ok)
	assert.Equal(t, "b", only.EventMessage().MessageID)
	assert.Equal(t, uint64(1), q.Metrics().TotalDropped)
}

func TestBoundedEventQueueRejectNewOnOverflow(t *testing.T) {
	q, err := NewBoundedEventQueue(QueueConfig{MaxSize: 1, Strategy: RejectNew})
	require.NoError(t, err)

	assert.True(t, q.Put(testEvent("a")))
	assert.False(t, q.Put(testEvent("b")))

	assert.Equal(t, 1, q.Size())
	assert.Equal(t, uint64(1), q.Metrics().TotalRejected)
}

func TestBoundedEventQueueAdaptiveRateLimitGrowsAndHalvesDelay(t *testing.T) {
	q, err := NewBoundedEventQueue(QueueConfig{MaxSize: 1, Strategy: AdaptiveRateLimit})
	require.NoError(t, err)

	q.Put(testEvent("a"))
	for i := 0; i < 3; i++ {
		q.Put(testEvent("overflow"))
	}
	q.mu.Lock()
	delay := q.rateLimitDelay
	q.mu.Unlock()
	assert.Equal(t, 3*adaptiveDelayStep, delay)

	// Draining below the low watermark halves the accumulated delay.
	_, _ = q.GetNowait()
	q.mu.Lock()
	halved := q.rateLimitDelay
	q.mu.Unlock()
	assert.Equal(t, delay/2, halved)
}

func TestBoundedEventQueueAdaptiveDelayNeverExceedsCap(t *testing.T) {
	q, err := NewBoundedEventQueue(QueueConfig{MaxSize: 1, Strategy: AdaptiveRateLimit})
	require.NoError(t, err)

	q.Put(testEvent("a"))
	for i := 0; i < 500; i++ {
		q.Put(testEvent("overflow"))
	}
	q.mu.Lock()
	delay := q.rateLimitDelay
	q.mu.Unlock()
	assert.Equal(t, adaptiveDelayCap, delay)
}

func TestBoundedEventQueueBackpressureCallbacksFireAtWatermarks(t *testing.T) {
	var highFired, lowFired int
	q, err := NewBoundedEventQueue(QueueConfig{
		MaxSize:     10,
		HighWater:   0.8,
		LowWater:    0.5,
		OnHighWater: func() { highFired++ },
		OnLowWater:  func() { lowFired++ },
	})
	require.NoError(t, err)

	for i := 0; i < 8; i++ {
		q.Put(testEvent("x"))
	}
	assert.Equal(t, 1, highFired)
	assert.True(t, q.IsBackpressureActive())

	for i := 0; i < 4; i++ {
		q.GetNowait()
	}
	assert.Equal(t, 1, lowFired)
	assert.False(t, q.IsBackpressureActive())
}

func TestBoundedEventQueueGetBlocksUntilPutOrCancel(t *testing.T) {
	q, err := NewBoundedEventQueue(QueueConfig{MaxSize: 10})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = q.Get(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	ctx2 := context.Background()
	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Put(testEvent("late"))
	}()
	ev, err := q.Get(ctx2)
	require.NoError(t, err)
	assert.Equal(t, "late", ev.EventMessage().MessageID)
}

func TestBoundedEventQueuePutFrontInsertsAtHead(t *testing.T) {
	q, err := NewBoundedEventQueue(QueueConfig{MaxSize: 10})
	require.NoError(t, err)

	q.Put(testEvent("a"))
	q.PutFront(testEvent("front"))

	first, _ := q.GetNowait()
	assert.Equal(t, "front", first.EventMessage().MessageID)
}
