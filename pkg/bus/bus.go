// Package bus implements an in-process message bus dispatching commands
// (point-to-point, expect a result) and events (broadcast, no result)
// between producers and handlers, with session-scoped isolation,
// middleware chains, filtering, prioritised dispatch, bounded-queue
// backpressure, retrying with a per-command-type circuit breaker, and a
// dead-letter store for permanently failed commands.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/zap"

	"github.com/relaybus/relaybus/pkg/buserr"
)

// Bus is the dispatch core (C8). It owns the registry, the bounded event
// queue, the circuit breakers, the dead-letter store, and the background
// dispatch goroutine. A Bus is constructed once via New and passed to
// producers explicitly; there is no hidden package-level singleton.
type Bus struct {
	cfg BusConfig

	metrics    *MetricsCollector
	registry   *HandlerRegistry
	queue      *BoundedEventQueue
	breakers   *CircuitBreakerManager
	deadLetter *DeadLetterStore
	retryCfg   RetryConfig

	mwMu              sync.RWMutex
	commandMiddleware []CommandMiddleware
	eventMiddleware   []EventMiddleware
	filters           []EventFilter

	observabilitySink ObservabilitySink
	persister         ScheduledEventsPersister

	log    *logrus.Entry
	zapLog *zap.Logger

	runMu        sync.Mutex
	running      bool
	dispatchStop context.CancelFunc
	dispatchDone chan struct{}

	suppressErrors int32 // atomic bool: 1 = suppress (default)
	totalErrors    int64 // atomic

	batchMu      sync.RWMutex
	batchSize    int
	batchTimeout time.Duration

	sessionsMu sync.Mutex
	sessions   map[string]*Session
}

// Option configures a Bus at construction time.
type Option func(*Bus)

func WithObservabilitySink(sink ObservabilitySink) Option {
	return func(b *Bus) { b.observabilitySink = sink }
}

func WithScheduledEventsPersister(p ScheduledEventsPersister) Option {
	return func(b *Bus) { b.persister = p }
}

func WithLogger(log *logrus.Entry) Option {
	return func(b *Bus) { b.log = log }
}

func WithZapLogger(z *zap.Logger) Option {
	return func(b *Bus) { b.zapLog = z }
}

func WithMetricsRegisterer(r Registerer) Option {
	return func(b *Bus) { b.metrics.SetRegisterer(r) }
}

// New constructs a Bus in the uninitialised state; call Start to begin
// dispatching.
func New(cfg BusConfig, opts ...Option) (*Bus, error) {
	b := &Bus{
		cfg:          cfg,
		metrics:      NewMetricsCollector(),
		log:          logrus.NewEntry(logrus.StandardLogger()),
		batchSize:    cfg.Batch.Size,
		batchTimeout: cfg.Batch.Timeout,
		sessions:     make(map[string]*Session),
		retryCfg: RetryConfig{
			MaxRetries:      cfg.Retry.MaxRetries,
			InitialDelay:    cfg.Retry.InitialDelay,
			MaxDelay:        cfg.Retry.MaxDelay,
			ExponentialBase: cfg.Retry.ExponentialBase,
			Jitter:          cfg.Retry.Jitter,
		},
	}
	if b.batchSize <= 0 {
		b.batchSize = 10
	}
	if b.batchTimeout <= 0 {
		b.batchTimeout = 10 * time.Millisecond
	}
	if cfg.SuppressEventErrors {
		atomic.StoreInt32(&b.suppressErrors, 1)
	}

	for _, opt := range opts {
		opt(b)
	}

	if b.zapLog == nil {
		z, err := zap.NewProduction()
		if err != nil {
			z = zap.NewNop()
		}
		b.zapLog = z
	}

	b.registry = NewHandlerRegistry(b.log)
	b.deadLetter = NewDeadLetterStore(cfg.DeadLetter.MaxSize, b.metrics.Gauge(MetricDeadLetterQueueSize), b.log)
	b.breakers = NewCircuitBreakerManager(CircuitBreakerConfig{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		WindowSize:       cfg.CircuitBreaker.WindowSize,
		RecoveryTimeout:  cfg.CircuitBreaker.RecoveryTimeout,
		SuccessThreshold: cfg.CircuitBreaker.SuccessThreshold,
	}, b.metrics.Gauge(MetricCircuitBreakerState), b.log)

	queue, err := NewBoundedEventQueue(QueueConfig{
		MaxSize:   cfg.Queue.MaxSize,
		HighWater: cfg.Queue.HighWater,
		LowWater:  cfg.Queue.LowWater,
		Strategy:  cfg.Queue.strategy(),
		Logger:    b.log,
		OnHighWater: func() {
			b.metrics.SetGauge(MetricBackpressureActive, "", 1)
		},
		OnLowWater: func() {
			b.metrics.SetGauge(MetricBackpressureActive, "", 0)
		},
	})
	if err != nil {
		return nil, err
	}
	b.queue = queue

	return b, nil
}

// Start transitions the bus from uninitialised/stopped to running,
// loading any previously-saved scheduled events and spawning the
// background dispatch goroutine.
func (b *Bus) Start(ctx context.Context) error {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if b.running {
		return nil
	}

	if b.persister != nil {
		events, err := b.persister.LoadUnfinishedEvents(ctx)
		if err != nil {
			b.log.WithError(err).Warn("failed to load persisted scheduled events")
		}
		for _, e := range events {
			b.queue.Put(e)
		}
	}

	dispatchCtx, cancel := context.WithCancel(context.Background())
	b.dispatchStop = cancel
	b.dispatchDone = make(chan struct{})
	b.running = true

	go b.dispatchLoop(dispatchCtx)
	b.zapLog.Info("bus started")
	return nil
}

// Stop is idempotent: calling it twice, or on a never-started bus, is a
// no-op. It cancels the dispatch goroutine, waits up to two seconds,
// hands any still-pending scheduled events to the persister, and clears
// the queue.
func (b *Bus) Stop(ctx context.Context) error {
	b.runMu.Lock()
	if !b.running {
		b.runMu.Unlock()
		return nil
	}
	b.running = false
	cancel := b.dispatchStop
	done := b.dispatchDone
	b.runMu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		b.zapLog.Warn("dispatch goroutine did not stop within grace period")
	}

	pending := b.drainScheduled()
	if b.persister != nil {
		if err := b.persister.SaveUnfinishedEvents(ctx, pending); err != nil {
			b.log.WithError(err).Warn("failed to save scheduled events on stop")
		}
	}
	b.zapLog.Info("bus stopped")
	return nil
}

func (b *Bus) drainScheduled() []*ScheduledEvent {
	var pending []*ScheduledEvent
	for {
		ev, ok := b.queue.GetNowait()
		if !ok {
			break
		}
		if se, ok := ev.(*ScheduledEvent); ok {
			pending = append(pending, se)
		}
	}
	return pending
}

// Reset stops the bus (if running) and reinitialises every internal
// collection: registry, metrics, queue, breakers, dead-letter store.
func (b *Bus) Reset(ctx context.Context) error {
	if err := b.Stop(ctx); err != nil {
		return err
	}
	cfg := b.cfg
	b.registry = NewHandlerRegistry(b.log)
	b.metrics.Reset()
	b.breakers.Reset()
	b.deadLetter = NewDeadLetterStore(cfg.DeadLetter.MaxSize, b.metrics.Gauge(MetricDeadLetterQueueSize), b.log)
	queue, err := NewBoundedEventQueue(QueueConfig{
		MaxSize:   cfg.Queue.MaxSize,
		HighWater: cfg.Queue.HighWater,
		LowWater:  cfg.Queue.LowWater,
		Strategy:  cfg.Queue.strategy(),
		Logger:    b.log,
	})
	if err != nil {
		return err
	}
	b.queue = queue
	atomic.StoreInt64(&b.totalErrors, 0)
	b.sessionsMu.Lock()
	b.sessions = make(map[string]*Session)
	b.sessionsMu.Unlock()
	return nil
}

func (b *Bus) IsRunning() bool {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	return b.running
}

// AddCommandMiddleware appends mw to the command chain. Registration
// order determines execution order (first added sees the command first).
func (b *Bus) AddCommandMiddleware(mw CommandMiddleware) {
	b.mwMu.Lock()
	defer b.mwMu.Unlock()
	b.commandMiddleware = append(b.commandMiddleware, mw)
}

func (b *Bus) AddEventMiddleware(mw EventMiddleware) {
	b.mwMu.Lock()
	defer b.mwMu.Unlock()
	b.eventMiddleware = append(b.eventMiddleware, mw)
}

func (b *Bus) AddEventFilter(f EventFilter) {
	b.mwMu.Lock()
	defer b.mwMu.Unlock()
	b.filters = append(b.filters, f)
}

func (b *Bus) commandChainSnapshot() []CommandMiddleware {
	b.mwMu.RLock()
	defer b.mwMu.RUnlock()
	out := make([]CommandMiddleware, len(b.commandMiddleware))
	copy(out, b.commandMiddleware)
	return out
}

func (b *Bus) eventChainSnapshot() []EventMiddleware {
	b.mwMu.RLock()
	defer b.mwMu.RUnlock()
	out := make([]EventMiddleware, len(b.eventMiddleware))
	copy(out, b.eventMiddleware)
	return out
}

func (b *Bus) filtersSnapshot() []EventFilter {
	b.mwMu.RLock()
	defer b.mwMu.RUnlock()
	out := make([]EventFilter, len(b.filters))
	copy(out, b.filters)
	return out
}

// SuppressEventErrors enables the default behaviour: event handler errors
// are swallowed and surfaced only via EventHandlerFailedEvent + metrics.
func (b *Bus) SuppressEventErrors() { atomic.StoreInt32(&b.suppressErrors, 1) }

// UnsuppressEventErrors makes WaitForEvents/synchronous Publish propagate
// the first event handler error it observes.
func (b *Bus) UnsuppressEventErrors() { atomic.StoreInt32(&b.suppressErrors, 0) }

func (b *Bus) errorsSuppressed() bool { return atomic.LoadInt32(&b.suppressErrors) == 1 }

// SetBatchProcessing reconfigures the dispatch loop's batch size (clamped
// to >= 1) and timeout (clamped to >= 1ms).
func (b *Bus) SetBatchProcessing(size int, timeout time.Duration) {
	if size < 1 {
		size = 1
	}
	if timeout < time.Millisecond {
		timeout = time.Millisecond
	}
	b.batchMu.Lock()
	b.batchSize = size
	b.batchTimeout = timeout
	b.batchMu.Unlock()
}

func (b *Bus) batchSettings() (int, time.Duration) {
	b.batchMu.RLock()
	defer b.batchMu.RUnlock()
	return b.batchSize, b.batchTimeout
}

// Metrics returns a snapshot of every counter/histogram/gauge, refreshing
// the registered_handlers and queue_size gauges first.
func (b *Bus) Metrics() MetricsSnapshot {
	stats := b.registry.Stats()
	b.metrics.SetGauge(MetricRegisteredHandlers, "", float64(stats.TotalCommandHandlers+stats.TotalEventHandlers))
	b.metrics.SetGauge(MetricQueueSize, "", float64(b.queue.Size()))
	b.metrics.SetGauge(MetricDeadLetterQueueSize, "", float64(b.deadLetter.Size()))
	return b.metrics.Snapshot()
}

// Stats mirrors the source's get_stats: a small operational summary.
type Stats struct {
	Running              bool
	QueueSize            int
	BatchSize            int
	BatchTimeout         time.Duration
	ErrorSuppression     bool
	TotalErrors          int64
	HandlerStats         HandlerStats
	QueueMetrics         QueueMetrics
	CircuitBreakerStates map[string]StateInfo
}

func (b *Bus) Stats() Stats {
	size, timeout := b.batchSettings()
	return Stats{
		Running:              b.IsRunning(),
		QueueSize:            b.queue.Size(),
		BatchSize:            size,
		BatchTimeout:         timeout,
		ErrorSuppression:     b.errorsSuppressed(),
		TotalErrors:          atomic.LoadInt64(&b.totalErrors),
		HandlerStats:         b.registry.Stats(),
		QueueMetrics:         b.queue.Metrics(),
		CircuitBreakerStates: b.breakers.States(),
	}
}

// Session creates a new scoped unit of handler registration. Callers must
// call Start before using it and End (typically via defer) when done.
func (b *Bus) Session(id string) *Session {
	s := newSession(b, id)
	b.sessionsMu.Lock()
	b.sessions[s.sessionID] = s
	b.sessionsMu.Unlock()
	return s
}

// durationMillis converts d to the floating-point millisecond scale the
// two built-in duration histograms are bucketed in.
func durationMillis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000.0
}

func (b *Bus) forgetSession(id string) {
	b.sessionsMu.Lock()
	delete(b.sessions, id)
	b.sessionsMu.Unlock()
}

// ActiveSessionCount reports how many sessions are currently tracked by
// the bus (started and not yet ended), refreshing the active_sessions
// gauge to match.
func (b *Bus) ActiveSessionCount() int {
	b.sessionsMu.Lock()
	n := 0
	for _, s := range b.sessions {
		if s.IsActive() {
			n++
		}
	}
	b.sessionsMu.Unlock()
	b.metrics.SetGauge(MetricActiveSessions, "", float64(n))
	return n
}

// UnregisterSessionHandlers removes every handler registered under
// sessionID. The BUS scope cannot be removed; attempting to do so is logged
// and ignored.
func (b *Bus) UnregisterSessionHandlers(sessionID string) {
	b.registry.UnregisterSession(sessionID)
}

// --- Command execution path (§4.8) -----------------------------------------

// Execute runs cmd through the registry, circuit breaker, retry, and
// dead-letter machinery described in §4.6-4.8. It never panics to the
// caller: every outcome, success or failure, is returned as a
// CommandResult.
func (b *Bus) Execute(ctx context.Context, cmd Command) CommandResult {
	msg := cmd.CommandMessage()
	cmdType := commandTypeName(cmd)
	b.metrics.IncCounter(MetricCommandsSentTotal, 1)

	handler, ok := b.registry.GetCommandHandler(commandRegistryType(cmd), msg.SessionID)
	if !ok {
		b.metrics.IncCounter(MetricCommandsFailedTotal, 1)
		result := CommandResult{
			Success:   false,
			CommandID: msg.MessageID,
			Error:     fmt.Sprintf("no command handler registered for %s in session %s", cmdType, msg.SessionID),
			Metadata:  map[string]any{"kind": string(buserr.KindHandlerNotFound)},
		}
		b.publishCommandResult(ctx, cmdType, result)
		return result
	}

	b.Publish(ctx, &CommandStartedEvent{
		EventBase:   NewEventBase(msg.SessionID),
		CommandType: cmdType,
		CommandID:   msg.MessageID,
	}, false)

	breaker := b.breakers.GetOrCreate(cmdType)
	chain := BuildCommandChain(b.commandChainSnapshot(), func(ctx context.Context, cmd Command) CommandResult {
		return handler(ctx, cmd)
	})

	retryCfg := b.retryCfg
	var lastResult CommandResult
	var attempts int
	var circuitOpen bool
	var handlerElapsed time.Duration
	start := time.Now()

retryLoop:
	for attempt := 1; attempt <= retryCfg.MaxRetries+1; attempt++ {
		attempts = attempt
		var attemptResult CommandResult
		attemptStart := time.Now()
		callErr := breaker.Call(ctx, func(ctx context.Context) error {
			attemptResult = chain(ctx, cmd)
			if !attemptResult.Success {
				return errors.New(attemptResult.Error)
			}
			return nil
		})
		handlerElapsed += time.Since(attemptStart)

		if callErr == nil {
			lastResult = attemptResult
			break
		}

		var busErr *buserr.BusError
		if errors.As(callErr, &busErr) && busErr.Kind == buserr.KindCircuitOpen {
			circuitOpen = true
			lastResult = CommandResult{
				Success:   false,
				CommandID: msg.MessageID,
				Error:     callErr.Error(),
				Metadata: map[string]any{
					"kind":                  string(buserr.KindCircuitOpen),
					"circuit_breaker_state": breaker.State().String(),
				},
			}
			break
		}

		if errors.Is(callErr, context.Canceled) || errors.Is(callErr, context.DeadlineExceeded) {
			// The attempt's goroutine may still be running and writing to
			// attemptResult; it is not safe to read here.
			lastResult = CommandResult{
				Success:   false,
				CommandID: msg.MessageID,
				Error:     callErr.Error(),
			}
			break
		}

		lastResult = attemptResult
		if lastResult.Error == "" {
			lastResult.Error = callErr.Error()
		}
		lastResult.CommandID = msg.MessageID

		if breaker.State() == CircuitOpen {
			break
		}
		if attempt == retryCfg.MaxRetries+1 {
			break
		}
		select {
		case <-ctx.Done():
			lastResult.Error = ctx.Err().Error()
			break retryLoop
		case <-time.After(retryCfg.DelayForAttempt(attempt)):
		}
	}

	b.metrics.Observe(MetricCommandProcessingDuration, durationMillis(handlerElapsed))

	if lastResult.Success {
		b.metrics.IncCounter(MetricCommandsProcessedTotal, 1)
	} else {
		b.metrics.IncCounter(MetricCommandsFailedTotal, 1)
		atomic.AddInt64(&b.totalErrors, 1)
		// circuitOpen is only set when the breaker rejected the call outright
		// without running the handler; every other break out of the retry
		// loop (retries exhausted, breaker tripped on this attempt, context
		// cancelled) followed a genuine failed attempt and is terminal.
		if !circuitOpen {
			if lastResult.Metadata == nil {
				lastResult.Metadata = make(map[string]any)
			}
			lastResult.Metadata["dead_letter"] = true
			b.addDeadLetter(ctx, cmd, lastResult.Error, attempts, start)
		}
	}

	b.publishCommandResult(ctx, cmdType, lastResult)
	return lastResult
}

func (b *Bus) publishCommandResult(ctx context.Context, cmdType string, result CommandResult) {
	b.Publish(ctx, &CommandResultEvent{
		EventBase:   NewEventBase(BusSessionID),
		CommandType: cmdType,
		Result:      result,
	}, false)
}

func (b *Bus) addDeadLetter(ctx context.Context, cmd Command, errStr string, attempts int, firstAttempt time.Time) {
	msg := cmd.CommandMessage()
	entry := DeadLetterEntry{
		Command:      cmd,
		Error:        errStr,
		Attempts:     attempts,
		FirstAttempt: firstAttempt,
		LastAttempt:  time.Now(),
		Metadata: map[string]any{
			"command_type": commandTypeName(cmd),
			"session_id":   msg.SessionID,
		},
	}
	b.deadLetter.Put(entry)
	b.metrics.SetGauge(MetricDeadLetterQueueSize, "", float64(b.deadLetter.Size()))

	b.Publish(ctx, &GenericEvent{
		EventBase: func() EventBase {
			eb := NewEventBase(BusSessionID)
			eb.Metadata["event_type"] = DeadLetterAddedEventType
			eb.Metadata["command_type"] = commandTypeName(cmd)
			eb.Metadata["command_id"] = msg.MessageID
			eb.Metadata["attempts"] = attempts
			eb.Metadata["error"] = errStr
			return eb
		}(),
		Type: DeadLetterAddedEventType,
	}, false)
}

// RetryDeadLetterEntry locates a dead-lettered command by id, removes it,
// and resubmits it through Execute.
func (b *Bus) RetryDeadLetterEntry(ctx context.Context, commandID string) (CommandResult, bool) {
	entry, ok := b.deadLetter.Remove(commandID)
	if !ok {
		return CommandResult{}, false
	}
	b.metrics.SetGauge(MetricDeadLetterQueueSize, "", float64(b.deadLetter.Size()))
	return b.Execute(ctx, entry.Command), true
}

func (b *Bus) DeadLetterEntries(limit int) []DeadLetterEntry {
	return b.deadLetter.Entries(limit)
}

// --- Event publish path (§4.8) ----------------------------------------------

// Publish runs event through the observability sink and filters, enqueues
// it, and optionally drains the queue synchronously before returning.
// Publishing is best-effort: queue overflow is never surfaced as an error.
func (b *Bus) Publish(ctx context.Context, event Event, awaitProcessing bool) error {
	msg := event.EventMessage()

	if b.observabilitySink != nil {
		b.safeObserve(ctx, event)
	}

	sessionID := msg.SessionID
	for _, f := range b.filtersSnapshot() {
		if !f.ShouldHandle(event, sessionID) {
			return nil // FilteredOut: not an error
		}
	}

	b.queue.Put(event)
	b.metrics.IncCounter(MetricEventsPublishedTotal, 1)
	b.metrics.SetGauge(MetricQueueSize, "", float64(b.queue.Size()))

	_, isScheduled := event.(Scheduled)
	if awaitProcessing && !isScheduled {
		return b.WaitForEvents(ctx)
	}
	return nil
}

func (b *Bus) safeObserve(ctx context.Context, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.WithField("panic", r).Warn("observability sink panicked")
		}
	}()
	if err := b.observabilitySink.ObserveEvent(ctx, event); err != nil {
		b.log.WithError(err).Warn("observability sink returned an error")
	}
}

// WaitForEvents drains every currently-enqueued non-scheduled event,
// re-enqueues any scheduled events encountered, and processes the drained
// batch to completion.
func (b *Bus) WaitForEvents(ctx context.Context) error {
	var batch []Event
	var scheduled []Event
	for {
		ev, ok := b.queue.GetNowait()
		if !ok {
			break
		}
		if _, ok := ev.(*ScheduledEvent); ok {
			scheduled = append(scheduled, ev)
			continue
		}
		batch = append(batch, ev)
	}
	for _, se := range scheduled {
		b.queue.Put(se)
	}
	if len(batch) == 0 {
		return nil
	}
	errs := b.processBatch(ctx, batch)
	if len(errs) > 0 && !b.errorsSuppressed() {
		return errs[0]
	}
	return nil
}

// --- Background dispatch loop ------------------------------------------------

func (b *Bus) dispatchLoop(ctx context.Context) {
	defer close(b.dispatchDone)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		batch := b.collectBatch(ctx)
		if len(batch) == 0 {
			if ctx.Err() != nil {
				return
			}
			time.Sleep(time.Millisecond)
			continue
		}
		b.processBatch(ctx, batch)
	}
}

func (b *Bus) collectBatch(ctx context.Context) []Event {
	size, timeout := b.batchSettings()

	first, err := b.queue.Get(ctx)
	if err != nil {
		return nil
	}
	ready, due := dueOrRequeue(first, b.queue)
	if !due {
		return nil
	}

	batch := []Event{ready}
	deadline := time.Now().Add(timeout)
	for len(batch) < size && time.Now().Before(deadline) {
		if ctx.Err() != nil {
			break
		}
		ev, ok := b.queue.GetNowait()
		if !ok {
			time.Sleep(100 * time.Microsecond)
			continue
		}
		ready, due := dueOrRequeue(ev, b.queue)
		if !due {
			continue
		}
		batch = append(batch, ready)
	}
	return batch
}

// dueOrRequeue inspects event: if it is a *ScheduledEvent not yet due, it
// is put back at the queue's head and (nil, false) is returned; if it is a
// *ScheduledEvent that has come due, its Inner event is returned so
// dispatch proceeds against the handler types registered for it; any other
// event is returned unchanged.
func dueOrRequeue(event Event, q *BoundedEventQueue) (Event, bool) {
	se, ok := event.(*ScheduledEvent)
	if !ok {
		return event, true
	}
	if time.Now().Before(se.ScheduledTime) {
		q.PutFront(event)
		return nil, false
	}
	return se.Inner, true
}

// processBatch invokes every registered handler for every event in the
// batch concurrently, and returns any errors observed (used by the
// synchronous WaitForEvents path; the background loop discards them after
// logging).
func (b *Bus) processBatch(ctx context.Context, batch []Event) []error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs []error

	eventMW := b.eventChainSnapshot()

	for _, event := range batch {
		msg := event.EventMessage()
		handlers := b.registry.GetEventHandlers(eventRegistryType(event), msg.SessionID)
		for i, h := range handlers {
			wg.Add(1)
			handlerName := fmt.Sprintf("%s#%d", eventTypeName(event), i)
			go func(handler EventHandlerFunc, handlerName string) {
				defer wg.Done()
				defer func() {
					if r := recover(); r != nil {
						err := fmt.Errorf("event handler panicked: %v", r)
						b.handleEventError(ctx, event, handlerName, err)
						mu.Lock()
						errs = append(errs, err)
						mu.Unlock()
					}
				}()
				start := time.Now()
				chain := BuildEventChain(eventMW, handlerName, handler)
				err := chain(ctx, event)
				b.metrics.Observe(MetricEventProcessingDuration, durationMillis(time.Since(start)))
				if err != nil {
					b.handleEventError(ctx, event, handlerName, err)
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
					return
				}
				b.metrics.IncCounter(MetricEventsProcessedTotal, 1)
			}(h, handlerName)
		}
	}
	wg.Wait()
	return errs
}

func (b *Bus) handleEventError(ctx context.Context, event Event, handlerName string, err error) {
	b.metrics.IncCounter(MetricEventsFailedTotal, 1)
	atomic.AddInt64(&b.totalErrors, 1)
	b.log.WithFields(logrus.Fields{
		"event_type": eventTypeName(event),
		"handler":    handlerName,
	}).WithError(err).Warn("event handler failed")

	if b.errorsSuppressed() {
		b.Publish(ctx, &EventHandlerFailedEvent{
			EventBase:   NewEventBase(event.EventMessage().SessionID),
			EventType:   eventTypeName(event),
			HandlerName: handlerName,
			Err:         err.Error(),
		}, false)
	}
}
