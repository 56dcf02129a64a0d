package bus

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// NextCommandFunc is the remainder of the command middleware chain
// (possibly just the terminal handler invocation).
type NextCommandFunc func(ctx context.Context, cmd Command) CommandResult

// NextEventFunc is the remainder of the event middleware chain.
type NextEventFunc func(ctx context.Context, event Event) error

// CommandMiddleware wraps a single command handler invocation. It must
// call next to continue the chain, or short-circuit with its own result.
type CommandMiddleware interface {
	ProcessCommand(ctx context.Context, cmd Command, next NextCommandFunc) CommandResult
}

// EventMiddleware wraps a single event handler invocation.
type EventMiddleware interface {
	ProcessEvent(ctx context.Context, event Event, handlerName string, next NextEventFunc) error
}

type CommandMiddlewareFunc func(ctx context.Context, cmd Command, next NextCommandFunc) CommandResult

func (f CommandMiddlewareFunc) ProcessCommand(ctx context.Context, cmd Command, next NextCommandFunc) CommandResult {
	return f(ctx, cmd, next)
}

type EventMiddlewareFunc func(ctx context.Context, event Event, handlerName string, next NextEventFunc) error

func (f EventMiddlewareFunc) ProcessEvent(ctx context.Context, event Event, handlerName string, next NextEventFunc) error {
	return f(ctx, event, handlerName, next)
}

// BuildCommandChain right-folds middlewares around terminal so the first
// entry in middlewares sees the command first and the result last.
func BuildCommandChain(middlewares []CommandMiddleware, terminal NextCommandFunc) NextCommandFunc {
	chain := terminal
	for i := len(middlewares) - 1; i >= 0; i-- {
		mw := middlewares[i]
		next := chain
		chain = func(ctx context.Context, cmd Command) CommandResult {
			return mw.ProcessCommand(ctx, cmd, next)
		}
	}
	return chain
}

// BuildEventChain right-folds middlewares around terminal for a single
// handler invocation identified by handlerName (used for logging/metrics).
func BuildEventChain(middlewares []EventMiddleware, handlerName string, terminal NextEventFunc) NextEventFunc {
	chain := terminal
	for i := len(middlewares) - 1; i >= 0; i-- {
		mw := middlewares[i]
		next := chain
		chain = func(ctx context.Context, event Event) error {
			return mw.ProcessEvent(ctx, event, handlerName, next)
		}
	}
	return chain
}

// LoggingMiddleware logs before/after each invocation with duration,
// re-surfacing any error after logging it.
type LoggingMiddleware struct {
	Log *logrus.Entry
}

func NewLoggingMiddleware(log *logrus.Entry) *LoggingMiddleware {
	return &LoggingMiddleware{Log: log}
}

func (m *LoggingMiddleware) ProcessCommand(ctx context.Context, cmd Command, next NextCommandFunc) CommandResult {
	start := time.Now()
	name := commandTypeName(cmd)
	m.Log.WithField("command_type", name).Debug("command starting")
	result := next(ctx, cmd)
	m.Log.WithFields(logrus.Fields{
		"command_type": name,
		"success":      result.Success,
		"duration_ms":  time.Since(start).Milliseconds(),
	}).Debug("command finished")
	return result
}

func (m *LoggingMiddleware) ProcessEvent(ctx context.Context, event Event, handlerName string, next NextEventFunc) error {
	start := time.Now()
	name := eventTypeName(event)
	m.Log.WithFields(logrus.Fields{"event_type": name, "handler": handlerName}).Debug("event handler starting")
	err := next(ctx, event)
	fields := logrus.Fields{
		"event_type":  name,
		"handler":     handlerName,
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if err != nil {
		m.Log.WithFields(fields).WithError(err).Warn("event handler failed")
	} else {
		m.Log.WithFields(fields).Debug("event handler finished")
	}
	return err
}

// TimingMiddleware records per-type timing statistics in memory, queryable
// via Stats().
type TimingMiddleware struct {
	mu             sync.Mutex
	commandTimings map[string][]time.Duration
	eventTimings   map[string][]time.Duration
}

func NewTimingMiddleware() *TimingMiddleware {
	return &TimingMiddleware{
		commandTimings: make(map[string][]time.Duration),
		eventTimings:   make(map[string][]time.Duration),
	}
}

func (m *TimingMiddleware) ProcessCommand(ctx context.Context, cmd Command, next NextCommandFunc) CommandResult {
	start := time.Now()
	result := next(ctx, cmd)
	elapsed := time.Since(start)
	name := commandTypeName(cmd)
	m.mu.Lock()
	m.commandTimings[name] = append(m.commandTimings[name], elapsed)
	m.mu.Unlock()
	return result
}

func (m *TimingMiddleware) ProcessEvent(ctx context.Context, event Event, handlerName string, next NextEventFunc) error {
	start := time.Now()
	err := next(ctx, event)
	elapsed := time.Since(start)
	name := eventTypeName(event)
	m.mu.Lock()
	m.eventTimings[name] = append(m.eventTimings[name], elapsed)
	m.mu.Unlock()
	return err
}

// TimingStats summarises count/avg/min/max for one message type.
type TimingStats struct {
	Count  int
	AvgMs  float64
	MinMs  float64
	MaxMs  float64
}

func summarize(samples []time.Duration) TimingStats {
	if len(samples) == 0 {
		return TimingStats{}
	}
	var sum, min, max float64
	min = float64(samples[0].Microseconds()) / 1000
	for _, s := range samples {
		ms := float64(s.Microseconds()) / 1000
		sum += ms
		if ms < min {
			min = ms
		}
		if ms > max {
			max = ms
		}
	}
	return TimingStats{Count: len(samples), AvgMs: sum / float64(len(samples)), MinMs: min, MaxMs: max}
}

func (m *TimingMiddleware) Stats() (commands map[string]TimingStats, events map[string]TimingStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	commands = make(map[string]TimingStats, len(m.commandTimings))
	for k, v := range m.commandTimings {
		commands[k] = summarize(v)
	}
	events = make(map[string]TimingStats, len(m.eventTimings))
	for k, v := range m.eventTimings {
		events[k] = summarize(v)
	}
	return commands, events
}

// ValidationMiddleware rejects commands with an empty message id, and (when
// ValidateSessionID is set) an empty session id, before they reach the
// handler. When ValidateSessionID is set, events with an empty session id
// are logged and skipped (next is not invoked); event message ids are not
// checked.
type ValidationMiddleware struct {
	Log               *logrus.Entry
	ValidateSessionID bool
}

func (m *ValidationMiddleware) ProcessCommand(ctx context.Context, cmd Command, next NextCommandFunc) CommandResult {
	msg := cmd.CommandMessage()
	if m.ValidateSessionID && msg.SessionID == "" {
		return CommandResult{Success: false, CommandID: msg.MessageID, Error: "command missing session_id"}
	}
	if msg.MessageID == "" {
		return CommandResult{Success: false, Error: "command missing command_id"}
	}
	return next(ctx, cmd)
}

func (m *ValidationMiddleware) ProcessEvent(ctx context.Context, event Event, handlerName string, next NextEventFunc) error {
	msg := event.EventMessage()
	if m.ValidateSessionID && msg.SessionID == "" {
		if m.Log != nil {
			m.Log.WithField("handler", handlerName).Warn("skipping event with empty session_id")
		}
		return nil
	}
	return next(ctx, event)
}

// RateLimitMiddleware enforces a per-command-type rate using a token
// bucket, replacing a hand-rolled sleep loop.
type RateLimitMiddleware struct {
	maxPerSecond float64
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
}

func NewRateLimitMiddleware(maxPerSecond float64) *RateLimitMiddleware {
	return &RateLimitMiddleware{maxPerSecond: maxPerSecond, limiters: make(map[string]*rate.Limiter)}
}

func (m *RateLimitMiddleware) limiterFor(name string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.limiters[name]
	if !ok {
		l = rate.NewLimiter(rate.Limit(m.maxPerSecond), maxInt(1, int(m.maxPerSecond)))
		m.limiters[name] = l
	}
	return l
}

func (m *RateLimitMiddleware) ProcessCommand(ctx context.Context, cmd Command, next NextCommandFunc) CommandResult {
	name := commandTypeName(cmd)
	if err := m.limiterFor(name).Wait(ctx); err != nil {
		return CommandResult{Success: false, Error: fmt.Sprintf("rate limited: %v", err)}
	}
	return next(ctx, cmd)
}

func (m *RateLimitMiddleware) ProcessEvent(ctx context.Context, event Event, handlerName string, next NextEventFunc) error {
	return next(ctx, event) // events pass through without rate limiting
}

// RetryMiddleware retries a command handler in-place (distinct from the
// bus-level retry/circuit-breaker loop in Bus.Execute: this is the
// middleware-level building block named in §4.4, usable standalone by
// callers that add their own command chains without the resilient core).
type RetryMiddleware struct {
	MaxRetries         int
	RetryDelay         time.Duration
	ExponentialBackoff bool
}

func (m *RetryMiddleware) ProcessCommand(ctx context.Context, cmd Command, next NextCommandFunc) CommandResult {
	var result CommandResult
	for attempt := 0; attempt <= m.MaxRetries; attempt++ {
		result = next(ctx, cmd)
		if result.Success {
			return result
		}
		if attempt == m.MaxRetries {
			break
		}
		delay := m.RetryDelay
		if m.ExponentialBackoff {
			delay = m.RetryDelay * time.Duration(1<<uint(attempt))
		}
		select {
		case <-ctx.Done():
			return CommandResult{Success: false, Error: ctx.Err().Error()}
		case <-time.After(delay):
		}
	}
	return result
}

func (m *RetryMiddleware) ProcessEvent(ctx context.Context, event Event, handlerName string, next NextEventFunc) error {
	return next(ctx, event) // events are not retried at the middleware level
}

func commandTypeName(cmd Command) string {
	t := reflect.TypeOf(cmd)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}
