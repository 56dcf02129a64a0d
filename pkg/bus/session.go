package bus

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is a scoped unit of handler registration with guaranteed cleanup
// on End. Handlers registered through a Session are automatically torn
// down, and every Execute/Publish call made through it carries the
// session's id.
type Session struct {
	bus       *Bus
	sessionID string
	startTime time.Time

	mu           sync.Mutex
	active       bool
	handlerCount int
}

func newSession(b *Bus, id string) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	return &Session{bus: b, sessionID: id}
}

func (s *Session) ID() string { return s.sessionID }

// Start activates the session and publishes a SessionStartEvent. Starting
// an already-active session is a programmer error.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return fmt.Errorf("session %s is already active", s.sessionID)
	}
	s.active = true
	s.startTime = time.Now()
	s.mu.Unlock()

	s.bus.Publish(ctx, &SessionStartEvent{
		EventBase:        NewEventBase(BusSessionID),
		StartedSessionID: s.sessionID,
	}, false)
	return nil
}

// End is a no-op if the session is not active. It unregisters every
// handler scoped to the session and publishes a SessionEndEvent carrying
// the total duration and cause, if any.
func (s *Session) End(ctx context.Context, cause error) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	duration := time.Since(s.startTime)
	s.active = false
	s.mu.Unlock()

	s.bus.registry.UnregisterSession(s.sessionID)
	s.bus.forgetSession(s.sessionID)

	errStr := ""
	if cause != nil {
		errStr = cause.Error()
	}
	s.bus.Publish(ctx, &SessionEndEvent{
		EventBase:       NewEventBase(BusSessionID),
		EndedSessionID:  s.sessionID,
		DurationSeconds: duration.Seconds(),
		Err:             errStr,
	}, false)
}

func (s *Session) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Duration is live: it is time.Since(startTime), not frozen at End.
func (s *Session) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startTime.IsZero() {
		return 0
	}
	return time.Since(s.startTime)
}

func (s *Session) HandlerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handlerCount
}

// registerEventHandler is the untyped primitive behind the generic
// RegisterSessionEventHandler helper in generics.go.
func (s *Session) registerEventHandler(evtType reflect.Type, handler EventHandlerFunc, priority HandlerPriority) error {
	if !s.IsActive() {
		return fmt.Errorf("cannot register handler on inactive session %s", s.sessionID)
	}
	s.bus.registry.RegisterEventHandler(evtType, handler, s.sessionID, priority)
	s.mu.Lock()
	s.handlerCount++
	s.mu.Unlock()
	return nil
}

// registerCommandHandler is the untyped primitive behind the generic
// RegisterSessionCommandHandler helper in generics.go.
func (s *Session) registerCommandHandler(cmdType reflect.Type, handler CommandHandlerFunc) error {
	if !s.IsActive() {
		return fmt.Errorf("cannot register handler on inactive session %s", s.sessionID)
	}
	if err := s.bus.registry.RegisterCommandHandler(cmdType, handler, s.sessionID); err != nil {
		return err
	}
	s.mu.Lock()
	s.handlerCount++
	s.mu.Unlock()
	return nil
}

// Execute stamps the command's session id and forwards to the bus.
func (s *Session) Execute(ctx context.Context, cmd Command) (CommandResult, error) {
	if !s.IsActive() {
		return CommandResult{}, fmt.Errorf("cannot execute on inactive session %s", s.sessionID)
	}
	cmd.CommandMessage().SessionID = s.sessionID
	return s.bus.Execute(ctx, cmd), nil
}

// Publish stamps the event's session id and forwards to the bus.
func (s *Session) Publish(ctx context.Context, event Event, awaitProcessing bool) error {
	if !s.IsActive() {
		return fmt.Errorf("cannot publish on inactive session %s", s.sessionID)
	}
	event.EventMessage().SessionID = s.sessionID
	return s.bus.Publish(ctx, event, awaitProcessing)
}
