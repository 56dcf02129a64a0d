package bus

import (
	"reflect"
	"time"

	"github.com/google/uuid"
)

// eventTypeName returns the unqualified Go type name used by name-based
// filters, handler names and logging, e.g. "*mypkg.OrderPlaced" ->
// "OrderPlaced". Registry lookups use eventRegistryType instead.
func eventTypeName(event Event) string {
	t := reflect.TypeOf(event)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

// commandRegistryType returns the registry key for a command's concrete
// (possibly pointer) type, matching what RegisterCommandHandler[T] keys
// handlers under.
func commandRegistryType(cmd Command) reflect.Type { return reflect.TypeOf(cmd) }

// eventRegistryType returns the registry key for an event's concrete
// (possibly pointer) type, matching what RegisterEventHandler[T] keys
// handlers under.
func eventRegistryType(event Event) reflect.Type { return reflect.TypeOf(event) }

// BusSessionID is the reserved session scope whose handlers apply to every
// session via fallback (commands) or union (events).
const BusSessionID = "BUS"

// Message is embedded by every Command and Event. Handlers must never
// mutate these fields.
type Message struct {
	MessageID string
	SessionID string
	CreatedAt time.Time
	Metadata  map[string]any
}

func newMessage(sessionID string) Message {
	if sessionID == "" {
		sessionID = BusSessionID
	}
	return Message{
		MessageID: uuid.NewString(),
		SessionID: sessionID,
		CreatedAt: time.Now(),
		Metadata:  make(map[string]any),
	}
}

// Command is a point-to-point request. Exactly one handler may be
// registered per (command type, session).
type Command interface {
	CommandMessage() *Message
}

// CommandBase gives concrete command types the Message embedding and the
// CommandMessage accessor for free.
type CommandBase struct {
	Message
}

// NewCommandBase constructs the embeddable base for a concrete command type.
func NewCommandBase(sessionID string) CommandBase {
	return CommandBase{Message: newMessage(sessionID)}
}

func (c *CommandBase) CommandMessage() *Message { return &c.Message }

// CommandResult is returned by Execute. The bus never panics to the caller
// of Execute; every failure is surfaced as a CommandResult with
// Success=false.
type CommandResult struct {
	Success   bool
	CommandID string
	Result    any
	Error     string
	Metadata  map[string]any
}

// Event is a broadcast notification. Zero or more handlers may be
// registered per (event type, session).
type Event interface {
	EventMessage() *Message
}

// EventBase gives concrete event types the Message embedding and the
// EventMessage accessor for free.
type EventBase struct {
	Message
}

// NewEventBase constructs the embeddable base for a concrete event type.
func NewEventBase(sessionID string) EventBase {
	return EventBase{Message: newMessage(sessionID)}
}

func (e *EventBase) EventMessage() *Message { return &e.Message }

// Scheduled is implemented by events carrying an absolute fire time. The
// dispatch loop must never deliver one before ScheduledTime.
type Scheduled interface {
	Event
	FireTime() time.Time
}

// ScheduledEvent wraps any event with a deferred absolute delivery time.
type ScheduledEvent struct {
	EventBase
	Inner         Event
	ScheduledTime time.Time
}

func (s *ScheduledEvent) FireTime() time.Time { return s.ScheduledTime }

// CommandStartedEvent is published (fire-and-forget) immediately before a
// command's handler runs.
type CommandStartedEvent struct {
	EventBase
	CommandType string
	CommandID   string
}

// CommandResultEvent is published after a command reaches a terminal state.
type CommandResultEvent struct {
	EventBase
	CommandType string
	Result      CommandResult
}

// EventHandlerFailedEvent is published when an event handler fails and
// error suppression is enabled.
type EventHandlerFailedEvent struct {
	EventBase
	EventType   string
	HandlerName string
	Err         string
}

// SessionStartEvent is published when a session becomes active.
type SessionStartEvent struct {
	EventBase
	StartedSessionID string
}

// SessionEndEvent is published when a session ends, carrying its total
// duration and any error that aborted the scope.
type SessionEndEvent struct {
	EventBase
	EndedSessionID  string
	DurationSeconds float64
	Err             string
}

// DeadLetterAddedEventType is the metadata type marker published whenever a
// command is added to the dead-letter store (see Bus.addDeadLetter in bus.go).
const DeadLetterAddedEventType = "dead_letter_added"

// GenericEvent is a minimal concrete Event usable directly by producers
// that don't need a dedicated struct, and is what carries the
// dead_letter_added marker.
type GenericEvent struct {
	EventBase
	Type string
}
