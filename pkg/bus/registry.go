package bus

import (
	"context"
	"reflect"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/relaybus/relaybus/pkg/buserr"
)

// CommandHandlerFunc executes a command and returns its result.
type CommandHandlerFunc func(ctx context.Context, cmd Command) CommandResult

// EventHandlerFunc reacts to a broadcast event.
type EventHandlerFunc func(ctx context.Context, event Event) error

type eventHandlerEntry struct {
	handler  EventHandlerFunc
	priority HandlerPriority
	seq      int // registration order, for stable ties
}

// HandlerRegistry stores command and event handlers scoped by session. It
// is the single, fully-locked implementation; the source's deprecated
// duplicate unlocked "simple" registry is deliberately not reintroduced
// here (see DESIGN.md).
type HandlerRegistry struct {
	mu              sync.RWMutex
	commandHandlers map[string]map[reflect.Type]CommandHandlerFunc
	eventHandlers   map[string]map[reflect.Type][]eventHandlerEntry
	seqCounter      int
	log             *logrus.Entry
}

func NewHandlerRegistry(log *logrus.Entry) *HandlerRegistry {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &HandlerRegistry{
		commandHandlers: make(map[string]map[reflect.Type]CommandHandlerFunc),
		eventHandlers:   make(map[string]map[reflect.Type][]eventHandlerEntry),
		log:             log,
	}
}

// RegisterCommandHandler fails if a handler is already registered for
// (cmdType, sessionID).
func (r *HandlerRegistry) RegisterCommandHandler(cmdType reflect.Type, handler CommandHandlerFunc, sessionID string) error {
	if sessionID == "" {
		sessionID = BusSessionID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	byType, ok := r.commandHandlers[sessionID]
	if !ok {
		byType = make(map[reflect.Type]CommandHandlerFunc)
		r.commandHandlers[sessionID] = byType
	}
	if _, exists := byType[cmdType]; exists {
		return buserr.New(buserr.KindInvariantViolation,
			"command handler already registered for type %s in session %s", cmdType, sessionID)
	}
	byType[cmdType] = handler
	return nil
}

// RegisterEventHandler always appends; the per-(type,session) list is kept
// sorted by priority with registration order preserved on ties.
func (r *HandlerRegistry) RegisterEventHandler(evtType reflect.Type, handler EventHandlerFunc, sessionID string, priority HandlerPriority) {
	if sessionID == "" {
		sessionID = BusSessionID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	byType, ok := r.eventHandlers[sessionID]
	if !ok {
		byType = make(map[reflect.Type][]eventHandlerEntry)
		r.eventHandlers[sessionID] = byType
	}
	r.seqCounter++
	entry := eventHandlerEntry{handler: handler, priority: priority, seq: r.seqCounter}
	list := append(byType[evtType], entry)
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].priority != list[j].priority {
			return list[i].priority < list[j].priority
		}
		return list[i].seq < list[j].seq
	})
	byType[evtType] = list
}

// GetCommandHandler resolves session-first with BUS fallback.
func (r *HandlerRegistry) GetCommandHandler(cmdType reflect.Type, sessionID string) (CommandHandlerFunc, bool) {
	if sessionID == "" {
		sessionID = BusSessionID
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if byType, ok := r.commandHandlers[sessionID]; ok {
		if h, ok := byType[cmdType]; ok {
			return h, true
		}
	}
	if sessionID != BusSessionID {
		if byType, ok := r.commandHandlers[BusSessionID]; ok {
			if h, ok := byType[cmdType]; ok {
				return h, true
			}
		}
	}
	return nil, false
}

// GetEventHandlers returns the union of session-scope and BUS-scope
// handlers, sorted by ascending priority with ties broken by registration
// order across both scopes.
func (r *HandlerRegistry) GetEventHandlers(evtType reflect.Type, sessionID string) []EventHandlerFunc {
	if sessionID == "" {
		sessionID = BusSessionID
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var combined []eventHandlerEntry
	if byType, ok := r.eventHandlers[sessionID]; ok {
		combined = append(combined, byType[evtType]...)
	}
	if sessionID != BusSessionID {
		if byType, ok := r.eventHandlers[BusSessionID]; ok {
			combined = append(combined, byType[evtType]...)
		}
	}
	sort.SliceStable(combined, func(i, j int) bool {
		if combined[i].priority != combined[j].priority {
			return combined[i].priority < combined[j].priority
		}
		return combined[i].seq < combined[j].seq
	})
	handlers := make([]EventHandlerFunc, len(combined))
	for i, e := range combined {
		handlers[i] = e.handler
	}
	return handlers
}

// UnregisterSession removes every handler tied to sessionID. The BUS scope
// cannot be removed; attempting to do so is logged and ignored.
func (r *HandlerRegistry) UnregisterSession(sessionID string) {
	if sessionID == BusSessionID {
		r.log.Warn("refusing to unregister the reserved BUS session scope")
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.commandHandlers, sessionID)
	delete(r.eventHandlers, sessionID)
}

// HandlerStats mirrors the source's get_handler_stats, feeding the
// registered_handlers gauge.
type HandlerStats struct {
	TotalSessions       int
	TotalCommandHandlers int
	TotalEventHandlers   int
	BusCommandHandlers   int
	BusEventHandlers     int
}

func (r *HandlerRegistry) Stats() HandlerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make(map[string]struct{})
	var stats HandlerStats
	for sid, byType := range r.commandHandlers {
		sessions[sid] = struct{}{}
		stats.TotalCommandHandlers += len(byType)
		if sid == BusSessionID {
			stats.BusCommandHandlers += len(byType)
		}
	}
	for sid, byType := range r.eventHandlers {
		sessions[sid] = struct{}{}
		for _, list := range byType {
			stats.TotalEventHandlers += len(list)
			if sid == BusSessionID {
				stats.BusEventHandlers += len(list)
			}
		}
	}
	stats.TotalSessions = len(sessions)
	return stats
}

func (r *HandlerRegistry) Sessions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	for sid := range r.commandHandlers {
		seen[sid] = struct{}{}
	}
	for sid := range r.eventHandlers {
		seen[sid] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for sid := range seen {
		out = append(out, sid)
	}
	return out
}
