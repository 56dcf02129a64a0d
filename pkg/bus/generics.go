package bus

import (
	"context"
	"reflect"
)

func typeKey[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// RegisterCommandHandler registers a type-safe handler for command type T
// on the bus, defaulting to the BUS scope when sessionID is empty.
func RegisterCommandHandler[T Command](b *Bus, sessionID string, handler func(ctx context.Context, cmd T) CommandResult) error {
	wrapped := func(ctx context.Context, cmd Command) CommandResult {
		typed, ok := cmd.(T)
		if !ok {
			return CommandResult{Success: false, Error: "bus: command type mismatch in registered handler"}
		}
		return handler(ctx, typed)
	}
	return b.registry.RegisterCommandHandler(typeKey[T](), wrapped, sessionID)
}

// RegisterEventHandler registers a type-safe handler for event type T on
// the bus, defaulting to the BUS scope when sessionID is empty.
func RegisterEventHandler[T Event](b *Bus, sessionID string, priority HandlerPriority, handler func(ctx context.Context, event T) error) {
	wrapped := func(ctx context.Context, event Event) error {
		typed, ok := event.(T)
		if !ok {
			return nil
		}
		return handler(ctx, typed)
	}
	b.registry.RegisterEventHandler(typeKey[T](), wrapped, sessionID, priority)
}

// RegisterSessionCommandHandler registers a type-safe command handler
// scoped to an active session.
func RegisterSessionCommandHandler[T Command](s *Session, handler func(ctx context.Context, cmd T) CommandResult) error {
	wrapped := func(ctx context.Context, cmd Command) CommandResult {
		typed, ok := cmd.(T)
		if !ok {
			return CommandResult{Success: false, Error: "bus: command type mismatch in registered handler"}
		}
		return handler(ctx, typed)
	}
	return s.registerCommandHandler(typeKey[T](), wrapped)
}

// RegisterSessionEventHandler registers a type-safe event handler scoped
// to an active session.
func RegisterSessionEventHandler[T Event](s *Session, priority HandlerPriority, handler func(ctx context.Context, event T) error) error {
	wrapped := func(ctx context.Context, event Event) error {
		typed, ok := event.(T)
		if !ok {
			return nil
		}
		return handler(ctx, typed)
	}
	return s.registerEventHandler(typeKey[T](), wrapped, priority)
}

// CommandType returns the registry key for command type T, useful when
// building middleware or tests that need to address a type directly.
func CommandType[T Command]() reflect.Type { return typeKey[T]() }

// EventType returns the registry key for event type T.
func EventType[T Event]() reflect.Type { return typeKey[T]() }
