package bus

import "context"

// ObservabilitySink is consumed synchronously by Publish before an event
// reaches the queue. Implementations must not block for long; any error
// they return is logged and otherwise ignored. A nil sink disables
// observation entirely. See pkg/observability for a reference adapter.
type ObservabilitySink interface {
	ObserveEvent(ctx context.Context, event Event) error
}

// ScheduledEventsPersister is consulted during Stop (save) and Start
// (load). The persisted format is opaque to the bus. See pkg/persistence
// for a reference adapter.
type ScheduledEventsPersister interface {
	SaveUnfinishedEvents(ctx context.Context, events []*ScheduledEvent) error
	LoadUnfinishedEvents(ctx context.Context) ([]*ScheduledEvent, error)
}
