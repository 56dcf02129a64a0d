// Package persistence provides a reference bus.ScheduledEventsPersister
// that serialises unfinished scheduled events to a single file with
// msgpack, so they survive a process restart.
package persistence

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/relaybus/relaybus/pkg/bus"
)

// record is the on-disk shape for one scheduled event. Inner is carried as
// an opaque Codec-encoded blob via InnerPayload; callers provide a
// Codec so the bus package itself never needs to know concrete event
// types.
type record struct {
	ScheduledTimeUnixNano int64
	SessionID             string
	MessageID             string
	InnerType             string
	InnerPayload          []byte
}

// Codec lets a caller plug in how an event's inner payload is encoded and
// decoded by type name, since bus.Event is an open interface the
// persistence layer cannot enumerate on its own.
type Codec interface {
	Encode(event bus.Event) (typeName string, payload []byte, err error)
	Decode(typeName string, payload []byte) (bus.Event, error)
}

// FilePersister implements bus.ScheduledEventsPersister against a single
// flat file, guarded by an in-process mutex (it is not safe for use from
// multiple processes against the same path).
type FilePersister struct {
	path  string
	codec Codec

	mu sync.Mutex
}

func NewFilePersister(path string, codec Codec) *FilePersister {
	return &FilePersister{path: path, codec: codec}
}

// SaveUnfinishedEvents overwrites the file with every event in events. An
// empty slice still truncates the file, matching the "nothing pending"
// state.
func (p *FilePersister) SaveUnfinishedEvents(ctx context.Context, events []*bus.ScheduledEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	records := make([]record, 0, len(events))
	for _, se := range events {
		typeName, payload, err := p.codec.Encode(se.Inner)
		if err != nil {
			return err
		}
		msg := se.EventMessage()
		records = append(records, record{
			ScheduledTimeUnixNano: se.ScheduledTime.UnixNano(),
			SessionID:             msg.SessionID,
			MessageID:             msg.MessageID,
			InnerType:             typeName,
			InnerPayload:          payload,
		})
	}

	data, err := msgpack.Marshal(records)
	if err != nil {
		return err
	}
	return os.WriteFile(p.path, data, 0o600)
}

// LoadUnfinishedEvents reads the file written by SaveUnfinishedEvents. A
// missing file is treated as "nothing pending", not an error.
func (p *FilePersister) LoadUnfinishedEvents(ctx context.Context) ([]*bus.ScheduledEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	data, err := os.ReadFile(p.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var records []record
	if err := msgpack.Unmarshal(data, &records); err != nil {
		return nil, err
	}

	out := make([]*bus.ScheduledEvent, 0, len(records))
	for _, r := range records {
		inner, err := p.codec.Decode(r.InnerType, r.InnerPayload)
		if err != nil {
			return nil, err
		}
		se := &bus.ScheduledEvent{
			EventBase:     bus.NewEventBase(r.SessionID),
			Inner:         inner,
			ScheduledTime: time.Unix(0, r.ScheduledTimeUnixNano),
		}
		se.EventMessage().MessageID = r.MessageID
		out = append(out, se)
	}
	return out, nil
}
