package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type orderPlacedTestEvent struct{ EventBase }
type orderCancelledTestEvent struct{ EventBase }

func TestSessionFilterIncludeExclude(t *testing.T) {
	f := NewSessionFilter([]string{"s1", "s2"}, nil)
	assert.True(t, f.ShouldHandle(nil, "s1"))
	assert.False(t, f.ShouldHandle(nil, "s3"))

	exclude := NewSessionFilter(nil, []string{"s1"})
	assert.False(t, exclude.ShouldHandle(nil, "s1"))
	assert.True(t, exclude.ShouldHandle(nil, "s2"))
}

func TestEventTypeFilterIncludeExclude(t *testing.T) {
	f := NewEventTypeFilter([]string{"orderPlacedTestEvent"}, nil)
	assert.True(t, f.ShouldHandle(&orderPlacedTestEvent{EventBase: NewEventBase("s1")}, "s1"))
	assert.False(t, f.ShouldHandle(&orderCancelledTestEvent{EventBase: NewEventBase("s1")}, "s1"))

	exclude := NewEventTypeFilter(nil, []string{"orderPlacedTestEvent"})
	assert.False(t, exclude.ShouldHandle(&orderPlacedTestEvent{EventBase: NewEventBase("s1")}, "s1"))
	assert.True(t, exclude.ShouldHandle(&orderCancelledTestEvent{EventBase: NewEventBase("s1")}, "s1"))
}

func TestPatternFilterCaseInsensitiveByDefault(t *testing.T) {
	f, err := NewPatternFilter([]string{"^orderplaced"}, nil, false)
	require.NoError(t, err)
	assert.True(t, f.ShouldHandle(&orderPlacedTestEvent{EventBase: NewEventBase("s1")}, "s1"))
}

func TestPatternFilterExcludeWinsOverInclude(t *testing.T) {
	f, err := NewPatternFilter([]string{".*"}, []string{"^orderCancelled"}, true)
	require.NoError(t, err)
	assert.False(t, f.ShouldHandle(&orderCancelledTestEvent{EventBase: NewEventBase("s1")}, "s1"))
	assert.True(t, f.ShouldHandle(&orderPlacedTestEvent{EventBase: NewEventBase("s1")}, "s1"))
}

func TestMetadataFilterRequiresKeysAndValues(t *testing.T) {
	f := &MetadataFilter{
		RequiredKeys:   []string{"tenant"},
		RequiredValues: map[string]any{"priority": "high"},
	}
	ev := &orderPlacedTestEvent{EventBase: NewEventBase("s1")}
	assert.False(t, f.ShouldHandle(ev, "s1"))

	ev.Metadata["tenant"] = "acme"
	ev.Metadata["priority"] = "high"
	assert.True(t, f.ShouldHandle(ev, "s1"))

	ev.Metadata["priority"] = "low"
	assert.False(t, f.ShouldHandle(ev, "s1"))
}

func TestCompositeFilterRequireAll(t *testing.T) {
	alwaysTrue := EventFilterFunc(func(Event, string) bool { return true })
	alwaysFalse := EventFilterFunc(func(Event, string) bool { return false })

	and := &CompositeFilter{Filters: []EventFilter{alwaysTrue, alwaysFalse}, RequireAll: true}
	assert.False(t, and.ShouldHandle(nil, "s1"))

	or := &CompositeFilter{Filters: []EventFilter{alwaysTrue, alwaysFalse}, RequireAll: false}
	assert.True(t, or.ShouldHandle(nil, "s1"))
}

func TestCompositeFilterEmptyAdmitsEverything(t *testing.T) {
	c := &CompositeFilter{}
	assert.True(t, c.ShouldHandle(nil, "s1"))
}

func TestDebugFilterAlwaysAdmits(t *testing.T) {
	f := NewDebugFilter(nil)
	f.Log = nil // must not panic even without a logger
	assert.True(t, f.ShouldHandle(&orderPlacedTestEvent{EventBase: NewEventBase("s1")}, "s1"))
}

func TestRateLimitFilterAdmitsUpToBurstThenRejects(t *testing.T) {
	f := NewRateLimitFilter(1, true, false, 16)
	ev := &orderPlacedTestEvent{EventBase: NewEventBase("s1")}

	assert.True(t, f.ShouldHandle(ev, "s1")) // consumes the single burst token
	assert.False(t, f.ShouldHandle(ev, "s1"))
}

func TestRateLimitFilterTracksDistinctKeysIndependently(t *testing.T) {
	f := NewRateLimitFilter(1, true, false, 16)
	ev := &orderPlacedTestEvent{EventBase: NewEventBase("s1")}

	assert.True(t, f.ShouldHandle(ev, "s1"))
	assert.True(t, f.ShouldHandle(ev, "s2"), "a distinct session key must have its own token bucket")
}
