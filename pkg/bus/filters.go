package bus

import (
	"regexp"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// EventFilter is a publish-time predicate. If any registered filter
// returns false, the event is silently discarded before it reaches the
// queue.
type EventFilter interface {
	ShouldHandle(event Event, sessionID string) bool
}

// EventFilterFunc adapts a plain function to EventFilter.
type EventFilterFunc func(event Event, sessionID string) bool

func (f EventFilterFunc) ShouldHandle(event Event, sessionID string) bool { return f(event, sessionID) }

// SessionFilter admits or excludes events by session id.
type SessionFilter struct {
	Include map[string]struct{}
	Exclude map[string]struct{}
}

func NewSessionFilter(include, exclude []string) *SessionFilter {
	return &SessionFilter{Include: toSet(include), Exclude: toSet(exclude)}
}

func (f *SessionFilter) ShouldHandle(_ Event, sessionID string) bool {
	if len(f.Exclude) > 0 {
		if _, excluded := f.Exclude[sessionID]; excluded {
			return false
		}
	}
	if len(f.Include) > 0 {
		_, included := f.Include[sessionID]
		return included
	}
	return true
}

// EventTypeFilter admits or excludes events by their type name.
type EventTypeFilter struct {
	Include map[string]struct{}
	Exclude map[string]struct{}
}

func NewEventTypeFilter(include, exclude []string) *EventTypeFilter {
	return &EventTypeFilter{Include: toSet(include), Exclude: toSet(exclude)}
}

func (f *EventTypeFilter) ShouldHandle(event Event, _ string) bool {
	name := eventTypeName(event)
	if len(f.Exclude) > 0 {
		if _, excluded := f.Exclude[name]; excluded {
			return false
		}
	}
	if len(f.Include) > 0 {
		_, included := f.Include[name]
		return included
	}
	return true
}

// PatternFilter matches the event type's name against regular expressions.
type PatternFilter struct {
	includePatterns []*regexp.Regexp
	excludePatterns []*regexp.Regexp
}

// NewPatternFilter compiles include/exclude patterns, case-insensitively by
// default.
func NewPatternFilter(include, exclude []string, caseSensitive bool) (*PatternFilter, error) {
	compile := func(patterns []string) ([]*regexp.Regexp, error) {
		out := make([]*regexp.Regexp, 0, len(patterns))
		for _, p := range patterns {
			if !caseSensitive {
				p = "(?i)" + p
			}
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, err
			}
			out = append(out, re)
		}
		return out, nil
	}
	inc, err := compile(include)
	if err != nil {
		return nil, err
	}
	exc, err := compile(exclude)
	if err != nil {
		return nil, err
	}
	return &PatternFilter{includePatterns: inc, excludePatterns: exc}, nil
}

func (f *PatternFilter) ShouldHandle(event Event, _ string) bool {
	name := eventTypeName(event)
	for _, re := range f.excludePatterns {
		if re.MatchString(name) {
			return false
		}
	}
	if len(f.includePatterns) == 0 {
		return true
	}
	for _, re := range f.includePatterns {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// MetadataFilter requires the event's metadata to contain specific keys
// and, optionally, specific values for those keys.
type MetadataFilter struct {
	RequiredKeys   []string
	RequiredValues map[string]any
}

func (f *MetadataFilter) ShouldHandle(event Event, _ string) bool {
	meta := event.EventMessage().Metadata
	for _, k := range f.RequiredKeys {
		if _, ok := meta[k]; !ok {
			return false
		}
	}
	for k, v := range f.RequiredValues {
		if meta[k] != v {
			return false
		}
	}
	return true
}

// CompositeFilter combines filters with AND (RequireAll=true) or OR.
type CompositeFilter struct {
	Filters    []EventFilter
	RequireAll bool
}

func (f *CompositeFilter) ShouldHandle(event Event, sessionID string) bool {
	if len(f.Filters) == 0 {
		return true
	}
	for _, sub := range f.Filters {
		ok := sub.ShouldHandle(event, sessionID)
		if f.RequireAll && !ok {
			return false
		}
		if !f.RequireAll && ok {
			return true
		}
	}
	return f.RequireAll
}

// DebugFilter logs every event it sees and always admits it.
type DebugFilter struct {
	Log     *logrus.Entry
	Enabled bool
}

func NewDebugFilter(log *logrus.Entry) *DebugFilter {
	return &DebugFilter{Log: log, Enabled: true}
}

func (f *DebugFilter) ShouldHandle(event Event, sessionID string) bool {
	if f.Enabled && f.Log != nil {
		f.Log.WithFields(logrus.Fields{
			"event_type": eventTypeName(event),
			"session_id": sessionID,
		}).Debug("debug filter observed event")
	}
	return true
}

// RateLimitFilter admits events at up to MaxPerSecond per key, where the
// key is derived from PerSession/PerType. The per-key token buckets live in
// a bounded LRU cache so long-running buses with many short-lived sessions
// don't leak unbounded map entries.
type RateLimitFilter struct {
	maxPerSecond float64
	perSession   bool
	perType      bool

	mu       sync.Mutex
	limiters *lru.Cache[string, *rate.Limiter]
}

// NewRateLimitFilter builds a filter backed by an LRU of up to cacheSize
// distinct (session,type) token buckets.
func NewRateLimitFilter(maxPerSecond float64, perSession, perType bool, cacheSize int) *RateLimitFilter {
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	cache, _ := lru.New[string, *rate.Limiter](cacheSize)
	return &RateLimitFilter{
		maxPerSecond: maxPerSecond,
		perSession:   perSession,
		perType:      perType,
		limiters:     cache,
	}
}

func (f *RateLimitFilter) key(event Event, sessionID string) string {
	key := ""
	if f.perSession {
		key += "s:" + sessionID
	}
	if f.perType {
		key += "|t:" + eventTypeName(event)
	}
	if key == "" {
		key = "global"
	}
	return key
}

func (f *RateLimitFilter) ShouldHandle(event Event, sessionID string) bool {
	key := f.key(event, sessionID)
	f.mu.Lock()
	limiter, ok := f.limiters.Get(key)
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(f.maxPerSecond), maxInt(1, int(f.maxPerSecond)))
		f.limiters.Add(key, limiter)
	}
	f.mu.Unlock()
	return limiter.Allow()
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func toSet(items []string) map[string]struct{} {
	if len(items) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(items))
	for _, i := range items {
		out[i] = struct{}{}
	}
	return out
}
