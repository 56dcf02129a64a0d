package bus

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DeadLetterEntry records a command whose execution ended in failure after
// its handler ran at least once (retries exhausted, or the circuit breaker
// tripped during the retry loop).
type DeadLetterEntry struct {
	Command     Command
	Error       string
	Attempts    int
	FirstAttempt time.Time
	LastAttempt  time.Time
	Metadata     map[string]any
}

// DeadLetterStore is a bounded FIFO of DeadLetterEntry. When full, Put logs
// and drops the new entry, preserving older forensic data rather than
// evicting it.
type DeadLetterStore struct {
	mu       sync.Mutex
	entries  []DeadLetterEntry
	maxSize  int
	log      *logrus.Entry
	sizeGauge *Gauge
}

func NewDeadLetterStore(maxSize int, gauge *Gauge, log *logrus.Entry) *DeadLetterStore {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &DeadLetterStore{maxSize: maxSize, log: log, sizeGauge: gauge}
}

// Put appends entry unless the store is full, in which case it logs and
// drops the new entry.
func (s *DeadLetterStore) Put(entry DeadLetterEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) >= s.maxSize {
		s.log.WithField("command_id", entryCommandID(entry)).
			Warn("dead-letter store full, dropping newest entry")
		return
	}
	s.entries = append(s.entries, entry)
	if s.sizeGauge != nil {
		s.sizeGauge.Set("", float64(len(s.entries)))
	}
}

// Entries returns a non-consuming snapshot of up to limit entries (0 means
// unlimited), oldest first.
func (s *DeadLetterStore) Entries(limit int) []DeadLetterEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.entries) {
		limit = len(s.entries)
	}
	out := make([]DeadLetterEntry, limit)
	copy(out, s.entries[:limit])
	return out
}

// Remove locates and removes the entry matching commandID, returning it.
func (s *DeadLetterStore) Remove(commandID string) (DeadLetterEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.entries {
		if entryCommandID(e) == commandID {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			if s.sizeGauge != nil {
				s.sizeGauge.Set("", float64(len(s.entries)))
			}
			return e, true
		}
	}
	return DeadLetterEntry{}, false
}

func (s *DeadLetterStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func entryCommandID(e DeadLetterEntry) string {
	if e.Command == nil {
		return ""
	}
	return e.Command.CommandMessage().MessageID
}
