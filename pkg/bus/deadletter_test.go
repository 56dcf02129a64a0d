package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testCommand struct {
	CommandBase
}

func TestDeadLetterStorePutAndEntriesPreservesOrder(t *testing.T) {
	s := NewDeadLetterStore(10, nil, nil)
	cmd1 := &testCommand{CommandBase: NewCommandBase("s1")}
	cmd2 := &testCommand{CommandBase: NewCommandBase("s1")}

	s.Put(DeadLetterEntry{Command: cmd1, Error: "first failure", Attempts: 3})
	s.Put(DeadLetterEntry{Command: cmd2, Error: "second failure", Attempts: 4})

	entries := s.Entries(0)
	require.Len(t, entries, 2)
	assert.Equal(t, cmd1.MessageID, entries[0].Command.CommandMessage().MessageID)
	assert.Equal(t, cmd2.MessageID, entries[1].Command.CommandMessage().MessageID)
}

func TestDeadLetterStoreDropsNewestWhenFull(t *testing.T) {
	s := NewDeadLetterStore(1, nil, nil)
	cmd1 := &testCommand{CommandBase: NewCommandBase("s1")}
	cmd2 := &testCommand{CommandBase: NewCommandBase("s1")}

	s.Put(DeadLetterEntry{Command: cmd1})
	s.Put(DeadLetterEntry{Command: cmd2}) // store full: dropped, not evicting cmd1

	assert.Equal(t, 1, s.Size())
	entries := s.Entries(0)
	require.Len(t, entries, 1)
	assert.Equal(t, cmd1.MessageID, entries[0].Command.CommandMessage().MessageID)
}

func TestDeadLetterStoreEntriesIsNonConsuming(t *testing.T) {
	s := NewDeadLetterStore(10, nil, nil)
	cmd := &testCommand{CommandBase: NewCommandBase("s1")}
	s.Put(DeadLetterEntry{Command: cmd})

	_ = s.Entries(0)
	_ = s.Entries(0)
	assert.Equal(t, 1, s.Size())
}

func TestDeadLetterStoreRemoveByCommandID(t *testing.T) {
	s := NewDeadLetterStore(10, nil, nil)
	cmd := &testCommand{CommandBase: NewCommandBase("s1")}
	s.Put(DeadLetterEntry{Command: cmd, LastAttempt: time.Now()})

	entry, ok := s.Remove(cmd.MessageID)
	require.True(t, ok)
	assert.Equal(t, cmd.MessageID, entry.Command.CommandMessage().MessageID)
	assert.Equal(t, 0, s.Size())

	_, ok = s.Remove(cmd.MessageID)
	assert.False(t, ok)
}

func TestDeadLetterStoreEntriesRespectsLimit(t *testing.T) {
	s := NewDeadLetterStore(10, nil, nil)
	for i := 0; i < 5; i++ {
		s.Put(DeadLetterEntry{Command: &testCommand{CommandBase: NewCommandBase("s1")}})
	}
	assert.Len(t, s.Entries(2), 2)
	assert.Len(t, s.Entries(0), 5)
}
