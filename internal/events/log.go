package events

import (
	"errors"
	"fmt"
	"sync"
)

// ErrOutOfOrder is returned when an appended entry does not advance the sequence.
var ErrOutOfOrder = errors.New("events: sequence not increasing")

// Log is the in-memory replay window of the live round. It keeps the most
// recent entries up to its capacity; the durable log lives in the store.
type Log struct {
	mu       sync.RWMutex
	entries  []HistoryEntry
	capacity int
	lastSeq  uint64
}

// NewLog creates a replay window holding at most capacity entries.
func NewLog(capacity int) *Log {
	if capacity < 1 {
		capacity = 1
	}
	return &Log{capacity: capacity}
}

// Append adds entries in order. Entries are immutable once appended.
func (l *Log) Append(entries ...HistoryEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	last := l.lastSeq
	for _, e := range entries {
		if e.Seq <= last {
			return fmt.Errorf("%w: %d after %d", ErrOutOfOrder, e.Seq, last)
		}
		last = e.Seq
	}
	l.entries = append(l.entries, entries...)
	if over := len(l.entries) - l.capacity; over > 0 {
		l.entries = append([]HistoryEntry(nil), l.entries[over:]...)
	}
	l.lastSeq = last
	return nil
}

// Latest returns up to n of the most recent entries, oldest first.
// n <= 0 returns the whole window.
func (l *Log) Latest(n int) []HistoryEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	start := 0
	if n > 0 && n < len(l.entries) {
		start = len(l.entries) - n
	}
	out := make([]HistoryEntry, len(l.entries)-start)
	copy(out, l.entries[start:])
	return out
}

// ByActor returns the windowed entries produced by one actor.
func (l *Log) ByActor(actorID string) []HistoryEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var result []HistoryEntry
	for _, e := range l.entries {
		if e.ActorID == actorID {
			result = append(result, e)
		}
	}
	return result
}

// LastSeq returns the sequence of the newest entry ever appended.
func (l *Log) LastSeq() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastSeq
}

// Len returns the number of entries in the window.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Reset replaces the window, e.g. after a history clear or a snapshot load.
// lastSeq is the sequence new entries must exceed.
func (l *Log) Reset(entries []HistoryEntry, lastSeq uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if over := len(entries) - l.capacity; over > 0 {
		entries = entries[over:]
	}
	l.entries = append([]HistoryEntry(nil), entries...)
	l.lastSeq = lastSeq
}
