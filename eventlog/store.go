// Package eventlog persists the append-only event log that modules write on
// every observable transition, and answers "when did this actor last report
// this text" for cold-start recovery.
package eventlog

import (
	"errors"
	"sync"
	"time"
)

// TimeLayout is the timestamp format of a log line.
const TimeLayout = time.ANSIC

// Separator joins the fields of a log line.
const Separator = " ; "

// ErrClosed is returned by stores after Close.
var ErrClosed = errors.New("event store closed")

// Event is one line of the log.
type Event struct {
	Time  time.Time
	Actor string
	Text  string
}

// Store is an append-only event store.
type Store interface {
	// Append records an event.
	Append(Event) error
	// Last returns the time of the most recent event with exactly this actor
	// and text. ok is false when no such event exists.
	Last(actor, text string) (t time.Time, ok bool, err error)
	Close() error
}

// Recover returns the time of the last event matching actor and text, or
// fallback when the store has none (or cannot be read).
func Recover(s Store, actor, text string, fallback time.Time) time.Time {
	if s == nil {
		return fallback
	}
	t, ok, err := s.Last(actor, text)
	if err != nil || !ok {
		return fallback
	}
	return t
}

// MemoryStore keeps events in memory. It is used when no log file is
// configured and by tests.
type MemoryStore struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Append(e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	e.Time = e.Time.Truncate(time.Second)
	m.events = append(m.events, e)
	return nil
}

func (m *MemoryStore) Last(actor, text string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.events) - 1; i >= 0; i-- {
		if m.events[i].Actor == actor && m.events[i].Text == text {
			return m.events[i].Time, true, nil
		}
	}
	return time.Time{}, false, nil
}

// Events returns a copy of every recorded event.
func (m *MemoryStore) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// Count returns how many events match actor and text.
func (m *MemoryStore) Count(actor, text string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.Actor == actor && e.Text == text {
			n++
		}
	}
	return n
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
