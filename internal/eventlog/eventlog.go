// Package eventlog keeps a bounded in-memory record of scheduler fires.
// Every event is stamped with a ULID, so events are globally unique and
// time-sortable without coordination. Nothing is persisted; the log exists
// for the demos and for post-run inspection in tests.
package eventlog

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event is one recorded fire.
type Event struct {
	// ID is a ULID uniquely identifying this event.
	ID string

	// Category is the label of the category that fired.
	Category string

	// At is the wall-clock time of the fire.
	At time.Time
}

// Log is a bounded ring of events. When full, recording a new event drops
// the oldest. All methods are safe for concurrent use.
type Log struct {
	mu     sync.Mutex
	events []Event
	start  int // index of the oldest event
	count  int
	total  int64
}

// New returns a log that retains up to capacity events. capacity must be
// positive.
func New(capacity int) *Log {
	if capacity <= 0 {
		panic("eventlog: capacity must be positive")
	}
	return &Log{events: make([]Event, capacity)}
}

// Record stamps a new event for category and stores it, evicting the
// oldest event when the ring is full. The stored event is returned.
func (l *Log) Record(category string) Event {
	ev := Event{
		ID:       ulid.Make().String(),
		Category: category,
		At:       time.Now(),
	}

	l.mu.Lock()
	if l.count == len(l.events) {
		l.events[l.start] = ev
		l.start = (l.start + 1) % len(l.events)
	} else {
		l.events[(l.start+l.count)%len(l.events)] = ev
		l.count++
	}
	l.total++
	l.mu.Unlock()
	return ev
}

// Recent returns up to n of the most recent events, oldest first.
func (l *Log) Recent(n int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n > l.count {
		n = l.count
	}
	out := make([]Event, 0, n)
	for i := l.count - n; i < l.count; i++ {
		out = append(out, l.events[(l.start+i)%len(l.events)])
	}
	return out
}

// Total returns the number of events ever recorded, including those the
// ring has since dropped.
func (l *Log) Total() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}
