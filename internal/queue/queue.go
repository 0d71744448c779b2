// Package queue implements the bounded, strictly ordered outage buffer.
//
// The device's own retry logic discards its pending item the moment it
// receives any acknowledgment-shaped response, including one the proxy
// generated locally. Outage durability therefore lives here, in the proxy:
// every device frame accepted while the remote is unreachable is queued
// until the remote confirms it or capacity forces the oldest out.
package queue

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fieldgate-io/fieldgate/internal/protocol"
)

// DefaultCapacity bounds the queue when no capacity is configured.
const DefaultCapacity = 1000

// Entry is one queued device frame.
type Entry struct {
	ID         uuid.UUID
	Frame      *protocol.Frame
	EnqueuedAt time.Time
}

// Queue is a bounded FIFO of device-originated frames. FIFO order is the
// correctness invariant: replay must present frames to the remote in the
// order the device sent them. Safe for concurrent use.
type Queue struct {
	mu        sync.Mutex
	capacity  int
	entries   []Entry
	evictions uint64
}

// New creates a queue with the given capacity. A capacity <= 0 selects
// DefaultCapacity.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{capacity: capacity}
}

// Enqueue appends a frame at the tail. If the queue is over capacity the
// oldest entry is evicted and counted; evicted reports whether that
// happened.
func (q *Queue) Enqueue(f *protocol.Frame) (entry Entry, evicted bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry = Entry{
		ID:         uuid.New(),
		Frame:      f,
		EnqueuedAt: time.Now(),
	}
	q.entries = append(q.entries, entry)
	if len(q.entries) > q.capacity {
		q.entries = q.entries[1:]
		q.evictions++
		evicted = true
	}
	return entry, evicted
}

// PeekNext returns the head entry without removing it.
func (q *Queue) PeekNext() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return Entry{}, false
	}
	return q.entries[0], true
}

// Confirm removes the entry with the given ID once the remote has accepted
// it (or it has been declared lost). Reports whether the entry was present.
func (q *Queue) Confirm(id uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, e := range q.entries {
		if e.ID == id {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Size returns the number of queued entries.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// OldestAge returns the age of the head entry relative to now, or zero for
// an empty queue.
func (q *Queue) OldestAge(now time.Time) time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return 0
	}
	return now.Sub(q.entries[0].EnqueuedAt)
}

// Evictions returns the capacity-eviction count.
func (q *Queue) Evictions() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.evictions
}

// Entries returns a copy of the queued entries in FIFO order.
func (q *Queue) Entries() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Entry, len(q.entries))
	copy(out, q.entries)
	return out
}

// SetCapacity adjusts the capacity at runtime, evicting oldest-first if the
// queue is over the new bound.
func (q *Queue) SetCapacity(capacity int) {
	if capacity <= 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	q.capacity = capacity
	for len(q.entries) > q.capacity {
		q.entries = q.entries[1:]
		q.evictions++
	}
}

// Restore seeds the queue from a persisted snapshot, preserving order.
// Entries beyond capacity are dropped oldest-first and counted.
func (q *Queue) Restore(entries []Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.entries = append(q.entries[:0], entries...)
	for len(q.entries) > q.capacity {
		q.entries = q.entries[1:]
		q.evictions++
	}
}
