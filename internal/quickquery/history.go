// Package quickquery keeps the bounded ask history used by the loupeq CLI.
// The cap logic is in-memory and independent of the SQLite persistence.
package quickquery

import "time"

// DefaultCapacity bounds the history when no capacity is configured.
const DefaultCapacity = 10

// Entry is one past question and its answer summary.
type Entry struct {
	Question   string
	Answer     string
	Confidence *float64
	AskedAt    time.Time
}

// History is a bounded most-recently-used list. Inserting beyond capacity
// evicts the oldest entry; reads never re-order (cap-then-slice, not LRU).
type History struct {
	capacity int
	entries  []Entry
}

// NewHistory creates a History with the given capacity. Non-positive
// capacities fall back to DefaultCapacity.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &History{capacity: capacity}
}

// Add appends the entry as most recent, evicting the oldest when full.
func (h *History) Add(e Entry) {
	h.entries = append(h.entries, e)
	if len(h.entries) > h.capacity {
		h.entries = h.entries[len(h.entries)-h.capacity:]
	}
}

// Entries returns a copy in insertion order, oldest first.
func (h *History) Entries() []Entry {
	return append([]Entry(nil), h.entries...)
}

// Len returns the number of retained entries.
func (h *History) Len() int { return len(h.entries) }

// Capacity returns the configured bound.
func (h *History) Capacity() int { return h.capacity }
