package supervision

import (
	"sync"
	"time"
)

// DefaultHistorySize is the number of transitions kept when none is configured.
const DefaultHistorySize = 1000

// Transition records one status change of a supervised entity.
type Transition struct {
	Kind      string    `json:"kind"`
	EntityID  int64     `json:"entity_id"`
	Name      string    `json:"name"`
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// History is a fixed-size circular buffer of transitions.
type History struct {
	mu      sync.Mutex
	entries []Transition
	head    int
	count   int
	size    int
}

// NewHistory creates a history with the given capacity.
func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{
		entries: make([]Transition, size),
		size:    size,
	}
}

// Add appends a transition, overwriting the oldest if full.
func (h *History) Add(t Transition) {
	h.mu.Lock()
	defer h.mu.Unlock()

	idx := (h.head + h.count) % h.size
	if h.count == h.size {
		idx = h.head
		h.head = (h.head + 1) % h.size
	} else {
		h.count++
	}
	h.entries[idx] = t
}

// Since returns all transitions with timestamps strictly after ts, oldest
// first.
func (h *History) Since(ts time.Time) []Transition {
	h.mu.Lock()
	defer h.mu.Unlock()

	result := []Transition{}
	for i := 0; i < h.count; i++ {
		e := h.entries[(h.head+i)%h.size]
		if e.Timestamp.After(ts) {
			result = append(result, e)
		}
	}
	return result
}

// Len returns the number of stored transitions.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}
