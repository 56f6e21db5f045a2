package store

import (
	"sync"
	"time"
)

// HistoryEntry records one change.
type HistoryEntry struct {
	Path      string      `json:"path"`
	OldValue  interface{} `json:"oldValue"`
	NewValue  interface{} `json:"newValue"`
	Timestamp time.Time   `json:"timestamp"`
}

// history is a thread-safe circular buffer of changes. Oldest entries are
// evicted first.
type history struct {
	mu      sync.RWMutex
	entries []HistoryEntry
	size    int
	head    int
	count   int
}

func newHistory(size int) *history {
	if size <= 0 {
		size = 100
	}
	return &history{
		entries: make([]HistoryEntry, size),
		size:    size,
	}
}

func (h *history) add(e HistoryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries[h.head] = e
	h.head = (h.head + 1) % h.size
	if h.count < h.size {
		h.count++
	}
}

// all returns the entries oldest first.
func (h *history) all() []HistoryEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]HistoryEntry, h.count)
	start := (h.head - h.count + h.size) % h.size
	for i := 0; i < h.count; i++ {
		e := h.entries[(start+i)%h.size]
		e.OldValue = deepCopy(e.OldValue)
		e.NewValue = deepCopy(e.NewValue)
		out[i] = e
	}
	return out
}

// recent returns up to n entries, newest first.
func (h *history) recent(n int) []HistoryEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if n <= 0 || h.count == 0 {
		return nil
	}
	if n > h.count {
		n = h.count
	}

	out := make([]HistoryEntry, n)
	for i := 0; i < n; i++ {
		e := h.entries[(h.head-1-i+h.size)%h.size]
		e.OldValue = deepCopy(e.OldValue)
		e.NewValue = deepCopy(e.NewValue)
		out[i] = e
	}
	return out
}

func (h *history) len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}
