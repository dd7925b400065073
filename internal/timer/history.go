package timer

import (
	"sync"
	"time"
)

// HistoryItem records one handled expiration.
type HistoryItem struct {
	Entity   EntityID      `json:"entity"`
	Fired    time.Time     `json:"fired"`
	Duration time.Duration `json:"duration"`
	Outcome  string        `json:"outcome"` // ok, failed, skipped
	Attempt  int           `json:"attempt"`
	Error    string        `json:"error,omitempty"`
}

type history struct {
	mu    sync.Mutex
	items []HistoryItem
}

func (h *history) add(it HistoryItem, size int) {
	if size <= 0 {
		size = DefaultHistorySize
	}
	h.mu.Lock()
	h.items = append(h.items, it)
	if len(h.items) > size {
		h.items = h.items[len(h.items)-size:]
	}
	h.mu.Unlock()
}

func (h *history) snapshot() []HistoryItem {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]HistoryItem, len(h.items))
	copy(out, h.items)
	return out
}
