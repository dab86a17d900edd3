package notify

import "sync"

// History keeps the most recent notifications for the status API
type History struct {
	mu    sync.Mutex
	items []Notification
	next  int
	full  bool
}

// NewHistory creates a history holding up to size notifications
func NewHistory(size int) *History {
	if size <= 0 {
		size = 100
	}
	return &History{items: make([]Notification, size)}
}

// Add records n, replacing the oldest entry when full
func (h *History) Add(n Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.items[h.next] = n
	h.next = (h.next + 1) % len(h.items)
	if h.next == 0 {
		h.full = true
	}
}

// Recent returns the notifications newest first
func (h *History) Recent() []Notification {
	h.mu.Lock()
	defer h.mu.Unlock()
	count := h.next
	if h.full {
		count = len(h.items)
	}
	out := make([]Notification, 0, count)
	for i := 1; i <= count; i++ {
		out = append(out, h.items[(h.next-i+len(h.items))%len(h.items)])
	}
	return out
}
