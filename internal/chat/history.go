package chat

import (
	"sync"

	"github.com/john/streamhub/internal/message"
)

const DefaultHistorySize = 100

// History is a fixed-capacity ring of normalized messages. The oldest entry
// is overwritten once the ring is full.
type History struct {
	mu      sync.RWMutex
	entries []message.ChatMessage
	start   int
	count   int
}

func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{entries: make([]message.ChatMessage, size)}
}

func (h *History) Add(m message.ChatMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.count < len(h.entries) {
		h.entries[(h.start+h.count)%len(h.entries)] = m
		h.count++
		return
	}
	h.entries[h.start] = m
	h.start = (h.start + 1) % len(h.entries)
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

func (h *History) Cap() int { return len(h.entries) }

// List returns messages oldest first.
func (h *History) List() []message.ChatMessage {
	return h.Last(0)
}

// Last returns up to n of the newest messages, oldest first. n <= 0 means
// all.
func (h *History) Last(n int) []message.ChatMessage {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if n <= 0 || n > h.count {
		n = h.count
	}
	out := make([]message.ChatMessage, 0, n)
	for i := h.count - n; i < h.count; i++ {
		out = append(out, h.entries[(h.start+i)%len(h.entries)].Clone())
	}
	return out
}

// Filter returns up to limit newest messages from one platform.
func (h *History) Filter(platform string, limit int) []message.ChatMessage {
	all := h.List()
	var out []message.ChatMessage
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Platform != platform {
			continue
		}
		out = append(out, all[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
