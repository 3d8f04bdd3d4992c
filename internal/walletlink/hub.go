package walletlink

import (
	"sync"
	"time"

	"github.com/student-mobility/session-agent/internal/models"
)

// NoticeKind identifies a hub notice
type NoticeKind string

const (
	// NoticeReconciled means the profile now reflects a linked wallet and
	// every screen should re-read its displayed address
	NoticeReconciled NoticeKind = "reconciled"
	// NoticeLinkFailed means a link attempt failed
	NoticeLinkFailed NoticeKind = "link_failed"
	// NoticePrompt means the connect prompt is visible again
	NoticePrompt NoticeKind = "prompt"
)

// Notice is broadcast to every subscriber
type Notice struct {
	Kind      NoticeKind   `json:"kind"`
	AccountID string       `json:"accountId,omitempty"`
	User      *models.User `json:"user,omitempty"`
	Message   string       `json:"message,omitempty"`
	At        time.Time    `json:"at"`
}

// Hub fans notices out to subscribers. Slow subscribers miss notices
// rather than blocking the sender.
type Hub struct {
	mu     sync.RWMutex
	subs   map[uint64]chan Notice
	nextID uint64
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]chan Notice)}
}

// Subscribe returns a channel of notices and a cancel func that closes it
func (h *Hub) Subscribe(buffer int) (<-chan Notice, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Notice, buffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Broadcast delivers n to every subscriber that has room
func (h *Hub) Broadcast(n Notice) {
	if n.At.IsZero() {
		n.At = time.Now()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- n:
		default:
		}
	}
}

// Subscribers reports the number of live subscriptions
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
