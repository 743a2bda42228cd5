package queue

import (
	"sync"

	"missionline/internal/domain"
)

const subscriberBuffer = 32

// Hub fans task updates out to subscribers. Slow subscribers miss updates
// rather than blocking workers.
type Hub struct {
	mu   sync.Mutex
	next int
	subs map[int]chan domain.Task
}

func NewHub() *Hub {
	return &Hub{subs: map[int]chan domain.Task{}}
}

// Subscribe returns a channel of task updates and a function that closes it.
func (h *Hub) Subscribe() (<-chan domain.Task, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	ch := make(chan domain.Task, subscriberBuffer)
	h.subs[id] = ch
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

func (h *Hub) Publish(t domain.Task) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- t:
		default:
		}
	}
}
