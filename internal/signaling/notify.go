package signaling

import (
	"context"
	"sync"
)

// Hub is an in-process Notifier.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[chan int64]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan int64]struct{})}
}

func (h *Hub) Publish(_ context.Context, roomID string, seq int64) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.subs[roomID] {
		select {
		case ch <- seq:
		default:
			// subscriber already has a pending wakeup
		}
	}
	return nil
}

func (h *Hub) Subscribe(ctx context.Context, roomID string) (<-chan int64, func()) {
	ch := make(chan int64, 1)

	h.mu.Lock()
	if h.subs[roomID] == nil {
		h.subs[roomID] = make(map[chan int64]struct{})
	}
	h.subs[roomID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	remove := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[roomID], ch)
			if len(h.subs[roomID]) == 0 {
				delete(h.subs, roomID)
			}
			h.mu.Unlock()
		})
	}
	stop := context.AfterFunc(ctx, remove)
	return ch, func() {
		stop()
		remove()
	}
}
