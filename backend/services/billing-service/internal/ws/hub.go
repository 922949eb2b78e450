// Package ws pushes generated-bill notifications to websocket subscribers.
package ws

import (
	"context"
	"encoding/json"
	"sync"

	"meterbill/backend/services/billing-service/internal/events"
	"meterbill/backend/services/billing-service/internal/models"
)

// Hub tracks subscribers and fans bill events out to them.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]*Subscriber
}

// NewHub builds an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]*Subscriber)}
}

// Add registers a subscriber.
func (h *Hub) Add(s *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[s.ID()] = s
}

// Remove unregisters a subscriber and closes its send queue.
func (h *Hub) Remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(s.send)
	}
}

// Len returns the number of live subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

type notification struct {
	Type string      `json:"type"`
	Bill models.Bill `json:"bill"`
}

// Handle is an events.Handler for bill events.
func (h *Hub) Handle(_ context.Context, e events.Event) error {
	generated, ok := e.(events.BillGenerated)
	if !ok {
		return nil
	}
	msg, err := json.Marshal(notification{Type: e.EventType().String(), Bill: generated.Bill})
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		if s.wants(generated.Bill.AreaID) {
			s.offer(msg)
		}
	}
	return nil
}
