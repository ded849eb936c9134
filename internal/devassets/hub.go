// Package devassets serves the client bundle during development and tells
// connected browsers when it changes, over server-sent events or a
// websocket.
package devassets

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

// Hot event actions.
const (
	ActionBuilding = "building"
	ActionBuilt    = "built"
	ActionSync     = "sync"
)

// Event is one hot update message. Its JSON form is what the browser client
// reads.
type Event struct {
	ID       string   `json:"id"`
	Action   string   `json:"action"`
	Name     string   `json:"name,omitempty"`
	Hash     string   `json:"hash,omitempty"`
	// Time is the build duration in milliseconds.
	Time     int64    `json:"time,omitempty"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// NewEvent stamps an event with a fresh id.
func NewEvent(action string) Event {
	return Event{ID: uuid.NewString(), Action: action}
}

// Hub fans hot events out to subscribers. Slow subscribers miss events
// rather than block the publisher.
type Hub struct {
	mu      sync.Mutex
	clients map[chan []byte]struct{}
	last    *Event
	closed  bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[chan []byte]struct{})}
}

// Subscribe registers a subscriber. The returned channel is closed by
// Unsubscribe or Close.
func (h *Hub) Subscribe() chan []byte {
	ch := make(chan []byte, 16)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch
	}
	h.clients[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a subscriber.
func (h *Hub) Unsubscribe(ch chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[ch]; ok {
		delete(h.clients, ch)
		close(ch)
	}
}

// Clients returns the number of subscribers.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Publish sends evt to every subscriber. Built events are remembered so
// late subscribers can sync.
func (h *Hub) Publish(evt Event) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if evt.Action == ActionBuilt {
		h.last = &evt
	}
	for ch := range h.clients {
		select {
		case ch <- data:
		default:
		}
	}
}

// Sync returns the last built event re-labelled as a sync, if there is one.
func (h *Hub) Sync() ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.last == nil {
		return nil, false
	}
	evt := *h.last
	evt.Action = ActionSync
	data, err := json.Marshal(evt)
	return data, err == nil
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for ch := range h.clients {
		close(ch)
		delete(h.clients, ch)
	}
}
