// Package events fans capture notifications out to subscribers such as the
// API's websocket stream.
package events

import (
	"sync"
	"time"
)

// Event kinds
const (
	KindContinuous = "continuous"
	KindOnDemand   = "on_demand"
	KindInitial    = "initial"
	KindState      = "state"
)

// Event is a captured frame or a session state change
type Event struct {
	Kind    string    `json:"kind"`
	Session string    `json:"session,omitempty"`
	Path    string    `json:"path,omitempty"`
	Width   int       `json:"width,omitempty"`
	Height  int       `json:"height,omitempty"`
	State   string    `json:"state,omitempty"`
	At      time.Time `json:"at"`
}

// Hub broadcasts events without ever blocking the publisher
type Hub struct {
	mu        sync.RWMutex
	listeners []chan Event
}

// NewHub returns an empty hub
func NewHub() *Hub {
	return &Hub{}
}

// Subscribe adds a listener
func (h *Hub) Subscribe() chan Event {
	ch := make(chan Event, 16)
	h.mu.Lock()
	h.listeners = append(h.listeners, ch)
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a listener
func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i, listener := range h.listeners {
		if listener == ch {
			h.listeners = append(h.listeners[:i], h.listeners[i+1:]...)
			close(ch)
			break
		}
	}
}

// Publish delivers e to every listener with room for it. A nil hub drops e.
func (h *Hub) Publish(e Event) {
	if h == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, listener := range h.listeners {
		select {
		case listener <- e:
		default:
			// Skip if channel is full
		}
	}
}

// Subscribers returns the number of listeners
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners)
}
