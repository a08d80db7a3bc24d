package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/kalambet/jobharvest/internal/operations"
)

// EventType identifies a session event.
type EventType string

const (
	EventStart     EventType = "start"
	EventStop      EventType = "stop"
	EventHeartbeat EventType = "heartbeat"
	EventSnapshot  EventType = "snapshot"
)

// Event is published on the hub and sent to websocket clients. Snapshot
// events list the live sessions for every kind in Kinds; a kind without a
// session is inactive.
type Event struct {
	Type     EventType         `json:"type"`
	Kind     operations.Kind   `json:"kind,omitempty"`
	Session  *Session          `json:"session,omitempty"`
	Kinds    []operations.Kind `json:"kinds,omitempty"`
	Sessions []Session         `json:"sessions,omitempty"`
	At       time.Time         `json:"at"`
}

// covers reports whether ev concerns kind.
func (ev Event) covers(kind operations.Kind) bool {
	if ev.Type != EventSnapshot {
		return ev.Kind == kind
	}
	for _, k := range ev.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Subscription receives hub events on C until Close.
type Subscription struct {
	C <-chan Event

	ch   chan Event
	kind operations.Kind
	hub  *Hub
	once sync.Once
}

// Close unsubscribes and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s)
		s.hub.mu.Unlock()
		close(s.ch)
	})
}

// Hub fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event.
type Hub struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	dropped atomic.Uint64
	onDrop  func()
}

// NewHub creates a hub. onDrop, if set, is called for each dropped event.
func NewHub(onDrop func()) *Hub {
	return &Hub{subs: make(map[*Subscription]struct{}), onDrop: onDrop}
}

// Subscribe registers a subscriber. An empty kind receives every event.
func (h *Hub) Subscribe(kind operations.Kind, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	s := &Subscription{C: ch, ch: ch, kind: kind, hub: h}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

// Publish delivers ev to every matching subscriber without blocking.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		if s.kind != "" && !ev.covers(s.kind) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			h.dropped.Add(1)
			if h.onDrop != nil {
				h.onDrop()
			}
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber
// was full.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
