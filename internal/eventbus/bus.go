// Package eventbus provides in-memory publish/subscribe keyed by session.
//
// Two subscription indices exist because the system has two consumption
// patterns: stream endpoints want every event for their session, while the
// orchestrator wants a single event type to correlate a specific request.
// Events are not queued or persisted; delivery is at-most-once and a
// subscriber that joins after an event was published never sees it.
package eventbus

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is one published occurrence for a session.
type Event struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEvent creates an event with the current timestamp.
func NewEvent(eventType string, data interface{}) (Event, error) {
	var raw json.RawMessage
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return Event{}, err
		}
		raw = encoded
	}
	return Event{Type: eventType, Data: raw, Timestamp: time.Now()}, nil
}

// Callback receives published events. A callback that panics is caught and
// logged; it never prevents delivery to other subscribers. A callback that
// blocks forever is a defect in the subscriber, not something the bus
// guards against.
type Callback func(Event)

// Bus fans events out to subscribers by session and by event type. It is
// safe for concurrent publish/subscribe/unsubscribe from different
// goroutines; this is the only state shared across all sessions.
type Bus struct {
	mu sync.RWMutex

	// sessionSubs holds session-wide subscribers: sessionID -> subID -> callback.
	sessionSubs map[string]map[string]Callback

	// eventSubs holds event-type-scoped subscribers:
	// sessionID -> eventType -> subID -> callback.
	eventSubs map[string]map[string]map[string]Callback
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		sessionSubs: make(map[string]map[string]Callback),
		eventSubs:   make(map[string]map[string]map[string]Callback),
	}
}

// Subscribe registers a callback for all events of a session and returns
// the subscription ID.
func (b *Bus) Subscribe(sessionID string, callback Callback) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.sessionSubs[sessionID]
	if !ok {
		subs = make(map[string]Callback)
		b.sessionSubs[sessionID] = subs
	}

	subID := uuid.New().String()
	subs[subID] = callback
	return subID
}

// Unsubscribe removes a session-wide subscription. It reports whether an
// entry was actually removed; a second unsubscribe with the same ID is a
// no-op returning false.
func (b *Bus) Unsubscribe(sessionID, subID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.sessionSubs[sessionID]
	if !ok {
		return false
	}
	if _, ok := subs[subID]; !ok {
		return false
	}
	delete(subs, subID)
	if len(subs) == 0 {
		delete(b.sessionSubs, sessionID)
	}
	return true
}

// SubscribeToEvent registers a callback for one event type of a session and
// returns the subscription ID.
func (b *Bus) SubscribeToEvent(sessionID, eventType string, callback Callback) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	types, ok := b.eventSubs[sessionID]
	if !ok {
		types = make(map[string]map[string]Callback)
		b.eventSubs[sessionID] = types
	}
	subs, ok := types[eventType]
	if !ok {
		subs = make(map[string]Callback)
		types[eventType] = subs
	}

	subID := uuid.New().String()
	subs[subID] = callback
	return subID
}

// UnsubscribeFromEvent removes an event-type-scoped subscription by ID. It
// reports whether an entry was actually removed.
func (b *Bus) UnsubscribeFromEvent(sessionID, eventType, subID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	types, ok := b.eventSubs[sessionID]
	if !ok {
		return false
	}
	subs, ok := types[eventType]
	if !ok {
		return false
	}
	if _, ok := subs[subID]; !ok {
		return false
	}
	delete(subs, subID)
	if len(subs) == 0 {
		delete(types, eventType)
	}
	if len(types) == 0 {
		delete(b.eventSubs, sessionID)
	}
	return true
}

// SubscriberCount returns the number of session-wide subscribers for a
// session.
func (b *Bus) SubscriberCount(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessionSubs[sessionID])
}

// Publish synchronously invokes every session-wide subscriber and then
// every event-type subscriber matching the event's type, in arbitrary
// order. Failures in one subscriber do not propagate to the publisher or
// to other subscribers.
func (b *Bus) Publish(sessionID string, event Event) {
	b.mu.RLock()
	callbacks := make([]Callback, 0, len(b.sessionSubs[sessionID]))
	for _, cb := range b.sessionSubs[sessionID] {
		callbacks = append(callbacks, cb)
	}
	if types, ok := b.eventSubs[sessionID]; ok {
		for _, cb := range types[event.Type] {
			callbacks = append(callbacks, cb)
		}
	}
	b.mu.RUnlock()

	for _, cb := range callbacks {
		b.invoke(sessionID, event, cb)
	}
}

func (b *Bus) invoke(sessionID string, event Event, cb Callback) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("event subscriber panicked (session=%s type=%s): %v", sessionID, event.Type, r)
		}
	}()
	cb(event)
}
