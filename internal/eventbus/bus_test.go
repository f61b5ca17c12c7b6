package eventbus

import (
	"sync"
	"testing"
	"time"
)

func testEvent(t *testing.T, eventType string) Event {
	t.Helper()
	event, err := NewEvent(eventType, map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("Failed to build event: %v", err)
	}
	return event
}

func TestBus_SessionWideDelivery(t *testing.T) {
	bus := New()

	t.Run("every session subscriber invoked exactly once", func(t *testing.T) {
		counts := make(map[int]int)
		var mu sync.Mutex

		for i := 0; i < 3; i++ {
			i := i
			bus.Subscribe("s1", func(Event) {
				mu.Lock()
				counts[i]++
				mu.Unlock()
			})
		}

		bus.Publish("s1", testEvent(t, "anything"))

		for i := 0; i < 3; i++ {
			if counts[i] != 1 {
				t.Errorf("subscriber %d invoked %d times, want 1", i, counts[i])
			}
		}
	})

	t.Run("other sessions never invoked", func(t *testing.T) {
		invoked := false
		bus.Subscribe("s2", func(Event) { invoked = true })

		bus.Publish("s1", testEvent(t, "anything"))

		if invoked {
			t.Error("subscriber of another session was invoked")
		}
	})

	t.Run("late subscriber sees nothing", func(t *testing.T) {
		bus.Publish("s3", testEvent(t, "early"))

		invoked := false
		bus.Subscribe("s3", func(Event) { invoked = true })

		if invoked {
			t.Error("events must not be queued for late subscribers")
		}
	})
}

func TestBus_EventTypeScopedDelivery(t *testing.T) {
	bus := New()

	matched := 0
	other := 0
	bus.SubscribeToEvent("s1", "tool_event", func(Event) { matched++ })
	bus.SubscribeToEvent("s1", "agent_event", func(Event) { other++ })
	bus.SubscribeToEvent("s2", "tool_event", func(Event) { other++ })

	bus.Publish("s1", testEvent(t, "tool_event"))

	if matched != 1 {
		t.Errorf("matching subscriber invoked %d times, want 1", matched)
	}
	if other != 0 {
		t.Errorf("non-matching subscribers invoked %d times, want 0", other)
	}
}

func TestBus_UnsubscribeRoundTrip(t *testing.T) {
	bus := New()

	t.Run("session-wide", func(t *testing.T) {
		subID := bus.Subscribe("s1", func(Event) {})

		if !bus.Unsubscribe("s1", subID) {
			t.Error("first unsubscribe should return true")
		}
		if bus.Unsubscribe("s1", subID) {
			t.Error("second unsubscribe should return false")
		}
	})

	t.Run("event-type-scoped", func(t *testing.T) {
		subID := bus.SubscribeToEvent("s1", "tool_event", func(Event) {})

		if !bus.UnsubscribeFromEvent("s1", "tool_event", subID) {
			t.Error("first unsubscribe should return true")
		}
		if bus.UnsubscribeFromEvent("s1", "tool_event", subID) {
			t.Error("second unsubscribe should return false")
		}
	})

	t.Run("unknown session", func(t *testing.T) {
		if bus.Unsubscribe("nope", "id") {
			t.Error("unsubscribe for unknown session should return false")
		}
	})

	t.Run("unsubscribed callback not invoked", func(t *testing.T) {
		invoked := false
		subID := bus.Subscribe("s1", func(Event) { invoked = true })
		bus.Unsubscribe("s1", subID)

		bus.Publish("s1", testEvent(t, "anything"))

		if invoked {
			t.Error("unsubscribed callback was invoked")
		}
	})
}

func TestBus_PanickingSubscriber(t *testing.T) {
	bus := New()

	delivered := false
	bus.Subscribe("s1", func(Event) { panic("bad subscriber") })
	bus.Subscribe("s1", func(Event) { delivered = true })

	// Must not panic the publisher and must not prevent delivery to the
	// remaining subscriber.
	bus.Publish("s1", testEvent(t, "anything"))

	if !delivered {
		t.Error("panicking subscriber prevented delivery to others")
	}
}

func TestBus_ConcurrentAccess(t *testing.T) {
	bus := New()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			sessionID := string(rune('a' + n%4))
			for j := 0; j < 100; j++ {
				subID := bus.Subscribe(sessionID, func(Event) {})
				bus.Publish(sessionID, Event{Type: "t", Timestamp: time.Now()})
				bus.Unsubscribe(sessionID, subID)
			}
		}(i)
	}
	wg.Wait()
}
