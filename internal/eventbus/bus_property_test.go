package eventbus

import (
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// For any number of session-wide and event-type subscribers, publishing one
// event delivers exactly once to every session-wide subscriber and to every
// subscriber of the published type, and never to other types.
func TestBusDeliveryCountProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("delivery counts match subscriber counts", prop.ForAll(
		func(sessionSubs, matchingSubs, otherSubs int) bool {
			bus := New()

			var mu sync.Mutex
			sessionHits, matchingHits, otherHits := 0, 0, 0

			for i := 0; i < sessionSubs; i++ {
				bus.Subscribe("s", func(Event) {
					mu.Lock()
					sessionHits++
					mu.Unlock()
				})
			}
			for i := 0; i < matchingSubs; i++ {
				bus.SubscribeToEvent("s", "match", func(Event) {
					mu.Lock()
					matchingHits++
					mu.Unlock()
				})
			}
			for i := 0; i < otherSubs; i++ {
				bus.SubscribeToEvent("s", "other", func(Event) {
					mu.Lock()
					otherHits++
					mu.Unlock()
				})
			}

			bus.Publish("s", Event{Type: "match"})

			return sessionHits == sessionSubs && matchingHits == matchingSubs && otherHits == 0
		},
		gen.IntRange(0, 10),
		gen.IntRange(0, 10),
		gen.IntRange(0, 10),
	))

	properties.Property("subscribe then unsubscribe removes exactly that entry", prop.ForAll(
		func(n int) bool {
			bus := New()

			ids := make([]string, n)
			for i := range ids {
				ids[i] = bus.Subscribe("s", func(Event) {})
			}

			for _, id := range ids {
				if !bus.Unsubscribe("s", id) {
					return false
				}
			}
			for _, id := range ids {
				if bus.Unsubscribe("s", id) {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 20),
	))

	properties.TestingRun(t)
}
