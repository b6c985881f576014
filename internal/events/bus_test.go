package events

import (
	"testing"

	"websetdedup/internal/models"
)

func TestSubscribeReplaysAcceptedItemsAfterConnected(t *testing.T) {
	bus := NewBus(8)
	bus.Publish("job-1", models.Event{Type: models.EventItem, Item: map[string]any{"name": "a"}})
	bus.Publish("job-1", models.Event{Type: models.EventRejected, Rejected: &models.RejectedEvent{Reason: "exact_match"}})

	sub, unsubscribe := bus.Subscribe("job-1")
	defer unsubscribe()

	first := <-sub.Events()
	if first.Type != models.EventConnected {
		t.Fatalf("expected connected frame first, got %v", first.Type)
	}
	second := <-sub.Events()
	if second.Type != models.EventItem {
		t.Fatalf("expected replayed item frame second, got %v", second.Type)
	}
	select {
	case evt := <-sub.Events():
		t.Fatalf("expected no further replay (rejections aren't replayed), got %v", evt.Type)
	default:
	}
}

func TestPublishDropsOnFullSubscriberBuffer(t *testing.T) {
	bus := NewBus(1)
	sub, unsubscribe := bus.Subscribe("job-1")
	defer unsubscribe()
	<-sub.Events() // drain connected

	for i := 0; i < 10; i++ {
		bus.Publish("job-1", models.Event{Type: models.EventItem, Item: map[string]any{"i": i}})
	}
	// Should not deadlock or block; at least one event is observable.
	select {
	case <-sub.Events():
	default:
		t.Fatal("expected at least one delivered event")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(4)
	sub, unsubscribe := bus.Subscribe("job-1")
	<-sub.Events()
	unsubscribe()

	bus.Publish("job-1", models.Event{Type: models.EventItem, Item: map[string]any{}})
	select {
	case evt, ok := <-sub.Events():
		if ok {
			t.Fatalf("expected no delivery after unsubscribe, got %v", evt.Type)
		}
	default:
	}
	if bus.SubscriberCount() != 0 {
		t.Fatalf("expected zero subscribers after unsubscribe, got %d", bus.SubscriberCount())
	}
}
