package events

import (
	"testing"
	"time"
)

func TestPublishReachesTypedAndAllSubscribers(t *testing.T) {
	bus := NewEventBus()
	typed := make(chan Event, 1)
	all := make(chan Event, 2)
	bus.Subscribe(EventSignalGenerated, func(e Event) { typed <- e })
	bus.SubscribeAll(func(e Event) { all <- e })

	bus.PublishSignal("BTCUSDT", "BUY", "trend up")
	bus.PublishError("cycle", "boom")

	select {
	case e := <-typed:
		if e.Data["signal"] != "BUY" {
			t.Fatalf("Expected BUY, got %v", e.Data["signal"])
		}
		if e.Timestamp.IsZero() {
			t.Fatal("Expected timestamp to be set")
		}
	case <-time.After(time.Second):
		t.Fatal("typed subscriber not called")
	}

	for i := 0; i < 2; i++ {
		select {
		case <-all:
		case <-time.After(time.Second):
			t.Fatalf("Expected 2 events on all-subscriber, got %d", i)
		}
	}
	select {
	case e := <-typed:
		t.Fatalf("Typed subscriber received unrelated event %s", e.Type)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestNilBusIgnoresPublish(t *testing.T) {
	var bus *EventBus
	bus.PublishCycleStarted("id", "BTCUSDT")
}
