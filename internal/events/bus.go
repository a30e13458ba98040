package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventBotStarted      EventType = "BOT_STARTED"
	EventBotStopped      EventType = "BOT_STOPPED"
	EventCycleStarted    EventType = "CYCLE_STARTED"
	EventCycleCompleted  EventType = "CYCLE_COMPLETED"
	EventSignalGenerated EventType = "SIGNAL_GENERATED"
	EventTradeAction     EventType = "TRADE_ACTION"
	EventCandleClosed    EventType = "CANDLE_CLOSED"
	EventError           EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers. Subscribers run in their own
// goroutines and must not assume ordering.
func (eb *EventBus) Publish(event Event) {
	if eb == nil {
		return
	}
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event)
		}
	}
	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishCycleStarted publishes a cycle started event
func (eb *EventBus) PublishCycleStarted(cycleID, symbol string) {
	eb.Publish(Event{
		Type: EventCycleStarted,
		Data: map[string]interface{}{
			"cycle_id": cycleID,
			"symbol":   symbol,
		},
	})
}

// PublishCycleCompleted publishes a cycle completed event
func (eb *EventBus) PublishCycleCompleted(cycleID, symbol, result string, duration time.Duration) {
	eb.Publish(Event{
		Type: EventCycleCompleted,
		Data: map[string]interface{}{
			"cycle_id":    cycleID,
			"symbol":      symbol,
			"result":      result,
			"duration_ms": duration.Milliseconds(),
		},
	})
}

// PublishSignal publishes a signal generated event
func (eb *EventBus) PublishSignal(symbol, signal, rationale string) {
	eb.Publish(Event{
		Type: EventSignalGenerated,
		Data: map[string]interface{}{
			"symbol":    symbol,
			"signal":    signal,
			"rationale": rationale,
		},
	})
}

// PublishTradeAction publishes the strategy outcome of a cycle
func (eb *EventBus) PublishTradeAction(symbol, action, status, orderSize, heldAfter, reason string) {
	eb.Publish(Event{
		Type: EventTradeAction,
		Data: map[string]interface{}{
			"symbol":     symbol,
			"action":     action,
			"status":     status,
			"order_size": orderSize,
			"held_after": heldAfter,
			"reason":     reason,
		},
	})
}

// PublishCandleClosed publishes a closed kline received from the stream
func (eb *EventBus) PublishCandleClosed(symbol, granularity string, openTime time.Time, close string) {
	eb.Publish(Event{
		Type: EventCandleClosed,
		Data: map[string]interface{}{
			"symbol":      symbol,
			"granularity": granularity,
			"open_time":   openTime.UnixMilli(),
			"close":       close,
		},
	})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(source, message string) {
	eb.Publish(Event{
		Type: EventError,
		Data: map[string]interface{}{
			"source":  source,
			"message": message,
		},
	})
}

// PublishBotStatus publishes a bot started or stopped event
func (eb *EventBus) PublishBotStatus(started bool, symbol string) {
	t := EventBotStopped
	if started {
		t = EventBotStarted
	}
	eb.Publish(Event{
		Type: t,
		Data: map[string]interface{}{
			"symbol": symbol,
		},
	})
}
