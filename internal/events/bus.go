package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventPositionOpened  EventType = "POSITION_OPENED"
	EventPositionClosed  EventType = "POSITION_CLOSED"
	EventPositionAdjust  EventType = "POSITION_ADJUSTED"
	EventRiskAlert       EventType = "RISK_ALERT"
	EventAnomalyDetected EventType = "ANOMALY_DETECTED"
	EventAdviceGenerated EventType = "ADVICE_GENERATED"
	EventSignalGenerated EventType = "SIGNAL_GENERATED"
	EventQuoteStale      EventType = "QUOTE_STALE"
	EventUnitStarted     EventType = "UNIT_STARTED"
	EventUnitCrashed     EventType = "UNIT_CRASHED"
	EventUnitRestarted   EventType = "UNIT_RESTARTED"
	EventUnitStopped     EventType = "UNIT_STOPPED"
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
	allSubs     []Subscriber // Subscribers to all events
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

// Publish sends an event to all subscribers
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Notify specific subscribers
	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event) // Run in goroutine to avoid blocking
		}
	}

	// Notify all-event subscribers
	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishPositionOpened publishes a position opened event
func (eb *EventBus) PublishPositionOpened(asset, side string, entryPrice, quantity float64) {
	eb.Publish(Event{
		Type: EventPositionOpened,
		Data: map[string]interface{}{
			"asset":       asset,
			"side":        side,
			"entry_price": entryPrice,
			"quantity":    quantity,
		},
	})
}

// PublishPositionClosed publishes a position closed event
func (eb *EventBus) PublishPositionClosed(asset, cause string, exitPrice, quantity, pnl float64) {
	eb.Publish(Event{
		Type: EventPositionClosed,
		Data: map[string]interface{}{
			"asset":      asset,
			"cause":      cause,
			"exit_price": exitPrice,
			"quantity":   quantity,
			"pnl":        pnl,
		},
	})
}

// PublishRiskAlert publishes a risk threshold alert
func (eb *EventBus) PublishRiskAlert(asset, kind string, returnPct float64) {
	eb.Publish(Event{
		Type: EventRiskAlert,
		Data: map[string]interface{}{
			"asset":      asset,
			"kind":       kind,
			"return_pct": returnPct,
		},
	})
}

// PublishAnomaly publishes an anomaly detected event
func (eb *EventBus) PublishAnomaly(asset, kind, severity string, score float64) {
	eb.Publish(Event{
		Type: EventAnomalyDetected,
		Data: map[string]interface{}{
			"asset":    asset,
			"kind":     kind,
			"severity": severity,
			"score":    score,
		},
	})
}

// PublishAdvice publishes an advice generated event
func (eb *EventBus) PublishAdvice(asset, action, source string, confidence float64) {
	eb.Publish(Event{
		Type: EventAdviceGenerated,
		Data: map[string]interface{}{
			"asset":      asset,
			"action":     action,
			"source":     source,
			"confidence": confidence,
		},
	})
}

// PublishLifecycle publishes a supervisor lifecycle event
func (eb *EventBus) PublishLifecycle(eventType EventType, unit string, detail string) {
	eb.Publish(Event{
		Type: eventType,
		Data: map[string]interface{}{
			"unit":   unit,
			"detail": detail,
		},
	})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{
		Type: EventError,
		Data: data,
	})
}
