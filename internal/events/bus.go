package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventStateTransition EventType = "STATE_TRANSITION"
	EventOrderResult     EventType = "ORDER_RESULT"
	EventEntryDecision   EventType = "ENTRY_DECISION"
	EventSafeCooldown    EventType = "SAFE_COOLDOWN"
	EventRiskHalt        EventType = "RISK_HALT"
	EventModeChanged     EventType = "TRADING_MODE_CHANGED"
	EventSafeStartPhase  EventType = "SAFE_START_PHASE"
	EventStatusUpdate    EventType = "STATUS_UPDATE"
	EventBotStarted      EventType = "BOT_STARTED"
	EventBotStopped      EventType = "BOT_STOPPED"
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

// Publish sends an event to all subscribers. Subscribers run on their own
// goroutines so a slow consumer never stalls the control loop.
func (eb *EventBus) Publish(event Event) {
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

// PublishTransition publishes a position state change
func (eb *EventBus) PublishTransition(from, to, reason, symbol string, qty float64) {
	eb.Publish(Event{
		Type: EventStateTransition,
		Data: map[string]interface{}{
			"from":         from,
			"to":           to,
			"reason":       reason,
			"symbol":       symbol,
			"position_qty": qty,
		},
	})
}

// PublishOrderResult publishes an execution outcome
func (eb *EventBus) PublishOrderResult(event, symbol, side, reason string, ok bool, qty, vwap float64) {
	eb.Publish(Event{
		Type: EventOrderResult,
		Data: map[string]interface{}{
			"event":  event,
			"symbol": symbol,
			"side":   side,
			"ok":     ok,
			"reason": reason,
			"qty":    qty,
			"vwap":   vwap,
		},
	})
}

// PublishEntryDecision publishes an entry gate verdict
func (eb *EventBus) PublishEntryDecision(symbol, decision, reason string) {
	eb.Publish(Event{
		Type: EventEntryDecision,
		Data: map[string]interface{}{
			"symbol":   symbol,
			"decision": decision,
			"reason":   reason,
		},
	})
}

// PublishRiskHalt publishes a daily drawdown hard stop
func (eb *EventBus) PublishRiskHalt(reason string, equity float64) {
	eb.Publish(Event{
		Type: EventRiskHalt,
		Data: map[string]interface{}{
			"reason": reason,
			"equity": equity,
		},
	})
}

// PublishModeChanged publishes a LIVE/PAPER switch
func (eb *EventBus) PublishModeChanged(from, to, reason string) {
	eb.Publish(Event{
		Type: EventModeChanged,
		Data: map[string]interface{}{
			"from":   from,
			"to":     to,
			"reason": reason,
		},
	})
}

// PublishSafeStartPhase publishes a boot gate phase change
func (eb *EventBus) PublishSafeStartPhase(phase, message string) {
	eb.Publish(Event{
		Type: EventSafeStartPhase,
		Data: map[string]interface{}{
			"phase":   phase,
			"message": message,
		},
	})
}

// PublishStatus publishes the per-tick runtime status
func (eb *EventBus) PublishStatus(status map[string]interface{}) {
	eb.Publish(Event{
		Type: EventStatusUpdate,
		Data: status,
	})
}

// PublishBotStarted publishes a bot started event
func (eb *EventBus) PublishBotStarted(mode, exchange string) {
	eb.Publish(Event{
		Type: EventBotStarted,
		Data: map[string]interface{}{
			"mode":     mode,
			"exchange": exchange,
		},
	})
}

// PublishBotStopped publishes a bot stopped event
func (eb *EventBus) PublishBotStopped(reason string) {
	eb.Publish(Event{
		Type: EventBotStopped,
		Data: map[string]interface{}{"reason": reason},
	})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(source string, err error) {
	eb.Publish(Event{
		Type: EventError,
		Data: map[string]interface{}{
			"source": source,
			"error":  err.Error(),
		},
	})
}
