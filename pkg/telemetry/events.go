package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is an in-process notification about a flight.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies the worker that emitted the event.
	Source string `json:"source"`

	// FlightID is the associated flight.
	FlightID string `json:"flight_id,omitempty"`

	// FlightClass is the class of the associated flight.
	FlightClass string `json:"flight_class,omitempty"`

	// Step is the step name, for step events.
	Step string `json:"step,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeFlightSubmitted = "flight.submitted"
	EventTypeFlightStarted   = "flight.started"
	EventTypeFlightWaiting   = "flight.waiting"
	EventTypeFlightYielded   = "flight.yielded"
	EventTypeFlightCompleted = "flight.completed"
	EventTypeFlightRecovered = "flight.recovered"
	EventTypeStepCompleted   = "step.completed"
	EventTypeStepFailed      = "step.failed"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher fans events out to in-process subscribers.
type EventPublisher struct {
	config      EventsConfig
	source      string
	buffer      chan Event
	subscribers map[uint64]subscriberEntry
	nextID      uint64
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ctx, cancel := context.WithCancel(context.Background())
	ep := &EventPublisher{
		config:      cfg,
		subscribers: make(map[uint64]subscriberEntry),
		ctx:         ctx,
		cancel:      cancel,
	}
	if !cfg.Enabled {
		return ep, nil
	}
	if cfg.EnableAsync {
		if cfg.BufferSize <= 0 {
			cancel()
			return nil, fmt.Errorf("event buffer size must be positive, got: %d", cfg.BufferSize)
		}
		ep.buffer = make(chan Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}
	return ep, nil
}

// SetSource sets the source stamped on events that do not carry one.
func (ep *EventPublisher) SetSource(source string) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.source = source
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	ep.mu.RLock()
	if event.Source == "" {
		event.Source = ep.source
	}
	ep.mu.RUnlock()

	if ep.config.EnableAsync {
		select {
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
		}
		select {
		case ep.buffer <- event:
			return nil
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishFlightEvent publishes an event about a flight.
func (ep *EventPublisher) PublishFlightEvent(eventType, flightID, class, message string, data map[string]interface{}) error {
	level := EventLevelInfo
	if eventType == EventTypeStepFailed {
		level = EventLevelWarning
	}
	return ep.Publish(Event{
		Type:        eventType,
		FlightID:    flightID,
		FlightClass: class,
		Message:     message,
		Level:       level,
		Data:        data,
	})
}

// PublishStepEvent publishes an event about one step of a flight.
func (ep *EventPublisher) PublishStepEvent(eventType, flightID, class, step string, data map[string]interface{}) error {
	level := EventLevelInfo
	if eventType == EventTypeStepFailed {
		level = EventLevelWarning
	}
	return ep.Publish(Event{
		Type:        eventType,
		FlightID:    flightID,
		FlightClass: class,
		Step:        step,
		Message:     fmt.Sprintf("%s %s", step, eventType),
		Level:       level,
		Data:        data,
	})
}

// Subscribe registers a subscriber and returns a function that removes it.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) func() {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.nextID++
	id := ep.nextID
	ep.subscribers[id] = subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	}
	return func() {
		ep.mu.Lock()
		defer ep.mu.Unlock()
		delete(ep.subscribers, id)
	}
}

// processEvents drains the buffer until shutdown.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)
		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					ep.deliverEvent(event)
				default:
					return
				}
			}
		}
	}
}

// deliverEvent delivers an event to all matching subscribers.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		// subscribers must not block the publisher
		go entry.subscriber(event)
	}
}

// Shutdown stops the publisher after delivering buffered events.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil {
		return nil
	}
	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByFlightID creates a filter that only allows events for one flight.
func FilterByFlightID(flightID string) EventFilter {
	return func(event Event) bool {
		return event.FlightID == flightID
	}
}

// And combines filters; all must match.
func And(filters ...EventFilter) EventFilter {
	return func(event Event) bool {
		for _, f := range filters {
			if f != nil && !f(event) {
				return false
			}
		}
		return true
	}
}
