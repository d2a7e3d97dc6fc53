// Package events carries orchestration events (state changes, restarts,
// alerts, pool activity) from the controller, pool and reconciler to
// subscribers such as the websocket stream and the event store.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sandboxrunner/browserd/pkg/types"
)

// EventType represents the type of event
type EventType string

const (
	EventTypeStateChange   EventType = "state_change"
	EventTypeSessionFailed EventType = "session_failed"
	EventTypeRestart       EventType = "restart"
	EventTypeRouteRepaired EventType = "route_repaired"
	EventTypeOrphanRemoved EventType = "orphan_removed"
	EventTypeIdleCleanup   EventType = "idle_cleanup"
	EventTypePool          EventType = "pool"
	EventTypeHealthAlert   EventType = "health_alert"
	EventTypeDaemonExited  EventType = "daemon_exited"
)

// EventSeverity represents the severity level of an event
type EventSeverity string

const (
	EventSeverityInfo     EventSeverity = "info"
	EventSeverityWarning  EventSeverity = "warning"
	EventSeverityError    EventSeverity = "error"
	EventSeverityCritical EventSeverity = "critical"
)

// Event represents an orchestration event
type Event struct {
	ID          string                 `json:"id"`
	Type        EventType              `json:"type"`
	Severity    EventSeverity          `json:"severity"`
	Source      string                 `json:"source"`
	SessionID   string                 `json:"session_id,omitempty"`
	ContainerID string                 `json:"container_id,omitempty"`
	Title       string                 `json:"title"`
	Message     string                 `json:"message"`
	Timestamp   time.Time              `json:"timestamp"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// EventHandler defines a function that handles events
type EventHandler func(event Event) error

// EventFilter defines a function that filters events
type EventFilter func(event Event) bool

// EventPersistence stores events beyond the in-memory history
type EventPersistence interface {
	SaveEvent(event Event) error
	LoadEvents(sessionID string, limit int) ([]Event, error)
	CleanupOldEvents(olderThan time.Duration) error
}

// Publisher is the write side of the bus
type Publisher interface {
	Publish(event Event)
}

type subscription struct {
	id      string
	handler EventHandler
	filter  EventFilter
	types   []EventType
}

// EventBus fans events out to subscribers. A single worker delivers events
// in publish order.
type EventBus struct {
	mu            sync.RWMutex
	subscriptions map[string]*subscription
	history       []Event
	historySize   int
	queue         chan Event
	persistence   EventPersistence
	retention     time.Duration

	ctx      context.Context
	cancel   context.CancelFunc
	closed   bool
	stopOnce sync.Once
	done     chan struct{}
}

// NewEventBus creates a bus keeping historySize recent events in memory.
// persistence may be nil.
func NewEventBus(historySize int, persistence EventPersistence) *EventBus {
	if historySize <= 0 {
		historySize = 256
	}
	ctx, cancel := context.WithCancel(context.Background())

	eb := &EventBus{
		subscriptions: make(map[string]*subscription),
		history:       make([]Event, 0, historySize),
		historySize:   historySize,
		queue:         make(chan Event, historySize*2),
		persistence:   persistence,
		retention:     7 * 24 * time.Hour,
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
	}

	go eb.worker()
	if persistence != nil {
		go eb.cleanupWorker()
	}

	log.Debug().Int("history_size", historySize).Msg("Event bus initialized")
	return eb
}

// Subscribe registers handler for events of the given types (all types when
// none are given) that pass filter (nil passes everything).
func (eb *EventBus) Subscribe(handler EventHandler, filter EventFilter, eventTypes ...EventType) string {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	sub := &subscription{
		id:      "sub-" + uuid.New().String()[:8],
		handler: handler,
		filter:  filter,
		types:   eventTypes,
	}
	eb.subscriptions[sub.id] = sub

	log.Debug().Str("subscription_id", sub.id).Int("event_types", len(eventTypes)).Msg("Event subscription created")
	return sub.id
}

// Unsubscribe removes a subscription
func (eb *EventBus) Unsubscribe(subscriptionID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	delete(eb.subscriptions, subscriptionID)
}

// Publish queues an event. It never blocks; a full queue drops the event.
func (eb *EventBus) Publish(event Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if eb.closed {
		return
	}

	select {
	case eb.queue <- event:
	default:
		log.Warn().
			Str("event_id", event.ID).
			Str("event_type", string(event.Type)).
			Msg("Event queue full, dropping event")
	}
}

// GetEventHistory returns up to limit recent events, oldest first
func (eb *EventBus) GetEventHistory(limit int) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if limit <= 0 || limit > len(eb.history) {
		limit = len(eb.history)
	}
	out := make([]Event, limit)
	copy(out, eb.history[len(eb.history)-limit:])
	return out
}

// Stop delivers queued events and shuts the bus down
func (eb *EventBus) Stop() {
	eb.stopOnce.Do(func() {
		eb.mu.Lock()
		eb.closed = true
		close(eb.queue)
		eb.mu.Unlock()

		<-eb.done
		eb.cancel()
	})
}

func (eb *EventBus) worker() {
	defer close(eb.done)
	for event := range eb.queue {
		eb.process(event)
	}
}

func (eb *EventBus) process(event Event) {
	eb.mu.Lock()
	if len(eb.history) >= eb.historySize {
		copy(eb.history, eb.history[1:])
		eb.history[len(eb.history)-1] = event
	} else {
		eb.history = append(eb.history, event)
	}
	subs := make([]*subscription, 0, len(eb.subscriptions))
	for _, sub := range eb.subscriptions {
		subs = append(subs, sub)
	}
	eb.mu.Unlock()

	if eb.persistence != nil {
		if err := eb.persistence.SaveEvent(event); err != nil {
			log.Error().Err(err).Str("event_id", event.ID).Msg("Failed to persist event")
		}
	}

	for _, sub := range subs {
		if matches(event, sub) {
			eb.callHandler(event, sub)
		}
	}
}

func matches(event Event, sub *subscription) bool {
	if len(sub.types) > 0 {
		matched := false
		for _, t := range sub.types {
			if event.Type == t {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return sub.filter == nil || sub.filter(event)
}

func (eb *EventBus) callHandler(event Event, sub *subscription) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("subscription_id", sub.id).
				Str("event_id", event.ID).
				Msg("Event handler panicked")
		}
	}()

	if err := sub.handler(event); err != nil {
		log.Error().
			Err(err).
			Str("subscription_id", sub.id).
			Str("event_id", event.ID).
			Msg("Event handler returned error")
	}
}

func (eb *EventBus) cleanupWorker() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-eb.ctx.Done():
			return
		case <-ticker.C:
			if err := eb.persistence.CleanupOldEvents(eb.retention); err != nil {
				log.Error().Err(err).Msg("Failed to cleanup old events")
			}
		}
	}
}

// NewStateChangeEvent creates a state change event
func NewStateChangeEvent(source, containerID string, transition types.StateTransition) Event {
	severity := EventSeverityInfo
	switch transition.To {
	case types.StatusFailed:
		severity = EventSeverityError
	case types.StatusUnhealthy:
		severity = EventSeverityWarning
	}

	return Event{
		Type:        EventTypeStateChange,
		Severity:    severity,
		Source:      source,
		SessionID:   transition.SessionID,
		ContainerID: containerID,
		Title:       fmt.Sprintf("Session %s: %s -> %s", transition.SessionID, transition.From, transition.To),
		Message:     transition.Reason,
		Timestamp:   transition.Timestamp,
		Metadata: map[string]interface{}{
			"from": string(transition.From),
			"to":   string(transition.To),
		},
	}
}

// NewSessionFailedEvent creates the alert emitted when a session exhausts its retries
func NewSessionFailedEvent(source, sessionID string, retries int, reason string) Event {
	return Event{
		Type:      EventTypeSessionFailed,
		Severity:  EventSeverityCritical,
		Source:    source,
		SessionID: sessionID,
		Title:     fmt.Sprintf("Session %s failed", sessionID),
		Message:   reason,
		Metadata: map[string]interface{}{
			"retries": retries,
		},
	}
}

// NewRestartEvent creates a restart event
func NewRestartEvent(source, sessionID string, attempt int, reason string) Event {
	return Event{
		Type:      EventTypeRestart,
		Severity:  EventSeverityWarning,
		Source:    source,
		SessionID: sessionID,
		Title:     fmt.Sprintf("Restarting session %s (attempt %d)", sessionID, attempt),
		Message:   reason,
		Metadata: map[string]interface{}{
			"attempt": attempt,
		},
	}
}

// NewSystemEvent creates an event not tied to a specific session
func NewSystemEvent(eventType EventType, source, title, message string, severity EventSeverity) Event {
	return Event{
		Type:     eventType,
		Severity: severity,
		Source:   source,
		Title:    title,
		Message:  message,
	}
}

// SessionFilter matches events of one session
func SessionFilter(sessionID string) EventFilter {
	return func(event Event) bool {
		return event.SessionID == sessionID
	}
}

// SeverityFilter matches events with any of the given severities
func SeverityFilter(severities ...EventSeverity) EventFilter {
	return func(event Event) bool {
		for _, s := range severities {
			if event.Severity == s {
				return true
			}
		}
		return false
	}
}

// Nop discards events
type Nop struct{}

func (Nop) Publish(Event) {}
