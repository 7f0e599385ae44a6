package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a provisioning or lifecycle event.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Source    string    `json:"source"`

	// Step is the workflow step, if applicable.
	Step string `json:"step,omitempty"`

	// SiteID is the affected site, if applicable.
	SiteID string `json:"site_id,omitempty"`

	// ResourceID is the CMS item created or touched, if applicable.
	ResourceID string `json:"resource_id,omitempty"`

	// Outcome is success or failure for step events.
	Outcome string `json:"outcome,omitempty"`

	Message string `json:"message"`
	Level   string `json:"level"`

	Data map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeStepCompleted    = "provisioning.step_completed"
	EventTypeStepFailed       = "provisioning.step_failed"
	EventTypeOrphanedFolder   = "provisioning.orphaned_folder"
	EventTypeConnectionState  = "host.connection_state"
	EventTypeSiteInfoResolved = "page_context.resolved"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// Step outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers. A nil *EventPublisher
// discards everything.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
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
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	ep := &EventPublisher{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.buffer = make(chan Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
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
		event.Timestamp = time.Now().UTC()
	}

	if !ep.config.EnableAsync {
		ep.deliverEvent(event)
		return nil
	}

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

// PublishStep publishes the outcome of a provisioning step.
func (ep *EventPublisher) PublishStep(step, siteID, resourceID string, err error) error {
	event := Event{
		Type:       EventTypeStepCompleted,
		Source:     "provisioning",
		Step:       step,
		SiteID:     siteID,
		ResourceID: resourceID,
		Outcome:    OutcomeSuccess,
		Message:    fmt.Sprintf("%s completed", step),
		Level:      EventLevelInfo,
	}
	if err != nil {
		event.Type = EventTypeStepFailed
		event.Outcome = OutcomeFailure
		event.Message = fmt.Sprintf("%s failed: %v", step, err)
		event.Level = EventLevelError
	}
	return ep.Publish(event)
}

// PublishOrphanedFolder records a template folder left without its template.
func (ep *EventPublisher) PublishOrphanedFolder(folderID, reason string) error {
	return ep.Publish(Event{
		Type:       EventTypeOrphanedFolder,
		Source:     "provisioning",
		Step:       "install",
		ResourceID: folderID,
		Outcome:    OutcomeFailure,
		Message:    fmt.Sprintf("Template folder %s has no settings template: %s", folderID, reason),
		Level:      EventLevelError,
	})
}

// PublishConnectionState publishes a host connection state transition.
func (ep *EventPublisher) PublishConnectionState(from, to string) error {
	return ep.Publish(Event{
		Type:    EventTypeConnectionState,
		Source:  "host",
		Message: fmt.Sprintf("Host connection %s -> %s", from, to),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"from": from,
			"to":   to,
		},
	})
}

// Subscribe adds a new event subscriber. A nil filter accepts every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)
		case <-ep.ctx.Done():
			// Drain what was accepted before shutdown.
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

// deliverEvent calls subscribers in order, on the caller's goroutine, so a
// journal subscriber sees events in publication order.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops the publisher after delivering buffered events.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
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
