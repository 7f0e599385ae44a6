package stores

import (
	"context"
	"time"
)

// EventLevel represents the severity level of an event
type EventLevel string

const (
	EventLevelDebug   EventLevel = "debug"
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// Event is a journaled provisioning event.
type Event struct {
	ID         int64      `json:"id"`
	EventID    string     `json:"event_id"`
	Type       string     `json:"type"`
	Source     string     `json:"source"`
	Step       string     `json:"step,omitempty"`
	SiteID     string     `json:"site_id,omitempty"`
	ResourceID string     `json:"resource_id,omitempty"`
	Outcome    string     `json:"outcome,omitempty"`
	Level      EventLevel `json:"level"`
	Message    string     `json:"message"`
	Details    string     `json:"details"` // JSON blob
	CreatedAt  time.Time  `json:"created_at"`
}

// EventFilter narrows ListEvents. Nil fields match everything.
type EventFilter struct {
	Type    *string
	Step    *string
	SiteID  *string
	Outcome *string
	Since   *time.Time

	// Limit defaults to DefaultListLimit.
	Limit  int
	Offset int
}

// DefaultListLimit caps ListEvents when no limit is given.
const DefaultListLimit = 100

// Store is the provisioning journal.
type Store interface {
	RecordEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, filter EventFilter) ([]*Event, error)
	ListOrphanedFolders(ctx context.Context) ([]*Event, error)

	HealthCheck(ctx context.Context) error
	Close() error
}
