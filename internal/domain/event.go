package domain

import (
	"context"
	"time"
)

// EventType classifies a journaled state change.
type EventType string

const (
	EventOverride     EventType = "override"
	EventSettingsSync EventType = "settings_sync"
	EventAvailability EventType = "availability"
	EventCommand      EventType = "command"
)

// Event is one journaled state change of a device.
type Event struct {
	Timestamp     time.Time `json:"timestamp"`
	DeviceID      string    `json:"device_id"`
	Type          EventType `json:"type"`
	Subject       string    `json:"subject,omitempty"`
	PreviousValue string    `json:"previous_value,omitempty"`
	NewValue      string    `json:"new_value,omitempty"`
}

// EventJournal records events. Implementations must be safe for concurrent use.
type EventJournal interface {
	RecordEvent(ctx context.Context, event Event) error
}
