package history

import (
	"context"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventNotificationDelivered EventType = "notification_delivered"
	EventNotificationDropped   EventType = "notification_dropped"
	EventProcessStarted        EventType = "process_started"
	EventProcessEnded          EventType = "process_ended"
)

// Event is one exported lifecycle record (analytics/statistics systems).
// It is append-only and independent from the live store state.
type Event struct {
	Type            EventType `json:"type"`
	OccurredAt      time.Time `json:"occurred_at"`
	UserID          int64     `json:"user_id"`
	ProcessID       string    `json:"process_id,omitempty"`
	ProcessName     string    `json:"process_name,omitempty"`
	Status          string    `json:"status,omitempty"`
	DurationSeconds float64   `json:"duration_seconds,omitempty"`
	NotificationID  int64     `json:"notification_id,omitempty"`
}

// Sink is a destination for history events. Implementations must be safe for
// concurrent use. Send errors are logged by callers and never propagated to
// the request path.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}
