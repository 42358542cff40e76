// Package bus provides event bus implementations used to hand retention and
// campaign events to other services.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Handler is a function that handles events.
type Handler func(ctx context.Context, event Event) error

// Bus defines the interface for event bus implementations.
type Bus interface {
	// Publish publishes an event to a topic.
	Publish(ctx context.Context, topic string, event Event) error

	// Subscribe subscribes to events on a topic.
	Subscribe(ctx context.Context, topic string, handler Handler) error

	// Close closes the bus and releases resources.
	Close() error
}

// Event represents a bus event.
type Event struct {
	// ID is the unique event identifier.
	ID string `json:"id"`

	// Type is the event type (e.g., "retention.run.deleted").
	Type string `json:"type"`

	// Source is the service that generated the event.
	Source string `json:"source"`

	// Timestamp is when the event was created, in Unix milliseconds.
	Timestamp int64 `json:"timestamp"`

	// CorrelationID links related events, e.g. all events of one sweep.
	CorrelationID string `json:"correlation_id,omitempty"`

	// Payload contains the event data.
	Payload any `json:"payload"`
}

// NewEvent creates an event with a fresh ID and the current time.
func NewEvent(eventType, source string, payload any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	}
}

// Topics.
const (
	// TopicNotifyEmail carries outgoing participant emails for the mailer.
	TopicNotifyEmail = "notify.email"

	// Retention topics.
	TopicRunWarned  = "retention.run.warned"
	TopicRunDeleted = "retention.run.deleted"
	TopicSweepDone  = "retention.sweep.completed"

	// Campaign topics.
	TopicFeedbackSubmitted = "campaign.feedback.submitted"
	TopicCampaignDone      = "campaign.completed"
)
