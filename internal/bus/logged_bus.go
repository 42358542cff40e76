package bus

import (
	"context"

	"github.com/livinglabs/livelab/internal/pkg/logger"
)

// AuditTopics are the topics worth keeping on disk: every retention decision,
// every outgoing email and campaign summaries. Per-session feedback events are
// left out.
var AuditTopics = []string{
	TopicRunWarned,
	TopicRunDeleted,
	TopicSweepDone,
	TopicNotifyEmail,
	TopicCampaignDone,
}

// LoggedBus appends published events to an EventLogger before delivering
// them, giving an audit trail of warnings and deletions.
type LoggedBus struct {
	inner       Bus
	eventLogger *EventLogger
	topics      map[string]bool
	log         *logger.Logger
}

// NewLoggedBus wraps inner. Only events on the given topics are written;
// with no topics every event is.
func NewLoggedBus(inner Bus, eventLogger *EventLogger, log *logger.Logger, topics ...string) *LoggedBus {
	if log == nil {
		log = logger.Default()
	}
	b := &LoggedBus{inner: inner, eventLogger: eventLogger, log: log}
	if len(topics) > 0 {
		b.topics = make(map[string]bool, len(topics))
		for _, t := range topics {
			b.topics[t] = true
		}
	}
	return b
}

// Publish records the event, then delivers it. A failed write is logged and
// does not stop delivery.
func (b *LoggedBus) Publish(ctx context.Context, topic string, event Event) error {
	if b.topics == nil || b.topics[topic] {
		if err := b.eventLogger.Log(topic, event); err != nil {
			b.log.Warn("Failed to write event log", "topic", topic, "event_id", event.ID, "error", err.Error())
		}
	}
	return b.inner.Publish(ctx, topic, event)
}

func (b *LoggedBus) Subscribe(ctx context.Context, topic string, handler Handler) error {
	return b.inner.Subscribe(ctx, topic, handler)
}

// EventLogger returns the event log, e.g. for replay.
func (b *LoggedBus) EventLogger() *EventLogger {
	return b.eventLogger
}

// Close closes the event log and then the inner bus.
func (b *LoggedBus) Close() error {
	if err := b.eventLogger.Close(); err != nil {
		b.log.Warn("Failed to close event log", "error", err.Error())
	}
	return b.inner.Close()
}
