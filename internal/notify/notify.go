// Package notify delivers participant notifications.
package notify

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/livinglabs/livelab/internal/bus"
	"github.com/livinglabs/livelab/internal/config"
	apperrors "github.com/livinglabs/livelab/internal/pkg/errors"
	"github.com/livinglabs/livelab/internal/pkg/logger"
	"github.com/livinglabs/livelab/internal/store"
)

// Notifier sends a message to a participant.
type Notifier interface {
	Notify(ctx context.Context, user store.User, subject, body string) error
}

// Email is the payload of a notify.email event.
type Email struct {
	To      string `json:"to"`
	Team    string `json:"team,omitempty"`
	UserID  string `json:"user_id"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// BusNotifier hands emails to an external mailer through the event bus.
type BusNotifier struct {
	bus    bus.Bus
	source string
	log    *logger.Logger
}

// NewBusNotifier creates a notifier publishing on b. Source names the
// publishing service in emitted events.
func NewBusNotifier(b bus.Bus, source string, log *logger.Logger) *BusNotifier {
	if log == nil {
		log = logger.Discard()
	}
	return &BusNotifier{bus: b, source: source, log: log}
}

// Notify publishes one email event.
func (n *BusNotifier) Notify(ctx context.Context, user store.User, subject, body string) error {
	if strings.TrimSpace(user.Email) == "" {
		return apperrors.ValidationError("user " + user.ID + " has no email address")
	}

	event := bus.NewEvent(bus.TopicNotifyEmail, n.source, Email{
		To:      user.Email,
		Team:    user.TeamName,
		UserID:  user.ID,
		Subject: subject,
		Body:    body,
	})
	if err := n.bus.Publish(ctx, bus.TopicNotifyEmail, event); err != nil {
		return apperrors.Wrap(apperrors.CodeUnavailable, "publishing email for "+user.ID, err)
	}

	n.log.Debug("Queued email", "user_id", user.ID, "subject", subject)
	return nil
}

// DecodeEmail extracts the Email carried by a notify.email event. Events
// published in-process carry the struct itself; events read back from
// Kafka or the event log carry its decoded JSON.
func DecodeEmail(event bus.Event) (Email, error) {
	switch p := event.Payload.(type) {
	case Email:
		return p, nil
	case *Email:
		if p != nil {
			return *p, nil
		}
	}

	data, err := json.Marshal(event.Payload)
	if err != nil {
		return Email{}, apperrors.Wrap(apperrors.CodeMalformedInput, "encoding email payload", err)
	}
	var email Email
	if err := json.Unmarshal(data, &email); err != nil {
		return Email{}, apperrors.Wrap(apperrors.CodeMalformedInput, "decoding email payload", err)
	}
	if email.To == "" {
		return Email{}, apperrors.ValidationError("event " + event.ID + " carries no email recipient")
	}
	return email, nil
}

// LogMailer consumes notify.email events and writes them to the log. It
// takes the place of the platform mailer when no broker is configured.
type LogMailer struct {
	log *logger.Logger
}

// NewLogMailer creates a mailer that only logs.
func NewLogMailer(log *logger.Logger) *LogMailer {
	if log == nil {
		log = logger.Default()
	}
	return &LogMailer{log: log}
}

// Handle is a bus.Handler for TopicNotifyEmail.
func (m *LogMailer) Handle(ctx context.Context, event bus.Event) error {
	email, err := DecodeEmail(event)
	if err != nil {
		return err
	}
	m.log.Info("Email",
		"event_id", event.ID,
		"user_id", email.UserID,
		"to", email.To,
		"subject", email.Subject,
		"body", email.Body,
	)
	return nil
}

// SubscribeMailer attaches a LogMailer to b when b is an in-process bus.
// A Kafka bus is left alone: the platform mailer consumes notify.email.
func SubscribeMailer(ctx context.Context, cfg config.BusConfig, b bus.Bus, log *logger.Logger) error {
	if strings.EqualFold(cfg.Type, "kafka") {
		return nil
	}
	return b.Subscribe(ctx, bus.TopicNotifyEmail, NewLogMailer(log).Handle)
}

// NewNotifier returns a notifier publishing on b, with a mailer subscribed
// per SubscribeMailer.
func NewNotifier(ctx context.Context, cfg config.BusConfig, b bus.Bus, source string, log *logger.Logger) (*BusNotifier, error) {
	if err := SubscribeMailer(ctx, cfg, b, log); err != nil {
		return nil, err
	}
	return NewBusNotifier(b, source, log), nil
}
