package bus

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/livinglabs/livelab/internal/pkg/errors"
)

// LoggedEvent is one line of the event log.
type LoggedEvent struct {
	Event     Event     `json:"event"`
	Topic     string    `json:"topic"`
	Timestamp time.Time `json:"timestamp"`
}

// EventLogger appends published events to a JSON-lines file. The file is
// the audit trail of every warning, deletion and campaign summary.
type EventLogger struct {
	logPath string
	mu      sync.Mutex
	file    *os.File
	enabled bool
	encoder *json.Encoder
	now     func() time.Time
}

// NewEventLogger creates a new event logger.
// If enabled is false, the logger will be created but will not write events.
func NewEventLogger(logPath string, enabled bool) (*EventLogger, error) {
	l := &EventLogger{
		logPath: logPath,
		enabled: enabled,
		now:     time.Now,
	}

	if !enabled {
		return l, nil
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	l.file = file
	l.encoder = json.NewEncoder(file)

	return l, nil
}

// Log writes an event to the log file.
// If the logger is disabled, this is a no-op.
func (l *EventLogger) Log(topic string, event Event) error {
	if !l.enabled {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return errors.New(errors.CodeInternal, "event logger not initialized")
	}

	if err := l.encoder.Encode(LoggedEvent{Event: event, Topic: topic, Timestamp: l.now()}); err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	// Deletions are irreversible, so their record must reach disk.
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync log file: %w", err)
	}

	return nil
}

// Filter selects logged events.
type Filter struct {
	// Since excludes events logged at or before this time.
	Since time.Time
	// Topic, when set, keeps only events of that topic.
	Topic string
	// Limit caps the number of events returned; zero means no limit.
	Limit int
}

func (f Filter) match(e LoggedEvent) bool {
	if !e.Timestamp.After(f.Since) {
		return false
	}
	return f.Topic == "" || e.Topic == f.Topic
}

// Events reads events matching the filter in chronological order.
// Malformed lines are skipped.
func (l *EventLogger) Events(f Filter) ([]LoggedEvent, error) {
	if !l.enabled {
		return nil, errors.New(errors.CodeUnavailable, "event logging is disabled")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	file, err := os.Open(l.logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return []LoggedEvent{}, nil
		}
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	var events []LoggedEvent
	scanner := bufio.NewScanner(file)

	const maxScanTokenSize = 1024 * 1024
	scanner.Buffer(make([]byte, 0, 64*1024), maxScanTokenSize)

	for scanner.Scan() {
		var e LoggedEvent
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		if !f.match(e) {
			continue
		}
		events = append(events, e)
		if f.Limit > 0 && len(events) >= f.Limit {
			break
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan log file: %w", err)
	}

	return events, nil
}

// Replay publishes logged events matching the filter to the bus, in order.
// It is used to re-deliver notifications after a mailer outage.
func (l *EventLogger) Replay(ctx context.Context, b Bus, f Filter) (int, error) {
	events, err := l.Events(f)
	if err != nil {
		return 0, err
	}

	for i, e := range events {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		if err := b.Publish(ctx, e.Topic, e.Event); err != nil {
			return i, fmt.Errorf("failed to replay event %s: %w", e.Event.ID, err)
		}
	}

	return len(events), nil
}

// Close closes the log file.
func (l *EventLogger) Close() error {
	if !l.enabled {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		if err := l.file.Close(); err != nil {
			return fmt.Errorf("failed to close log file: %w", err)
		}
		l.file = nil
		l.encoder = nil
	}

	return nil
}
