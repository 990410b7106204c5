// Package bus provides the event bus used to broadcast agent lifecycle
// transitions to external consumers. A NATS backend is used when a server
// URL is configured; otherwise an in-memory bus serves the same interface.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/scripton/scripton/internal/common/config"
	"github.com/scripton/scripton/internal/common/logger"
)

// Subjects published by the agent manager.
const (
	SubjectAgentCreated       = "agent.created"
	SubjectAgentTaskStarted   = "agent.task.started"
	SubjectAgentTaskCompleted = "agent.task.completed"
	SubjectAgentFailed        = "agent.failed"
	SubjectAgentDisposed      = "agent.disposed"
)

// Event represents a message on the event bus.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler is a function that handles an event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the broadcast interface shared by the NATS and memory backends.
type EventBus interface {
	// Publish sends an event to a subject.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern.
	// NATS-style wildcards are supported: * (one token) and > (rest).
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close closes the connection.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}

// New returns a NATS-backed bus when a URL is configured, otherwise an
// in-memory bus.
func New(cfg config.NATSConfig, log *logger.Logger) (EventBus, error) {
	if cfg.URL == "" {
		log.Info("using in-memory event bus")
		return NewMemoryEventBus(log), nil
	}
	return NewNATSEventBus(cfg, log)
}
