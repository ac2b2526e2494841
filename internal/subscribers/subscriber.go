package subscribers

import (
	"context"
	"time"
)

const EventVersion = "v1"

type EventType string

const (
	EventTypeTurnStarted   EventType = "turn.started"
	EventTypeTurnCompleted EventType = "turn.completed"
	EventTypeTurnFailed    EventType = "turn.failed"
)

// Event is a turn lifecycle notification fanned out to subscribers.
type Event struct {
	Version    string         `json:"version"`
	EventID    string         `json:"event_id"`
	EventType  EventType      `json:"event_type"`
	OccurredAt time.Time      `json:"occurred_at"`
	SessionID  string         `json:"session_id"`
	Turn       int64          `json:"turn,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type Subscriber interface {
	Name() string
	Handle(context.Context, Event) error
}
