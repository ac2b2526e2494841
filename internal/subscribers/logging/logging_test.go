package logging

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"crabstack.local/projects/crab-cut/internal/subscribers"
)

func TestSubscriberHandle(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	s := New(zap.New(core))

	event := subscribers.Event{EventID: "evt_1", EventType: subscribers.EventTypeTurnCompleted, SessionID: "s1", Turn: 2}
	if err := s.Handle(context.Background(), event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Name() != "logging" {
		t.Fatalf("unexpected name: %s", s.Name())
	}
	entries := logs.FilterField(zap.String("event_id", "evt_1")).All()
	if len(entries) != 1 {
		t.Fatalf("expected one log entry with event id, got %d", len(entries))
	}
	if got := entries[0].ContextMap()["event_type"]; got != "turn.completed" {
		t.Fatalf("unexpected event_type field: %v", got)
	}
}

func TestSubscriberNilLogger(t *testing.T) {
	if err := New(nil).Handle(context.Background(), subscribers.Event{EventID: "evt_2"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
