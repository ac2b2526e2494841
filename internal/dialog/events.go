package dialog

import (
	"time"

	"crabstack.local/projects/crab-cut/internal/ids"
	"crabstack.local/projects/crab-cut/internal/subscribers"
)

type eventDraft struct {
	eventType subscribers.EventType
	sessionID string
	turn      int64
	payload   map[string]any
}

func (e eventDraft) build() subscribers.Event {
	return subscribers.Event{
		Version:    subscribers.EventVersion,
		EventID:    ids.New(),
		EventType:  e.eventType,
		OccurredAt: time.Now().UTC(),
		SessionID:  e.sessionID,
		Turn:       e.turn,
		Payload:    e.payload,
	}
}

func eventTurnStarted(in TurnInput, turn int64) eventDraft {
	return eventDraft{
		eventType: subscribers.EventTypeTurnStarted,
		sessionID: in.SessionID,
		turn:      turn,
		payload: map[string]any{
			"has_audio":  in.AudioPath != "",
			"has_frames": in.ImagePaths != "",
		},
	}
}

func eventTurnCompleted(result TurnResult) eventDraft {
	actions := make([]string, 0, len(result.Commands))
	for _, cmd := range result.Commands {
		actions = append(actions, cmd.Action)
	}
	return eventDraft{
		eventType: subscribers.EventTypeTurnCompleted,
		sessionID: result.SessionID,
		turn:      result.Turn,
		payload: map[string]any{
			"commands":   actions,
			"summarized": result.Summarized,
		},
	}
}

func eventTurnFailed(sessionID string, turn int64, err error) eventDraft {
	return eventDraft{
		eventType: subscribers.EventTypeTurnFailed,
		sessionID: sessionID,
		turn:      turn,
		payload:   map[string]any{"error": err.Error()},
	}
}
