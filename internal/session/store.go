package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"crabstack.local/projects/crab-cut/internal/ids"
)

var ErrNotFound = errors.New("not found")

// Store persists session state. Commit is the only write path that advances
// the turn counter; Append and Replace are single-purpose commits.
type Store interface {
	Get(ctx context.Context, sessionID string) (State, error)
	Append(ctx context.Context, sessionID string, messages ...Message) (State, error)
	Replace(ctx context.Context, sessionID string, summary string, removeIDs []string) (State, error)
	Commit(ctx context.Context, sessionID string, delta Delta) (State, error)
	Close() error
}

// Lookup is Get for callers that need to tell an unseen session apart.
func Lookup(ctx context.Context, store Store, sessionID string) (State, error) {
	state, err := store.Get(ctx, sessionID)
	if err != nil {
		return State{}, err
	}
	if !state.Exists() {
		return State{}, ErrNotFound
	}
	return state, nil
}

func validateSessionID(sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("session_id is required")
	}
	return nil
}

// stampMessages fills ids, turn tags, positions and timestamps for messages
// about to be stored.
func stampMessages(messages []Message, turn, nextPosition int64, now time.Time) ([]Message, int64) {
	out := make([]Message, 0, len(messages))
	for _, msg := range messages {
		if msg.ID == "" {
			msg.ID = ids.New()
		}
		if msg.Turn == 0 {
			msg.Turn = turn
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = now
		}
		msg.Position = nextPosition
		nextPosition++
		out = append(out, msg)
	}
	return out, nextPosition
}
