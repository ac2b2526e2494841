package session

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*memorySession
	closed   bool
}

type memorySession struct {
	messages     []Message
	summary      string
	turn         int64
	nextPosition int64
	updatedAt    time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*memorySession)}
}

func (s *MemoryStore) Get(_ context.Context, sessionID string) (State, error) {
	if err := validateSessionID(sessionID); err != nil {
		return State{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return State{}, fmt.Errorf("memory store is closed")
	}

	sess, ok := s.sessions[sessionID]
	if !ok {
		return State{SessionID: sessionID, Messages: []Message{}}, nil
	}
	return sess.snapshot(sessionID), nil
}

func (s *MemoryStore) Append(ctx context.Context, sessionID string, messages ...Message) (State, error) {
	return s.Commit(ctx, sessionID, Delta{Messages: messages})
}

func (s *MemoryStore) Replace(ctx context.Context, sessionID string, summary string, removeIDs []string) (State, error) {
	return s.Commit(ctx, sessionID, Delta{Summary: &summary, Remove: removeIDs})
}

func (s *MemoryStore) Commit(ctx context.Context, sessionID string, delta Delta) (State, error) {
	if err := validateSessionID(sessionID); err != nil {
		return State{}, err
	}
	if err := ctx.Err(); err != nil {
		return State{}, err
	}
	appends, removes := delta.split()
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return State{}, fmt.Errorf("memory store is closed")
	}

	sess, ok := s.sessions[sessionID]
	if !ok {
		sess = &memorySession{}
		s.sessions[sessionID] = sess
	}

	sess.turn++
	stamped, next := stampMessages(appends, sess.turn, sess.nextPosition, now)
	sess.nextPosition = next

	kept := make([]Message, 0, len(sess.messages)+len(stamped))
	for _, msg := range sess.messages {
		if _, drop := removes[msg.ID]; !drop {
			kept = append(kept, msg)
		}
	}
	for _, msg := range stamped {
		if _, drop := removes[msg.ID]; !drop {
			kept = append(kept, msg)
		}
	}
	sess.messages = kept
	if delta.Summary != nil {
		sess.summary = *delta.Summary
	}
	sess.updatedAt = now
	return sess.snapshot(sessionID), nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (m *memorySession) snapshot(sessionID string) State {
	messages := make([]Message, len(m.messages))
	for i, msg := range m.messages {
		messages[i] = cloneMessage(msg)
	}
	return State{
		SessionID: sessionID,
		Messages:  messages,
		Summary:   m.summary,
		Turn:      m.turn,
		UpdatedAt: m.updatedAt,
	}
}

func cloneMessage(msg Message) Message {
	out := msg
	if msg.Blocks != nil {
		out.Blocks = append([]ContentBlock(nil), msg.Blocks...)
	}
	if msg.ToolCalls != nil {
		out.ToolCalls = make([]ToolCall, len(msg.ToolCalls))
		for i, call := range msg.ToolCalls {
			call.Arguments = append([]byte(nil), call.Arguments...)
			out.ToolCalls[i] = call
		}
	}
	return out
}
