package session

import (
	"encoding/json"
	"time"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleHuman     Role = "human"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleRemove    Role = "remove"
)

// ContentBlock is one part of a multimodal message.
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// ToolCall is a pending tool invocation requested by an assistant message.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type Message struct {
	ID         string         `json:"id"`
	Role       Role           `json:"role"`
	Content    string         `json:"content"`
	Blocks     []ContentBlock `json:"blocks,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	ActionType string         `json:"action_type,omitempty"`
	// TargetID is the message a RoleRemove marker deletes.
	TargetID  string    `json:"target_id,omitempty"`
	Turn      int64     `json:"turn"`
	Position  int64     `json:"position"`
	CreatedAt time.Time `json:"created_at"`
}

// State is the live window of one session.
type State struct {
	SessionID string    `json:"session_id"`
	Messages  []Message `json:"messages"`
	Summary   string    `json:"summary,omitempty"`
	Turn      int64     `json:"turn"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Exists reports whether at least one turn was committed.
func (s State) Exists() bool {
	return s.Turn > 0
}

// Delta is everything one turn writes. RoleRemove messages in Messages are
// applied as removals and are not stored.
type Delta struct {
	Messages []Message
	Remove   []string
	Summary  *string
}

func (d Delta) split() ([]Message, map[string]struct{}) {
	appends := make([]Message, 0, len(d.Messages))
	removes := make(map[string]struct{}, len(d.Remove))
	for _, id := range d.Remove {
		removes[id] = struct{}{}
	}
	for _, msg := range d.Messages {
		if msg.Role == RoleRemove {
			if msg.TargetID != "" {
				removes[msg.TargetID] = struct{}{}
			}
			continue
		}
		appends = append(appends, msg)
	}
	return appends, removes
}
