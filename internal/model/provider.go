package model

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// ErrEmptyResponse is returned when the model answered with neither text nor
// tool calls. It is distinct from transport and API errors.
var ErrEmptyResponse = errors.New("model returned an empty response")

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

const (
	BlockText       = "text"
	BlockImage      = "image"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
}

// CompletionRequest is tool-bound when Tools is non-empty.
type CompletionRequest struct {
	Model        string
	Messages     []Message
	Tools        []ToolDefinition
	MaxTokens    int
	Temperature  float64
	SystemPrompt string
}

type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type ContentBlock struct {
	Type      string
	Text      string
	ImageURL  string
	ID        string
	Name      string
	Input     json.RawMessage
	ToolUseID string
	Content   string
	IsError   bool
}

type Message struct {
	Role    Role           `json:"role"`
	Content string         `json:"content"`
	Blocks  []ContentBlock `json:"blocks,omitempty"`
}

type CompletionResponse struct {
	Content    string
	Blocks     []ContentBlock
	Usage      Usage
	Model      string
	StopReason string
}

// ToolUses returns the tool_use blocks of the response in order.
func (r CompletionResponse) ToolUses() []ContentBlock {
	out := make([]ContentBlock, 0, len(r.Blocks))
	for _, block := range r.Blocks {
		if block.Type == BlockToolUse {
			out = append(out, block)
		}
	}
	return out
}

type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

func textOf(blocks []ContentBlock) string {
	var builder strings.Builder
	for _, block := range blocks {
		if block.Type == BlockText {
			builder.WriteString(block.Text)
		}
	}
	return builder.String()
}

func hasToolUseBlock(blocks []ContentBlock) bool {
	for _, block := range blocks {
		if block.Type == BlockToolUse {
			return true
		}
	}
	return false
}

func cloneRawMessageOrObject(raw json.RawMessage) json.RawMessage {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || !json.Valid([]byte(trimmed)) {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return json.RawMessage(trimmed)
}
