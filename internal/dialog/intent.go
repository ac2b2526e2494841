package dialog

import (
	"context"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"crabstack.local/projects/crab-cut/internal/ids"
	"crabstack.local/projects/crab-cut/internal/model"
	"crabstack.local/projects/crab-cut/internal/session"
)

const (
	intentHistory  = 5
	fallbackReply  = "How can I help with your edit?"
	intentRouterV1 = "You are the router of a video editing assistant for Adobe Premiere Pro. " +
		"Decide which tools the editor must prepare context for before the request can be handled.\n" +
		"Available tools:\n%s\n" +
		"Answer with a JSON object only: {\"required_tools\": [tool names], \"immediate_reply\": string or null}. " +
		"When no tool is needed, leave required_tools empty and put a short answer in immediate_reply. " +
		"When tools are needed, immediate_reply must be null."
)

// IntentResult tells the editor plugin which context to gather. ImmediateReply
// is nil exactly when RequiredTools is non-empty.
type IntentResult struct {
	SessionID      string   `json:"session_id"`
	RequiredTools  []string `json:"required_tools"`
	ImmediateReply *string  `json:"immediate_reply"`
}

// Intent classifies a message without changing the session.
func (c *Controller) Intent(ctx context.Context, sessionID, message string) (IntentResult, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		sessionID = ids.NewSession()
	}
	if strings.TrimSpace(message) == "" {
		return IntentResult{SessionID: sessionID}, ErrEmptyMessage
	}
	if c.provider == nil {
		return IntentResult{SessionID: sessionID}, ErrNoProvider
	}

	state, err := c.store.Get(ctx, sessionID)
	if err != nil {
		return IntentResult{}, fmt.Errorf("load session: %w", err)
	}
	recent := state.Messages
	if len(recent) > intentHistory {
		recent = recent[len(recent)-intentHistory:]
	}
	history := make([]session.Message, 0, len(recent))
	for _, msg := range recent {
		if msg.Role == session.RoleHuman || (msg.Role == session.RoleAssistant && msg.Content != "") {
			history = append(history, session.Message{Role: msg.Role, Content: msg.Content})
		}
	}
	messages := buildModelMessages(state.Summary, history)
	messages = append(messages, model.Message{Role: model.RoleUser, Content: message})

	resp, err := c.provider.Complete(ctx, model.CompletionRequest{
		Model:        c.modelName,
		SystemPrompt: c.routerPrompt(),
		Messages:     messages,
		MaxTokens:    c.maxTokens,
		Temperature:  c.temperature,
	})
	if err != nil {
		return IntentResult{}, fmt.Errorf("intent: %w", err)
	}

	result := parseIntent(resp.Content, c.tools.Has)
	result.SessionID = sessionID
	c.logger.Debug("intent resolved",
		zap.String("session_id", sessionID),
		zap.Strings("required_tools", result.RequiredTools),
	)
	return result, nil
}

func (c *Controller) routerPrompt() string {
	var b strings.Builder
	for _, def := range c.tools.Definitions() {
		b.WriteString("- ")
		b.WriteString(def.Name)
		b.WriteString(": ")
		b.WriteString(def.Description)
		b.WriteString("\n")
	}
	return fmt.Sprintf(intentRouterV1, b.String())
}

// parseIntent reads the router's answer. Unknown tools are dropped and
// duplicates collapsed in order; an unparseable answer is treated as a reply.
func parseIntent(content string, known func(string) bool) IntentResult {
	text := stripCodeFence(content)
	result := IntentResult{RequiredTools: []string{}}

	if !gjson.Valid(text) || !gjson.Parse(text).IsObject() {
		reply := strings.TrimSpace(content)
		if reply == "" {
			reply = fallbackReply
		}
		result.ImmediateReply = &reply
		return result
	}

	parsed := gjson.Parse(text)
	seen := map[string]struct{}{}
	addTool := func(name string) {
		name = strings.TrimSpace(name)
		if name == "" || !known(name) {
			return
		}
		if _, dup := seen[name]; dup {
			return
		}
		seen[name] = struct{}{}
		result.RequiredTools = append(result.RequiredTools, name)
	}
	tools := parsed.Get("required_tools")
	if tools.IsArray() {
		for _, item := range tools.Array() {
			addTool(item.String())
		}
	} else if tools.Type == gjson.String {
		addTool(tools.Str)
	}

	if len(result.RequiredTools) > 0 {
		return result
	}
	reply := strings.TrimSpace(parsed.Get("immediate_reply").String())
	if reply == "" {
		reply = fallbackReply
	}
	result.ImmediateReply = &reply
	return result
}

func stripCodeFence(content string) string {
	content = strings.TrimSpace(content)
	if _, after, ok := strings.Cut(content, "```json"); ok {
		inner, _, _ := strings.Cut(after, "```")
		return strings.TrimSpace(inner)
	}
	if _, after, ok := strings.Cut(content, "```"); ok {
		inner, _, _ := strings.Cut(after, "```")
		return strings.TrimSpace(inner)
	}
	return content
}
