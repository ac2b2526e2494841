// Package tools holds the editing tools the model may invoke during a turn.
// Every tool answers with a JSON payload tagged with its action type; input
// problems are reported inside the payload, collaborator failures as errors.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"crabstack.local/projects/crab-cut/internal/model"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// CallContext is the per-turn media context gathered by the editor plugin.
type CallContext struct {
	SessionID  string
	Turn       int64
	AudioPath  string
	ImagePaths string
}

type Invocation struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

type Tool interface {
	Definition() model.ToolDefinition
	ActionType() string
	Call(ctx context.Context, cc CallContext, inv Invocation) (json.RawMessage, error)
}

type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	for _, tool := range tools {
		r.Register(tool)
	}
	return r
}

func (r *Registry) Register(tool Tool) {
	if tool == nil {
		return
	}
	name := strings.TrimSpace(tool.Definition().Name)
	if name == "" {
		return
	}
	r.mu.Lock()
	r.tools[name] = tool
	r.mu.Unlock()
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[strings.TrimSpace(name)]
	return ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the tool schemas bound to the model, sorted by name.
func (r *Registry) Definitions() []model.ToolDefinition {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]model.ToolDefinition, 0, len(names))
	for _, name := range names {
		defs = append(defs, r.tools[name].Definition())
	}
	return defs
}

// Execute runs one invocation and returns its payload and action type. An
// unknown tool name yields an error payload, not an error.
func (r *Registry) Execute(ctx context.Context, cc CallContext, inv Invocation) (json.RawMessage, string, error) {
	r.mu.RLock()
	tool, ok := r.tools[strings.TrimSpace(inv.Name)]
	r.mu.RUnlock()
	if !ok {
		return ErrorPayload(inv.Name, fmt.Sprintf("unknown tool %q", inv.Name)), inv.Name, nil
	}

	payload, err := tool.Call(ctx, cc, inv)
	if err != nil {
		return nil, tool.ActionType(), err
	}
	action := gjson.GetBytes(payload, "action_type").String()
	if action == "" {
		action = tool.ActionType()
	}
	return payload, action, nil
}

// ErrorPayload builds {"status":"error","action_type":...,"error":...}.
func ErrorPayload(actionType, message string) json.RawMessage {
	payload := []byte(`{}`)
	payload, _ = sjson.SetBytes(payload, "status", StatusError)
	payload, _ = sjson.SetBytes(payload, "action_type", actionType)
	payload, _ = sjson.SetBytes(payload, "error", message)
	return payload
}

// Stamp tags payload with actionType. Non-object payloads are wrapped under
// "result"; a missing status defaults to success.
func Stamp(payload json.RawMessage, actionType string) (json.RawMessage, error) {
	parsed := gjson.ParseBytes(payload)
	out := []byte(`{}`)
	var err error
	switch {
	case len(strings.TrimSpace(string(payload))) == 0:
	case !gjson.ValidBytes(payload):
		return nil, fmt.Errorf("tool result is not valid json")
	case parsed.IsObject():
		out = append([]byte(nil), payload...)
	default:
		if out, err = sjson.SetRawBytes(out, "result", payload); err != nil {
			return nil, err
		}
	}
	if out, err = sjson.SetBytes(out, "action_type", actionType); err != nil {
		return nil, err
	}
	if !gjson.GetBytes(out, "status").Exists() {
		if out, err = sjson.SetBytes(out, "status", StatusSuccess); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// textArg reads a tool argument that should be text. Models sometimes send
// the JSON value itself instead of its string encoding; that is returned raw.
func textArg(args json.RawMessage, key string) string {
	value := gjson.GetBytes(args, key)
	switch value.Type {
	case gjson.Null:
		return ""
	case gjson.String:
		return value.Str
	default:
		return value.Raw
	}
}

func objectSchema(properties map[string]any, required ...string) json.RawMessage {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	encoded, _ := json.Marshal(schema)
	return encoded
}
