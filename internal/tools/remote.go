package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"crabstack.local/projects/crab-cut/internal/media"
	"crabstack.local/projects/crab-cut/internal/model"
	"crabstack.local/projects/crab-cut/internal/toolclient"
)

const (
	TrimSilence     = "trim_silence"
	CursewordDetect = "curseword_detect"
)

// Remote is an audio tool served by a tool host.
type Remote struct {
	name        string
	description string
	client      *toolclient.Client
	logger      *zap.Logger
}

func NewRemote(name, description string, client *toolclient.Client, logger *zap.Logger) *Remote {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Remote{name: name, description: description, client: client, logger: logger}
}

func NewTrimSilence(client *toolclient.Client, logger *zap.Logger) *Remote {
	return NewRemote(TrimSilence,
		"Analyzes an audio file to detect silent sections. Call this when the user asks to remove silence, "+
			"cut quiet parts, or trim audio. Returns the detected timestamps.",
		client, logger)
}

func NewCursewordDetect(client *toolclient.Client, logger *zap.Logger) *Remote {
	return NewRemote(CursewordDetect,
		"Transcribes an audio file and marks every profane word with a timeline marker. "+
			"Call this when the user asks to find, bleep or flag swearing.",
		client, logger)
}

func (r *Remote) ActionType() string {
	return r.name
}

func (r *Remote) Definition() model.ToolDefinition {
	return model.ToolDefinition{
		Name:        r.name,
		Description: r.description,
		InputSchema: objectSchema(map[string]any{
			"audio_path": map[string]any{"type": "string", "description": "Absolute path of the audio file."},
		}, "audio_path"),
	}
}

func (r *Remote) Call(ctx context.Context, cc CallContext, inv Invocation) (json.RawMessage, error) {
	audioPath := strings.TrimSpace(textArg(inv.Arguments, "audio_path"))
	if audioPath == "" {
		audioPath = strings.TrimSpace(cc.AudioPath)
	}
	if !media.Exists(audioPath) {
		return ErrorPayload(r.name, "File not found at path."), nil
	}
	if r.client == nil || !r.client.Has(r.name) {
		return ErrorPayload(r.name, fmt.Sprintf("no tool host serves %s", r.name)), nil
	}

	args, err := sjson.SetBytes([]byte(`{}`), "audio_path", audioPath)
	if err != nil {
		return nil, fmt.Errorf("encode %s args: %w", r.name, err)
	}
	resp, err := r.client.Call(ctx, toolclient.CallRequest{
		CallID:   inv.ID,
		ToolName: r.name,
		Args:     args,
		Context: toolclient.CallContext{
			SessionID:     cc.SessionID,
			RequestOrigin: "agent_turn",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", r.name, err)
	}
	if !resp.OK() {
		message := string(resp.Status)
		if resp.Error != nil && resp.Error.Message != "" {
			message = resp.Error.Message
		}
		r.logger.Warn("tool host reported failure",
			zap.String("tool_name", r.name),
			zap.String("tool_call_id", inv.ID),
			zap.String("status", string(resp.Status)),
		)
		return ErrorPayload(r.name, message), nil
	}
	return Stamp(resp.Result, r.name)
}
