package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"crabstack.local/projects/crab-cut/internal/argrepair"
	"crabstack.local/projects/crab-cut/internal/media"
	"crabstack.local/projects/crab-cut/internal/model"
	"crabstack.local/projects/crab-cut/internal/transition"
)

const addTransitionDescription = "Generates a sequence of transitions, one per cut between consecutive clips, " +
	"with a specific vibe and duration for each cut. " +
	"target_vibes_json is a JSON string list of vibe descriptions (e.g. '[\"glitch\", \"dissolve\"]'). " +
	"durations_json is a JSON string list of seconds (e.g. '[0.5, 1.5]'). " +
	"img_paths_json is the JSON string of the list of clips, each a list of frame paths."

type AddTransition struct {
	sequencer *transition.Sequencer
	waiter    *media.Waiter
	logger    *zap.Logger
}

// NewAddTransition builds the local transition tool. waiter may be nil.
func NewAddTransition(sequencer *transition.Sequencer, waiter *media.Waiter, logger *zap.Logger) *AddTransition {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AddTransition{sequencer: sequencer, waiter: waiter, logger: logger}
}

func (t *AddTransition) ActionType() string {
	return transition.ActionType
}

func (t *AddTransition) Definition() model.ToolDefinition {
	return model.ToolDefinition{
		Name:        transition.ActionType,
		Description: addTransitionDescription,
		InputSchema: objectSchema(map[string]any{
			"target_vibes_json": map[string]any{"type": "string", "description": "JSON list of vibe strings, one per cut."},
			"durations_json":    map[string]any{"type": "string", "description": "JSON list of durations in seconds, one per cut."},
			"img_paths_json":    map[string]any{"type": "string", "description": "JSON list of clips, each a list of frame paths."},
		}, "target_vibes_json", "durations_json"),
	}
}

func (t *AddTransition) Call(ctx context.Context, cc CallContext, inv Invocation) (json.RawMessage, error) {
	req := transition.Request{
		Descriptors: textArg(inv.Arguments, "target_vibes_json"),
		Durations:   textArg(inv.Arguments, "durations_json"),
		Clips:       textArg(inv.Arguments, "img_paths_json"),
	}
	if strings.TrimSpace(req.Clips) == "" {
		req.Clips = cc.ImagePaths
	}

	if t.waiter != nil {
		if frames := boundaryFrames(argrepair.Parse(req.Clips).Groups()); len(frames) > 0 {
			if err := t.waiter.Wait(ctx, frames...); err != nil {
				t.logger.Warn("transition frames unavailable", zap.String("session_id", cc.SessionID), zap.Error(err))
				return ErrorPayload(t.ActionType(), err.Error()), nil
			}
		}
	}

	result, err := t.sequencer.Sequence(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("add_transition: %w", err)
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode transition result: %w", err)
	}
	return encoded, nil
}

// boundaryFrames lists the frames adjacent to each cut.
func boundaryFrames(groups [][]string) []string {
	if len(groups) < 2 {
		return nil
	}
	var frames []string
	for i, group := range groups {
		if len(group) == 0 {
			continue
		}
		if i > 0 {
			frames = append(frames, group[0])
		}
		if i < len(groups)-1 && (i == 0 || len(group) > 1) {
			frames = append(frames, group[len(group)-1])
		}
	}
	return frames
}
