// Package reconcile turns the tool results of one turn into host commands.
package reconcile

import (
	"encoding/json"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"crabstack.local/projects/crab-cut/internal/session"
)

const (
	ActionTrimSilence     = "trim_silence"
	ActionAddTransition   = "add_transition"
	ActionCursewordDetect = "curseword_detect"
)

// DefaultActions are the action types the host plugin executes.
var DefaultActions = []string{ActionTrimSilence, ActionAddTransition, ActionCursewordDetect}

type Command struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload"`
}

type Reconciler struct {
	logger  *zap.Logger
	actions map[string]struct{}
}

// New builds a Reconciler that accepts the given action types, or
// DefaultActions when none are given.
func New(logger *zap.Logger, actions ...string) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(actions) == 0 {
		actions = DefaultActions
	}
	set := make(map[string]struct{}, len(actions))
	for _, action := range actions {
		set[action] = struct{}{}
	}
	return &Reconciler{logger: logger, actions: set}
}

// Reconcile uses the turn tags when the trace carries them for turn and falls
// back to the human-message boundary otherwise.
func (r *Reconciler) Reconcile(messages []session.Message, turn int64) []Command {
	if turn > 0 {
		for i := len(messages) - 1; i >= 0; i-- {
			if messages[i].Turn == turn {
				return r.ForTurn(messages, turn)
			}
		}
	}
	return r.Latest(messages)
}

// Latest scans backwards from the end of the trace to the most recent human
// message. Without a human message the whole trace is scanned. For each
// action type only the latest result is kept; the output is ordered latest
// first.
func (r *Reconciler) Latest(messages []session.Message) []Command {
	collector := r.newCollector()
	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		if msg.Role == session.RoleHuman {
			break
		}
		collector.add(msg)
	}
	return collector.commands
}

// ForTurn considers only messages tagged with turn, regardless of where
// human messages sit.
func (r *Reconciler) ForTurn(messages []session.Message, turn int64) []Command {
	collector := r.newCollector()
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Turn != turn {
			continue
		}
		collector.add(messages[i])
	}
	return collector.commands
}

type collector struct {
	r        *Reconciler
	seen     map[string]struct{}
	commands []Command
}

func (r *Reconciler) newCollector() *collector {
	return &collector{r: r, seen: make(map[string]struct{}), commands: []Command{}}
}

func (c *collector) add(msg session.Message) {
	if msg.Role != session.RoleTool {
		return
	}
	logger := c.r.logger.With(zap.String("tool_call_id", msg.ToolCallID), zap.String("tool_name", msg.ToolName))

	if !gjson.Valid(msg.Content) {
		logger.Debug("dropping malformed tool result")
		return
	}
	payload := gjson.Parse(msg.Content)
	if !payload.IsObject() {
		logger.Debug("dropping non-object tool result")
		return
	}

	action := payload.Get("action_type").String()
	if action == "" {
		action = msg.ActionType
	}
	if action == "" {
		logger.Debug("dropping tool result without action type")
		return
	}
	if _, ok := c.r.actions[action]; !ok {
		logger.Debug("dropping unknown action type", zap.String("action", action))
		return
	}
	if payload.Get("status").String() == "error" || payload.Get("error").String() != "" {
		logger.Debug("dropping failed tool result", zap.String("action", action))
		return
	}
	if _, dup := c.seen[action]; dup {
		logger.Debug("dropping superseded tool result", zap.String("action", action))
		return
	}
	c.seen[action] = struct{}{}
	c.commands = append(c.commands, Command{Action: action, Payload: json.RawMessage(msg.Content)})
}
