package reconcile

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"crabstack.local/projects/crab-cut/internal/session"
)

func toolResult(turn int64, callID, action, extra string) session.Message {
	payload := `{"action_type":"` + action + `","call":"` + callID + `"` + extra + `}`
	return session.Message{Role: session.RoleTool, ToolCallID: callID, ToolName: action, Content: payload, Turn: turn}
}

func human(turn int64, text string) session.Message {
	return session.Message{Role: session.RoleHuman, Content: text, Turn: turn}
}

func actions(cmds []Command) []string {
	out := make([]string, 0, len(cmds))
	for _, cmd := range cmds {
		out = append(out, cmd.Action)
	}
	return out
}

func TestLatestStopsAtHumanBoundary(t *testing.T) {
	r := New(zaptest.NewLogger(t))
	trace := []session.Message{
		human(1, "first"),
		toolResult(1, "a", ActionTrimSilence, ""),
		toolResult(1, "b", ActionAddTransition, ""),
		toolResult(1, "a2", ActionTrimSilence, ""),
		human(2, "second"),
		toolResult(2, "c", ActionCursewordDetect, ""),
	}

	got := r.Latest(trace)
	assert.Equal(t, []string{ActionCursewordDetect}, actions(got))
	assert.JSONEq(t, `{"action_type":"curseword_detect","call":"c"}`, string(got[0].Payload))
}

func TestLatestKeepsLatestPerType(t *testing.T) {
	r := New(nil)
	trace := []session.Message{
		human(1, "do everything"),
		toolResult(1, "a", ActionTrimSilence, ""),
		toolResult(1, "b", ActionAddTransition, ""),
		toolResult(1, "a2", ActionTrimSilence, ""),
		{Role: session.RoleAssistant, Content: "done", Turn: 1},
	}

	got := r.Latest(trace)
	want := []Command{
		{Action: ActionTrimSilence, Payload: json.RawMessage(`{"action_type":"trim_silence","call":"a2"}`)},
		{Action: ActionAddTransition, Payload: json.RawMessage(`{"action_type":"add_transition","call":"b"}`)},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("commands mismatch (-want +got):\n%s", diff)
	}
}

func TestLatestWithoutHumanScansToStart(t *testing.T) {
	r := New(nil)
	trace := []session.Message{
		{Role: session.RoleSystem, Content: "priming"},
		toolResult(0, "a", ActionTrimSilence, ""),
		toolResult(0, "b", ActionAddTransition, ""),
	}
	assert.Equal(t, []string{ActionAddTransition, ActionTrimSilence}, actions(r.Latest(trace)))
}

func TestDropsMalformedUnknownAndFailed(t *testing.T) {
	r := New(zaptest.NewLogger(t))
	trace := []session.Message{
		human(1, "go"),
		{Role: session.RoleTool, ToolCallID: "x", Content: "not json"},
		{Role: session.RoleTool, ToolCallID: "y", Content: `{"status":"success"}`},
		{Role: session.RoleTool, ToolCallID: "z", Content: `["list"]`},
		toolResult(1, "u", "explode_timeline", ""),
		toolResult(1, "e", ActionAddTransition, `,"status":"error","error":"Need at least 2 clips"`),
		toolResult(1, "ok", ActionTrimSilence, `,"status":"success"`),
	}
	assert.Equal(t, []string{ActionTrimSilence}, actions(r.Latest(trace)))
}

func TestMessageActionTagIsFallback(t *testing.T) {
	r := New(nil)
	trace := []session.Message{
		human(1, "go"),
		{Role: session.RoleTool, ActionType: ActionCursewordDetect, Content: `{"markers":[]}`, Turn: 1},
	}
	assert.Equal(t, []string{ActionCursewordDetect}, actions(r.Latest(trace)))
}

func TestForTurnIgnoresOtherTurns(t *testing.T) {
	r := New(nil)
	// a human message injected mid-turn does not hide earlier results of the
	// same turn
	trace := []session.Message{
		human(1, "old"),
		toolResult(1, "a", ActionTrimSilence, ""),
		human(2, "new"),
		toolResult(2, "b", ActionAddTransition, ""),
		human(2, "and also"),
		toolResult(2, "c", ActionCursewordDetect, ""),
	}
	assert.Equal(t, []string{ActionCursewordDetect, ActionAddTransition}, actions(r.ForTurn(trace, 2)))
	assert.Equal(t, []string{ActionCursewordDetect}, actions(r.Reconcile(trace, 0)))
	assert.Equal(t, []string{ActionCursewordDetect, ActionAddTransition}, actions(r.Reconcile(trace, 2)))
	assert.Equal(t, []string{ActionCursewordDetect}, actions(r.Reconcile(trace, 9)))
}

func TestCustomActionSet(t *testing.T) {
	r := New(nil, "color_grade")
	trace := []session.Message{
		toolResult(0, "a", "color_grade", ""),
		toolResult(0, "b", ActionTrimSilence, ""),
	}
	assert.Equal(t, []string{"color_grade"}, actions(r.Latest(trace)))
}

func TestEmptyTraceYieldsEmptyList(t *testing.T) {
	got := New(nil).Latest(nil)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}
