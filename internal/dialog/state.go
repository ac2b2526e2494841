// Package dialog runs one conversational turn: the model is called, the tools
// it asks for are executed, and the session is compacted when it grows too
// long. A turn's writes are committed to the session store all at once.
package dialog

import "crabstack.local/projects/crab-cut/internal/session"

type State string

const (
	StateAgent     State = "AGENT"
	StateTools     State = "TOOLS"
	StateSummarize State = "SUMMARIZE"
	StateEnd       State = "END"
)

// Next decides where the turn goes after the model has answered. Pending tool
// calls win over summarization.
func Next(live []session.Message, summaryThreshold int) State {
	if len(live) == 0 {
		return StateEnd
	}
	last := live[len(live)-1]
	if last.Role == session.RoleAssistant && len(last.ToolCalls) > 0 {
		return StateTools
	}
	if len(live) > summaryThreshold {
		return StateSummarize
	}
	return StateEnd
}
