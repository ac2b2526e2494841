package dialog

import (
	"context"
	"fmt"
	"strings"

	"crabstack.local/projects/crab-cut/internal/model"
	"crabstack.local/projects/crab-cut/internal/session"
)

const keepRecent = 2

const summarizePrompt = "You maintain the running summary of a conversation between a video editor and their " +
	"editing assistant. Merge the existing summary with the new messages into one concise summary. " +
	"Keep the edits that were requested or applied, file paths, clip and transition choices and open questions. " +
	"Answer with the summary text only."

// foldable returns the messages a summarization folds away: everything but
// the most recent two. The session's system prompt is never folded; it carries
// the editing instructions and always stays first in the window. The boundary
// moves back so kept tool results stay behind the assistant message that
// requested them, and behind the human message that started that call.
func foldable(live []session.Message) []session.Message {
	if len(live) <= keepRecent {
		return nil
	}
	cut := len(live) - keepRecent
	for cut > 0 && live[cut].Role == session.RoleTool {
		cut--
	}
	if cut > 0 && len(live[cut].ToolCalls) > 0 && live[cut-1].Role == session.RoleHuman {
		cut--
	}
	out := make([]session.Message, 0, cut)
	for _, msg := range live[:cut] {
		if msg.Role == session.RoleSystem {
			continue
		}
		out = append(out, msg)
	}
	return out
}

// summarize folds old messages into the summary with a plain completion. It
// returns no folded messages when there is nothing to fold.
func (c *Controller) summarize(ctx context.Context, previous string, live []session.Message) ([]session.Message, string, error) {
	folded := foldable(live)
	if len(folded) == 0 {
		return nil, "", nil
	}

	var b strings.Builder
	if strings.TrimSpace(previous) != "" {
		b.WriteString("Existing summary:\n")
		b.WriteString(previous)
		b.WriteString("\n\n")
	}
	b.WriteString("New messages:\n")
	for _, msg := range folded {
		b.WriteString(transcriptLine(msg))
		b.WriteString("\n")
	}

	resp, err := c.provider.Complete(ctx, model.CompletionRequest{
		Model:        c.modelName,
		SystemPrompt: summarizePrompt,
		Messages:     []model.Message{{Role: model.RoleUser, Content: b.String()}},
		MaxTokens:    c.maxTokens,
		Temperature:  c.temperature,
	})
	if err != nil {
		return nil, "", fmt.Errorf("summarize: %w", err)
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return nil, "", fmt.Errorf("summarize: %w", model.ErrEmptyResponse)
	}
	return folded, text, nil
}
