package dialog

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"crabstack.local/projects/crab-cut/internal/model"
	"crabstack.local/projects/crab-cut/internal/session"
)

const summaryPrefix = "Previous conversation summary: "

// buildModelMessages renders the summary and live window for the model.
// Consecutive tool results become one user message of tool_result blocks.
// A tool result whose call is not in the window is dropped; the model APIs
// reject a tool_result without its tool_use.
func buildModelMessages(summary string, live []session.Message) []model.Message {
	out := make([]model.Message, 0, len(live)+1)
	calls := make(map[string]struct{})
	if strings.TrimSpace(summary) != "" {
		out = append(out, model.Message{Role: model.RoleSystem, Content: summaryPrefix + summary})
	}

	for _, msg := range live {
		switch msg.Role {
		case session.RoleSystem:
			out = append(out, model.Message{Role: model.RoleSystem, Content: msg.Content})
		case session.RoleHuman:
			out = append(out, model.Message{Role: model.RoleUser, Content: msg.Content, Blocks: humanBlocks(msg)})
		case session.RoleAssistant:
			for _, call := range msg.ToolCalls {
				calls[call.ID] = struct{}{}
			}
			out = append(out, assistantModelMessage(msg))
		case session.RoleTool:
			if _, ok := calls[msg.ToolCallID]; !ok {
				continue
			}
			block := model.ContentBlock{
				Type:      model.BlockToolResult,
				ToolUseID: msg.ToolCallID,
				Content:   msg.Content,
				IsError:   gjson.Get(msg.Content, "status").String() == "error",
			}
			if n := len(out); n > 0 && isToolResultMessage(out[n-1]) {
				out[n-1].Blocks = append(out[n-1].Blocks, block)
				continue
			}
			out = append(out, model.Message{Role: model.RoleUser, Blocks: []model.ContentBlock{block}})
		}
	}
	return out
}

func humanBlocks(msg session.Message) []model.ContentBlock {
	if len(msg.Blocks) == 0 {
		return nil
	}
	blocks := make([]model.ContentBlock, 0, len(msg.Blocks))
	for _, block := range msg.Blocks {
		switch block.Type {
		case model.BlockImage:
			blocks = append(blocks, model.ContentBlock{Type: model.BlockImage, ImageURL: block.ImageURL})
		default:
			blocks = append(blocks, model.ContentBlock{Type: model.BlockText, Text: block.Text})
		}
	}
	return blocks
}

func assistantModelMessage(msg session.Message) model.Message {
	out := model.Message{Role: model.RoleAssistant, Content: msg.Content}
	if len(msg.ToolCalls) == 0 {
		return out
	}
	if msg.Content != "" {
		out.Blocks = append(out.Blocks, model.ContentBlock{Type: model.BlockText, Text: msg.Content})
	}
	for _, call := range msg.ToolCalls {
		input := call.Arguments
		if len(input) == 0 || !json.Valid(input) {
			input = json.RawMessage(`{}`)
		}
		out.Blocks = append(out.Blocks, model.ContentBlock{
			Type:  model.BlockToolUse,
			ID:    call.ID,
			Name:  call.Name,
			Input: input,
		})
	}
	return out
}

func isToolResultMessage(msg model.Message) bool {
	if msg.Role != model.RoleUser || len(msg.Blocks) == 0 {
		return false
	}
	for _, block := range msg.Blocks {
		if block.Type != model.BlockToolResult {
			return false
		}
	}
	return true
}

// humanContent appends the media context lines the editor plugin gathered.
func humanContent(in TurnInput) string {
	var b strings.Builder
	b.WriteString(in.Message)
	if path := strings.TrimSpace(in.AudioPath); path != "" {
		b.WriteString("\n[Context] Audio Path: ")
		b.WriteString(path)
	}
	if frames := strings.TrimSpace(in.ImagePaths); frames != "" {
		b.WriteString("\n[Context] Clip Frames: ")
		b.WriteString(frames)
	}
	return b.String()
}

func transcriptLine(msg session.Message) string {
	switch msg.Role {
	case session.RoleTool:
		return "tool(" + msg.ToolName + "): " + msg.Content
	case session.RoleAssistant:
		if len(msg.ToolCalls) > 0 {
			names := make([]string, 0, len(msg.ToolCalls))
			for _, call := range msg.ToolCalls {
				names = append(names, call.Name)
			}
			return "assistant: " + msg.Content + " [called " + strings.Join(names, ", ") + "]"
		}
	}
	return string(msg.Role) + ": " + msg.Content
}
