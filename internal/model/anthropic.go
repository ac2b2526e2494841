package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

type AnthropicOption func(*AnthropicProvider)

// AnthropicProvider calls the Messages API through the official SDK.
type AnthropicProvider struct {
	apiKey  string
	options []option.RequestOption
	client  anthropic.Client
}

func NewAnthropicProvider(apiKey string, opts ...AnthropicOption) *AnthropicProvider {
	provider := &AnthropicProvider{apiKey: strings.TrimSpace(apiKey)}
	for _, opt := range opts {
		if opt != nil {
			opt(provider)
		}
	}
	requestOptions := append([]option.RequestOption{option.WithAPIKey(provider.apiKey)}, provider.options...)
	provider.client = anthropic.NewClient(requestOptions...)
	return provider
}

func WithAnthropicBaseURL(baseURL string) AnthropicOption {
	return func(p *AnthropicProvider) {
		if trimmed := strings.TrimSpace(baseURL); trimmed != "" {
			p.options = append(p.options, option.WithBaseURL(trimmed))
		}
	}
}

func WithAnthropicHTTPClient(client *http.Client) AnthropicOption {
	return func(p *AnthropicProvider) {
		if client != nil {
			p.options = append(p.options, option.WithHTTPClient(client))
		}
	}
}

func WithAnthropicMaxRetries(retries int) AnthropicOption {
	return func(p *AnthropicProvider) {
		p.options = append(p.options, option.WithMaxRetries(retries))
	}
}

var _ Provider = (*AnthropicProvider)(nil)

func (p *AnthropicProvider) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	if p.apiKey == "" {
		return CompletionResponse{}, errors.New("anthropic api key is required")
	}
	if strings.TrimSpace(req.Model) == "" {
		return CompletionResponse{}, errors.New("model is required")
	}
	if req.MaxTokens <= 0 {
		return CompletionResponse{}, errors.New("max tokens must be greater than zero")
	}

	messages, system, err := buildAnthropicMessages(req)
	if err != nil {
		return CompletionResponse{}, err
	}
	if len(messages) == 0 {
		return CompletionResponse{}, errors.New("at least one message is required")
	}
	tools, err := buildAnthropicTools(req.Tools)
	if err != nil {
		return CompletionResponse{}, err
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(req.Model),
		MaxTokens:   int64(req.MaxTokens),
		Messages:    messages,
		Temperature: anthropic.Float(req.Temperature),
		Tools:       tools,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return CompletionResponse{}, fmt.Errorf("call anthropic api: %w", err)
	}

	blocks := make([]ContentBlock, 0, len(resp.Content))
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			blocks = append(blocks, ContentBlock{Type: BlockText, Text: block.Text})
		case "tool_use":
			input := json.RawMessage(block.Input)
			if len(input) == 0 {
				input = json.RawMessage(`{}`)
			}
			blocks = append(blocks, ContentBlock{Type: BlockToolUse, ID: block.ID, Name: block.Name, Input: input})
		}
	}
	content := textOf(blocks)
	if strings.TrimSpace(content) == "" && !hasToolUseBlock(blocks) {
		return CompletionResponse{}, ErrEmptyResponse
	}

	modelName := string(resp.Model)
	if modelName == "" {
		modelName = req.Model
	}
	return CompletionResponse{
		Content: content,
		Blocks:  blocks,
		Usage: Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
		Model:      modelName,
		StopReason: string(resp.StopReason),
	}, nil
}

// buildAnthropicMessages folds system messages into the system prompt and
// merges consecutive messages of the same role, which the API rejects.
func buildAnthropicMessages(req CompletionRequest) ([]anthropic.MessageParam, string, error) {
	systemParts := make([]string, 0, 2)
	if strings.TrimSpace(req.SystemPrompt) != "" {
		systemParts = append(systemParts, req.SystemPrompt)
	}

	out := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, message := range req.Messages {
		role := Role(strings.ToLower(strings.TrimSpace(string(message.Role))))
		if role == RoleSystem {
			text := message.Content
			if len(message.Blocks) > 0 {
				text = textOf(message.Blocks)
			}
			if strings.TrimSpace(text) != "" {
				systemParts = append(systemParts, text)
			}
			continue
		}

		blocks, err := toAnthropicBlocks(message)
		if err != nil {
			return nil, "", err
		}
		if len(blocks) == 0 {
			continue
		}

		var param anthropic.MessageParam
		switch role {
		case RoleUser:
			param = anthropic.NewUserMessage(blocks...)
		case RoleAssistant:
			param = anthropic.NewAssistantMessage(blocks...)
		default:
			return nil, "", fmt.Errorf("unsupported message role: %s", message.Role)
		}

		if n := len(out); n > 0 && out[n-1].Role == param.Role {
			out[n-1].Content = append(out[n-1].Content, param.Content...)
			continue
		}
		out = append(out, param)
	}
	return out, strings.Join(systemParts, "\n\n"), nil
}

func toAnthropicBlocks(message Message) ([]anthropic.ContentBlockParamUnion, error) {
	if len(message.Blocks) == 0 {
		if strings.TrimSpace(message.Content) == "" {
			return nil, nil
		}
		return []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(message.Content)}, nil
	}

	out := make([]anthropic.ContentBlockParamUnion, 0, len(message.Blocks))
	for _, block := range message.Blocks {
		switch block.Type {
		case BlockText:
			if strings.TrimSpace(block.Text) != "" {
				out = append(out, anthropic.NewTextBlock(block.Text))
			}
		case BlockImage:
			out = append(out, anthropic.NewImageBlock(anthropic.URLImageSourceParam{URL: block.ImageURL}))
		case BlockToolUse:
			input := block.Input
			if len(input) == 0 {
				input = json.RawMessage(`{}`)
			}
			out = append(out, anthropic.NewToolUseBlock(block.ID, input, block.Name))
		case BlockToolResult:
			out = append(out, anthropic.NewToolResultBlock(block.ToolUseID, block.Content, block.IsError))
		default:
			return nil, fmt.Errorf("unsupported content block type: %s", block.Type)
		}
	}
	return out, nil
}

type anthropicSchema struct {
	Properties map[string]any `json:"properties"`
	Required   []string       `json:"required"`
}

func buildAnthropicTools(tools []ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema anthropicSchema
		if err := json.Unmarshal(cloneRawMessageOrObject(tool.InputSchema), &schema); err != nil {
			return nil, fmt.Errorf("decode input schema of %s: %w", tool.Name, err)
		}
		union := anthropic.ToolUnionParamOfTool(anthropic.ToolInputSchemaParam{
			Properties: schema.Properties,
			Required:   schema.Required,
		}, tool.Name)
		if union.OfTool != nil && tool.Description != "" {
			union.OfTool.Description = anthropic.String(tool.Description)
		}
		out = append(out, union)
	}
	return out, nil
}
