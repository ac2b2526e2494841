package model

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultOpenRouterEndpoint speaks the OpenAI chat completions protocol.
const DefaultOpenRouterEndpoint = "https://openrouter.ai/api/v1/chat/completions"

type OpenAIOption func(*OpenAIProvider)

// OpenAIProvider calls any OpenAI-compatible chat completions endpoint.
// OpenRouter is the default.
type OpenAIProvider struct {
	apiKey   string
	endpoint string
	headers  http.Header
	client   *http.Client
}

func NewOpenAIProvider(apiKey string, opts ...OpenAIOption) *OpenAIProvider {
	provider := &OpenAIProvider{
		apiKey:   strings.TrimSpace(apiKey),
		endpoint: DefaultOpenRouterEndpoint,
		headers:  make(http.Header),
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(provider)
		}
	}
	return provider
}

func WithOpenAIEndpoint(endpoint string) OpenAIOption {
	return func(p *OpenAIProvider) {
		if trimmed := strings.TrimSpace(endpoint); trimmed != "" {
			p.endpoint = trimmed
		}
	}
}

// WithOpenAIBaseURL sets the endpoint from an API base such as
// https://openrouter.ai/api/v1.
func WithOpenAIBaseURL(baseURL string) OpenAIOption {
	return func(p *OpenAIProvider) {
		trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
		if trimmed == "" {
			return
		}
		if !strings.HasSuffix(trimmed, "/chat/completions") {
			trimmed += "/chat/completions"
		}
		p.endpoint = trimmed
	}
}

func WithOpenAIHTTPClient(client *http.Client) OpenAIOption {
	return func(p *OpenAIProvider) {
		if client != nil {
			p.client = client
		}
	}
}

// WithOpenAIHeader adds a header to every request, e.g. OpenRouter's
// X-Title.
func WithOpenAIHeader(key, value string) OpenAIOption {
	return func(p *OpenAIProvider) {
		if strings.TrimSpace(key) != "" && strings.TrimSpace(value) != "" {
			p.headers.Set(key, value)
		}
	}
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature float64         `json:"temperature"`
	Tools       []openAITool    `json:"tools,omitempty"`
}

type openAITool struct {
	Type     string            `json:"type"`
	Function openAIFunctionDef `json:"function"`
}

type openAIFunctionDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Content is a string, a list of content parts or null.
type openAIMessage struct {
	Role       string           `json:"role"`
	Content    any              `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openAIImageURL `json:"image_url,omitempty"`
}

type openAIImageURL struct {
	URL string `json:"url"`
}

type openAIToolCall struct {
	ID       string                 `json:"id"`
	Type     string                 `json:"type"`
	Function openAIToolCallFunction `json:"function"`
}

type openAIToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openAIResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []openAIChoice `json:"choices"`
	Usage   openAIUsage    `json:"usage"`
	Error   *openAIError   `json:"error,omitempty"`
}

type openAIChoice struct {
	Message      openAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openAIUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

type openAIErrorEnvelope struct {
	Error openAIError `json:"error"`
}

type openAIError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

var _ Provider = (*OpenAIProvider)(nil)

func (p *OpenAIProvider) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	if strings.TrimSpace(p.apiKey) == "" {
		return CompletionResponse{}, errors.New("openai api key is required")
	}
	if strings.TrimSpace(req.Model) == "" {
		return CompletionResponse{}, errors.New("model is required")
	}
	if req.MaxTokens <= 0 {
		return CompletionResponse{}, errors.New("max tokens must be greater than zero")
	}

	messages, err := buildOpenAIMessages(req)
	if err != nil {
		return CompletionResponse{}, err
	}
	if len(messages) == 0 {
		return CompletionResponse{}, errors.New("at least one message is required")
	}

	payload := openAIRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Tools:       buildOpenAITools(req.Tools),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return CompletionResponse{}, fmt.Errorf("marshal openai request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return CompletionResponse{}, fmt.Errorf("build openai request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("content-type", "application/json")
	for key, values := range p.headers {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return CompletionResponse{}, fmt.Errorf("call openai api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return CompletionResponse{}, parseOpenAIAPIError(resp)
	}

	var parsed openAIResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&parsed); err != nil {
		return CompletionResponse{}, fmt.Errorf("decode openai response: %w", err)
	}
	// OpenRouter reports upstream failures in a 200 body
	if parsed.Error != nil && strings.TrimSpace(parsed.Error.Message) != "" {
		return CompletionResponse{}, fmt.Errorf("openai api error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return CompletionResponse{}, fmt.Errorf("openai response contained no choices: %w", ErrEmptyResponse)
	}

	choice := parsed.Choices[0]
	blocks := parseOpenAIBlocks(choice.Message)
	content := textOf(blocks)
	if strings.TrimSpace(content) == "" && !hasToolUseBlock(blocks) {
		return CompletionResponse{}, ErrEmptyResponse
	}

	modelName := parsed.Model
	if modelName == "" {
		modelName = req.Model
	}

	return CompletionResponse{
		Content: content,
		Blocks:  blocks,
		Usage: Usage{
			InputTokens:  parsed.Usage.PromptTokens,
			OutputTokens: parsed.Usage.CompletionTokens,
		},
		Model:      modelName,
		StopReason: choice.FinishReason,
	}, nil
}

func buildOpenAIMessages(req CompletionRequest) ([]openAIMessage, error) {
	messages := make([]openAIMessage, 0, len(req.Messages)+1)
	if strings.TrimSpace(req.SystemPrompt) != "" {
		messages = append(messages, openAIMessage{Role: string(RoleSystem), Content: req.SystemPrompt})
	}

	for _, message := range req.Messages {
		role := strings.ToLower(strings.TrimSpace(string(message.Role)))
		if len(message.Blocks) == 0 {
			switch role {
			case string(RoleUser), string(RoleAssistant), string(RoleSystem):
				messages = append(messages, openAIMessage{Role: role, Content: message.Content})
			default:
				return nil, fmt.Errorf("unsupported message role: %s", message.Role)
			}
			continue
		}

		switch role {
		case string(RoleUser):
			userMessages, err := buildOpenAIUserMessages(message.Blocks)
			if err != nil {
				return nil, err
			}
			messages = append(messages, userMessages...)
		case string(RoleAssistant):
			assistantMessage, err := buildOpenAIAssistantMessage(message.Blocks)
			if err != nil {
				return nil, err
			}
			messages = append(messages, assistantMessage)
		case string(RoleSystem):
			messages = append(messages, openAIMessage{Role: role, Content: textOf(message.Blocks)})
		default:
			return nil, fmt.Errorf("unsupported message role: %s", message.Role)
		}
	}

	return messages, nil
}

func buildOpenAITools(tools []ToolDefinition) []openAITool {
	if len(tools) == 0 {
		return nil
	}
	built := make([]openAITool, 0, len(tools))
	for _, tool := range tools {
		built = append(built, openAITool{
			Type: "function",
			Function: openAIFunctionDef{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  cloneRawMessageOrObject(tool.InputSchema),
			},
		})
	}
	return built
}

// buildOpenAIUserMessages maps tool_result blocks to tool messages and the
// remaining text and image blocks to one user message.
func buildOpenAIUserMessages(blocks []ContentBlock) ([]openAIMessage, error) {
	out := make([]openAIMessage, 0, len(blocks))
	parts := make([]openAIContentPart, 0, len(blocks))
	hasImage := false
	for _, block := range blocks {
		switch block.Type {
		case BlockToolResult:
			out = append(out, openAIMessage{
				Role:       "tool",
				ToolCallID: block.ToolUseID,
				Content:    block.Content,
			})
		case BlockText:
			parts = append(parts, openAIContentPart{Type: "text", Text: block.Text})
		case BlockImage:
			hasImage = true
			parts = append(parts, openAIContentPart{Type: "image_url", ImageURL: &openAIImageURL{URL: block.ImageURL}})
		default:
			return nil, fmt.Errorf("unsupported content block type: %s", block.Type)
		}
	}
	if len(parts) == 0 {
		return out, nil
	}
	if hasImage {
		return append(out, openAIMessage{Role: string(RoleUser), Content: parts}), nil
	}
	var text strings.Builder
	for _, part := range parts {
		text.WriteString(part.Text)
	}
	if strings.TrimSpace(text.String()) == "" {
		return out, nil
	}
	return append(out, openAIMessage{Role: string(RoleUser), Content: text.String()}), nil
}

func buildOpenAIAssistantMessage(blocks []ContentBlock) (openAIMessage, error) {
	message := openAIMessage{Role: string(RoleAssistant)}
	var textBuilder strings.Builder
	for _, block := range blocks {
		switch block.Type {
		case BlockToolUse:
			message.ToolCalls = append(message.ToolCalls, openAIToolCall{
				ID:   block.ID,
				Type: "function",
				Function: openAIToolCallFunction{
					Name:      block.Name,
					Arguments: rawJSONToString(block.Input),
				},
			})
		case BlockText:
			textBuilder.WriteString(block.Text)
		default:
			return openAIMessage{}, fmt.Errorf("unsupported content block type: %s", block.Type)
		}
	}
	if text := textBuilder.String(); strings.TrimSpace(text) != "" {
		message.Content = text
	}
	return message, nil
}

func parseOpenAIBlocks(message openAIMessage) []ContentBlock {
	blocks := make([]ContentBlock, 0, len(message.ToolCalls)+1)
	if text := openAIContentText(message.Content); text != "" {
		blocks = append(blocks, ContentBlock{Type: BlockText, Text: text})
	}
	for _, toolCall := range message.ToolCalls {
		if toolCall.Type != "" && toolCall.Type != "function" {
			continue
		}
		blocks = append(blocks, ContentBlock{
			Type:  BlockToolUse,
			ID:    toolCall.ID,
			Name:  toolCall.Function.Name,
			Input: openAIArgumentsJSON(toolCall.Function.Arguments),
		})
	}
	return blocks
}

func openAIContentText(content any) string {
	switch typed := content.(type) {
	case string:
		return typed
	case []any:
		var builder strings.Builder
		for _, part := range typed {
			if m, ok := part.(map[string]any); ok {
				if text, ok := m["text"].(string); ok {
					builder.WriteString(text)
				}
			}
		}
		return builder.String()
	default:
		return ""
	}
}

// openAIArgumentsJSON keeps valid argument JSON and wraps anything else as a
// JSON string so it survives storage and reaches argument repair.
func openAIArgumentsJSON(arguments string) json.RawMessage {
	trimmed := strings.TrimSpace(arguments)
	if trimmed == "" {
		return json.RawMessage(`{}`)
	}
	if json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	encoded, err := json.Marshal(trimmed)
	if err != nil {
		return json.RawMessage(`""`)
	}
	return encoded
}

func rawJSONToString(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return "{}"
	}
	return string(trimmed)
}

func parseOpenAIAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	message := strings.TrimSpace(string(body))
	if len(body) > 0 {
		var parsed openAIErrorEnvelope
		if err := json.Unmarshal(body, &parsed); err == nil && strings.TrimSpace(parsed.Error.Message) != "" {
			message = parsed.Error.Message
		}
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("openai rate limited: %s", message)
	}
	return fmt.Errorf("openai api status %d: %s", resp.StatusCode, message)
}
