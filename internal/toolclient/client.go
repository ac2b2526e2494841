// Package toolclient talks to remote tool hosts: it discovers the tools each
// host advertises and routes calls to the host that owns them.
package toolclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"crabstack.local/projects/crab-cut/internal/model"
)

const maxBodyBytes = 1 << 20

var ErrUnknownTool = errors.New("unknown tool")

type HostConfig struct {
	Name    string
	BaseURL string
}

type Client struct {
	hosts      []HostConfig
	httpClient *http.Client
	logger     *zap.Logger
	mu         sync.RWMutex
	toolRoutes map[string]string
	toolDefs   map[string]model.ToolDefinition
}

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

func New(logger *zap.Logger, hosts []HostConfig, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		hosts: normalizeHosts(hosts),
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		logger:     logger,
		toolRoutes: make(map[string]string),
		toolDefs:   make(map[string]model.ToolDefinition),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Discover rebuilds the routing table. Hosts that fail are logged and skipped;
// when two hosts advertise the same tool the later host wins.
func (c *Client) Discover(ctx context.Context) error {
	routes := make(map[string]string)
	defs := make(map[string]model.ToolDefinition)

	for _, host := range c.hosts {
		if err := ctx.Err(); err != nil {
			return err
		}
		logger := c.logger.With(zap.String("host", host.Name), zap.String("url", host.BaseURL))
		parsed, err := c.discoverHost(ctx, host)
		if err != nil {
			logger.Warn("tool discovery failed", zap.Error(err))
			continue
		}

		for _, tool := range parsed.Tools {
			name := strings.TrimSpace(tool.Name)
			if name == "" {
				continue
			}
			if prev, exists := routes[name]; exists && prev != host.BaseURL {
				logger.Warn("duplicate tool advertised", zap.String("tool_name", name), zap.String("prev_host", prev))
			}
			routes[name] = host.BaseURL
			defs[name] = model.ToolDefinition{
				Name:        name,
				Description: tool.Description,
				InputSchema: cloneRawMessage(tool.InputSchema),
			}
		}
		logger.Info("tools discovered", zap.Int("count", len(parsed.Tools)))
	}

	c.mu.Lock()
	c.toolRoutes = routes
	c.toolDefs = defs
	c.mu.Unlock()
	return nil
}

func (c *Client) discoverHost(ctx context.Context, host HostConfig) (DiscoveryResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, host.BaseURL+"/v1/tools", nil)
	if err != nil {
		return DiscoveryResponse{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return DiscoveryResponse{}, err
	}
	defer resp.Body.Close()
	if err := statusError(resp); err != nil {
		return DiscoveryResponse{}, err
	}

	var parsed DiscoveryResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&parsed); err != nil {
		return DiscoveryResponse{}, fmt.Errorf("decode response: %w", err)
	}
	return parsed, nil
}

func (c *Client) AvailableTools() []model.ToolDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tools := make([]model.ToolDefinition, 0, len(c.toolDefs))
	for _, tool := range c.toolDefs {
		tools = append(tools, model.ToolDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: cloneRawMessage(tool.InputSchema),
		})
	}
	sort.Slice(tools, func(i, j int) bool {
		return tools[i].Name < tools[j].Name
	})
	return tools
}

// Has reports whether a discovered host serves toolName.
func (c *Client) Has(toolName string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.toolRoutes[strings.TrimSpace(toolName)]
	return ok
}

func (c *Client) Call(ctx context.Context, req CallRequest) (CallResponse, error) {
	toolName := strings.TrimSpace(req.ToolName)
	if toolName == "" {
		return CallResponse{}, fmt.Errorf("tool_name is required")
	}

	c.mu.RLock()
	baseURL, ok := c.toolRoutes[toolName]
	c.mu.RUnlock()
	if !ok {
		return CallResponse{}, fmt.Errorf("%w: %s", ErrUnknownTool, toolName)
	}
	if req.Version == "" {
		req.Version = ProtocolVersion
	}
	if len(req.Args) == 0 {
		req.Args = json.RawMessage(`{}`)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return CallResponse{}, fmt.Errorf("marshal tool call request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/tools/call", bytes.NewReader(body))
	if err != nil {
		return CallResponse{}, fmt.Errorf("build tool call request: %w", err)
	}
	httpReq.Header.Set("content-type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return CallResponse{}, fmt.Errorf("call tool host: %w", err)
	}
	defer resp.Body.Close()

	if err := statusError(resp); err != nil {
		return CallResponse{}, err
	}

	var parsed CallResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&parsed); err != nil {
		return CallResponse{}, fmt.Errorf("decode tool call response: %w", err)
	}
	c.logger.Debug("tool call finished",
		zap.String("tool_name", toolName),
		zap.String("tool_call_id", req.CallID),
		zap.String("status", string(parsed.Status)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return parsed, nil
}

func statusError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	message := strings.TrimSpace(string(body))
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	return fmt.Errorf("tool host status %d: %s", resp.StatusCode, message)
}

func normalizeHosts(hosts []HostConfig) []HostConfig {
	normalized := make([]HostConfig, 0, len(hosts))
	for _, host := range hosts {
		name := strings.TrimSpace(host.Name)
		baseURL := strings.TrimSpace(host.BaseURL)
		baseURL = strings.TrimSuffix(baseURL, "/")
		if baseURL == "" {
			continue
		}
		normalized = append(normalized, HostConfig{Name: name, BaseURL: baseURL})
	}
	return normalized
}

func cloneRawMessage(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	copied := make(json.RawMessage, len(raw))
	copy(copied, raw)
	return copied
}
