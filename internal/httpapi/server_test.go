package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crabstack.local/projects/crab-cut/internal/dialog"
	"crabstack.local/projects/crab-cut/internal/model"
	"crabstack.local/projects/crab-cut/internal/session"
	"crabstack.local/projects/crab-cut/internal/tools"
)

type fakeProvider struct {
	mu        sync.Mutex
	responses []model.CompletionResponse
	requests  []model.CompletionRequest
}

func (p *fakeProvider) Complete(_ context.Context, req model.CompletionRequest) (model.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if len(p.responses) == 0 {
		return model.CompletionResponse{}, errors.New("no scripted response")
	}
	resp := p.responses[0]
	if len(p.responses) > 1 {
		p.responses = p.responses[1:]
	}
	return resp, nil
}

func (p *fakeProvider) lastRequest() model.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.requests) == 0 {
		return model.CompletionRequest{}
	}
	return p.requests[len(p.requests)-1]
}

func textResponse(s string) model.CompletionResponse {
	return model.CompletionResponse{Content: s, Blocks: []model.ContentBlock{{Type: model.BlockText, Text: s}}}
}

type trimTool struct{}

func (trimTool) Definition() model.ToolDefinition {
	return model.ToolDefinition{Name: "trim_silence", Description: "trim", InputSchema: json.RawMessage(`{"type":"object"}`)}
}

func (trimTool) ActionType() string { return "trim_silence" }

func (trimTool) Call(_ context.Context, _ tools.CallContext, _ tools.Invocation) (json.RawMessage, error) {
	return json.RawMessage(`{"status":"success","action_type":"trim_silence","segments":[[0,1.5]]}`), nil
}

type testEnv struct {
	server   *httptest.Server
	provider *fakeProvider
	store    session.Store
}

func newTestEnv(t *testing.T, provider *fakeProvider) *testEnv {
	t.Helper()
	store := session.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })

	var p model.Provider
	if provider != nil {
		p = provider
	}
	controller := dialog.New(nil, store, p, tools.NewRegistry(trimTool{}))
	t.Cleanup(controller.Close)

	srv := NewServer(nil, ":0", controller, store)
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)
	return &testEnv{server: ts, provider: provider, store: store}
}

func (e *testEnv) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(e.server.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (e *testEnv) wsURL(t *testing.T) string {
	t.Helper()
	u, err := url.Parse(e.server.URL)
	require.NoError(t, err)
	u.Scheme = "ws"
	u.Path = "/v1/turns/ws"
	return u.String()
}

func requestText(req model.CompletionRequest) string {
	var b strings.Builder
	for _, msg := range req.Messages {
		b.WriteString(msg.Content)
		for _, block := range msg.Blocks {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, &fakeProvider{})

	resp, err := http.Get(env.server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	post := env.post(t, "/healthz", "{}")
	assert.Equal(t, http.StatusMethodNotAllowed, post.StatusCode)
}

func TestTurnsReturnsReconciledCommands(t *testing.T) {
	provider := &fakeProvider{responses: []model.CompletionResponse{
		{Blocks: []model.ContentBlock{{Type: model.BlockToolUse, ID: "call_1", Name: "trim_silence", Input: json.RawMessage(`{}`)}}},
		textResponse("Trimmed the silence."),
	}}
	env := newTestEnv(t, provider)

	resp := env.post(t, "/v1/turns", `{"session_id":"s1","message":"trim silence","audio_file_path":"/tmp/a.wav"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result dialog.TurnResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, "s1", result.SessionID)
	assert.Equal(t, "Trimmed the silence.", result.ResponseText)
	require.Len(t, result.Commands, 1)
	assert.Equal(t, "trim_silence", result.Commands[0].Action)
	assert.Contains(t, requestText(provider.lastRequest()), "[Context] Audio Path: /tmp/a.wav")
}

func TestProcessRequestAliasAcceptsFrameList(t *testing.T) {
	provider := &fakeProvider{responses: []model.CompletionResponse{textResponse("ok")}}
	env := newTestEnv(t, provider)

	resp := env.post(t, "/process_request", `{"session_id":"s2","message":"add transitions","image_transition_path":[["a.png","b.png"]]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result dialog.TurnResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.NotNil(t, result.Commands)
	assert.Empty(t, result.Commands)
	assert.Contains(t, requestText(provider.lastRequest()), `[Context] Clip Frames: [["a.png","b.png"]]`)
}

func TestTurnsMintsSessionID(t *testing.T) {
	env := newTestEnv(t, &fakeProvider{responses: []model.CompletionResponse{textResponse("hi")}})

	resp := env.post(t, "/v1/turns", `{"message":"hello"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result dialog.TurnResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Len(t, result.SessionID, 36)
}

func TestTurnsRejectsBadInput(t *testing.T) {
	env := newTestEnv(t, &fakeProvider{responses: []model.CompletionResponse{textResponse("hi")}})

	cases := map[string]string{
		"malformed":     `{"message":`,
		"unknown field": `{"message":"hi","extra":true}`,
		"trailing":      `{"message":"hi"}{"message":"again"}`,
		"empty message": `{"session_id":"s1","message":"   "}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			resp := env.post(t, "/v1/turns", body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}

	get, err := http.Get(env.server.URL + "/v1/turns")
	require.NoError(t, err)
	defer get.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, get.StatusCode)
}

func TestTurnsWithoutProvider(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.post(t, "/v1/turns", `{"session_id":"s1","message":"hi"}`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestTurnsProviderFailure(t *testing.T) {
	env := newTestEnv(t, &fakeProvider{})

	resp := env.post(t, "/v1/turns", `{"session_id":"s1","message":"hi"}`)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	_, err := session.Lookup(context.Background(), env.store, "s1")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestIntent(t *testing.T) {
	provider := &fakeProvider{responses: []model.CompletionResponse{
		textResponse("```json\n{\"required_tools\":[\"trim_silence\",\"trim_silence\",\"nope\"],\"immediate_reply\":null}\n```"),
		textResponse(`{"required_tools":[],"immediate_reply":"Sure, ask away."}`),
	}}
	env := newTestEnv(t, provider)

	resp := env.post(t, "/get_intent", `{"session_id":"s1","message":"trim silence"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var needsTools map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&needsTools))
	assert.Equal(t, []any{"trim_silence"}, needsTools["required_tools"])
	assert.Contains(t, needsTools, "immediate_reply")
	assert.Nil(t, needsTools["immediate_reply"])

	resp = env.post(t, "/v1/intent", `{"session_id":"s1","message":"what can you do?"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var reply dialog.IntentResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reply))
	assert.Empty(t, reply.RequiredTools)
	require.NotNil(t, reply.ImmediateReply)
	assert.Equal(t, "Sure, ask away.", *reply.ImmediateReply)
}

func TestSessionLookup(t *testing.T) {
	env := newTestEnv(t, &fakeProvider{responses: []model.CompletionResponse{textResponse("hello")}})

	missing, err := http.Get(env.server.URL + "/v1/sessions/unknown")
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)

	resp := env.post(t, "/v1/turns", `{"session_id":"s1","message":"hi"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	found, err := http.Get(env.server.URL + "/v1/sessions/s1")
	require.NoError(t, err)
	defer found.Body.Close()
	require.Equal(t, http.StatusOK, found.StatusCode)

	var state session.State
	require.NoError(t, json.NewDecoder(found.Body).Decode(&state))
	assert.Equal(t, "s1", state.SessionID)
	assert.EqualValues(t, 1, state.Turn)
	assert.NotEmpty(t, state.Messages)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, &fakeProvider{})

	req, err := http.NewRequest(http.MethodOptions, env.server.URL+"/v1/turns", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://plugin.local")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "POST")
}

func TestErrorStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{dialog.ErrNoProvider, http.StatusInternalServerError},
		{dialog.ErrEmptyMessage, http.StatusBadRequest},
		{session.ErrSessionQueueFull, http.StatusTooManyRequests},
		{session.ErrSchedulerClosed, http.StatusServiceUnavailable},
		{fmt.Errorf("%w: agent", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{fmt.Errorf("agent: %w", model.ErrEmptyResponse), http.StatusBadGateway},
		{errors.New("boom"), http.StatusBadGateway},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, errorStatus(tc.err), tc.err.Error())
	}
}

func TestImagePaths(t *testing.T) {
	assert.Equal(t, "", imagePaths(nil))
	assert.Equal(t, "", imagePaths(json.RawMessage(`null`)))
	assert.Equal(t, `[["a.png"]]`, imagePaths(json.RawMessage(`"[[\"a.png\"]]"`)))
	assert.Equal(t, `[["a.png","b.png"]]`, imagePaths(json.RawMessage(`[["a.png","b.png"]]`)))
}

func TestTurnsWS(t *testing.T) {
	provider := &fakeProvider{responses: []model.CompletionResponse{textResponse("first"), textResponse("second")}}
	env := newTestEnv(t, provider)

	conn, _, err := websocket.DefaultDialer.Dial(env.wsURL(t), nil)
	require.NoError(t, err)
	defer conn.Close()

	for _, want := range []string{"first", "second"} {
		require.NoError(t, conn.WriteJSON(map[string]any{
			"action":     "turn.run",
			"session_id": "ws-1",
			"message":    "hello",
		}))
		var result wsTurnResult
		require.NoError(t, conn.ReadJSON(&result))
		require.True(t, result.OK, result.Error)
		require.NotNil(t, result.Result)
		assert.Equal(t, "turn.result", result.Action)
		assert.Equal(t, want, result.Result.ResponseText)
	}

	state, err := env.store.Get(context.Background(), "ws-1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, state.Turn)
}

func TestTurnsWSUnsupportedAction(t *testing.T) {
	env := newTestEnv(t, &fakeProvider{responses: []model.CompletionResponse{textResponse("ok")}})

	conn, _, err := websocket.DefaultDialer.Dial(env.wsURL(t), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{"action": "turn.cancel"}))
	var result wsTurnResult
	require.NoError(t, conn.ReadJSON(&result))
	assert.False(t, result.OK)
	assert.Equal(t, "unsupported action", result.Error)

	require.NoError(t, conn.WriteJSON(map[string]any{"action": "turn.run", "message": ""}))
	result = wsTurnResult{}
	require.NoError(t, conn.ReadJSON(&result))
	assert.False(t, result.OK)
	assert.Contains(t, result.Error, dialog.ErrEmptyMessage.Error())
}

func TestTurnsWSRejectsCrossOrigin(t *testing.T) {
	env := newTestEnv(t, &fakeProvider{})

	headers := http.Header{}
	headers.Set("Origin", "http://evil.example")
	conn, resp, err := websocket.DefaultDialer.Dial(env.wsURL(t), headers)
	if err == nil {
		_ = conn.Close()
		t.Fatalf("expected cross-origin websocket upgrade failure")
	}
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestTurnsWSAcceptsMatchingOrigin(t *testing.T) {
	env := newTestEnv(t, &fakeProvider{responses: []model.CompletionResponse{textResponse("ok")}})

	headers := http.Header{}
	headers.Set("Origin", env.server.URL)
	conn, _, err := websocket.DefaultDialer.Dial(env.wsURL(t), headers)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{"action": "turn.run", "session_id": "s1", "message": "hi"}))
	var result wsTurnResult
	require.NoError(t, conn.ReadJSON(&result))
	assert.True(t, result.OK, result.Error)
}

func TestTurnsWSRejectsOversizedRequest(t *testing.T) {
	provider := &fakeProvider{responses: []model.CompletionResponse{textResponse("ok")}}
	env := newTestEnv(t, provider)

	conn, _, err := websocket.DefaultDialer.Dial(env.wsURL(t), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{
		"action":     "turn.run",
		"session_id": "s1",
		"message":    strings.Repeat("a", int(maxTurnsWSRequestBytes)+1024),
	}))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var result wsTurnResult
	err = conn.ReadJSON(&result)
	if err == nil && result.OK {
		t.Fatalf("expected oversized request to fail")
	}
	assert.Empty(t, provider.lastRequest().Messages)
}
