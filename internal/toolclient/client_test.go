package toolclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"
)

func TestDiscoverMultipleHostsWithDifferentTools(t *testing.T) {
	hostOne := newToolHostServer(t, []Descriptor{
		{Name: "trim_silence", Description: "trim", InputSchema: json.RawMessage(`{"type":"object"}`)},
		{Name: "curseword_detect", Description: "detect", InputSchema: json.RawMessage(`{"type":"object"}`)},
	}, nil)
	defer hostOne.Close()

	hostTwo := newToolHostServer(t, []Descriptor{
		{Name: "color_match", Description: "grade", InputSchema: json.RawMessage(`{"type":"object"}`)},
	}, nil)
	defer hostTwo.Close()

	client := New(zap.NewNop(), []HostConfig{
		{Name: "audio", BaseURL: hostOne.URL},
		{Name: "color", BaseURL: hostTwo.URL + "/"},
	})

	if err := client.Discover(context.Background()); err != nil {
		t.Fatalf("discover: %v", err)
	}

	tools := client.AvailableTools()
	gotNames := make([]string, 0, len(tools))
	for _, tool := range tools {
		gotNames = append(gotNames, tool.Name)
	}
	wantNames := []string{"color_match", "curseword_detect", "trim_silence"}
	if !reflect.DeepEqual(gotNames, wantNames) {
		t.Fatalf("unexpected tool names: got=%v want=%v", gotNames, wantNames)
	}
	if !client.Has("trim_silence") || client.Has("add_transition") {
		t.Fatalf("unexpected Has results")
	}
}

func TestDiscoverWithUnreachableHostContinues(t *testing.T) {
	reachable := newToolHostServer(t, []Descriptor{
		{Name: "trim_silence", Description: "trim", InputSchema: json.RawMessage(`{"type":"object"}`)},
	}, nil)
	defer reachable.Close()

	client := New(nil, []HostConfig{
		{Name: "audio", BaseURL: reachable.URL},
		{Name: "down", BaseURL: "http://127.0.0.1:1"},
	})

	if err := client.Discover(context.Background()); err != nil {
		t.Fatalf("discover: %v", err)
	}

	tools := client.AvailableTools()
	if len(tools) != 1 || tools[0].Name != "trim_silence" {
		t.Fatalf("unexpected tools: %+v", tools)
	}
}

func TestDiscoverOverlappingToolNamesLastHostWins(t *testing.T) {
	var oneCalls atomic.Int32
	var twoCalls atomic.Int32

	okHandler := func(counter *atomic.Int32) func(http.ResponseWriter, CallRequest) {
		return func(w http.ResponseWriter, req CallRequest) {
			counter.Add(1)
			_ = json.NewEncoder(w).Encode(CallResponse{
				Version:  ProtocolVersion,
				CallID:   req.CallID,
				ToolName: req.ToolName,
				Status:   CallStatusOK,
			})
		}
	}

	hostOne := newToolHostServer(t, []Descriptor{
		{Name: "shared", Description: "host-one", InputSchema: json.RawMessage(`{"type":"object"}`)},
	}, okHandler(&oneCalls))
	defer hostOne.Close()

	hostTwo := newToolHostServer(t, []Descriptor{
		{Name: "shared", Description: "host-two", InputSchema: json.RawMessage(`{"type":"object"}`)},
	}, okHandler(&twoCalls))
	defer hostTwo.Close()

	client := New(zap.NewNop(), []HostConfig{
		{Name: "one", BaseURL: hostOne.URL},
		{Name: "two", BaseURL: hostTwo.URL},
	})
	if err := client.Discover(context.Background()); err != nil {
		t.Fatalf("discover: %v", err)
	}

	tools := client.AvailableTools()
	if len(tools) != 1 {
		t.Fatalf("expected one tool, got %d", len(tools))
	}
	if tools[0].Description != "host-two" {
		t.Fatalf("expected host-two description, got %q", tools[0].Description)
	}

	_, err := client.Call(context.Background(), CallRequest{
		CallID:   "call_1",
		ToolName: "shared",
		Context:  CallContext{SessionID: "session"},
	})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if oneCalls.Load() != 0 {
		t.Fatalf("expected first host not to receive call")
	}
	if twoCalls.Load() != 1 {
		t.Fatalf("expected second host to receive one call, got %d", twoCalls.Load())
	}
}

func TestCallKnownToolSuccess(t *testing.T) {
	server := newToolHostServer(t, []Descriptor{
		{Name: "trim_silence", Description: "trim", InputSchema: json.RawMessage(`{"type":"object"}`)},
	}, func(w http.ResponseWriter, req CallRequest) {
		if req.ToolName != "trim_silence" {
			t.Errorf("unexpected tool name: %s", req.ToolName)
		}
		if req.Version != ProtocolVersion {
			t.Errorf("expected default version, got %q", req.Version)
		}
		if string(req.Args) != `{"audio_path":"/tmp/a.wav"}` {
			t.Errorf("unexpected args: %s", string(req.Args))
		}
		_ = json.NewEncoder(w).Encode(CallResponse{
			Version:  ProtocolVersion,
			CallID:   req.CallID,
			ToolName: req.ToolName,
			Status:   CallStatusOK,
			Result:   json.RawMessage(`{"cuts":[[0.5,1.2]]}`),
		})
	})
	defer server.Close()

	client := New(zap.NewNop(), []HostConfig{{Name: "audio", BaseURL: server.URL}})
	if err := client.Discover(context.Background()); err != nil {
		t.Fatalf("discover: %v", err)
	}

	resp, err := client.Call(context.Background(), CallRequest{
		CallID:   "call_1",
		ToolName: "trim_silence",
		Args:     json.RawMessage(`{"audio_path":"/tmp/a.wav"}`),
		Context:  CallContext{SessionID: "session"},
	})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !resp.OK() {
		t.Fatalf("unexpected status: %s", resp.Status)
	}
	if string(resp.Result) != `{"cuts":[[0.5,1.2]]}` {
		t.Fatalf("unexpected result: %s", string(resp.Result))
	}
}

func TestCallKnownToolErrorStatus(t *testing.T) {
	server := newToolHostServer(t, []Descriptor{{Name: "trim_silence"}}, func(w http.ResponseWriter, _ CallRequest) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("tool backend unavailable"))
	})
	defer server.Close()

	client := New(zap.NewNop(), []HostConfig{{Name: "audio", BaseURL: server.URL}})
	if err := client.Discover(context.Background()); err != nil {
		t.Fatalf("discover: %v", err)
	}

	_, err := client.Call(context.Background(), CallRequest{CallID: "call_1", ToolName: "trim_silence"})
	if err == nil {
		t.Fatalf("expected call error")
	}
	if !strings.Contains(err.Error(), "status 502") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCallUnknownToolError(t *testing.T) {
	client := New(zap.NewNop(), nil)

	_, err := client.Call(context.Background(), CallRequest{CallID: "call_1", ToolName: "missing.tool"})
	if !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("expected unknown tool error, got %v", err)
	}

	_, err = client.Call(context.Background(), CallRequest{CallID: "call_1"})
	if err == nil {
		t.Fatalf("expected missing tool name error")
	}
}

func TestAvailableToolsReturnsExpectedDefinitionFormat(t *testing.T) {
	server := newToolHostServer(t, []Descriptor{
		{
			Name:        "curseword_detect",
			Description: "Detect profanity",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"audio_path":{"type":"string"}}}`),
		},
	}, nil)
	defer server.Close()

	client := New(zap.NewNop(), []HostConfig{{Name: "audio", BaseURL: server.URL}})
	if err := client.Discover(context.Background()); err != nil {
		t.Fatalf("discover: %v", err)
	}

	tools := client.AvailableTools()
	if len(tools) != 1 {
		t.Fatalf("expected one tool, got %d", len(tools))
	}
	if tools[0].Name != "curseword_detect" || tools[0].Description != "Detect profanity" {
		t.Fatalf("unexpected tool definition: %+v", tools[0])
	}
	if string(tools[0].InputSchema) != `{"type":"object","properties":{"audio_path":{"type":"string"}}}` {
		t.Fatalf("unexpected input schema: %s", string(tools[0].InputSchema))
	}
}

func newToolHostServer(t *testing.T, tools []Descriptor, onCall func(http.ResponseWriter, CallRequest)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/v1/tools":
			w.Header().Set("content-type", "application/json")
			_ = json.NewEncoder(w).Encode(DiscoveryResponse{
				Version: ProtocolVersion,
				Service: "test-service",
				Tools:   tools,
			})
		case r.Method == http.MethodPost && r.URL.Path == "/v1/tools/call":
			if onCall == nil {
				t.Errorf("unexpected call request")
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			var req CallRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decode call request: %v", err)
				return
			}
			onCall(w, req)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}
