package toolclient

import "encoding/json"

const ProtocolVersion = "v1"

type Descriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type DiscoveryResponse struct {
	Version string       `json:"version"`
	Service string       `json:"service"`
	Tools   []Descriptor `json:"tools"`
}

type CallContext struct {
	SessionID     string `json:"session_id"`
	TraceID       string `json:"trace_id,omitempty"`
	RequestOrigin string `json:"request_origin,omitempty"`
}

type CallRequest struct {
	Version   string          `json:"version"`
	CallID    string          `json:"call_id"`
	ToolName  string          `json:"tool_name"`
	Args      json.RawMessage `json:"args"`
	TimeoutMS int             `json:"timeout_ms,omitempty"`
	Context   CallContext     `json:"context"`
}

type CallStatus string

const (
	CallStatusOK             CallStatus = "ok"
	CallStatusError          CallStatus = "error"
	CallStatusRetryableError CallStatus = "retryable_error"
	CallStatusTimeout        CallStatus = "timeout"
)

type CallError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

type CallResponse struct {
	Version    string          `json:"version"`
	CallID     string          `json:"call_id"`
	ToolName   string          `json:"tool_name"`
	Status     CallStatus      `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *CallError      `json:"error,omitempty"`
	DurationMS int64           `json:"duration_ms"`
}

// OK reports whether the host finished the call successfully.
func (r CallResponse) OK() bool {
	return r.Status == CallStatusOK
}
