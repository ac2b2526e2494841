package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"crabstack.local/projects/crab-cut/internal/dialog"
	"crabstack.local/projects/crab-cut/internal/session"
)

type server struct {
	logger     *zap.Logger
	controller *dialog.Controller
	store      session.Store
}

const (
	maxRequestBytes        int64 = 2 << 20
	maxTurnsWSRequestBytes int64 = 1 << 20
)

func NewServer(logger *zap.Logger, addr string, controller *dialog.Controller, store session.Store) *http.Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &server{
		logger:     logger,
		controller: controller,
		store:      store,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/v1/intent", h.handleIntent)
	mux.HandleFunc("/get_intent", h.handleIntent)
	mux.HandleFunc("/v1/turns", h.handleTurns)
	mux.HandleFunc("/process_request", h.handleTurns)
	mux.HandleFunc("/v1/turns/ws", h.handleTurnsWS)
	mux.HandleFunc("/v1/sessions/{id}", h.handleSession)

	return &http.Server{
		Addr:              addr,
		Handler:           withCORS(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *server) handleIntent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	defer r.Body.Close()
	var req intentRequestBody
	if err := decodeBody(r.Body, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := s.controller.Intent(r.Context(), req.SessionID, req.Message)
	if err != nil {
		s.logger.Warn("intent failed", zap.String("session_id", req.SessionID), zap.Error(err))
		http.Error(w, err.Error(), errorStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *server) handleTurns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	defer r.Body.Close()
	var req turnRequestBody
	if err := decodeBody(r.Body, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := s.runTurn(r.Context(), req)
	if err != nil {
		http.Error(w, err.Error(), errorStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *server) handleTurnsWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: isWebSocketOriginAllowed}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("turns ws upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxTurnsWSRequestBytes)

	for {
		var req wsTurnMessage
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			_ = conn.WriteJSON(wsTurnResult{Action: "turn.result", OK: false, Error: fmt.Sprintf("invalid request: %v", err)})
			return
		}
		if req.Action != "turn.run" {
			if err := conn.WriteJSON(wsTurnResult{Action: "turn.result", OK: false, Error: "unsupported action"}); err != nil {
				return
			}
			continue
		}

		result, err := s.runTurn(r.Context(), req.turnRequestBody)
		reply := wsTurnResult{Action: "turn.result", OK: err == nil}
		if err != nil {
			reply.Error = err.Error()
		} else {
			reply.Result = &result
		}
		if err := conn.WriteJSON(reply); err != nil {
			s.logger.Debug("turns ws write failed", zap.Error(err))
			return
		}
	}
}

func (s *server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sessionID := strings.TrimSpace(r.PathValue("id"))
	if sessionID == "" {
		http.Error(w, "session id is required", http.StatusBadRequest)
		return
	}

	state, err := session.Lookup(r.Context(), s.store, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load session", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *server) runTurn(ctx context.Context, req turnRequestBody) (dialog.TurnResult, error) {
	result, err := s.controller.RunTurn(ctx, dialog.TurnInput{
		SessionID:  req.SessionID,
		Message:    req.Message,
		AudioPath:  strings.TrimSpace(req.AudioFilePath),
		ImagePaths: imagePaths(req.ImageTransitionPath),
		ImageURLs:  req.ImageURLs,
	})
	if err != nil {
		s.logger.Warn("turn request failed", zap.String("session_id", result.SessionID), zap.Error(err))
		return dialog.TurnResult{}, err
	}
	return result, nil
}

// errorStatus maps controller errors onto HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, dialog.ErrNoProvider):
		return http.StatusInternalServerError
	case errors.Is(err, dialog.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrSessionQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, session.ErrSchedulerClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// imagePaths accepts the frame list either as a JSON string or as raw JSON
// (usually a list of lists of frame paths) and returns the text to inject.
func imagePaths(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	value := gjson.ParseBytes(raw)
	switch value.Type {
	case gjson.Null:
		return ""
	case gjson.String:
		return strings.TrimSpace(value.Str)
	default:
		return strings.TrimSpace(value.Raw)
	}
}

func decodeBody(body io.Reader, dst any) error {
	dec := json.NewDecoder(io.LimitReader(body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	if dec.More() {
		return errors.New("invalid json: trailing content")
	}
	return nil
}

// withCORS lets the editor plugin call the API from its embedded browser.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := w.Header()
		header.Set("Access-Control-Allow-Origin", "*")
		header.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		header.Set("Access-Control-Allow-Headers", "*")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func isWebSocketOriginAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	parsedOrigin, err := url.Parse(origin)
	if err != nil || strings.TrimSpace(parsedOrigin.Host) == "" {
		return false
	}
	return strings.EqualFold(parsedOrigin.Host, r.Host)
}

type intentRequestBody struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

type turnRequestBody struct {
	SessionID           string          `json:"session_id"`
	Message             string          `json:"message"`
	AudioFilePath       string          `json:"audio_file_path,omitempty"`
	ImageTransitionPath json.RawMessage `json:"image_transition_path,omitempty"`
	ImageURLs           []string        `json:"image_urls,omitempty"`
}

type wsTurnMessage struct {
	Action string `json:"action"`
	turnRequestBody
}

type wsTurnResult struct {
	Action string             `json:"action"`
	OK     bool               `json:"ok"`
	Error  string             `json:"error,omitempty"`
	Result *dialog.TurnResult `json:"result,omitempty"`
}
