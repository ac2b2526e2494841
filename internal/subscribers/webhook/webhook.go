// Package webhook posts turn lifecycle events to an HTTP endpoint, such as an
// editor companion service that applies commands as turns complete.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"crabstack.local/projects/crab-cut/internal/subscribers"
)

const (
	defaultHTTPTimeout = 10 * time.Second
	maxErrorBodyBytes  = 1 << 20

	HeaderEvent    = "X-Crab-Cut-Event"
	HeaderDelivery = "X-Crab-Cut-Delivery"
	HeaderSession  = "X-Crab-Cut-Session"
	HeaderTurn     = "X-Crab-Cut-Turn"
)

// Filter decides whether an event is posted.
type Filter func(subscribers.Event) bool

type Option func(*WebhookSubscriber)

type WebhookSubscriber struct {
	name       string
	URL        string
	httpClient *http.Client
	logger     *zap.Logger
	filters    []Filter
}

func New(name string, url string, logger *zap.Logger, opts ...Option) *WebhookSubscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	sub := &WebhookSubscriber{
		name:       strings.TrimSpace(name),
		URL:        strings.TrimSpace(url),
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		logger:     logger,
	}
	if sub.name == "" {
		sub.name = "webhook"
	}
	for _, opt := range opts {
		if opt != nil {
			opt(sub)
		}
	}
	return sub
}

func WithHTTPClient(client *http.Client) Option {
	return func(s *WebhookSubscriber) {
		if client != nil {
			s.httpClient = client
		}
	}
}

// WithFilter adds a filter; an event is posted only when every filter passes.
func WithFilter(filter Filter) Option {
	return func(s *WebhookSubscriber) {
		if filter != nil {
			s.filters = append(s.filters, filter)
		}
	}
}

// WithEventTypes posts only the listed lifecycle events.
func WithEventTypes(types ...subscribers.EventType) Option {
	allowed := make(map[subscribers.EventType]struct{}, len(types))
	for _, t := range types {
		allowed[t] = struct{}{}
	}
	return WithFilter(func(event subscribers.Event) bool {
		_, ok := allowed[event.EventType]
		return ok
	})
}

// WithCommandsOnly posts only completed turns that produced editor commands.
func WithCommandsOnly() Option {
	return WithFilter(func(event subscribers.Event) bool {
		return event.EventType == subscribers.EventTypeTurnCompleted && len(Commands(event)) > 0
	})
}

func (s *WebhookSubscriber) Name() string {
	return s.name
}

func (s *WebhookSubscriber) Handle(ctx context.Context, event subscribers.Event) error {
	for _, filter := range s.filters {
		if !filter(event) {
			return nil
		}
	}

	body, err := encodeDelivery(event)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(event.EventType))
	req.Header.Set(HeaderDelivery, event.EventID)
	req.Header.Set(HeaderSession, event.SessionID)
	req.Header.Set(HeaderTurn, strconv.FormatInt(event.Turn, 10))

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		s.logger.Debug("webhook delivered",
			zap.String("subscriber", s.name),
			zap.String("event_id", event.EventID),
			zap.String("session_id", event.SessionID),
			zap.Int64("turn", event.Turn),
			zap.Int("status", resp.StatusCode),
		)
		return nil
	}

	limited := io.LimitReader(resp.Body, maxErrorBodyBytes+1)
	errorBody, err := io.ReadAll(limited)
	if err != nil {
		return fmt.Errorf("webhook status=%d read body: %w", resp.StatusCode, err)
	}
	truncated := ""
	if len(errorBody) > maxErrorBodyBytes {
		errorBody = errorBody[:maxErrorBodyBytes]
		truncated = " (truncated)"
	}
	return fmt.Errorf("webhook status=%d body=%q%s", resp.StatusCode, string(errorBody), truncated)
}

// encodeDelivery is the event plus a one-line summary for chat-style
// receivers.
func encodeDelivery(event subscribers.Event) ([]byte, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	body, err = sjson.SetBytes(body, "summary", Summary(event))
	if err != nil {
		return nil, fmt.Errorf("annotate event: %w", err)
	}
	return body, nil
}

// Summary renders an event as one line, e.g.
// "session s1 turn 3 completed: add_transition, trim_silence".
func Summary(event subscribers.Event) string {
	prefix := fmt.Sprintf("session %s turn %d", event.SessionID, event.Turn)
	switch event.EventType {
	case subscribers.EventTypeTurnStarted:
		return prefix + " started"
	case subscribers.EventTypeTurnCompleted:
		commands := Commands(event)
		if len(commands) == 0 {
			return prefix + " completed without edits"
		}
		return prefix + " completed: " + strings.Join(commands, ", ")
	case subscribers.EventTypeTurnFailed:
		if msg, ok := event.Payload["error"].(string); ok && msg != "" {
			return prefix + " failed: " + msg
		}
		return prefix + " failed"
	default:
		return prefix + " " + string(event.EventType)
	}
}

// Commands returns the command actions of a turn.completed payload, whether
// it was built in process or decoded from JSON.
func Commands(event subscribers.Event) []string {
	switch typed := event.Payload["commands"].(type) {
	case []string:
		return typed
	case []any:
		out := make([]string, 0, len(typed))
		for _, item := range typed {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
