package dialog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"crabstack.local/projects/crab-cut/internal/dispatch"
	"crabstack.local/projects/crab-cut/internal/ids"
	"crabstack.local/projects/crab-cut/internal/model"
	"crabstack.local/projects/crab-cut/internal/reconcile"
	"crabstack.local/projects/crab-cut/internal/session"
	"crabstack.local/projects/crab-cut/internal/tools"
)

const (
	DefaultSummaryThreshold = 6
	DefaultMaxToolRounds    = 10
	DefaultMaxTokens        = 4096
	DefaultQueueSize        = 16

	DefaultSystemPrompt = "You are an AI Assistant for Adobe Premiere Pro. " +
		"You can chat normally or use tools to edit video. " +
		"If the user asks to trim silence, use the 'trim_silence' tool. " +
		"If the user asks for transitions between clips, use the 'add_transition' tool with one vibe and one duration per cut. " +
		"If the user asks to find swear words, use the 'curseword_detect' tool. " +
		"Always confirm when you have completed an action."
)

var (
	ErrNoProvider   = errors.New("no model provider configured")
	ErrToolRounds   = errors.New("tool round limit exceeded")
	ErrEmptyMessage = errors.New("message is required")
)

// TurnInput is one user request plus the media context the editor gathered.
type TurnInput struct {
	SessionID  string
	Message    string
	AudioPath  string
	ImagePaths string
	ImageURLs  []string
}

type TurnResult struct {
	SessionID    string              `json:"session_id"`
	ResponseText string              `json:"response_text"`
	Commands     []reconcile.Command `json:"commands"`
	Turn         int64               `json:"turn"`
	Summarized   bool                `json:"summarized,omitempty"`
}

type Controller struct {
	logger     *zap.Logger
	store      session.Store
	provider   model.Provider
	tools      *tools.Registry
	reconciler *reconcile.Reconciler
	dispatcher *dispatch.Dispatcher
	scheduler  *session.Scheduler

	modelName        string
	temperature      float64
	maxTokens        int
	summaryThreshold int
	maxToolRounds    int
	turnTimeout      time.Duration
	queueSize        int
	systemPrompt     string
}

type Option func(*Controller)

func WithModel(name string) Option {
	return func(c *Controller) { c.modelName = strings.TrimSpace(name) }
}

func WithTemperature(t float64) Option {
	return func(c *Controller) { c.temperature = t }
}

func WithMaxTokens(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.maxTokens = n
		}
	}
}

func WithSummaryThreshold(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.summaryThreshold = n
		}
	}
}

func WithMaxToolRounds(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.maxToolRounds = n
		}
	}
}

func WithTurnTimeout(d time.Duration) Option {
	return func(c *Controller) { c.turnTimeout = d }
}

func WithQueueSize(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.queueSize = n
		}
	}
}

func WithSystemPrompt(prompt string) Option {
	return func(c *Controller) {
		if strings.TrimSpace(prompt) != "" {
			c.systemPrompt = prompt
		}
	}
}

func WithDispatcher(d *dispatch.Dispatcher) Option {
	return func(c *Controller) { c.dispatcher = d }
}

func WithReconciler(r *reconcile.Reconciler) Option {
	return func(c *Controller) {
		if r != nil {
			c.reconciler = r
		}
	}
}

// New builds a Controller. provider may be nil; turns then fail with
// ErrNoProvider.
func New(logger *zap.Logger, store session.Store, provider model.Provider, registry *tools.Registry, opts ...Option) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if registry == nil {
		registry = tools.NewRegistry()
	}
	c := &Controller{
		logger:           logger,
		store:            store,
		provider:         provider,
		tools:            registry,
		summaryThreshold: DefaultSummaryThreshold,
		maxToolRounds:    DefaultMaxToolRounds,
		maxTokens:        DefaultMaxTokens,
		queueSize:        DefaultQueueSize,
		systemPrompt:     DefaultSystemPrompt,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.reconciler == nil {
		c.reconciler = reconcile.New(logger.Named("reconcile"))
	}
	c.scheduler = session.NewScheduler(logger.Named("scheduler"), c.queueSize)
	return c
}

func (c *Controller) Close() {
	c.scheduler.Close()
}

// Tools exposes the registry bound to the model.
func (c *Controller) Tools() *tools.Registry {
	return c.tools
}

// RunTurn runs one turn, serialized with other turns of the same session.
// An omitted session id gets a fresh one.
func (c *Controller) RunTurn(ctx context.Context, in TurnInput) (TurnResult, error) {
	in.SessionID = strings.TrimSpace(in.SessionID)
	if in.SessionID == "" {
		in.SessionID = ids.NewSession()
	}
	if strings.TrimSpace(in.Message) == "" {
		return TurnResult{SessionID: in.SessionID}, ErrEmptyMessage
	}
	if c.provider == nil {
		return TurnResult{SessionID: in.SessionID}, ErrNoProvider
	}

	var result TurnResult
	err := c.scheduler.Do(ctx, in.SessionID, func(jobCtx context.Context) error {
		var runErr error
		result, runErr = c.runTurn(jobCtx, in)
		return runErr
	})
	if err != nil {
		return TurnResult{SessionID: in.SessionID}, err
	}
	return result, nil
}

func (c *Controller) runTurn(ctx context.Context, in TurnInput) (TurnResult, error) {
	if c.turnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.turnTimeout)
		defer cancel()
	}

	state, err := c.store.Get(ctx, in.SessionID)
	if err != nil {
		return TurnResult{}, fmt.Errorf("load session: %w", err)
	}
	turn := state.Turn + 1
	logger := c.logger.With(zap.String("session_id", in.SessionID), zap.Int64("turn", turn))
	started := time.Now()
	c.emit(ctx, eventTurnStarted(in, turn))
	logger.Info("turn start")

	result, err := c.execute(ctx, logger, in, state, turn)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
		}
		c.emit(ctx, eventTurnFailed(in.SessionID, turn, err))
		logger.Warn("turn failed", zap.Error(err), zap.Duration("elapsed", time.Since(started)))
		return TurnResult{}, err
	}

	c.emit(ctx, eventTurnCompleted(result))
	logger.Info("turn complete",
		zap.Int("commands", len(result.Commands)),
		zap.Bool("summarized", result.Summarized),
		zap.Duration("elapsed", time.Since(started)),
	)
	return result, nil
}

// execute drives AGENT -> (TOOLS -> AGENT)* -> (SUMMARIZE | END) and commits
// the accumulated delta once.
func (c *Controller) execute(ctx context.Context, logger *zap.Logger, in TurnInput, state session.State, turn int64) (TurnResult, error) {
	live := make([]session.Message, len(state.Messages), len(state.Messages)+8)
	copy(live, state.Messages)
	var delta []session.Message
	add := func(msg session.Message) {
		msg.ID = ids.New()
		msg.Turn = turn
		live = append(live, msg)
		delta = append(delta, msg)
	}

	if len(live) == 0 {
		add(session.Message{Role: session.RoleSystem, Content: c.systemPrompt})
	}
	add(c.humanMessage(in))

	cc := tools.CallContext{
		SessionID:  in.SessionID,
		Turn:       turn,
		AudioPath:  in.AudioPath,
		ImagePaths: in.ImagePaths,
	}

	var (
		summary    *string
		removeIDs  []string
		toolRounds int
		trace      []session.Message
	)
	current := StateAgent
loop:
	for {
		logger.Debug("dialog state", zap.String("state", string(current)))
		switch current {
		case StateAgent:
			reply, err := c.agent(ctx, state.Summary, live)
			if err != nil {
				return TurnResult{}, err
			}
			add(reply)
			current = Next(live, c.summaryThreshold)

		case StateTools:
			if toolRounds >= c.maxToolRounds {
				return TurnResult{}, fmt.Errorf("%w (%d)", ErrToolRounds, c.maxToolRounds)
			}
			toolRounds++
			results, err := c.runTools(ctx, logger, cc, live[len(live)-1])
			if err != nil {
				return TurnResult{}, err
			}
			for _, msg := range results {
				add(msg)
			}
			current = StateAgent

		case StateSummarize:
			trace = append([]session.Message(nil), live...)
			folded, text, err := c.summarize(ctx, state.Summary, live)
			if err != nil {
				return TurnResult{}, err
			}
			if len(folded) > 0 {
				summary = &text
				for _, msg := range folded {
					removeIDs = append(removeIDs, msg.ID)
					delta = append(delta, session.Message{Role: session.RoleRemove, TargetID: msg.ID, Turn: turn})
				}
				logger.Info("session summarized", zap.Int("folded", len(folded)))
			}
			break loop

		case StateEnd:
			trace = live
			break loop
		}
	}

	final := trace[len(trace)-1]
	committed, err := c.store.Commit(ctx, in.SessionID, session.Delta{Messages: delta, Summary: summary})
	if err != nil {
		return TurnResult{}, fmt.Errorf("commit turn: %w", err)
	}

	commands := c.reconciler.Reconcile(trace, turn)
	if commands == nil {
		commands = []reconcile.Command{}
	}
	return TurnResult{
		SessionID:    in.SessionID,
		ResponseText: final.Content,
		Commands:     commands,
		Turn:         committed.Turn,
		Summarized:   len(removeIDs) > 0,
	}, nil
}

func (c *Controller) humanMessage(in TurnInput) session.Message {
	content := humanContent(in)
	msg := session.Message{Role: session.RoleHuman, Content: content}
	if len(in.ImageURLs) == 0 {
		return msg
	}
	msg.Blocks = append(msg.Blocks, session.ContentBlock{Type: model.BlockText, Text: content})
	for _, url := range in.ImageURLs {
		if url = strings.TrimSpace(url); url != "" {
			msg.Blocks = append(msg.Blocks, session.ContentBlock{Type: model.BlockImage, ImageURL: url})
		}
	}
	return msg
}

func (c *Controller) agent(ctx context.Context, summary string, live []session.Message) (session.Message, error) {
	resp, err := c.provider.Complete(ctx, model.CompletionRequest{
		Model:       c.modelName,
		Messages:    buildModelMessages(summary, live),
		Tools:       c.tools.Definitions(),
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	})
	if err != nil {
		return session.Message{}, fmt.Errorf("complete: %w", err)
	}

	msg := session.Message{Role: session.RoleAssistant, Content: strings.TrimSpace(resp.Content)}
	for _, use := range resp.ToolUses() {
		id := strings.TrimSpace(use.ID)
		if id == "" {
			id = "call_" + ids.New()
		}
		msg.ToolCalls = append(msg.ToolCalls, session.ToolCall{ID: id, Name: use.Name, Arguments: use.Input})
	}
	if msg.Content == "" && len(msg.ToolCalls) == 0 {
		return session.Message{}, model.ErrEmptyResponse
	}
	return msg, nil
}

// runTools executes every pending call of assistant in order.
func (c *Controller) runTools(ctx context.Context, logger *zap.Logger, cc tools.CallContext, assistant session.Message) ([]session.Message, error) {
	out := make([]session.Message, 0, len(assistant.ToolCalls))
	for _, call := range assistant.ToolCalls {
		callLogger := logger.With(zap.String("tool_name", call.Name), zap.String("tool_call_id", call.ID))
		callLogger.Info("tool call start")
		payload, action, err := c.tools.Execute(ctx, cc, tools.Invocation{
			ID:        call.ID,
			Name:      call.Name,
			Arguments: call.Arguments,
		})
		if err != nil {
			callLogger.Warn("tool call failed", zap.Error(err))
			return nil, fmt.Errorf("tool %s: %w", call.Name, err)
		}
		callLogger.Info("tool call result", zap.String("action", action))
		out = append(out, session.Message{
			Role:       session.RoleTool,
			Content:    string(payload),
			ToolCallID: call.ID,
			ToolName:   call.Name,
			ActionType: action,
		})
	}
	return out, nil
}

func (c *Controller) emit(ctx context.Context, event eventDraft) {
	if c.dispatcher == nil {
		return
	}
	c.dispatcher.Dispatch(ctx, event.build())
}
