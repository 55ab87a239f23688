package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"toolswitch-bot/backend/internal/adapter"
	apperrors "toolswitch-bot/backend/pkg/errors"
	"toolswitch-bot/backend/pkg/logger"
)

// ChatPrompt is the system prompt for the default tool
const ChatPrompt = "You are a friendly Discord assistant. Keep answers short and conversational."

// Request is one message routed to a tool
type Request struct {
	EntityID  string
	UserID    string
	ChannelID string
	Platform  string // "discord", "api"
	Text      string
	History   []adapter.Message
}

// Result is a tool's reply
type Result struct {
	Tool    ToolName `json:"tool"`
	Content string   `json:"content"`
}

// Handler answers requests for one tool
type Handler interface {
	Handle(ctx context.Context, tool ToolName, req Request) (string, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, tool ToolName, req Request) (string, error)

func (f HandlerFunc) Handle(ctx context.Context, tool ToolName, req Request) (string, error) {
	return f(ctx, tool, req)
}

// Generator produces an LLM completion
type Generator interface {
	Generate(ctx context.Context, systemPrompt string, history []adapter.Message, userMsg string) (*adapter.Response, error)
}

// PromptSource supplies the system prompt configured for a tool
type PromptSource interface {
	Prompt(tool ToolName) string
}

// PromptHandler answers with the LLM, steered by the active tool's system
// prompt. Tools without a prompt use ChatPrompt.
type PromptHandler struct {
	llm     Generator
	prompts PromptSource
}

func NewPromptHandler(llm Generator, prompts PromptSource) *PromptHandler {
	return &PromptHandler{llm: llm, prompts: prompts}
}

func (h *PromptHandler) Handle(ctx context.Context, tool ToolName, req Request) (string, error) {
	prompt := ChatPrompt
	if h.prompts != nil {
		if p := strings.TrimSpace(h.prompts.Prompt(tool)); p != "" {
			prompt = p
		}
	}
	resp, err := h.llm.Generate(ctx, prompt, req.History, req.Text)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}

// Dispatcher routes a request to the handler registered for the entity's
// active tool, falling back to the default handler
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[ToolName]Handler
	fallback Handler
	logger   *zap.Logger
}

// NewDispatcher creates a dispatcher whose unregistered tools go to fallback
func NewDispatcher(fallback Handler, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[ToolName]Handler),
		fallback: fallback,
		logger:   logger.OrNop(log),
	}
}

// Register installs h for tool, replacing any previous handler
func (d *Dispatcher) Register(tool ToolName, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[tool] = h
}

// Dispatch runs the handler for tool
func (d *Dispatcher) Dispatch(ctx context.Context, tool ToolName, req Request) (Result, error) {
	if !tool.Valid() {
		return Result{}, fmt.Errorf("dispatch: %w", apperrors.NewUnknownTool(string(tool)))
	}
	d.mu.RLock()
	h, ok := d.handlers[tool]
	d.mu.RUnlock()
	if !ok {
		h = d.fallback
	}
	if h == nil {
		return Result{}, fmt.Errorf("dispatch: no handler for %s", tool)
	}

	content, err := h.Handle(ctx, tool, req)
	if err != nil {
		d.logger.Error("Tool handler failed",
			zap.String("tool", tool.String()),
			zap.String("entity_id", req.EntityID),
			zap.Error(err),
		)
		return Result{}, fmt.Errorf("%s: %w", tool, err)
	}

	d.logger.Debug("Tool handled message",
		zap.String("tool", tool.String()),
		zap.String("entity_id", req.EntityID),
		zap.Int("reply_length", len(content)),
	)
	return Result{Tool: tool, Content: content}, nil
}
