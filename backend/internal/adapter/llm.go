package adapter

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"toolswitch-bot/backend/pkg/logger"
)

const maxRetries = 3

// LLMAdapter handles communication with the LLM via LiteLLM
type LLMAdapter struct {
	client  *openai.Client
	model   string
	mu      sync.RWMutex // Protects model field for concurrent access
	backoff time.Duration
	logger  *zap.Logger
}

// NewLLMAdapter creates a new LLM adapter
func NewLLMAdapter(baseURL, apiKey, modelID string) *LLMAdapter {
	// For LiteLLM, we can use a dummy API key if not provided
	if apiKey == "" {
		apiKey = "dummy-key"
	}

	config := openai.DefaultConfig(apiKey)
	config.BaseURL = strings.TrimRight(baseURL, "/") + "/v1"

	return &LLMAdapter{
		client:  openai.NewClientWithConfig(config),
		model:   modelID,
		backoff: time.Second,
		logger:  logger.Named("llm"),
	}
}

// SetModel updates the model used by this adapter
func (a *LLMAdapter) SetModel(model string) {
	if model != "" {
		a.mu.Lock()
		a.model = model
		a.mu.Unlock()
		a.logger.Debug("LLM adapter model updated", zap.String("model", model))
	}
}

// GetModel returns the current model
func (a *LLMAdapter) GetModel() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.model
}

// Message is one prior turn passed as context
type Message struct {
	Role    string // "user" or "assistant"
	Content string
}

// Response represents the LLM's response
type Response struct {
	Content      string
	FinishReason string
	TotalTokens  int
}

// Generate sends the system prompt, any prior turns and the user message to
// the LLM and returns its reply
func (a *LLMAdapter) Generate(ctx context.Context, systemPrompt string, history []Message, userMsg string) (*Response, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	if systemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: systemPrompt,
		})
	}
	for _, m := range history {
		role := openai.ChatMessageRoleUser
		if m.Role == openai.ChatMessageRoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: userMsg,
	})

	currentModel := a.GetModel()
	req := openai.ChatCompletionRequest{
		Model:       currentModel,
		Messages:    messages,
		Temperature: 0.7,
	}

	// Retry logic with linear backoff
	var resp openai.ChatCompletionResponse
	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * a.backoff
			a.logger.Warn("Retrying LLM request",
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", backoff),
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		resp, err = a.client.CreateChatCompletion(ctx, req)
		if err == nil {
			break
		}

		errMsg := err.Error()
		a.logger.Error("LLM request failed",
			zap.Error(err),
			zap.Int("attempt", attempt+1),
			zap.String("model", currentModel),
		)

		// Check if it's a JSON parsing error (likely server returned non-JSON error)
		if strings.Contains(errMsg, "invalid character") || strings.Contains(errMsg, "json") {
			a.logger.Warn("LLM service returned non-JSON error response - this may be a transient server issue",
				zap.String("error", errMsg),
			)
		}
	}

	if err != nil {
		return nil, fmt.Errorf("failed to generate response after %d attempts: %w", maxRetries, err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in LLM response")
	}

	choice := resp.Choices[0]
	response := &Response{
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		TotalTokens:  resp.Usage.TotalTokens,
	}

	a.logger.Debug("LLM response generated",
		zap.String("model", currentModel),
		zap.Int("total_tokens", response.TotalTokens),
		zap.Bool("has_content", response.Content != ""),
	)

	return response, nil
}
