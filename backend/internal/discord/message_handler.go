// Package discord is the chat transport: it gates incoming messages, runs
// them through tool detection and routes them to the active tool, and serves
// the session slash commands.
package discord

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"toolswitch-bot/backend/internal/adapter"
	"toolswitch-bot/backend/internal/orchestration"
	"toolswitch-bot/backend/internal/tools"
	"toolswitch-bot/backend/pkg/logger"
)

const (
	maxHistory     = 10
	messageTimeout = 2 * time.Minute
	errorReply     = "Sorry, I encountered an error processing your message."
)

// Dispatcher answers a message with the given tool
type Dispatcher interface {
	Dispatch(ctx context.Context, tool tools.ToolName, req tools.Request) (tools.Result, error)
}

// Handler handles Discord messages and interactions
type Handler struct {
	facade     *orchestration.Facade
	dispatcher Dispatcher
	history    *history
	logger     *zap.Logger
}

// NewHandler creates a new Discord handler
func NewHandler(facade *orchestration.Facade, dispatcher Dispatcher, log *zap.Logger) *Handler {
	return &Handler{
		facade:     facade,
		dispatcher: dispatcher,
		history:    newHistory(maxHistory),
		logger:     logger.OrNop(log),
	}
}

// HandleMessage processes a Discord message
func (h *Handler) HandleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	content, ok := messageText(s.State.User.ID, m)
	if !ok {
		return
	}

	h.logger.Info("Processing Discord message",
		zap.String("user_id", m.Author.ID),
		zap.String("channel_id", m.ChannelID),
		zap.Bool("is_dm", m.GuildID == ""),
	)

	ctx, cancel := context.WithTimeout(context.Background(), messageTimeout)
	defer cancel()

	_ = s.ChannelTyping(m.ChannelID)
	replies := h.respond(ctx, inbound{
		UserID:    m.Author.ID,
		GuildID:   m.GuildID,
		ChannelID: m.ChannelID,
		Content:   content,
	})
	for _, reply := range replies {
		h.sendLongMessage(s, m.ChannelID, reply)
	}
}

// inbound is a gated message, stripped of the bot mention
type inbound struct {
	UserID    string
	GuildID   string
	ChannelID string
	Content   string
}

// respond runs one message through detection and the active tool and
// returns what should be posted, in order
func (h *Handler) respond(ctx context.Context, in inbound) []string {
	entityID := h.facade.EntityFor(in.UserID, in.GuildID)

	var out []string
	if switched, tool, res := h.facade.HandleMessage(ctx, entityID, in.Content); switched {
		out = append(out, formatNotice(tool, res.Confidence, h.facade.TimeoutStatus(entityID)))
	}

	active := h.facade.ActiveTool(ctx, entityID)
	result, err := h.dispatcher.Dispatch(ctx, active, tools.Request{
		EntityID:  entityID,
		UserID:    in.UserID,
		ChannelID: in.ChannelID,
		Platform:  "discord",
		Text:      in.Content,
		History:   h.history.recent(entityID),
	})
	if err != nil {
		h.logger.Error("Failed to process message",
			zap.Error(err),
			zap.String("entity_id", entityID),
			zap.String("tool", active.String()),
		)
		return append(out, errorReply)
	}

	h.history.add(entityID, in.Content, result.Content)
	if result.Content != "" {
		out = append(out, formatReply(result.Content))
	}
	return out
}

// messageText applies the reply gate: the bot answers DMs and messages that
// mention it, never other bots. The mention prefix is stripped.
func messageText(botID string, m *discordgo.MessageCreate) (string, bool) {
	if m.Author == nil || m.Author.ID == botID || m.Author.Bot {
		return "", false
	}

	isDM := m.GuildID == ""
	isMentioned := false
	for _, mention := range m.Mentions {
		if mention.ID == botID {
			isMentioned = true
			break
		}
	}

	content := strings.TrimSpace(m.Content)
	for _, prefix := range []string{"<@" + botID + ">", "<@!" + botID + ">"} {
		if strings.HasPrefix(content, prefix) {
			isMentioned = true
			content = strings.TrimSpace(strings.TrimPrefix(content, prefix))
		}
	}

	if !isDM && !isMentioned {
		return "", false
	}
	if content == "" {
		return "", false
	}
	return content, true
}

// history keeps the last few turns per entity as LLM context
type history struct {
	mu    sync.Mutex
	limit int
	turns map[string][]adapter.Message
}

func newHistory(limit int) *history {
	return &history{limit: limit, turns: make(map[string][]adapter.Message)}
}

func (h *history) recent(entityID string) []adapter.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	turns := h.turns[entityID]
	if len(turns) == 0 {
		return nil
	}
	out := make([]adapter.Message, len(turns))
	copy(out, turns)
	return out
}

func (h *history) add(entityID, userMsg, reply string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	turns := append(h.turns[entityID],
		adapter.Message{Role: "user", Content: userMsg},
		adapter.Message{Role: "assistant", Content: reply},
	)
	if len(turns) > h.limit {
		turns = append([]adapter.Message(nil), turns[len(turns)-h.limit:]...)
	}
	h.turns[entityID] = turns
}
