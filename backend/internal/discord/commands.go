package discord

import (
	"context"
	"strings"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"toolswitch-bot/backend/internal/tools"
	apperrors "toolswitch-bot/backend/pkg/errors"
)

// Slash command names
const (
	cmdTimeoutStatus    = "timeout_status"
	cmdExtendTimeout    = "extend_timeout"
	cmdReturnToDefault  = "return_to_default"
	cmdAutoReturnStatus = "auto_return_status"
	cmdSwitchTool       = "switch_tool"
	cmdSensitivity      = "sensitivity"

	subView = "view"
	subSet  = "set"
)

const permissionDenied = "You need the Manage Server permission to change sensitivity settings."

// Commands returns the slash command definitions
func Commands() []*discordgo.ApplicationCommand {
	toolChoices := make([]*discordgo.ApplicationCommandOptionChoice, 0, len(tools.All()))
	for _, t := range tools.All() {
		toolChoices = append(toolChoices, &discordgo.ApplicationCommandOptionChoice{Name: t.DisplayName(), Value: string(t)})
	}
	targetChoices := append([]*discordgo.ApplicationCommandOptionChoice{{Name: "Global", Value: "global"}}, toolChoices[1:]...)

	return []*discordgo.ApplicationCommand{
		{Name: cmdTimeoutStatus, Description: "Show the active tool and when it returns to the default"},
		{
			Name:        cmdExtendTimeout,
			Description: "Keep the active tool for longer",
			Options: []*discordgo.ApplicationCommandOption{{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "duration",
				Description: "How much longer, e.g. 5m, 2h or 1d",
				Required:    true,
			}},
		},
		{Name: cmdReturnToDefault, Description: "Switch back to the default tool now"},
		{Name: cmdAutoReturnStatus, Description: "Show auto-detection settings and active sessions"},
		{
			Name:        cmdSwitchTool,
			Description: "Switch to a tool for its configured timeout",
			Options: []*discordgo.ApplicationCommandOption{{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "tool",
				Description: "Tool to use",
				Required:    true,
				Choices:     toolChoices,
			}},
		},
		{
			Name:        cmdSensitivity,
			Description: "View or change tool detection rules",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        subView,
					Description: "Show the rules for one tool or all of them",
					Options: []*discordgo.ApplicationCommandOption{{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "tool",
						Description: "Tool to show; omit for everything",
						Choices:     targetChoices,
					}},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        subSet,
					Description: "Change one rule field (Manage Server only)",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        "target",
							Description: "Tool name or global",
							Required:    true,
							Choices:     targetChoices,
						},
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        "field",
							Description: "Field name, e.g. confidence_threshold",
							Required:    true,
						},
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        "value",
							Description: "New value",
							Required:    true,
						},
					},
				},
			},
		},
	}
}

// RegisterCommands installs the slash commands, for one guild when guildID is
// set and globally otherwise
func RegisterCommands(s *discordgo.Session, guildID string) error {
	_, err := s.ApplicationCommandBulkOverwrite(s.State.User.ID, guildID, Commands())
	return err
}

// command is a parsed slash command invocation
type command struct {
	Name      string
	Sub       string
	Options   map[string]string
	EntityID  string
	Actor     string
	CanManage bool
}

// HandleInteraction answers slash commands. Replies are ephemeral.
func (h *Handler) HandleInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	cmd := parseInteraction(i)
	cmd.EntityID = h.facade.EntityFor(cmd.Actor, i.GuildID)

	ctx, cancel := context.WithTimeout(context.Background(), messageTimeout)
	defer cancel()
	reply := h.runCommand(ctx, cmd)

	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: truncate(reply, maxMessageLength),
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})
	if err != nil {
		h.logger.Error("Failed to respond to interaction",
			zap.String("command", cmd.Name),
			zap.Error(err),
		)
	}
}

func parseInteraction(i *discordgo.InteractionCreate) command {
	data := i.ApplicationCommandData()
	cmd := command{Name: data.Name, Options: make(map[string]string)}

	switch {
	case i.Member != nil && i.Member.User != nil:
		cmd.Actor = i.Member.User.ID
		perms := i.Member.Permissions
		cmd.CanManage = perms&discordgo.PermissionManageGuild != 0 || perms&discordgo.PermissionAdministrator != 0
	case i.User != nil:
		cmd.Actor = i.User.ID
	}

	opts := data.Options
	if len(opts) == 1 && opts[0].Type == discordgo.ApplicationCommandOptionSubCommand {
		cmd.Sub = opts[0].Name
		opts = opts[0].Options
	}
	for _, o := range opts {
		if o.Type == discordgo.ApplicationCommandOptionString {
			cmd.Options[o.Name] = o.StringValue()
		}
	}
	return cmd
}

// runCommand executes cmd and returns the reply text
func (h *Handler) runCommand(ctx context.Context, cmd command) string {
	h.logger.Info("Slash command",
		zap.String("command", cmd.Name),
		zap.String("sub", cmd.Sub),
		zap.String("entity_id", cmd.EntityID),
	)

	switch cmd.Name {
	case cmdTimeoutStatus:
		return formatStatus(h.facade.TimeoutStatus(cmd.EntityID))

	case cmdExtendTimeout:
		st, err := h.facade.ExtendTimeout(ctx, cmd.EntityID, cmd.Options["duration"])
		if err != nil {
			return h.commandError(cmd, err)
		}
		return formatExtended(st)

	case cmdReturnToDefault:
		st, err := h.facade.ReturnToDefault(ctx, cmd.EntityID)
		if err != nil {
			return h.commandError(cmd, err)
		}
		return formatReturned(st)

	case cmdAutoReturnStatus:
		return formatSystemStatus(h.facade.SystemStatus())

	case cmdSwitchTool:
		st, err := h.facade.SwitchTool(ctx, cmd.EntityID, cmd.Options["tool"])
		if err != nil {
			return h.commandError(cmd, err)
		}
		return formatSwitched(st)

	case cmdSensitivity:
		switch cmd.Sub {
		case subView:
			view, err := h.facade.Sensitivity(cmd.Options["tool"])
			if err != nil {
				return h.commandError(cmd, err)
			}
			return formatSensitivity(view)
		case subSet:
			if !cmd.CanManage {
				return permissionDenied
			}
			target := cmd.Options["target"]
			view, err := h.facade.SetSensitivity(ctx, cmd.Actor, target, cmd.Options["field"], cmd.Options["value"])
			if err != nil {
				return h.commandError(cmd, err)
			}
			return "✅ Updated.\n" + formatSensitivity(view)
		}
	}
	return "Unknown command."
}

func (h *Handler) commandError(cmd command, err error) string {
	h.logger.Debug("Command rejected",
		zap.String("command", cmd.Name),
		zap.String("entity_id", cmd.EntityID),
		zap.Error(err),
	)
	return apperrors.UserMessage(err)
}

// truncate limits s to n characters, closing an open code fence
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	cut := string(runes[:n-3])
	if strings.Count(cut, "```")%2 == 1 {
		cut = string(runes[:n-7]) + "\n```"
	}
	return cut + "..."
}
