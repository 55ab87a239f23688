package discord

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

const (
	maxMessageLength = 2000
	// room for the "*(Part X/Y)*" suffix
	partIndicatorReserve = 20
	fenceClose           = "\n```"
)

var (
	codeBlockPattern = regexp.MustCompile("(?s)```.*?```")
	headerPattern    = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)
)

// formatReply converts markdown headers, which Discord does not render, to
// bold. Code blocks are left untouched.
func formatReply(content string) string {
	var b strings.Builder
	last := 0
	for _, loc := range codeBlockPattern.FindAllStringIndex(content, -1) {
		b.WriteString(headerPattern.ReplaceAllString(content[last:loc[0]], "**$1**"))
		b.WriteString(content[loc[0]:loc[1]])
		last = loc[1]
	}
	b.WriteString(headerPattern.ReplaceAllString(content[last:], "**$1**"))
	return strings.TrimSpace(b.String())
}

func (h *Handler) sendLongMessage(s *discordgo.Session, channelID, content string) {
	if len(content) <= maxMessageLength {
		if _, err := s.ChannelMessageSend(channelID, content); err != nil {
			h.logger.Error("Failed to send message",
				zap.Error(err),
				zap.String("channel_id", channelID),
			)
		}
		return
	}

	chunks := splitMessage(content, maxMessageLength-partIndicatorReserve)
	for i, chunk := range chunks {
		message := chunk
		if len(chunks) > 1 {
			message = fmt.Sprintf("%s\n*(Part %d/%d)*", chunk, i+1, len(chunks))
		}

		if _, err := s.ChannelMessageSend(channelID, message); err != nil {
			h.logger.Error("Failed to send message chunk",
				zap.Error(err),
				zap.String("channel_id", channelID),
				zap.Int("chunk", i+1),
				zap.Int("total_chunks", len(chunks)),
			)
			break
		}

		if i < len(chunks)-1 {
			time.Sleep(100 * time.Millisecond)
		}
	}
}

// splitMessage splits content into chunks of at most maxLength bytes,
// preferring line boundaries. A code block cut across chunks is closed at the
// end of one chunk and reopened, with its language tag, at the start of the
// next.
func splitMessage(content string, maxLength int) []string {
	if len(content) <= maxLength {
		return []string{content}
	}

	width := maxLength - 32
	if width < maxLength/2 {
		width = maxLength / 2
	}

	var chunks []string
	var cur strings.Builder
	fence := ""

	flush := func() {
		text := cur.String()
		if fence != "" {
			text += fenceClose
		}
		chunks = append(chunks, text)
		cur.Reset()
		if fence != "" {
			cur.WriteString(fence)
		}
	}

	for _, line := range strings.Split(content, "\n") {
		for _, piece := range wrapLine(line, width) {
			if cur.Len() > 0 && cur.Len()+1+len(piece)+len(fenceClose) > maxLength {
				flush()
			}
			if cur.Len() > 0 {
				cur.WriteByte('\n')
			}
			cur.WriteString(piece)
		}

		if trimmed := strings.TrimSpace(line); strings.HasPrefix(trimmed, "```") {
			if fence == "" {
				fence = trimmed
			} else {
				fence = ""
			}
		}
	}
	if cur.Len() > 0 {
		chunks = append(chunks, cur.String())
	}
	return chunks
}

// wrapLine breaks a line longer than width, at a space when one is near the
// end of the window and never inside a UTF-8 sequence
func wrapLine(line string, width int) []string {
	var out []string
	for len(line) > width {
		cut := width
		if space := strings.LastIndex(line[:width], " "); space > width*3/4 {
			cut = space + 1
		}
		for cut > 0 && !utf8.RuneStart(line[cut]) {
			cut--
		}
		if cut == 0 {
			cut = width
		}
		out = append(out, line[:cut])
		line = line[cut:]
	}
	return append(out, line)
}
