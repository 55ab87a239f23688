package discord

import (
	"fmt"
	"strings"
	"time"

	"toolswitch-bot/backend/internal/orchestration"
	"toolswitch-bot/backend/internal/tools"
)

func formatNotice(tool tools.ToolName, confidence float64, st orchestration.TimeoutStatus) string {
	return fmt.Sprintf("🔧 **%s** auto-enabled (%.0f%% confidence). Back to **%s** %s. Use `/extend_timeout` to keep it or `/return_to_default` to switch back now.",
		tool.DisplayName(), confidence*100, st.DefaultTool.DisplayName(), relative(st.ExpiresAt))
}

func formatStatus(st orchestration.TimeoutStatus) string {
	if !st.Active {
		return fmt.Sprintf("You're on the default tool (**%s**). No timeout is running.", st.DefaultTool.DisplayName())
	}
	msg := fmt.Sprintf("**%s** is active. Returning to **%s** in %s (%s).",
		st.ActiveTool.DisplayName(), st.DefaultTool.DisplayName(), formatDuration(st.Remaining), relative(st.ExpiresAt))
	if st.ExtensionCount > 0 {
		msg += fmt.Sprintf(" Extended %d time(s).", st.ExtensionCount)
	}
	return msg
}

func formatExtended(st orchestration.TimeoutStatus) string {
	return fmt.Sprintf("⏱️ **%s** extended. Returning to **%s** in %s (%s).",
		st.ActiveTool.DisplayName(), st.DefaultTool.DisplayName(), formatDuration(st.Remaining), relative(st.ExpiresAt))
}

func formatReturned(st orchestration.TimeoutStatus) string {
	return fmt.Sprintf("✅ Back on **%s**.", st.DefaultTool.DisplayName())
}

func formatSwitched(st orchestration.TimeoutStatus) string {
	if !st.Active {
		return formatReturned(st)
	}
	return fmt.Sprintf("✅ Switched to **%s** for %s.", st.ActiveTool.DisplayName(), formatDuration(st.Remaining))
}

func formatSystemStatus(st orchestration.SystemStatus) string {
	var b strings.Builder
	enabled := "on"
	if !st.DetectionEnabled {
		enabled = "off"
	}
	fmt.Fprintf(&b, "**Auto-detection:** %s\n", enabled)
	fmt.Fprintf(&b, "**Default tool:** %s (timeout %s)\n", st.DefaultTool.DisplayName(), formatDuration(st.DefaultTimeout))
	fmt.Fprintf(&b, "**Active sessions:** %d (%d timers)\n", st.ActiveSessions, st.ActiveTimers)
	b.WriteString("```\n")
	fmt.Fprintf(&b, "%-20s %-8s %-10s %s\n", "TOOL", "ENABLED", "THRESHOLD", "TIMEOUT")
	for _, row := range st.Tools {
		fmt.Fprintf(&b, "%-20s %-8t %-10.2f %s\n", row.Tool, row.Enabled, row.Threshold, formatDuration(row.Timeout))
	}
	b.WriteString("```")
	return b.String()
}

func formatSensitivity(v orchestration.SensitivityView) string {
	var b strings.Builder
	if g := v.Global; g != nil {
		b.WriteString("**Global**\n```\n")
		fmt.Fprintf(&b, "enabled: %t\nconfidence_threshold: %.2f\nmessage_length: %d-%d\n", g.Enabled, g.ConfidenceThreshold, g.MinMessageLength, g.MaxMessageLength)
		fmt.Fprintf(&b, "cooldown_period: %s\nrepetition_penalty: %.2f over %s\n", g.CooldownPeriod, g.RepetitionPenalty, g.RepetitionWindow)
		fmt.Fprintf(&b, "require_explicit_keywords: %t\nfuzzy_matching: %t\ndefault_timeout: %s\n", g.RequireExplicitKeywords, g.FuzzyMatching, g.DefaultTimeout)
		b.WriteString("```\n")
	}
	for _, t := range v.Tools {
		fmt.Fprintf(&b, "**%s**\n```\n", t.Tool.DisplayName())
		fmt.Fprintf(&b, "enabled: %t\nconfidence_threshold: %.2f\ntimeout: %s\n", t.Enabled, t.ConfidenceThreshold, t.Timeout)
		if len(t.StrongKeywords) > 0 {
			fmt.Fprintf(&b, "strong_keywords: %s\n", strings.Join(t.StrongKeywords, ", "))
		}
		if len(t.WeakKeywords) > 0 {
			fmt.Fprintf(&b, "weak_keywords: %s (min %d)\n", strings.Join(t.WeakKeywords, ", "), t.MinWeakKeywordMatches)
		}
		for i, group := range t.KeywordGroups {
			fmt.Fprintf(&b, "group %d: %s\n", i+1, strings.Join(group, ", "))
		}
		if t.RequireBothKeywords {
			b.WriteString("require_both_keywords: true\n")
		}
		for _, p := range t.RequiredPatterns {
			fmt.Fprintf(&b, "required_pattern: %s\n", p)
		}
		b.WriteString("```\n")
	}
	return strings.TrimSpace(b.String())
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	return d.Round(time.Second).String()
}

// relative renders a Discord timestamp that each client shows as "in 3
// minutes"
func relative(t time.Time) string {
	return fmt.Sprintf("<t:%d:R>", t.Unix())
}
