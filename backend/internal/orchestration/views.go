package orchestration

import (
	"strings"
	"time"

	"toolswitch-bot/backend/internal/sensitivity"
	"toolswitch-bot/backend/internal/session"
	"toolswitch-bot/backend/internal/tools"
)

const globalTarget = "global"

// TimeoutStatus answers timeout_status and the session-changing commands
type TimeoutStatus struct {
	EntityID       string         `json:"entity_id"`
	ActiveTool     tools.ToolName `json:"active_tool"`
	DefaultTool    tools.ToolName `json:"default_tool"`
	Active         bool           `json:"active"`
	ExpiresAt      time.Time      `json:"expires_at,omitzero"`
	Remaining      time.Duration  `json:"remaining_ns"`
	ExtensionCount int            `json:"extension_count"`
}

// SystemStatus answers auto_return_status
type SystemStatus struct {
	DefaultTool      tools.ToolName        `json:"default_tool"`
	DetectionEnabled bool                  `json:"detection_enabled"`
	DefaultTimeout   time.Duration         `json:"default_timeout_ns"`
	Tools            []sensitivity.ToolRow `json:"tools"`
	ActiveTimers     int                   `json:"active_timers"`
	ActiveSessions   int                   `json:"active_sessions"`
	Sessions         []session.Snapshot    `json:"sessions,omitempty"`
}

// GlobalView is the global section rendered for display
type GlobalView struct {
	Enabled                 bool    `json:"enabled"`
	ConfidenceThreshold     float64 `json:"confidence_threshold"`
	MinMessageLength        int     `json:"min_message_length"`
	MaxMessageLength        int     `json:"max_message_length"`
	CooldownPeriod          string  `json:"cooldown_period"`
	RepetitionPenalty       float64 `json:"repetition_penalty"`
	RepetitionWindow        string  `json:"repetition_window"`
	RequireExplicitKeywords bool    `json:"require_explicit_keywords"`
	FuzzyMatching           bool    `json:"fuzzy_matching"`
	DefaultTimeout          string  `json:"default_timeout"`
}

// ToolView is one tool's rule rendered for display
type ToolView struct {
	Tool                  tools.ToolName `json:"tool"`
	Enabled               bool           `json:"enabled"`
	ConfidenceThreshold   float64        `json:"confidence_threshold"`
	Timeout               string         `json:"timeout"`
	StrongKeywords        []string       `json:"strong_keywords,omitempty"`
	WeakKeywords          []string       `json:"weak_keywords,omitempty"`
	MinWeakKeywordMatches int            `json:"min_weak_keyword_matches"`
	RequireBothKeywords   bool           `json:"require_both_keywords"`
	KeywordGroups         [][]string     `json:"keyword_groups,omitempty"`
	RequiredPatterns      []string       `json:"required_patterns,omitempty"`
}

// SensitivityView answers "sensitivity view". Global is set when the whole
// configuration was asked for.
type SensitivityView struct {
	Global *GlobalView `json:"global,omitempty"`
	Tools  []ToolView  `json:"tools"`
}

func viewOf(cfg *sensitivity.Config, target string) (SensitivityView, error) {
	if cfg == nil {
		cfg = sensitivity.Default()
	}
	target = strings.TrimSpace(target)
	if target == "" || strings.EqualFold(target, globalTarget) {
		g := cfg.Global
		view := SensitivityView{Global: &GlobalView{
			Enabled:                 g.Enabled,
			ConfidenceThreshold:     g.ConfidenceThreshold,
			MinMessageLength:        g.MinMessageLength,
			MaxMessageLength:        g.MaxMessageLength,
			CooldownPeriod:          g.CooldownPeriod.String(),
			RepetitionPenalty:       g.RepetitionPenalty,
			RepetitionWindow:        g.RepetitionWindow.String(),
			RequireExplicitKeywords: g.RequireExplicitKeywords,
			FuzzyMatching:           g.FuzzyMatching,
			DefaultTimeout:          g.DefaultTimeout.String(),
		}}
		for _, sig := range cfg.Tools {
			view.Tools = append(view.Tools, toolView(cfg, sig))
		}
		return view, nil
	}

	name, err := tools.Parse(target)
	if err != nil {
		return SensitivityView{}, err
	}
	sig, ok := cfg.Signature(name)
	if !ok {
		// Tools without a rule are never auto-detected; show them as such.
		return SensitivityView{Tools: []ToolView{{Tool: name, Timeout: cfg.Timeout(name).String()}}}, nil
	}
	return SensitivityView{Tools: []ToolView{toolView(cfg, sig)}}, nil
}

func toolView(cfg *sensitivity.Config, sig sensitivity.Signature) ToolView {
	v := ToolView{
		Tool:                  sig.Name,
		Enabled:               sig.Enabled,
		ConfidenceThreshold:   cfg.Threshold(sig.Name),
		Timeout:               cfg.Timeout(sig.Name).String(),
		StrongKeywords:        sig.StrongKeywords,
		WeakKeywords:          sig.WeakKeywords,
		MinWeakKeywordMatches: sig.MinWeakKeywordMatches,
		RequireBothKeywords:   sig.RequireBothKeywords,
		KeywordGroups:         sig.KeywordGroups,
	}
	for _, re := range sig.RequiredPatterns {
		v.RequiredPatterns = append(v.RequiredPatterns, re.String())
	}
	return v
}
