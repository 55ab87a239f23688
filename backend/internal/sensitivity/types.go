// Package sensitivity holds the auto-tool detection rules: per-tool keyword
// signatures and the global knobs that shape scoring. A Config is immutable
// once built; changes produce a new Config that is swapped in atomically.
package sensitivity

import (
	"regexp"
	"time"

	"toolswitch-bot/backend/internal/tools"
)

// Global holds detection settings shared by every tool
type Global struct {
	Enabled                 bool
	ConfidenceThreshold     float64 // used by tools that don't set their own
	MinMessageLength        int     // words
	MaxMessageLength        int     // words, 0 = unbounded
	CooldownPeriod          time.Duration
	RepetitionPenalty       float64
	RepetitionWindow        time.Duration
	RequireExplicitKeywords bool
	FuzzyMatching           bool
	StrongKeywordWeight     float64
	WeakKeywordWeight       float64
	GateWeight              float64
	DefaultTimeout          time.Duration
	HistorySize             int
}

// Signature is the detection rule for a single tool
type Signature struct {
	Name    tools.ToolName
	Enabled bool

	// Threshold applies only when HasThreshold is set; otherwise the global
	// threshold is used.
	Threshold    float64
	HasThreshold bool

	// Timeout is how long an auto-activated session lasts; 0 = global default
	Timeout time.Duration

	StrongKeywords        []string
	WeakKeywords          []string
	MinWeakKeywordMatches int

	// RequireBothKeywords demands at least one match from every group in
	// KeywordGroups (e.g. a price word and a token symbol).
	RequireBothKeywords bool
	KeywordGroups       [][]string

	// RequiredPatterns must all match the raw message text
	RequiredPatterns []*regexp.Regexp

	// Prompt is the system prompt used while this tool is active
	Prompt string
}

// Config is a validated, read-only rule set
type Config struct {
	Global Global
	Tools  []Signature // declaration order; earlier entries win ties

	index map[tools.ToolName]int
}

func newConfig(global Global, sigs []Signature) *Config {
	c := &Config{
		Global: global,
		Tools:  sigs,
		index:  make(map[tools.ToolName]int, len(sigs)),
	}
	for i, s := range sigs {
		c.index[s.Name] = i
	}
	return c
}

// Signature returns the rule for a tool
func (c *Config) Signature(name tools.ToolName) (Signature, bool) {
	if c == nil {
		return Signature{}, false
	}
	i, ok := c.index[name]
	if !ok {
		return Signature{}, false
	}
	return c.Tools[i], true
}

// Threshold returns the effective confidence threshold for a tool
func (c *Config) Threshold(name tools.ToolName) float64 {
	if sig, ok := c.Signature(name); ok && sig.HasThreshold {
		return sig.Threshold
	}
	if c == nil {
		return 1
	}
	return c.Global.ConfidenceThreshold
}

// Timeout returns how long an activation of the tool lasts
func (c *Config) Timeout(name tools.ToolName) time.Duration {
	if sig, ok := c.Signature(name); ok && sig.Timeout > 0 {
		return sig.Timeout
	}
	if c == nil || c.Global.DefaultTimeout <= 0 {
		return defaultTimeout
	}
	return c.Global.DefaultTimeout
}

// Prompt returns the system prompt configured for a tool, if any
func (c *Config) Prompt(name tools.ToolName) string {
	sig, _ := c.Signature(name)
	return sig.Prompt
}

// ToolRow is one line of the per-tool table reported by status commands
type ToolRow struct {
	Tool      tools.ToolName `json:"tool"`
	Enabled   bool           `json:"enabled"`
	Threshold float64        `json:"threshold"`
	Timeout   time.Duration  `json:"timeout"`
}

// Table summarizes thresholds and timeouts in declaration order
func (c *Config) Table() []ToolRow {
	if c == nil {
		return nil
	}
	rows := make([]ToolRow, 0, len(c.Tools))
	for _, sig := range c.Tools {
		rows = append(rows, ToolRow{
			Tool:      sig.Name,
			Enabled:   sig.Enabled && c.Global.Enabled,
			Threshold: c.Threshold(sig.Name),
			Timeout:   c.Timeout(sig.Name),
		})
	}
	return rows
}
