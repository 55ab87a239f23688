package sensitivity

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"toolswitch-bot/backend/internal/tools"
	apperrors "toolswitch-bot/backend/pkg/errors"
)

//go:embed default_sensitivity.yaml
var defaultRules []byte

const (
	defaultTimeout   = 3 * time.Minute
	globalTarget     = "global"
	minHistorySize   = 1
	defaultHistory   = 16
	defaultThreshold = 0.7
)

// rawFile mirrors the YAML layout. Pointers distinguish "unset" from zero.
type rawFile struct {
	Global rawGlobal    `yaml:"global"`
	Tools  rawToolTable `yaml:"tools"`
}

type rawGlobal struct {
	Enabled                 *bool    `yaml:"enabled,omitempty"`
	ConfidenceThreshold     *float64 `yaml:"confidence_threshold,omitempty"`
	MinMessageLength        *int     `yaml:"min_message_length,omitempty"`
	MaxMessageLength        *int     `yaml:"max_message_length,omitempty"`
	CooldownPeriod          string   `yaml:"cooldown_period,omitempty"`
	RepetitionPenalty       *float64 `yaml:"repetition_penalty,omitempty"`
	RepetitionWindow        string   `yaml:"repetition_window,omitempty"`
	RequireExplicitKeywords *bool    `yaml:"require_explicit_keywords,omitempty"`
	FuzzyMatching           *bool    `yaml:"fuzzy_matching,omitempty"`
	StrongKeywordWeight     *float64 `yaml:"strong_keyword_weight,omitempty"`
	WeakKeywordWeight       *float64 `yaml:"weak_keyword_weight,omitempty"`
	GateWeight              *float64 `yaml:"gate_weight,omitempty"`
	DefaultTimeout          string   `yaml:"default_timeout,omitempty"`
	HistorySize             *int     `yaml:"history_size,omitempty"`
}

type rawSignature struct {
	Enabled               *bool      `yaml:"enabled,omitempty"`
	ConfidenceThreshold   *float64   `yaml:"confidence_threshold,omitempty"`
	Timeout               string     `yaml:"timeout,omitempty"`
	StrongKeywords        []string   `yaml:"strong_keywords,omitempty,flow"`
	WeakKeywords          []string   `yaml:"weak_keywords,omitempty,flow"`
	MinWeakKeywordMatches *int       `yaml:"min_weak_keyword_matches,omitempty"`
	RequireBothKeywords   bool       `yaml:"require_both_keywords,omitempty"`
	KeywordGroups         [][]string `yaml:"keyword_groups,omitempty,flow"`
	RequiredPatterns      []string   `yaml:"required_patterns,omitempty"`
	Prompt                string     `yaml:"prompt,omitempty"`
}

type rawToolEntry struct {
	Name string
	Line int
	Rule rawSignature
	Err  error
}

// rawToolTable keeps the tools mapping in file order, which decides ties.
type rawToolTable []rawToolEntry

func (t *rawToolTable) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: tools must be a mapping of tool name to rule", node.Line)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		entry := rawToolEntry{Name: key.Value, Line: key.Line}
		if err := value.Decode(&entry.Rule); err != nil {
			entry.Err = err
		}
		*t = append(*t, entry)
	}
	return nil
}

func (t rawToolTable) MarshalYAML() (interface{}, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, entry := range t {
		value := &yaml.Node{}
		if err := value.Encode(entry.Rule); err != nil {
			return nil, err
		}
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: entry.Name},
			value,
		)
	}
	return node, nil
}

// Default returns the built-in rule set
func Default() *Config {
	cfg, err := Parse(defaultRules)
	if err != nil {
		// The embedded file is covered by tests; a broken build still gets a
		// usable, detection-disabled config.
		return newConfig(Global{DefaultTimeout: defaultTimeout, HistorySize: defaultHistory, ConfidenceThreshold: 1}, nil)
	}
	return cfg
}

// LoadFile reads and parses a rules file. See Parse for error semantics.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sensitivity file: %w", err)
	}
	return Parse(data)
}

// Parse builds a Config from YAML. A nil Config is returned only when the
// document itself cannot be decoded. Invalid individual rules are dropped
// (detection disabled for that tool) and reported as a joined set of
// *errors.ConfigurationError alongside the usable Config.
func Parse(data []byte) (*Config, error) {
	var raw rawFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse sensitivity rules: %w", err)
	}
	cfg, problems := build(raw)
	return cfg, errors.Join(problems...)
}

// Marshal renders the config back to YAML, preserving tool order
func Marshal(cfg *Config) ([]byte, error) {
	return yaml.Marshal(toRaw(cfg))
}

func build(raw rawFile) (*Config, []error) {
	var problems []error
	global, gErrs := buildGlobal(raw.Global)
	problems = append(problems, gErrs...)

	seen := make(map[tools.ToolName]bool)
	sigs := make([]Signature, 0, len(raw.Tools))
	for _, entry := range raw.Tools {
		if entry.Err != nil {
			problems = append(problems, apperrors.NewConfigurationError(entry.Name, "", fmt.Sprintf("line %d: %v", entry.Line, entry.Err)))
			continue
		}
		name, err := tools.Parse(entry.Name)
		if err != nil {
			problems = append(problems, apperrors.NewConfigurationError(entry.Name, "", "unknown tool"))
			continue
		}
		if seen[name] {
			problems = append(problems, apperrors.NewConfigurationError(entry.Name, "", "duplicate rule"))
			continue
		}
		sig, err := buildSignature(name, entry.Rule)
		if err != nil {
			problems = append(problems, err)
			continue
		}
		seen[name] = true
		sigs = append(sigs, sig)
	}
	return newConfig(global, sigs), problems
}

func buildGlobal(raw rawGlobal) (Global, []error) {
	g := Global{
		Enabled:             true,
		ConfidenceThreshold: defaultThreshold,
		MinMessageLength:    2,
		CooldownPeriod:      60 * time.Second,
		RepetitionPenalty:   0.1,
		RepetitionWindow:    10 * time.Minute,
		FuzzyMatching:       true,
		StrongKeywordWeight: 0.8,
		WeakKeywordWeight:   0.3,
		GateWeight:          0.9,
		DefaultTimeout:      defaultTimeout,
		HistorySize:         defaultHistory,
	}
	var problems []error
	bad := func(field, reason string) {
		problems = append(problems, apperrors.NewConfigurationError(globalTarget, field, reason))
	}

	if raw.Enabled != nil {
		g.Enabled = *raw.Enabled
	}
	if raw.ConfidenceThreshold != nil {
		if unit(*raw.ConfidenceThreshold) {
			g.ConfidenceThreshold = *raw.ConfidenceThreshold
		} else {
			bad("confidence_threshold", "must be between 0 and 1")
		}
	}
	if raw.MinMessageLength != nil {
		if *raw.MinMessageLength >= 0 {
			g.MinMessageLength = *raw.MinMessageLength
		} else {
			bad("min_message_length", "must not be negative")
		}
	}
	if raw.MaxMessageLength != nil {
		if *raw.MaxMessageLength >= 0 {
			g.MaxMessageLength = *raw.MaxMessageLength
		} else {
			bad("max_message_length", "must not be negative")
		}
	}
	if g.MaxMessageLength > 0 && g.MaxMessageLength < g.MinMessageLength {
		bad("max_message_length", "must not be below min_message_length")
		g.MaxMessageLength = 0
	}
	if d, ok, err := optionalDuration(raw.CooldownPeriod, true); err != nil {
		bad("cooldown_period", err.Error())
	} else if ok {
		g.CooldownPeriod = d
	}
	if raw.RepetitionPenalty != nil {
		if unit(*raw.RepetitionPenalty) {
			g.RepetitionPenalty = *raw.RepetitionPenalty
		} else {
			bad("repetition_penalty", "must be between 0 and 1")
		}
	}
	if d, ok, err := optionalDuration(raw.RepetitionWindow, true); err != nil {
		bad("repetition_window", err.Error())
	} else if ok {
		g.RepetitionWindow = d
	}
	if raw.RequireExplicitKeywords != nil {
		g.RequireExplicitKeywords = *raw.RequireExplicitKeywords
	}
	if raw.FuzzyMatching != nil {
		g.FuzzyMatching = *raw.FuzzyMatching
	}
	for _, w := range []struct {
		field string
		src   *float64
		dst   *float64
	}{
		{"strong_keyword_weight", raw.StrongKeywordWeight, &g.StrongKeywordWeight},
		{"weak_keyword_weight", raw.WeakKeywordWeight, &g.WeakKeywordWeight},
		{"gate_weight", raw.GateWeight, &g.GateWeight},
	} {
		if w.src == nil {
			continue
		}
		if unit(*w.src) {
			*w.dst = *w.src
		} else {
			bad(w.field, "must be between 0 and 1")
		}
	}
	if d, ok, err := optionalDuration(raw.DefaultTimeout, false); err != nil {
		bad("default_timeout", err.Error())
	} else if ok {
		g.DefaultTimeout = d
	}
	if raw.HistorySize != nil {
		if *raw.HistorySize >= minHistorySize {
			g.HistorySize = *raw.HistorySize
		} else {
			bad("history_size", "must be at least 1")
		}
	}
	return g, problems
}

func buildSignature(name tools.ToolName, raw rawSignature) (Signature, error) {
	bad := func(field, reason string) error {
		return apperrors.NewConfigurationError(string(name), field, reason)
	}

	sig := Signature{
		Name:                  name,
		Enabled:               true,
		StrongKeywords:        cleanKeywords(raw.StrongKeywords),
		WeakKeywords:          cleanKeywords(raw.WeakKeywords),
		MinWeakKeywordMatches: 1,
		RequireBothKeywords:   raw.RequireBothKeywords,
		Prompt:                strings.TrimSpace(raw.Prompt),
	}
	if raw.Enabled != nil {
		sig.Enabled = *raw.Enabled
	}
	if raw.ConfidenceThreshold != nil {
		if !unit(*raw.ConfidenceThreshold) {
			return sig, bad("confidence_threshold", "must be between 0 and 1")
		}
		sig.Threshold = *raw.ConfidenceThreshold
		sig.HasThreshold = true
	}
	if d, ok, err := optionalDuration(raw.Timeout, false); err != nil {
		return sig, bad("timeout", err.Error())
	} else if ok {
		sig.Timeout = d
	}
	if raw.MinWeakKeywordMatches != nil {
		if *raw.MinWeakKeywordMatches < 0 {
			return sig, bad("min_weak_keyword_matches", "must not be negative")
		}
		sig.MinWeakKeywordMatches = *raw.MinWeakKeywordMatches
	}
	if len(sig.WeakKeywords) > 0 && sig.MinWeakKeywordMatches > len(sig.WeakKeywords) {
		return sig, bad("min_weak_keyword_matches", fmt.Sprintf("is %d but only %d weak keywords are listed", sig.MinWeakKeywordMatches, len(sig.WeakKeywords)))
	}
	for _, group := range raw.KeywordGroups {
		cleaned := cleanKeywords(group)
		if len(cleaned) == 0 {
			return sig, bad("keyword_groups", "groups must not be empty")
		}
		sig.KeywordGroups = append(sig.KeywordGroups, cleaned)
	}
	if sig.RequireBothKeywords && len(sig.KeywordGroups) < 2 {
		return sig, bad("keyword_groups", "require_both_keywords needs at least two groups")
	}
	for _, src := range raw.RequiredPatterns {
		re, err := regexp.Compile(src)
		if err != nil {
			return sig, bad("required_patterns", err.Error())
		}
		sig.RequiredPatterns = append(sig.RequiredPatterns, re)
	}
	if len(sig.StrongKeywords) == 0 && len(sig.WeakKeywords) == 0 && !sig.RequireBothKeywords {
		return sig, bad("", "no keywords or keyword gate defined")
	}
	return sig, nil
}

func toRaw(cfg *Config) rawFile {
	if cfg == nil {
		return rawFile{}
	}
	g := cfg.Global
	raw := rawFile{
		Global: rawGlobal{
			Enabled:                 boolPtr(g.Enabled),
			ConfidenceThreshold:     floatPtr(g.ConfidenceThreshold),
			MinMessageLength:        intPtr(g.MinMessageLength),
			MaxMessageLength:        intPtr(g.MaxMessageLength),
			CooldownPeriod:          g.CooldownPeriod.String(),
			RepetitionPenalty:       floatPtr(g.RepetitionPenalty),
			RepetitionWindow:        g.RepetitionWindow.String(),
			RequireExplicitKeywords: boolPtr(g.RequireExplicitKeywords),
			FuzzyMatching:           boolPtr(g.FuzzyMatching),
			StrongKeywordWeight:     floatPtr(g.StrongKeywordWeight),
			WeakKeywordWeight:       floatPtr(g.WeakKeywordWeight),
			GateWeight:              floatPtr(g.GateWeight),
			DefaultTimeout:          g.DefaultTimeout.String(),
			HistorySize:             intPtr(g.HistorySize),
		},
	}
	for _, sig := range cfg.Tools {
		rule := rawSignature{
			Enabled:               boolPtr(sig.Enabled),
			StrongKeywords:        append([]string(nil), sig.StrongKeywords...),
			WeakKeywords:          append([]string(nil), sig.WeakKeywords...),
			MinWeakKeywordMatches: intPtr(sig.MinWeakKeywordMatches),
			RequireBothKeywords:   sig.RequireBothKeywords,
			Prompt:                sig.Prompt,
		}
		if sig.HasThreshold {
			rule.ConfidenceThreshold = floatPtr(sig.Threshold)
		}
		if sig.Timeout > 0 {
			rule.Timeout = sig.Timeout.String()
		}
		for _, group := range sig.KeywordGroups {
			rule.KeywordGroups = append(rule.KeywordGroups, append([]string(nil), group...))
		}
		for _, re := range sig.RequiredPatterns {
			rule.RequiredPatterns = append(rule.RequiredPatterns, re.String())
		}
		raw.Tools = append(raw.Tools, rawToolEntry{Name: string(sig.Name), Rule: rule})
	}
	return raw
}

// cleanKeywords lowercases, trims and de-duplicates keywords, keeping order
func cleanKeywords(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, kw := range in {
		kw = strings.Join(Tokenize(kw), " ")
		if kw == "" || seen[kw] {
			continue
		}
		seen[kw] = true
		out = append(out, kw)
	}
	return out
}

func optionalDuration(s string, allowZero bool) (time.Duration, bool, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, false, fmt.Errorf("invalid duration %q", s)
	}
	if d < 0 || (d == 0 && !allowZero) {
		return 0, false, fmt.Errorf("duration %q must be positive", s)
	}
	return d, true, nil
}

func unit(f float64) bool { return f >= 0 && f <= 1 }

func boolPtr(b bool) *bool        { return &b }
func intPtr(i int) *int           { return &i }
func floatPtr(f float64) *float64 { return &f }
