// Package detect decides, from free text, whether a tool should be switched
// on for an entity. Detection is advisory: every failure path yields "no
// tool" rather than an error.
package detect

import (
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"toolswitch-bot/backend/internal/sensitivity"
	"toolswitch-bot/backend/internal/tools"
	"toolswitch-bot/backend/pkg/logger"
)

// Keywords shorter than this only ever match whole words, so "eth" can't
// fire on "something".
const minFuzzyKeywordLen = 4

// Reasons reported in Result.Reason
const (
	ReasonDisabled       = "detection disabled"
	ReasonTooShort       = "message too short"
	ReasonTooLong        = "message too long"
	ReasonCooldown       = "cooldown"
	ReasonNoMatch        = "no match"
	ReasonBelowThreshold = "below threshold"
	ReasonSelected       = "selected"
	ReasonInternalError  = "internal error"
)

// Candidate is the scoring breakdown for one tool
type Candidate struct {
	Tool      tools.ToolName `json:"tool"`
	Raw       float64        `json:"raw"`
	Adjusted  float64        `json:"adjusted"`
	Threshold float64        `json:"threshold"`
	Matched   []string       `json:"matched,omitempty"`
}

// Result is the outcome of classifying one message
type Result struct {
	Tool            tools.ToolName `json:"tool,omitempty"` // empty when nothing was selected
	Confidence      float64        `json:"confidence"`
	MatchedKeywords []string       `json:"matched_keywords,omitempty"`
	Reason          string         `json:"reason"`
	Candidates      []Candidate    `json:"candidates,omitempty"`
}

// Detected reports whether a tool was selected
func (r Result) Detected() bool {
	return r.Tool != ""
}

// RuleSource supplies the current sensitivity rules
type RuleSource interface {
	Current() *sensitivity.Config
}

// Classifier scores messages against the live rules and each entity's
// activation history
type Classifier struct {
	rules   RuleSource
	history *History
	clock   clock.PassiveClock
	logger  *zap.Logger
}

// NewClassifier creates a classifier. A nil clock uses wall time.
func NewClassifier(rules RuleSource, history *History, clk clock.PassiveClock, log *zap.Logger) *Classifier {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if history == nil {
		history = NewHistory()
	}
	return &Classifier{
		rules:   rules,
		history: history,
		clock:   clk,
		logger:  logger.OrNop(log),
	}
}

// History exposes the activation log the classifier reads
func (c *Classifier) History() *History {
	return c.history
}

// Classify scores text for entityID. It never fails: a broken rule set or an
// unexpected panic degrades to "no tool".
func (c *Classifier) Classify(entityID, text string) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Classifier panicked, treating as no detection",
				zap.String("entity_id", entityID),
				zap.Any("panic", r),
			)
			res = Result{Reason: ReasonInternalError}
		}
	}()

	res = Score(text, c.rules.Current(), c.history.Recent(entityID), c.clock.Now())
	c.logger.Debug("Classified message",
		zap.String("entity_id", entityID),
		zap.String("tool", string(res.Tool)),
		zap.Float64("confidence", res.Confidence),
		zap.String("reason", res.Reason),
		zap.Strings("matched", res.MatchedKeywords),
	)
	return res
}

// RecordActivation notes that entityID was auto-switched into tool
func (c *Classifier) RecordActivation(entityID string, tool tools.ToolName) {
	limit := 0
	if cfg := c.rules.Current(); cfg != nil {
		limit = cfg.Global.HistorySize
	}
	c.history.Record(entityID, Activation{Tool: tool, At: c.clock.Now()}, limit)
}

// Score is the pure scoring function behind Classify: identical inputs give
// identical results. Tools are evaluated in declaration order and a later
// tool only takes the lead with a strictly higher adjusted score, so the
// first-declared tool wins ties.
func Score(text string, cfg *sensitivity.Config, history []Activation, now time.Time) Result {
	if cfg == nil || !cfg.Global.Enabled {
		return Result{Reason: ReasonDisabled}
	}
	g := cfg.Global

	words := sensitivity.WordCount(text)
	if words < g.MinMessageLength {
		return Result{Reason: ReasonTooShort}
	}
	if g.MaxMessageLength > 0 && words > g.MaxMessageLength {
		return Result{Reason: ReasonTooLong}
	}
	if n := len(history); n > 0 && g.CooldownPeriod > 0 && now.Sub(history[n-1].At) < g.CooldownPeriod {
		return Result{Reason: ReasonCooldown}
	}

	m := newMatcher(text, g.FuzzyMatching)
	var (
		candidates []Candidate
		best       = -1
	)
	for _, sig := range cfg.Tools {
		if !sig.Enabled {
			continue
		}
		raw, matched := scoreSignature(sig, g, m, text)
		if raw <= 0 {
			continue
		}
		adjusted := math.Max(0, raw-g.RepetitionPenalty*float64(recentActivations(history, sig.Name, now, g.RepetitionWindow)))
		candidates = append(candidates, Candidate{
			Tool:      sig.Name,
			Raw:       raw,
			Adjusted:  adjusted,
			Threshold: cfg.Threshold(sig.Name),
			Matched:   matched,
		})
		if best < 0 || adjusted > candidates[best].Adjusted {
			best = len(candidates) - 1
		}
	}

	if best < 0 {
		return Result{Reason: ReasonNoMatch}
	}
	top := candidates[best]
	if top.Adjusted < top.Threshold {
		return Result{
			Confidence: top.Adjusted,
			Reason:     fmt.Sprintf("%s: %s %.2f < %.2f", ReasonBelowThreshold, top.Tool, top.Adjusted, top.Threshold),
			Candidates: candidates,
		}
	}
	return Result{
		Tool:            top.Tool,
		Confidence:      top.Adjusted,
		MatchedKeywords: top.Matched,
		Reason:          ReasonSelected,
		Candidates:      candidates,
	}
}

// scoreSignature returns the raw score for one tool and the keywords that
// contributed to it
func scoreSignature(sig sensitivity.Signature, g sensitivity.Global, m matcher, text string) (float64, []string) {
	var matched []string

	strongHit, strongExact := false, false
	for _, kw := range sig.StrongKeywords {
		if hit, exact := m.match(kw); hit {
			strongHit = true
			strongExact = strongExact || exact
			matched = append(matched, kw)
		}
	}

	gateExact := true
	if sig.RequireBothKeywords {
		for _, group := range sig.KeywordGroups {
			kw, hit, exact := m.matchAny(group)
			if !hit {
				return 0, nil
			}
			gateExact = gateExact && exact
			matched = append(matched, kw)
		}
	}
	for _, re := range sig.RequiredPatterns {
		if !re.MatchString(text) {
			return 0, nil
		}
	}

	var weak []string
	for _, kw := range sig.WeakKeywords {
		if hit, _ := m.match(kw); hit {
			weak = append(weak, kw)
		}
	}

	score := 0.0
	if strongHit {
		score += g.StrongKeywordWeight
	}
	if len(weak) > 0 && len(weak) >= sig.MinWeakKeywordMatches {
		score += g.WeakKeywordWeight * float64(len(weak))
		matched = append(matched, weak...)
	}
	if sig.RequireBothKeywords {
		score += g.GateWeight
	}
	if score <= 0 {
		return 0, nil
	}

	explicit := strongExact || (sig.RequireBothKeywords && gateExact)
	if g.RequireExplicitKeywords && !explicit {
		score /= 2
	}
	return math.Min(score, 1), dedupe(matched)
}

func recentActivations(history []Activation, tool tools.ToolName, now time.Time, window time.Duration) int {
	n := 0
	for _, a := range history {
		if a.Tool == tool && (window <= 0 || now.Sub(a.At) <= window) {
			n++
		}
	}
	return n
}

// matcher holds a message normalized for keyword lookups
type matcher struct {
	joined string // tokens joined by single spaces
	padded string // joined with a leading and trailing space
	fuzzy  bool
}

func newMatcher(text string, fuzzy bool) matcher {
	joined := strings.Join(sensitivity.Tokenize(text), " ")
	return matcher{joined: joined, padded: " " + joined + " ", fuzzy: fuzzy}
}

// match reports whether kw occurs in the message and whether the hit was a
// whole-word (exact) one rather than a substring
func (m matcher) match(kw string) (hit, exact bool) {
	if kw == "" {
		return false, false
	}
	if strings.Contains(m.padded, " "+kw+" ") {
		return true, true
	}
	if m.fuzzy && utf8.RuneCountInString(kw) >= minFuzzyKeywordLen && strings.Contains(m.joined, kw) {
		return true, false
	}
	return false, false
}

// matchAny returns the first keyword of group found in the message,
// preferring exact hits over fuzzy ones
func (m matcher) matchAny(group []string) (string, bool, bool) {
	fuzzyHit := ""
	for _, kw := range group {
		hit, exact := m.match(kw)
		if hit && exact {
			return kw, true, true
		}
		if hit && fuzzyHit == "" {
			fuzzyHit = kw
		}
	}
	if fuzzyHit != "" {
		return fuzzyHit, true, false
	}
	return "", false, false
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
