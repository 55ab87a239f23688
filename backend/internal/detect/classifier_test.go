package detect

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"toolswitch-bot/backend/internal/sensitivity"
	"toolswitch-bot/backend/internal/tools"
)

type staticRules struct{ cfg *sensitivity.Config }

func (s staticRules) Current() *sensitivity.Config { return s.cfg }

func mustParse(t *testing.T, doc string) *sensitivity.Config {
	t.Helper()
	cfg, err := sensitivity.Parse([]byte(doc))
	require.NoError(t, err)
	return cfg
}

const cryptoRules = `
global:
  min_message_length: 3
  cooldown_period: 60s
  repetition_penalty: 0.1
tools:
  CryptoPrice:
    confidence_threshold: 0.9
    timeout: 180s
    require_both_keywords: true
    keyword_groups:
      - [price, cost]
      - [btc, eth]
`

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func TestScore_CryptoPriceSelected(t *testing.T) {
	cfg := mustParse(t, cryptoRules)

	res := Score("price of BTC", cfg, nil, epoch)

	require.True(t, res.Detected(), res.Reason)
	assert.Equal(t, tools.CryptoPrice, res.Tool)
	assert.Equal(t, 0.9, res.Confidence)
	assert.Equal(t, []string{"price", "btc"}, res.MatchedKeywords)
}

func TestClassifier_CooldownSuppressesSecondDetection(t *testing.T) {
	cfg := mustParse(t, cryptoRules)
	clk := testingclock.NewFakePassiveClock(epoch)
	c := NewClassifier(staticRules{cfg}, nil, clk, nil)

	first := c.Classify("user-1", "price of BTC")
	require.True(t, first.Detected())
	c.RecordActivation("user-1", first.Tool)

	clk.SetTime(epoch.Add(30 * time.Second))
	second := c.Classify("user-1", "price of ETH")
	assert.False(t, second.Detected())
	assert.Equal(t, ReasonCooldown, second.Reason)

	other := c.Classify("user-2", "price of ETH")
	assert.True(t, other.Detected(), "cooldown is per entity")
}

func TestScore_CooldownBoundary(t *testing.T) {
	cfg := mustParse(t, cryptoRules)
	history := []Activation{{Tool: tools.CryptoPrice, At: epoch}}

	// Exactly one cooldown later detection resumes, but the repetition
	// penalty (0.1 × 1) drops CryptoPrice below its 0.9 threshold.
	res := Score("price of ETH", cfg, history, epoch.Add(60*time.Second))
	assert.False(t, res.Detected())
	assert.Contains(t, res.Reason, ReasonBelowThreshold)
	require.Len(t, res.Candidates, 1)
	assert.InDelta(t, 0.8, res.Candidates[0].Adjusted, 1e-9)
}

func TestScore_RepetitionWindowExpires(t *testing.T) {
	cfg := mustParse(t, cryptoRules)
	history := []Activation{{Tool: tools.CryptoPrice, At: epoch}}

	res := Score("price of ETH", cfg, history, epoch.Add(11*time.Minute))
	assert.True(t, res.Detected(), res.Reason)
	assert.Equal(t, 0.9, res.Confidence)
}

func TestScore_MessageLengthBoundaries(t *testing.T) {
	cfg := mustParse(t, cryptoRules)

	assert.True(t, Score("price of BTC", cfg, nil, epoch).Detected(), "exactly min_message_length words qualifies")
	assert.Equal(t, ReasonTooShort, Score("BTC price", cfg, nil, epoch).Reason)

	long := mustParse(t, `
global:
  min_message_length: 1
  max_message_length: 3
tools:
  WebSearch:
    strong_keywords: [google]
`)
	assert.True(t, Score("google the weather", long, nil, epoch).Detected())
	assert.Equal(t, ReasonTooLong, Score("please google the weather", long, nil, epoch).Reason)
}

const weakRules = `
global:
  min_message_length: 1
  confidence_threshold: 0.6
tools:
  WebSearch:
    weak_keywords: [latest, news, today]
    min_weak_keyword_matches: 2
`

func TestScore_WeakKeywordMinimum(t *testing.T) {
	cfg := mustParse(t, weakRules)

	one := Score("any news about the launch", cfg, nil, epoch)
	assert.False(t, one.Detected())
	assert.Equal(t, ReasonNoMatch, one.Reason, "a single weak keyword contributes nothing")

	two := Score("latest news about the launch", cfg, nil, epoch)
	require.True(t, two.Detected(), two.Reason)
	assert.Equal(t, tools.WebSearch, two.Tool)
	assert.InDelta(t, 0.6, two.Confidence, 1e-9)
	assert.Equal(t, []string{"latest", "news"}, two.MatchedKeywords)
}

func TestScore_ThresholdIsInclusive(t *testing.T) {
	cfg := mustParse(t, `
global:
  min_message_length: 1
tools:
  ImageGen:
    confidence_threshold: 0.8
    strong_keywords: [draw me]
`)
	res := Score("draw me a cat", cfg, nil, epoch)
	require.True(t, res.Detected(), res.Reason)
	assert.Equal(t, 0.8, res.Confidence)

	stricter := mustParse(t, `
global:
  min_message_length: 1
tools:
  ImageGen:
    confidence_threshold: 0.81
    strong_keywords: [draw me]
`)
	assert.False(t, Score("draw me a cat", stricter, nil, epoch).Detected())
}

func TestScore_GateFailureZeroesScore(t *testing.T) {
	cfg := mustParse(t, `
global:
  min_message_length: 1
tools:
  CurrencyConverter:
    confidence_threshold: 0.5
    strong_keywords: [convert]
    required_patterns: ['\d+', '\b[A-Z]{3}\b']
`)
	assert.True(t, Score("convert 100 USD to EUR", cfg, nil, epoch).Detected())

	res := Score("convert my notes to markdown", cfg, nil, epoch)
	assert.False(t, res.Detected())
	assert.Equal(t, ReasonNoMatch, res.Reason)
}

func TestScore_RequireBothKeywordsGate(t *testing.T) {
	cfg := mustParse(t, cryptoRules)

	assert.Equal(t, ReasonNoMatch, Score("what is the price today", cfg, nil, epoch).Reason)
	assert.Equal(t, ReasonNoMatch, Score("I bought some BTC today", cfg, nil, epoch).Reason)
}

func TestScore_TieGoesToFirstDeclared(t *testing.T) {
	doc := `
global:
  min_message_length: 1
  confidence_threshold: 0.5
tools:
  %s:
    strong_keywords: [lookup]
  %s:
    strong_keywords: [lookup]
`
	forward := mustParse(t, fmt.Sprintf(doc, "WebSearch", "FactStore"))
	backward := mustParse(t, fmt.Sprintf(doc, "FactStore", "WebSearch"))

	for i := 0; i < 20; i++ {
		assert.Equal(t, tools.WebSearch, Score("lookup bananas", forward, nil, epoch).Tool)
		assert.Equal(t, tools.FactStore, Score("lookup bananas", backward, nil, epoch).Tool)
	}
}

func TestScore_HighestScoreWins(t *testing.T) {
	cfg := mustParse(t, `
global:
  min_message_length: 1
  confidence_threshold: 0.5
tools:
  WebSearch:
    strong_keywords: [search]
  ImageGen:
    strong_keywords: [image]
    weak_keywords: [draw, picture]
    min_weak_keyword_matches: 1
`)
	res := Score("search and draw an image picture", cfg, nil, epoch)
	assert.Equal(t, tools.ImageGen, res.Tool)
	assert.Equal(t, 1.0, res.Confidence, "scores are clamped to 1")
	assert.Len(t, res.Candidates, 2)
}

func TestScore_WinnerMustClearItsOwnThreshold(t *testing.T) {
	cfg := mustParse(t, `
global:
  min_message_length: 1
tools:
  ImageGen:
    confidence_threshold: 0.95
    strong_keywords: [image]
  WebSearch:
    confidence_threshold: 0.1
    weak_keywords: [find]
`)
	res := Score("find an image", cfg, nil, epoch)
	assert.False(t, res.Detected())
	assert.Contains(t, res.Reason, "ImageGen")
}

func TestScore_FuzzyAndExplicitMatching(t *testing.T) {
	doc := `
global:
  min_message_length: 1
  confidence_threshold: 0.5
  fuzzy_matching: %v
  require_explicit_keywords: %v
tools:
  WebSearch:
    strong_keywords: [search]
`
	fuzzy := mustParse(t, fmt.Sprintf(doc, true, false))
	res := Score("searching for cats", fuzzy, nil, epoch)
	assert.True(t, res.Detected())
	assert.Equal(t, 0.8, res.Confidence)

	strict := mustParse(t, fmt.Sprintf(doc, false, false))
	assert.False(t, Score("searching for cats", strict, nil, epoch).Detected())

	explicit := mustParse(t, fmt.Sprintf(doc, true, true))
	halved := Score("searching for cats", explicit, nil, epoch)
	assert.False(t, halved.Detected())
	require.Len(t, halved.Candidates, 1)
	assert.InDelta(t, 0.4, halved.Candidates[0].Raw, 1e-9)
	assert.True(t, Score("search for cats", explicit, nil, epoch).Detected(), "exact matches are not halved")
}

func TestScore_ShortKeywordsNeverMatchFuzzily(t *testing.T) {
	cfg := mustParse(t, cryptoRules)
	assert.False(t, Score("something costs a lot", cfg, nil, epoch).Detected())
}

func TestScore_DisabledAndMissingConfig(t *testing.T) {
	assert.Equal(t, ReasonDisabled, Score("price of BTC", nil, nil, epoch).Reason)

	off := mustParse(t, `
global:
  enabled: false
tools:
  WebSearch:
    strong_keywords: [google]
`)
	assert.Equal(t, ReasonDisabled, Score("google the weather", off, nil, epoch).Reason)
}

func TestScore_Deterministic(t *testing.T) {
	cfg := mustParse(t, cryptoRules)
	history := []Activation{{Tool: tools.CryptoPrice, At: epoch.Add(-5 * time.Minute)}}

	first := Score("what's the price of ETH and BTC", cfg, history, epoch)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Score("what's the price of ETH and BTC", cfg, history, epoch))
	}
}

func TestClassifier_NilRulesDegrade(t *testing.T) {
	c := NewClassifier(staticRules{}, nil, nil, nil)
	res := c.Classify("user-1", "price of BTC")
	assert.False(t, res.Detected())
}

func TestHistory_EvictsOldest(t *testing.T) {
	h := NewHistory()
	for i := 0; i < 5; i++ {
		h.Record("e", Activation{Tool: tools.WebSearch, At: epoch.Add(time.Duration(i) * time.Second)}, 3)
	}
	got := h.Recent("e")
	require.Len(t, got, 3)
	assert.Equal(t, epoch.Add(2*time.Second), got[0].At)
	assert.Equal(t, epoch.Add(4*time.Second), got[2].At)
	assert.Nil(t, h.Recent("unknown"))
}
