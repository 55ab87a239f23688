package sensitivity

import (
	"fmt"
	"strconv"
	"strings"

	"toolswitch-bot/backend/internal/tools"
	apperrors "toolswitch-bot/backend/pkg/errors"
)

// GlobalFields and ToolFields list the names accepted by Manager.Set
var (
	GlobalFields = []string{
		"enabled", "confidence_threshold", "min_message_length", "max_message_length",
		"cooldown_period", "repetition_penalty", "repetition_window",
		"require_explicit_keywords", "fuzzy_matching", "strong_keyword_weight",
		"weak_keyword_weight", "gate_weight", "default_timeout", "history_size",
	}
	ToolFields = []string{
		"enabled", "confidence_threshold", "timeout", "strong_keywords", "weak_keywords",
		"min_weak_keyword_matches", "require_both_keywords",
	}
)

func applyField(raw *rawFile, target, field, value string) error {
	field = strings.ToLower(strings.TrimSpace(field))
	value = strings.TrimSpace(value)

	if strings.EqualFold(strings.TrimSpace(target), globalTarget) {
		return applyGlobal(&raw.Global, field, value)
	}

	name, err := tools.Parse(target)
	if err != nil {
		return err
	}
	for i := range raw.Tools {
		if raw.Tools[i].Name == string(name) {
			return applyTool(&raw.Tools[i].Rule, name, field, value)
		}
	}
	return apperrors.NewConfigurationError(string(name), field, "tool has no detection rule")
}

func applyGlobal(g *rawGlobal, field, value string) error {
	bad := func(reason string) error {
		return apperrors.NewConfigurationError(globalTarget, field, reason)
	}
	var err error
	switch field {
	case "enabled":
		g.Enabled, err = parseBool(value)
	case "confidence_threshold":
		g.ConfidenceThreshold, err = parseFloat(value)
	case "min_message_length":
		g.MinMessageLength, err = parseInt(value)
	case "max_message_length":
		g.MaxMessageLength, err = parseInt(value)
	case "cooldown_period":
		g.CooldownPeriod = value
	case "repetition_penalty":
		g.RepetitionPenalty, err = parseFloat(value)
	case "repetition_window":
		g.RepetitionWindow = value
	case "require_explicit_keywords":
		g.RequireExplicitKeywords, err = parseBool(value)
	case "fuzzy_matching":
		g.FuzzyMatching, err = parseBool(value)
	case "strong_keyword_weight":
		g.StrongKeywordWeight, err = parseFloat(value)
	case "weak_keyword_weight":
		g.WeakKeywordWeight, err = parseFloat(value)
	case "gate_weight":
		g.GateWeight, err = parseFloat(value)
	case "default_timeout":
		g.DefaultTimeout = value
	case "history_size":
		g.HistorySize, err = parseInt(value)
	default:
		return bad(fmt.Sprintf("unknown field (valid: %s)", strings.Join(GlobalFields, ", ")))
	}
	if err != nil {
		return bad(err.Error())
	}
	return nil
}

func applyTool(r *rawSignature, name tools.ToolName, field, value string) error {
	bad := func(reason string) error {
		return apperrors.NewConfigurationError(string(name), field, reason)
	}
	var err error
	switch field {
	case "enabled":
		r.Enabled, err = parseBool(value)
	case "confidence_threshold":
		r.ConfidenceThreshold, err = parseFloat(value)
	case "timeout":
		r.Timeout = value
	case "strong_keywords":
		r.StrongKeywords = splitList(value)
	case "weak_keywords":
		r.WeakKeywords = splitList(value)
	case "min_weak_keyword_matches":
		r.MinWeakKeywordMatches, err = parseInt(value)
	case "require_both_keywords":
		var b *bool
		b, err = parseBool(value)
		if b != nil {
			r.RequireBothKeywords = *b
		}
	default:
		return bad(fmt.Sprintf("unknown field (valid: %s)", strings.Join(ToolFields, ", ")))
	}
	if err != nil {
		return bad(err.Error())
	}
	return nil
}

func parseBool(s string) (*bool, error) {
	b, err := strconv.ParseBool(s)
	if err != nil {
		return nil, fmt.Errorf("%q is not a boolean", s)
	}
	return &b, nil
}

func parseFloat(s string) (*float64, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("%q is not a number", s)
	}
	return &f, nil
}

func parseInt(s string) (*int, error) {
	i, err := strconv.Atoi(s)
	if err != nil {
		return nil, fmt.Errorf("%q is not an integer", s)
	}
	return &i, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
