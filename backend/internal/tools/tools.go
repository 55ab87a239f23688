package tools

import (
	"strings"

	apperrors "toolswitch-bot/backend/pkg/errors"
)

// ToolName identifies one of the tools a session can route to. The set is
// closed: names outside it are rejected when configuration is loaded.
type ToolName string

// Tool names
const (
	Chat              ToolName = "Chat"
	CryptoPrice       ToolName = "CryptoPrice"
	CurrencyConverter ToolName = "CurrencyConverter"
	WebSearch         ToolName = "WebSearch"
	ImageGen          ToolName = "ImageGen"
	FactStore         ToolName = "FactStore"
)

var allTools = []ToolName{Chat, CryptoPrice, CurrencyConverter, WebSearch, ImageGen, FactStore}

var displayNames = map[ToolName]string{
	Chat:              "Chat",
	CryptoPrice:       "Crypto Price",
	CurrencyConverter: "Currency Converter",
	WebSearch:         "Web Search",
	ImageGen:          "Image Generation",
	FactStore:         "Fact Store",
}

// All returns every known tool in canonical order
func All() []ToolName {
	out := make([]ToolName, len(allTools))
	copy(out, allTools)
	return out
}

// Valid reports whether t is a known tool
func (t ToolName) Valid() bool {
	_, ok := displayNames[t]
	return ok
}

// String implements fmt.Stringer
func (t ToolName) String() string {
	return string(t)
}

// DisplayName returns a human-readable name for chat output
func (t ToolName) DisplayName() string {
	if name, ok := displayNames[t]; ok {
		return name
	}
	return string(t)
}

// Parse resolves a user or config supplied name to a ToolName. Matching is
// case-insensitive and ignores separators, so "crypto_price", "crypto-price"
// and "CryptoPrice" are the same tool.
func Parse(name string) (ToolName, error) {
	key := normalize(name)
	for _, t := range allTools {
		if normalize(string(t)) == key {
			return t, nil
		}
	}
	return "", apperrors.NewUnknownTool(name)
}

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer("_", "", "-", "", " ", "").Replace(s)
}
