package sensitivity

import (
	"strings"
	"unicode"
)

// Tokenize lowercases s and splits it into letter/digit runs. Keywords and
// messages go through the same function so phrase matching lines up.
func Tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// WordCount counts whitespace-separated words, the unit used by the
// min/max message length settings.
func WordCount(s string) int {
	return len(strings.Fields(s))
}
