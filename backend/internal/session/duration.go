package session

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	apperrors "toolswitch-bot/backend/pkg/errors"
)

// maxExtension caps a single extension so absurd inputs can't overflow
// time.Duration
const maxExtension = 30 * 24 * time.Hour

var extensionPattern = regexp.MustCompile(`^(\d+)\s*([mhd])$`)

// ParseExtension parses a user-supplied extension such as "5m", "2h" or
// "1d". Anything else, including zero, is an InvalidDurationError.
func ParseExtension(input string) (time.Duration, error) {
	s := strings.ToLower(strings.TrimSpace(input))
	m := extensionPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, apperrors.NewInvalidDuration(input, nil)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, apperrors.NewInvalidDuration(input, err)
	}

	unit := time.Minute
	switch m[2] {
	case "h":
		unit = time.Hour
	case "d":
		unit = 24 * time.Hour
	}
	if n <= 0 || n > int64(maxExtension/unit) {
		return 0, apperrors.NewInvalidDuration(input, nil)
	}
	return time.Duration(n) * unit, nil
}
