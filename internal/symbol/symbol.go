// Package symbol handles equity ticker normalisation and validation.
package symbol

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// tickerRegex matches: a leading letter, then up to nine letters, digits,
// dots or dashes. Examples: AAPL, BRK.B, RDS-A
var tickerRegex = regexp.MustCompile(`^[A-Z][A-Z0-9.\-]{0,9}$`)

var ErrInvalidSymbol = errors.New("symbol: invalid ticker format")

// Normalize trims and upper-cases raw and validates the result.
func Normalize(raw string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if !tickerRegex.MatchString(s) {
		return "", fmt.Errorf("%w: %q (expected 1-10 characters, starting with a letter)", ErrInvalidSymbol, raw)
	}
	return s, nil
}

// NormalizeAll normalizes each symbol, dropping duplicates and keeping the
// first-seen order.
func NormalizeAll(raw []string) ([]string, error) {
	out := make([]string, 0, len(raw))
	seen := make(map[string]bool, len(raw))
	for _, r := range raw {
		s, err := Normalize(r)
		if err != nil {
			return nil, err
		}
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out, nil
}
