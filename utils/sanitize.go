package utils

import (
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

var textPolicy = bluemonday.StrictPolicy()

// SanitizeText strips all markup from user supplied text (usernames, claim
// memos) and truncates it to maxRunes.
func SanitizeText(input string, maxRunes int) string {
	out := strings.TrimSpace(textPolicy.Sanitize(input))
	if maxRunes > 0 && utf8.RuneCountInString(out) > maxRunes {
		out = string([]rune(out)[:maxRunes])
	}
	return out
}
