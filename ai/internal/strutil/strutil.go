// Package strutil holds small string helpers shared by the ai packages.
package strutil

import (
	"strings"
	"unicode"
)

// Truncate cuts s to at most maxLen runes and appends "..." when cut.
// It returns "" for maxLen <= 0.
func Truncate(s string, maxLen int) string {
	if s == "" || maxLen <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}

// IsBlank reports whether s is empty or only whitespace, including
// full-width spaces.
func IsBlank(s string) bool {
	return strings.IndexFunc(s, func(r rune) bool { return !unicode.IsSpace(r) }) < 0
}
