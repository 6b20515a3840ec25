package ocr

import (
	"strings"
	"unicode/utf8"
)

// Snippet shortens text for logging to at most max runes.
func Snippet(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max]) + "…"
}

// Normalize collapses newlines, tabs and runs of spaces into single spaces.
func Normalize(t string) string {
	return strings.Join(strings.Fields(t), " ")
}
