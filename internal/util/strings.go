// Package util provides shared string helpers used across the codebase.
package util

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
)

// TruncateString truncates a string to maxLen runes, adding "..." if truncated.
// It does not account for ANSI escape codes; use TruncateANSI for styled text.
func TruncateString(s string, maxLen int) string {
	if maxLen <= 3 {
		return "..."
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen-3]) + "..."
}

// TruncateANSI truncates styled terminal text to maxWidth visual columns.
func TruncateANSI(s string, maxWidth int) string {
	if maxWidth <= 3 {
		return "..."
	}
	if lipgloss.Width(s) <= maxWidth {
		return s
	}
	return ansi.Truncate(s, maxWidth, "...")
}

// MaskMiddle keeps the first and last keep runes of s and replaces the rest
// with asterisks. Strings too short to leave anything hidden are fully masked.
func MaskMiddle(s string, keep int) string {
	runes := []rune(s)
	if keep < 0 {
		keep = 0
	}
	if len(runes) <= keep*2 {
		return strings.Repeat("*", len(runes))
	}
	hidden := len(runes) - keep*2
	return string(runes[:keep]) + strings.Repeat("*", hidden) + string(runes[len(runes)-keep:])
}
