// Package util provides small helpers shared across the identity packages.
package util

import "strings"

// SafeTruncate safely truncates a string to maxLen characters without
// panicking. It is used when logging prefixes of sensitive values (code
// hashes, jtis, chain IDs) where only enough of the value to correlate log
// lines should ever appear.
//
// If maxLen is negative, it's treated as 0 and returns an empty string.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeScope collapses the whitespace in a space-delimited scope string
// into single spaces, dropping leading and trailing separators.
func NormalizeScope(scope string) string {
	return strings.Join(strings.Fields(scope), " ")
}
