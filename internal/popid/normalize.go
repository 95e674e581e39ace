// Package popid canonicalizes population and environment identifiers so
// registry keys and directory names agree across processes.
package popid

import "strings"

// Normalize canonicalizes a population or environment name: trimmed,
// lowercased, separator runs collapsed to single dashes. The result is
// usable as a directory name; path separators and dots count as separators.
func Normalize(name string) string {
	normalized := strings.TrimSpace(strings.ToLower(name))
	for _, sep := range []string{"_", " ", "/", "\\", ".", ":"} {
		normalized = strings.ReplaceAll(normalized, sep, "-")
	}
	for strings.Contains(normalized, "--") {
		normalized = strings.ReplaceAll(normalized, "--", "-")
	}
	return strings.Trim(normalized, "-")
}
