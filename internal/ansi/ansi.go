// Package ansi strips terminal escape sequences from raw PTY output so that
// downstream consumers (sentinel detection, echo verification, step output
// interpolation) can match against the text a human would actually read.
package ansi

import (
	"strings"

	charmansi "github.com/charmbracelet/x/ansi"
)

// Strip removes ANSI/VT100 escape sequences from s, returning plain text.
func Strip(s string) string {
	return charmansi.Strip(s)
}

// StripBytes is the []byte variant of Strip, used on raw PTY chunks before
// they are appended to an output buffer.
func StripBytes(b []byte) []byte {
	return []byte(charmansi.Strip(string(b)))
}

// LastLine returns the last non-empty line of s after escape stripping and
// trimming. Used for sentinel detection, where the sentinel must occupy a
// line by itself.
func LastLine(s string) string {
	clean := Strip(s)
	lines := strings.Split(clean, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line != "" {
			return line
		}
	}
	return ""
}

// IsSentinel reports whether line, once escape-stripped and trimmed, equals
// the exit sentinel token used by PTY workers to request graceful release.
func IsSentinel(line, token string) bool {
	return strings.TrimSpace(Strip(line)) == token
}
