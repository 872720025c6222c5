package reconcile

import (
	"regexp"
	"strings"
)

var decimalNumberPattern = regexp.MustCompile(`\d+`)

// ExtractSourceIdentifier returns the first decimal number that follows marker in text.
// It reports false when the marker is absent or no number follows it.
func ExtractSourceIdentifier(text string, marker string) (string, bool) {
	if len(marker) == 0 {
		return "", false
	}
	markerIndex := strings.Index(text, marker)
	if markerIndex < 0 {
		return "", false
	}
	match := decimalNumberPattern.FindString(text[markerIndex+len(marker):])
	if len(match) == 0 {
		return "", false
	}
	return match, true
}
