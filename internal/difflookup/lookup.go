// Package difflookup loads the auxiliary diff text file keyed by diff URL.
package difflookup

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/tailscale/hujson"
)

const (
	lookupReadErrorTemplateConstant  = "unable to read diff lookup %s: %w"
	lookupParseErrorTemplateConstant = "unable to parse diff lookup %s: %w"
)

// Lookup maps a diff URL to the diff text captured at export time.
type Lookup struct {
	entries map[string]string
}

// Empty returns a lookup without entries.
func Empty() Lookup {
	return Lookup{entries: map[string]string{}}
}

// Load reads a JSON object of diff URL to diff text. Comments and trailing commas are tolerated.
// An empty path yields an empty lookup.
func Load(filePath string) (Lookup, error) {
	trimmedPath := strings.TrimSpace(filePath)
	if len(trimmedPath) == 0 {
		return Empty(), nil
	}

	contentBytes, readError := os.ReadFile(trimmedPath)
	if readError != nil {
		return Lookup{}, fmt.Errorf(lookupReadErrorTemplateConstant, trimmedPath, readError)
	}

	return Parse(trimmedPath, contentBytes)
}

// Parse decodes lookup content; source only labels errors.
func Parse(source string, contentBytes []byte) (Lookup, error) {
	standardized, standardizeError := hujson.Standardize(contentBytes)
	if standardizeError != nil {
		return Lookup{}, fmt.Errorf(lookupParseErrorTemplateConstant, source, standardizeError)
	}

	entries := map[string]string{}
	if unmarshalError := json.Unmarshal(standardized, &entries); unmarshalError != nil {
		return Lookup{}, fmt.Errorf(lookupParseErrorTemplateConstant, source, unmarshalError)
	}
	return Lookup{entries: entries}, nil
}

// Diff returns the diff text for diffURL.
func (lookup Lookup) Diff(diffURL string) (string, bool) {
	if lookup.entries == nil {
		return "", false
	}
	text, found := lookup.entries[strings.TrimSpace(diffURL)]
	if !found || len(strings.TrimSpace(text)) == 0 {
		return "", false
	}
	return text, true
}

// Len returns the number of entries.
func (lookup Lookup) Len() int {
	return len(lookup.entries)
}
