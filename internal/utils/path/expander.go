// Package pathutils expands user supplied file locations.
package pathutils

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	tildeSymbolConstant            = "~"
	globCharactersConstant         = "*?["
	globErrorTemplateConstant      = "invalid input pattern %q: %w"
	globNoMatchesTemplateConstant  = "input pattern %q matched no files"
	homeRelativePrefixTemplate     = "~%c"
	forwardSlashHomePrefixConstant = "~/"
)

// HomeDirectoryProvider resolves the current user's home directory.
type HomeDirectoryProvider func() (string, error)

// Expander resolves home shortcuts and glob patterns.
type Expander struct {
	homeDirectoryProvider HomeDirectoryProvider
	homeDirectory         string
	homeDirectoryError    error
	once                  sync.Once
}

// NewExpander constructs an Expander backed by os.UserHomeDir.
func NewExpander() *Expander {
	return NewExpanderWithProvider(os.UserHomeDir)
}

// NewExpanderWithProvider constructs an Expander with a custom home directory lookup.
func NewExpanderWithProvider(provider HomeDirectoryProvider) *Expander {
	if provider == nil {
		provider = os.UserHomeDir
	}
	return &Expander{homeDirectoryProvider: provider}
}

// Expand replaces a leading ~ with the home directory. Other paths are returned unchanged.
func (expander *Expander) Expand(candidatePath string) string {
	trimmed := strings.TrimSpace(candidatePath)
	if expander == nil || !strings.HasPrefix(trimmed, tildeSymbolConstant) {
		return trimmed
	}
	homeDirectory := expander.home()
	if len(homeDirectory) == 0 {
		return trimmed
	}
	if trimmed == tildeSymbolConstant {
		return homeDirectory
	}
	for _, prefix := range []string{forwardSlashHomePrefixConstant, fmt.Sprintf(homeRelativePrefixTemplate, os.PathSeparator)} {
		if strings.HasPrefix(trimmed, prefix) {
			return filepath.Join(homeDirectory, strings.TrimPrefix(trimmed, prefix))
		}
	}
	return trimmed
}

// ExpandInputs expands home shortcuts and glob patterns, preserving order and dropping duplicates.
// A pattern that matches nothing is an error; plain paths are kept even when absent so the loader reports them.
func (expander *Expander) ExpandInputs(candidatePaths []string) ([]string, error) {
	expanded := make([]string, 0, len(candidatePaths))
	seen := make(map[string]struct{}, len(candidatePaths))
	appendUnique := func(value string) {
		if _, exists := seen[value]; exists {
			return
		}
		seen[value] = struct{}{}
		expanded = append(expanded, value)
	}

	for _, candidatePath := range candidatePaths {
		resolved := expander.Expand(candidatePath)
		if len(resolved) == 0 {
			continue
		}
		if !strings.ContainsAny(resolved, globCharactersConstant) {
			appendUnique(filepath.Clean(resolved))
			continue
		}
		matches, globError := filepath.Glob(resolved)
		if globError != nil {
			return nil, fmt.Errorf(globErrorTemplateConstant, candidatePath, globError)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf(globNoMatchesTemplateConstant, candidatePath)
		}
		for _, match := range matches {
			appendUnique(match)
		}
	}
	return expanded, nil
}

func (expander *Expander) home() string {
	expander.once.Do(func() {
		expander.homeDirectory, expander.homeDirectoryError = expander.homeDirectoryProvider()
	})
	if expander.homeDirectoryError != nil {
		return ""
	}
	return expander.homeDirectory
}
