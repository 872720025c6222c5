package flags

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

const (
	choicePlaceholderTemplate = "<%s>"
	choiceSeparatorLiteral    = "|"
	choiceUsageEmptyTemplate  = "`%s`"
	choiceUsageFullTemplate   = "`%s` %s"
)

// AddChoiceFlag registers a string flag limited to choices. The usage lists every choice with the
// default capitalized and shell completion offers the choices instead of file names.
// Validation of the parsed value stays with the caller.
func AddChoiceFlag(command *cobra.Command, name string, defaultChoice string, choices []string, description string) {
	if command == nil || len(name) == 0 {
		return
	}
	command.Flags().String(name, defaultChoice, FormatChoiceUsage(defaultChoice, choices, description))
	_ = command.RegisterFlagCompletionFunc(name, cobra.FixedCompletions(uniqueChoices(choices), cobra.ShellCompDirectiveNoFileComp))
}

// FormatChoiceUsage builds a usage string where the default option is capitalized inside a placeholder.
func FormatChoiceUsage(defaultChoice string, choices []string, description string) string {
	normalizedDefault := strings.ToLower(strings.TrimSpace(defaultChoice))
	displayed := uniqueChoices(choices)
	for index, choice := range displayed {
		if len(normalizedDefault) > 0 && strings.ToLower(choice) == normalizedDefault {
			displayed[index] = strings.ToUpper(choice)
		}
	}

	placeholder := fmt.Sprintf(choicePlaceholderTemplate, strings.Join(displayed, choiceSeparatorLiteral))
	if len(strings.TrimSpace(description)) == 0 {
		return fmt.Sprintf(choiceUsageEmptyTemplate, placeholder)
	}
	return fmt.Sprintf(choiceUsageFullTemplate, placeholder, description)
}

// uniqueChoices trims choices and drops blanks and case-insensitive duplicates, keeping order.
func uniqueChoices(choices []string) []string {
	unique := make([]string, 0, len(choices))
	seen := make(map[string]struct{}, len(choices))
	for _, choice := range choices {
		trimmedChoice := strings.TrimSpace(choice)
		if len(trimmedChoice) == 0 {
			continue
		}
		normalizedChoice := strings.ToLower(trimmedChoice)
		if _, exists := seen[normalizedChoice]; exists {
			continue
		}
		seen[normalizedChoice] = struct{}{}
		unique = append(unique, trimmedChoice)
	}
	return unique
}
