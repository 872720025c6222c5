package migrate

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/temirov/prmigrate/internal/difflookup"
	"github.com/temirov/prmigrate/internal/gateway"
	"github.com/temirov/prmigrate/internal/utils"
	"github.com/temirov/prmigrate/internal/utils/flags"
	pathutils "github.com/temirov/prmigrate/internal/utils/path"
)

const (
	runCommandUseConstant              = "run"
	runCommandShortDescriptionConstant = "Migrate one repository"
	runCommandLongDescriptionConstant  = "run loads pull request or comment exports into the configured repository, or cleans up migrated objects, depending on the selected mode."
	roundsCommandUseConstant           = "run-all"
	roundsCommandShortConstant         = "Migrate several repositories in rounds"
	roundsCommandLongConstant          = "run-all processes every configured repository plan and repeats whole rounds while the total unresolved count keeps shrinking, so cross-repository links resolve once their targets exist."
	modeFlagNameConstant               = "mode"
	modeFlagDescriptionConstant        = "Processing mode"
	inputFlagNameConstant              = "input"
	inputFlagUsageConstant             = "Export files to load (repeatable)"
	repositoryFlagNameConstant         = "repository"
	repositoryFlagUsageConstant        = "Target repository slug"
	forceFlagNameConstant              = "force"
	forceFlagUsageConstant             = "Substitute placeholders for unresolved pull request links"
	reportFlagNameConstant             = "report"
	reportFlagUsageConstant            = "Write a YAML run report to this path"
	maxRoundsFlagNameConstant          = "max-rounds"
	maxRoundsFlagUsageConstant         = "Maximum number of rounds"
	unresolvedSummaryMessageConstant   = "Unresolved items remain"
	logFieldRoundsConstant             = "rounds"
	logFieldReportConstant             = "report"
	reportWrittenMessageConstant       = "Wrote run report"
	configurationSourceMessageConstant = "Using configuration file"
	logFieldConfigurationFileConstant  = "configuration_file"
)

// LoggerProvider supplies a zap logger instance.
type LoggerProvider func() *zap.Logger

// CommandBuilder assembles the run command.
type CommandBuilder struct {
	LoggerProvider        LoggerProvider
	ConfigurationProvider func() Configuration
	GatewayFactory        GatewayFactory
	ServiceProvider       ServiceProvider
}

// Build constructs the run command.
func (builder *CommandBuilder) Build() (*cobra.Command, error) {
	command := &cobra.Command{
		Use:           runCommandUseConstant,
		Short:         runCommandShortDescriptionConstant,
		Long:          runCommandLongDescriptionConstant,
		SilenceErrors: true,
		SilenceUsage:  true,
		Args:          cobra.NoArgs,
		RunE:          builder.run,
	}

	bindCommonFlags(command)
	command.Flags().StringSlice(inputFlagNameConstant, nil, inputFlagUsageConstant)
	command.Flags().String(repositoryFlagNameConstant, "", repositoryFlagUsageConstant)

	return command, nil
}

func (builder *CommandBuilder) run(command *cobra.Command, _ []string) error {
	configuration, configurationError := applyFlags(command, resolveConfiguration(builder.ConfigurationProvider))
	if configurationError != nil {
		return configurationError
	}
	logger := resolveLogger(builder.LoggerProvider)
	runIdentifier := describeRun(command.Context(), logger)

	diffs, diffError := difflookup.Load(configuration.DiffLookupPath)
	if diffError != nil {
		return fmt.Errorf(diffLookupErrorTemplateConstant, diffError)
	}

	factory := builder.GatewayFactory
	if factory == nil {
		factory = DefaultGatewayFactory
	}
	var target gateway.Gateway
	if configuration.Mode != ModeDebug {
		builtTarget, gatewayError := factory(configuration)
		if gatewayError != nil {
			return gatewayError
		}
		target = builtTarget
	}

	provider := builder.ServiceProvider
	if provider == nil {
		provider = defaultServiceProvider
	}
	executor, serviceError := provider(configuration, ServiceDependencies{Logger: logger, Gateway: target, DiffLookup: diffs})
	if serviceError != nil {
		return serviceError
	}

	report, executeError := executor.Execute(command.Context())
	if reportError := writeReport(logger, configuration.ReportPath, runIdentifier, []Report{report}); reportError != nil && executeError == nil {
		executeError = reportError
	}
	if report.UnresolvedCount() > 0 {
		logger.Warn(unresolvedSummaryMessageConstant, zap.Int(logFieldUnresolvedConstant, report.UnresolvedCount()))
	}
	return executeError
}

// RoundsCommandBuilder assembles the run-all command.
type RoundsCommandBuilder struct {
	LoggerProvider        LoggerProvider
	ConfigurationProvider func() Configuration
	GatewayFactory        GatewayFactory
	ServiceProvider       ServiceProvider
}

// Build constructs the run-all command.
func (builder *RoundsCommandBuilder) Build() (*cobra.Command, error) {
	command := &cobra.Command{
		Use:           roundsCommandUseConstant,
		Short:         roundsCommandShortConstant,
		Long:          roundsCommandLongConstant,
		SilenceErrors: true,
		SilenceUsage:  true,
		Args:          cobra.NoArgs,
		RunE:          builder.run,
	}

	bindCommonFlags(command)
	command.Flags().Int(maxRoundsFlagNameConstant, 0, maxRoundsFlagUsageConstant)

	return command, nil
}

func (builder *RoundsCommandBuilder) run(command *cobra.Command, _ []string) error {
	configuration, configurationError := applyFlags(command, resolveConfiguration(builder.ConfigurationProvider))
	if configurationError != nil {
		return configurationError
	}
	logger := resolveLogger(builder.LoggerProvider)
	runIdentifier := describeRun(command.Context(), logger)

	diffs, diffError := difflookup.Load(configuration.DiffLookupPath)
	if diffError != nil {
		return fmt.Errorf(diffLookupErrorTemplateConstant, diffError)
	}

	factory := builder.GatewayFactory
	if factory == nil {
		factory = DefaultGatewayFactory
	}
	runner := RoundRunner{
		Configuration:   configuration,
		Logger:          logger,
		GatewayFactory:  factory,
		ServiceProvider: builder.ServiceProvider,
		DiffLookup:      diffs,
	}
	result, runError := runner.Run(command.Context())
	if reportError := writeReport(logger, configuration.ReportPath, runIdentifier, result.Reports); reportError != nil && runError == nil {
		runError = reportError
	}
	if result.Unresolved > 0 {
		logger.Warn(unresolvedSummaryMessageConstant, zap.Int(logFieldUnresolvedConstant, result.Unresolved), zap.Int(logFieldRoundsConstant, result.Rounds))
	}
	return runError
}

// DefaultGatewayFactory builds the REST client for configuration.
func DefaultGatewayFactory(configuration Configuration) (gateway.Gateway, error) {
	return gateway.NewClient(gateway.ClientConfiguration{
		ServerURL:        configuration.Server.URL,
		APIVersion:       configuration.Server.APIVersion,
		Username:         configuration.Server.Username,
		Password:         configuration.Server.Password,
		Project:          configuration.Project,
		Repository:       configuration.Repository,
		FatalStatusCodes: configuration.Server.FatalStatusCodes,
	}, nil)
}

func bindCommonFlags(command *cobra.Command) {
	defaults := DefaultConfiguration()
	flags.AddChoiceFlag(command, modeFlagNameConstant, string(defaults.Mode), SupportedModes(), modeFlagDescriptionConstant)
	flags.AddToggleFlag(command.Flags(), nil, forceFlagNameConstant, "", false, forceFlagUsageConstant)
	command.Flags().String(reportFlagNameConstant, "", reportFlagUsageConstant)
}

// applyFlags overlays explicitly set flags on the configured values.
func applyFlags(command *cobra.Command, configuration Configuration) (Configuration, error) {
	flagSet := command.Flags()
	if flagSet.Changed(modeFlagNameConstant) {
		modeValue, _ := flagSet.GetString(modeFlagNameConstant)
		mode, modeError := ParseMode(modeValue)
		if modeError != nil {
			return Configuration{}, modeError
		}
		configuration.Mode = mode
	}
	if flagSet.Changed(forceFlagNameConstant) {
		configuration.ForceCrossReferences, _ = flagSet.GetBool(forceFlagNameConstant)
	}
	if flagSet.Changed(reportFlagNameConstant) {
		configuration.ReportPath, _ = flagSet.GetString(reportFlagNameConstant)
	}
	if flagSet.Lookup(inputFlagNameConstant) != nil && flagSet.Changed(inputFlagNameConstant) {
		configuration.Inputs, _ = flagSet.GetStringSlice(inputFlagNameConstant)
	}
	if flagSet.Lookup(repositoryFlagNameConstant) != nil && flagSet.Changed(repositoryFlagNameConstant) {
		configuration.Repository, _ = flagSet.GetString(repositoryFlagNameConstant)
	}
	if flagSet.Lookup(maxRoundsFlagNameConstant) != nil && flagSet.Changed(maxRoundsFlagNameConstant) {
		configuration.MaxRounds, _ = flagSet.GetInt(maxRoundsFlagNameConstant)
	}

	sanitized := configuration.Sanitize()
	if _, modeError := ParseMode(string(sanitized.Mode)); modeError != nil {
		return Configuration{}, modeError
	}
	return sanitized.ExpandPaths(pathutils.NewExpander())
}

func resolveConfiguration(provider func() Configuration) Configuration {
	if provider == nil {
		return DefaultConfiguration()
	}
	return provider()
}

func resolveLogger(provider LoggerProvider) *zap.Logger {
	var logger *zap.Logger
	if provider != nil {
		logger = provider()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return logger
}

// describeRun logs the configuration file the command context carries and returns its run identifier.
func describeRun(executionContext context.Context, logger *zap.Logger) string {
	accessor := utils.NewCommandContextAccessor()
	if configurationFilePath, available := accessor.ConfigurationFilePath(executionContext); available && len(configurationFilePath) > 0 {
		logger.Info(configurationSourceMessageConstant, zap.String(logFieldConfigurationFileConstant, configurationFilePath))
	}
	runIdentifier, _ := accessor.RunIdentifier(executionContext)
	return runIdentifier
}

func writeReport(logger *zap.Logger, reportPath string, runIdentifier string, reports []Report) error {
	if len(strings.TrimSpace(reportPath)) == 0 {
		return nil
	}
	for index := range reports {
		reports[index].RunID = runIdentifier
	}
	if writeError := WriteReports(reportPath, reports); writeError != nil {
		return writeError
	}
	logger.Info(reportWrittenMessageConstant, zap.String(logFieldReportConstant, reportPath))
	return nil
}
