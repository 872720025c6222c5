package migrate

import (
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"

	"github.com/temirov/prmigrate/internal/governor"
	pathutils "github.com/temirov/prmigrate/internal/utils/path"
)

// Mode selects what a run does.
type Mode string

// Processing modes.
const (
	ModeLoad           Mode = Mode("load")
	ModeLoadPRs        Mode = Mode("load-prs")
	ModeForceLoad      Mode = Mode("force-load")
	ModeClose          Mode = Mode("close")
	ModeDeleteBranches Mode = Mode("delete-branches")
	ModeDeletePRs      Mode = Mode("delete-prs")
	ModeDeleteAll      Mode = Mode("delete-all")
	ModeDebug          Mode = Mode("debug")
)

const (
	defaultTitleMarkerConstant        = "Migration Import"
	defaultBranchMarkerConstant       = "migration"
	defaultSourceRootConstant         = "https://bitbucket.org/"
	defaultMaxRoundsConstant          = 5
	redactedValueConstant             = "<redacted>"
	passwordKeyConstant               = "password"
	serverKeyConstant                 = "server"
	fieldModeConstant                 = "mode"
	fieldServerURLConstant            = "server.url"
	fieldProjectConstant              = "project"
	fieldRepositoryConstant           = "repository"
	fieldTitleMarkerConstant          = "markers.title"
	fieldBranchMarkerConstant         = "markers.branch"
	fieldInputsConstant               = "inputs"
	fieldRepositoriesConstant         = "repositories"
	unsupportedModeTemplateConstant   = "unsupported mode %q (expected one of %s)"
	requiredValueMessageConstant      = "value required"
	configurationFlattenErrorTemplate = "unable to flatten configuration: %w"
)

var supportedModes = []Mode{
	ModeLoad, ModeLoadPRs, ModeForceLoad, ModeClose,
	ModeDeleteBranches, ModeDeletePRs, ModeDeleteAll, ModeDebug,
}

// SupportedModes returns every processing mode in display order.
func SupportedModes() []string {
	names := make([]string, 0, len(supportedModes))
	for _, mode := range supportedModes {
		names = append(names, string(mode))
	}
	return names
}

// ParseMode validates a mode name.
func ParseMode(value string) (Mode, error) {
	normalized := Mode(strings.ToLower(strings.TrimSpace(value)))
	for _, mode := range supportedModes {
		if mode == normalized {
			return mode, nil
		}
	}
	return "", InvalidInputError{FieldName: fieldModeConstant, Message: fmt.Sprintf(unsupportedModeTemplateConstant, value, strings.Join(SupportedModes(), ", "))}
}

// ServerConfiguration describes how to reach the target system.
type ServerConfiguration struct {
	URL              string `mapstructure:"url"`
	APIVersion       string `mapstructure:"api_version"`
	Username         string `mapstructure:"username"`
	Password         string `mapstructure:"password"`
	FatalStatusCodes []int  `mapstructure:"fatal_status_codes"`
}

// SourceConfiguration describes the source system whose links are rewritten.
type SourceConfiguration struct {
	Root      string `mapstructure:"root"`
	Workspace string `mapstructure:"workspace"`
}

// MarkerConfiguration holds the tokens identifying migrated objects.
type MarkerConfiguration struct {
	Title  string `mapstructure:"title"`
	Branch string `mapstructure:"branch"`
}

// ConcurrencyConfiguration bounds simultaneous gateway calls.
type ConcurrencyConfiguration struct {
	General           int     `mapstructure:"general"`
	BranchDelete      int     `mapstructure:"branch_delete"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
}

// RepositoryPlan lists the inputs migrated into one repository during multi-repository runs.
type RepositoryPlan struct {
	Repository string   `mapstructure:"repository"`
	Inputs     []string `mapstructure:"inputs"`
}

// Configuration is the immutable description of one migration run.
type Configuration struct {
	Mode                 Mode                     `mapstructure:"mode"`
	Project              string                   `mapstructure:"project"`
	Repository           string                   `mapstructure:"repository"`
	Inputs               []string                 `mapstructure:"inputs"`
	Server               ServerConfiguration      `mapstructure:"server"`
	Source               SourceConfiguration      `mapstructure:"source"`
	Markers              MarkerConfiguration      `mapstructure:"markers"`
	Concurrency          ConcurrencyConfiguration `mapstructure:"concurrency"`
	ForceCrossReferences bool                     `mapstructure:"force_cross_references"`
	AttachmentsRoot      string                   `mapstructure:"attachments_root"`
	DiffLookupPath       string                   `mapstructure:"diff_lookup"`
	ReportPath           string                   `mapstructure:"report"`
	MaxRounds            int                      `mapstructure:"max_rounds"`
	Repositories         []RepositoryPlan         `mapstructure:"repositories"`
}

// DefaultConfiguration returns baseline values.
func DefaultConfiguration() Configuration {
	return Configuration{
		Mode: ModeLoad,
		Server: ServerConfiguration{
			FatalStatusCodes: []int{401, 403},
		},
		Source: SourceConfiguration{Root: defaultSourceRootConstant},
		Markers: MarkerConfiguration{
			Title:  defaultTitleMarkerConstant,
			Branch: defaultBranchMarkerConstant,
		},
		Concurrency: ConcurrencyConfiguration{
			General:      governor.DefaultGeneralLimit,
			BranchDelete: governor.DefaultBranchDeleteLimit,
		},
		MaxRounds: defaultMaxRoundsConstant,
	}
}

// Sanitize trims values, lowercases the repository slug and fills defaults.
func (configuration Configuration) Sanitize() Configuration {
	defaults := DefaultConfiguration()
	sanitized := configuration

	sanitized.Mode = Mode(strings.ToLower(strings.TrimSpace(string(configuration.Mode))))
	if len(sanitized.Mode) == 0 {
		sanitized.Mode = defaults.Mode
	}
	sanitized.Project = strings.TrimSpace(configuration.Project)
	sanitized.Repository = strings.ToLower(strings.TrimSpace(configuration.Repository))
	sanitized.Inputs = sanitizeList(configuration.Inputs)
	sanitized.Server.URL = strings.TrimSpace(configuration.Server.URL)
	sanitized.Server.APIVersion = strings.TrimSpace(configuration.Server.APIVersion)
	sanitized.Server.Username = strings.TrimSpace(configuration.Server.Username)
	if configuration.Server.FatalStatusCodes == nil {
		sanitized.Server.FatalStatusCodes = defaults.Server.FatalStatusCodes
	}
	sanitized.Source.Root = strings.TrimSpace(configuration.Source.Root)
	if len(sanitized.Source.Root) == 0 {
		sanitized.Source.Root = defaults.Source.Root
	}
	sanitized.Source.Workspace = strings.Trim(strings.TrimSpace(configuration.Source.Workspace), "/")
	sanitized.Markers.Title = strings.TrimSpace(configuration.Markers.Title)
	if len(sanitized.Markers.Title) == 0 {
		sanitized.Markers.Title = defaults.Markers.Title
	}
	sanitized.Markers.Branch = strings.Trim(strings.TrimSpace(configuration.Markers.Branch), "/")
	if len(sanitized.Markers.Branch) == 0 {
		sanitized.Markers.Branch = defaults.Markers.Branch
	}

	limits := governor.Limits{
		General:           configuration.Concurrency.General,
		BranchDelete:      configuration.Concurrency.BranchDelete,
		RequestsPerSecond: configuration.Concurrency.RequestsPerSecond,
	}.Sanitize()
	sanitized.Concurrency = ConcurrencyConfiguration{
		General:           limits.General,
		BranchDelete:      limits.BranchDelete,
		RequestsPerSecond: limits.RequestsPerSecond,
	}

	sanitized.AttachmentsRoot = strings.TrimSpace(configuration.AttachmentsRoot)
	sanitized.DiffLookupPath = strings.TrimSpace(configuration.DiffLookupPath)
	sanitized.ReportPath = strings.TrimSpace(configuration.ReportPath)
	if sanitized.MaxRounds <= 0 {
		sanitized.MaxRounds = defaults.MaxRounds
	}

	plans := make([]RepositoryPlan, 0, len(configuration.Repositories))
	for _, plan := range configuration.Repositories {
		repository := strings.ToLower(strings.TrimSpace(plan.Repository))
		if len(repository) == 0 {
			continue
		}
		plans = append(plans, RepositoryPlan{Repository: repository, Inputs: sanitizeList(plan.Inputs)})
	}
	sanitized.Repositories = plans
	return sanitized
}

// Validate checks the values a run needs for its mode.
func (configuration Configuration) Validate() error {
	if _, modeError := ParseMode(string(configuration.Mode)); modeError != nil {
		return modeError
	}
	if configuration.Mode == ModeDebug {
		return nil
	}
	requiredValues := []struct {
		field string
		value string
	}{
		{field: fieldServerURLConstant, value: configuration.Server.URL},
		{field: fieldProjectConstant, value: configuration.Project},
		{field: fieldRepositoryConstant, value: configuration.Repository},
		{field: fieldTitleMarkerConstant, value: configuration.Markers.Title},
		{field: fieldBranchMarkerConstant, value: configuration.Markers.Branch},
	}
	for _, required := range requiredValues {
		if len(required.value) == 0 {
			return InvalidInputError{FieldName: required.field, Message: requiredValueMessageConstant}
		}
	}
	if configuration.Mode.loads() && len(configuration.Inputs) == 0 {
		return InvalidInputError{FieldName: fieldInputsConstant, Message: requiredValueMessageConstant}
	}
	return nil
}

// ForRepository derives the configuration of one multi-repository plan entry.
func (configuration Configuration) ForRepository(plan RepositoryPlan) Configuration {
	derived := configuration
	derived.Repository = strings.ToLower(plan.Repository)
	derived.Inputs = append([]string(nil), plan.Inputs...)
	derived.Repositories = nil
	return derived
}

// ExpandPaths resolves home shortcuts in every path and glob patterns in input lists.
func (configuration Configuration) ExpandPaths(expander *pathutils.Expander) (Configuration, error) {
	expanded := configuration
	inputs, inputsError := expander.ExpandInputs(configuration.Inputs)
	if inputsError != nil {
		return Configuration{}, InvalidInputError{FieldName: fieldInputsConstant, Message: inputsError.Error()}
	}
	expanded.Inputs = inputs

	plans := make([]RepositoryPlan, 0, len(configuration.Repositories))
	for _, plan := range configuration.Repositories {
		planInputs, planError := expander.ExpandInputs(plan.Inputs)
		if planError != nil {
			return Configuration{}, InvalidInputError{FieldName: fieldRepositoriesConstant, Message: planError.Error()}
		}
		plans = append(plans, RepositoryPlan{Repository: plan.Repository, Inputs: planInputs})
	}
	expanded.Repositories = plans

	expanded.AttachmentsRoot = expander.Expand(configuration.AttachmentsRoot)
	expanded.DiffLookupPath = expander.Expand(configuration.DiffLookupPath)
	expanded.ReportPath = expander.Expand(configuration.ReportPath)
	return expanded, nil
}

// GovernorLimits converts the concurrency section into governor limits.
func (configuration Configuration) GovernorLimits() governor.Limits {
	return governor.Limits{
		General:           configuration.Concurrency.General,
		BranchDelete:      configuration.Concurrency.BranchDelete,
		RequestsPerSecond: configuration.Concurrency.RequestsPerSecond,
	}
}

// Redacted flattens the configuration into a map with credentials masked.
func (configuration Configuration) Redacted() (map[string]any, error) {
	flattened := map[string]any{}
	if decodeError := mapstructure.Decode(configuration, &flattened); decodeError != nil {
		return nil, fmt.Errorf(configurationFlattenErrorTemplate, decodeError)
	}
	if server, isMap := flattened[serverKeyConstant].(map[string]any); isMap {
		if password, isString := server[passwordKeyConstant].(string); isString && len(password) > 0 {
			server[passwordKeyConstant] = redactedValueConstant
		}
	}
	return flattened, nil
}

func (mode Mode) loads() bool {
	return mode == ModeLoad || mode == ModeLoadPRs || mode == ModeForceLoad
}

func (mode Mode) createsBranches() bool {
	return mode == ModeLoad || mode == ModeForceLoad
}

func sanitizeList(values []string) []string {
	sanitized := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if len(trimmed) > 0 {
			sanitized = append(sanitized, trimmed)
		}
	}
	return sanitized
}
