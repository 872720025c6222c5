package migrate

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/temirov/prmigrate/internal/crossref"
	"github.com/temirov/prmigrate/internal/difflookup"
	"github.com/temirov/prmigrate/internal/gateway"
	"github.com/temirov/prmigrate/internal/governor"
	"github.com/temirov/prmigrate/internal/reconcile"
	"github.com/temirov/prmigrate/internal/records"
	"github.com/temirov/prmigrate/internal/state"
)

const (
	componentGovernorConstant         = "concurrency governor"
	componentReconcilerConstant       = "reconciler"
	componentListingCacheConstant     = "listing cache"
	componentResolverConstant         = "cross-reference resolver"
	logMessageRunStartedConstant      = "Starting migration run"
	logMessageRunCompletedConstant    = "Migration run completed"
	logMessageConfigurationConstant   = "Resolved configuration"
	logMessageMalformedRecordConstant = "Skipping malformed record"
	logMessageForeignRecordConstant   = "Skipping record of another repository"
	logMessageBatchLoadedConstant     = "Loaded input batch"
	logFieldRepositoryConstant        = "repository"
	logFieldModeConstant              = "mode"
	logFieldInputConstant             = "input"
	logFieldKindConstant              = "kind"
	logFieldRecordsConstant           = "records"
	logFieldRowConstant               = "row"
	logFieldSourceIDConstant          = "source_id"
	logFieldOperationConstant         = "operation"
	logFieldStatusConstant            = "status"
	logFieldCreatedConstant           = "created"
	logFieldReconciledConstant        = "reconciled"
	logFieldUnresolvedConstant        = "unresolved"
	logFieldConfigurationConstant     = "configuration"
)

// Executor runs one repository migration.
type Executor interface {
	Execute(executionContext context.Context) (Report, error)
}

// ServiceDependencies describes collaborators for a Service.
type ServiceDependencies struct {
	Logger     *zap.Logger
	Gateway    gateway.Gateway
	Store      *state.Store
	DiffLookup difflookup.Lookup
}

// Service migrates the inputs of one configuration into one repository.
type Service struct {
	configuration Configuration
	logger        *zap.Logger
	target        gateway.Gateway
	limits        governor.Limits
	reconciler    *reconcile.Reconciler
	listingCache  *crossref.ListingCache
	resolver      *crossref.Resolver
	store         *state.Store
	diffs         difflookup.Lookup
}

// NewService wires the engine components around dependencies.Gateway.
func NewService(configuration Configuration, dependencies ServiceDependencies) (*Service, error) {
	sanitized := configuration.Sanitize()
	if validationError := sanitized.Validate(); validationError != nil {
		return nil, validationError
	}

	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String(logFieldRepositoryConstant, sanitized.Repository))

	if dependencies.Gateway == nil {
		if sanitized.Mode == ModeDebug {
			return &Service{configuration: sanitized, logger: logger}, nil
		}
		return nil, ErrGatewayRequired
	}

	governed, governorError := governor.New(dependencies.Gateway, sanitized.GovernorLimits())
	if governorError != nil {
		return nil, fmt.Errorf(componentErrorTemplateConstant, componentGovernorConstant, governorError)
	}

	reconciler, reconcilerError := reconcile.NewReconciler(governed, logger, reconcile.Markers{
		Title:  sanitized.Markers.Title,
		Branch: sanitized.Markers.Branch,
	})
	if reconcilerError != nil {
		return nil, fmt.Errorf(componentErrorTemplateConstant, componentReconcilerConstant, reconcilerError)
	}

	store := dependencies.Store
	if store == nil {
		store = state.NewStore()
	}

	listingCache, cacheError := crossref.NewListingCache(reconciler, store)
	if cacheError != nil {
		return nil, fmt.Errorf(componentErrorTemplateConstant, componentListingCacheConstant, cacheError)
	}

	resolver, resolverError := crossref.NewResolver(crossref.Configuration{
		SourceRoot:      sanitized.Source.Root,
		SourceWorkspace: sanitized.Source.Workspace,
		TargetRoot:      sanitized.Server.URL,
		Project:         sanitized.Project,
		AttachmentRoot:  sanitized.AttachmentsRoot,
	}, governed, listingCache, logger)
	if resolverError != nil {
		return nil, fmt.Errorf(componentErrorTemplateConstant, componentResolverConstant, resolverError)
	}

	return &Service{
		configuration: sanitized,
		logger:        logger,
		target:        governed,
		limits:        governed.Limits(),
		reconciler:    reconciler,
		listingCache:  listingCache,
		resolver:      resolver,
		store:         store,
		diffs:         dependencies.DiffLookup,
	}, nil
}

// Configuration returns the sanitized configuration the service runs with.
func (service *Service) Configuration() Configuration {
	return service.configuration
}

// Execute performs the configured mode.
// Per-item failures are reported; only fatal remote errors and cancellation are returned.
func (service *Service) Execute(executionContext context.Context) (Report, error) {
	report := Report{Repository: service.configuration.Repository, Mode: service.configuration.Mode}
	service.logger.Info(logMessageRunStartedConstant, zap.String(logFieldModeConstant, string(service.configuration.Mode)))

	var runError error
	switch service.configuration.Mode {
	case ModeDebug:
		runError = service.logConfiguration()
	case ModeLoad, ModeLoadPRs, ModeForceLoad:
		runError = service.load(executionContext, &report)
	case ModeClose:
		runError = service.closePullRequests(executionContext, &report)
	case ModeDeletePRs:
		runError = service.deletePullRequests(executionContext, &report)
	case ModeDeleteBranches:
		runError = service.deleteBranches(executionContext, &report)
	case ModeDeleteAll:
		runError = service.deletePullRequests(executionContext, &report)
		if runError == nil {
			runError = service.deleteBranches(executionContext, &report)
		}
	}

	service.logger.Info(
		logMessageRunCompletedConstant,
		zap.String(logFieldModeConstant, string(service.configuration.Mode)),
		zap.Int(logFieldCreatedConstant, report.Created),
		zap.Int(logFieldReconciledConstant, report.Reconciled),
		zap.Int(logFieldUnresolvedConstant, report.UnresolvedCount()),
	)
	if runError != nil {
		return report, fmt.Errorf(fatalRunErrorTemplateConstant, service.configuration.Repository, runError)
	}
	return report, nil
}

func (service *Service) logConfiguration() error {
	redacted, redactError := service.configuration.Redacted()
	if redactError != nil {
		return redactError
	}
	service.logger.Info(logMessageConfigurationConstant, zap.Any(logFieldConfigurationConstant, redacted))
	return nil
}

func (service *Service) load(executionContext context.Context, report *Report) error {
	for _, inputPath := range service.configuration.Inputs {
		batch, parseError := records.ParseFile(inputPath)
		if parseError != nil {
			loadError := fmt.Errorf(inputParseErrorTemplateConstant, inputPath, parseError)
			report.addUnresolved(ItemKindRecord, inputPath, false, loadError)
			service.logger.Error(logMessageMalformedRecordConstant, zap.String(logFieldInputConstant, inputPath), zap.Error(loadError))
			continue
		}
		for _, malformed := range batch.Malformed {
			report.Malformed++
			service.logger.Warn(
				logMessageMalformedRecordConstant,
				zap.String(logFieldInputConstant, inputPath),
				zap.Int(logFieldRowConstant, malformed.Row),
				zap.String(logFieldSourceIDConstant, malformed.Identifier),
				zap.Error(malformed),
			)
		}
		service.logger.Info(
			logMessageBatchLoadedConstant,
			zap.String(logFieldInputConstant, inputPath),
			zap.String(logFieldKindConstant, string(batch.Kind)),
			zap.Int(logFieldRecordsConstant, batch.Len()),
		)

		var loadError error
		switch batch.Kind {
		case records.KindPullRequest:
			loadError = service.loadPullRequests(executionContext, service.ownPullRequests(batch.PullRequests, report), report)
		case records.KindComment:
			loadError = service.loadComments(executionContext, service.ownComments(batch.Comments, report), report)
		}
		if loadError != nil {
			return loadError
		}
	}
	return nil
}

func (service *Service) ownsRepository(repository string) bool {
	return len(repository) == 0 || strings.EqualFold(repository, service.configuration.Repository)
}

// ownPullRequests keeps the records of the configured repository in chronological order.
func (service *Service) ownPullRequests(pullRequests []records.PullRequestRecord, report *Report) []records.PullRequestRecord {
	owned := make([]records.PullRequestRecord, 0, len(pullRequests))
	for recordIndex := len(pullRequests) - 1; recordIndex >= 0; recordIndex-- {
		record := pullRequests[recordIndex]
		if !service.ownsRepository(record.Repository) {
			report.Skipped++
			service.logger.Debug(logMessageForeignRecordConstant, zap.String(logFieldSourceIDConstant, record.ID))
			continue
		}
		owned = append(owned, record)
	}
	return owned
}

// ownComments keeps the records of the configured repository in chronological order.
func (service *Service) ownComments(comments []records.CommentRecord, report *Report) []records.CommentRecord {
	owned := make([]records.CommentRecord, 0, len(comments))
	for recordIndex := len(comments) - 1; recordIndex >= 0; recordIndex-- {
		record := comments[recordIndex]
		if !service.ownsRepository(record.Repository) {
			report.Skipped++
			service.logger.Debug(logMessageForeignRecordConstant, zap.String(logFieldSourceIDConstant, record.ID))
			continue
		}
		owned = append(owned, record)
	}
	return owned
}

func (service *Service) logItemFailure(message string, sourceID string, operation gateway.OperationName, failure error) {
	service.logger.Warn(
		message,
		zap.String(logFieldSourceIDConstant, sourceID),
		zap.String(logFieldOperationConstant, string(operation)),
		zap.Int(logFieldStatusConstant, gateway.StatusCode(failure)),
		zap.Error(failure),
	)
}
