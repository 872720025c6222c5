package reconcile

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/temirov/prmigrate/internal/gateway"
	"github.com/temirov/prmigrate/internal/records"
	"github.com/temirov/prmigrate/internal/state"
)

const (
	gatewayRequiredMessageConstant     = "reconciler requires a gateway"
	titleMarkerRequiredMessageConstant = "reconciler requires a title marker"
	listPullRequestsErrorTemplate      = "unable to list migrated pull requests for %s: %w"
	listCommentsErrorTemplate          = "unable to list migrated comments for pull request %d: %w"
	listBranchesErrorTemplate          = "unable to list migrated branches: %w"
	logMessageUnmarkedObjectConstant   = "Ignoring marker-tagged object without source identifier"
	logMessageDuplicateObjectConstant  = "Ignoring duplicate migrated object"
	logMessageReconciledConstant       = "Reconciled batch against target"
	logMessageListedConstant           = "Listed migrated pull requests"
	logFieldTitleConstant              = "title"
	logFieldTargetIDConstant           = "target_id"
	logFieldSourceIDConstant           = "source_id"
	logFieldRepositoryConstant         = "repository"
	logFieldKindConstant               = "kind"
	logFieldCandidatesConstant         = "candidates"
	logFieldExistingConstant           = "existing"
	logFieldRemainingConstant          = "remaining"
	kindPullRequestsConstant           = "pull_requests"
	kindCommentsConstant               = "comments"
	kindBranchesConstant               = "branches"
	currentRepositoryLabelConstant     = "<configured>"
	branchRefPrefixConstant            = "refs/heads/"
	logFieldKeptTargetIDConstant       = "kept_target_id"
)

var (
	// ErrGatewayRequired indicates the reconciler was built without a gateway.
	ErrGatewayRequired = errors.New(gatewayRequiredMessageConstant)
	// ErrTitleMarkerRequired indicates the reconciler was built without a title marker.
	ErrTitleMarkerRequired = errors.New(titleMarkerRequiredMessageConstant)
)

// Markers holds the tokens embedded in migrated objects.
type Markers struct {
	Title  string
	Branch string
}

// Reconciler matches source records with objects already present on the target.
type Reconciler struct {
	target  gateway.Gateway
	logger  *zap.Logger
	markers Markers
}

// NewReconciler constructs a Reconciler.
func NewReconciler(target gateway.Gateway, logger *zap.Logger, markers Markers) (*Reconciler, error) {
	if target == nil {
		return nil, ErrGatewayRequired
	}
	if len(markers.Title) == 0 {
		return nil, ErrTitleMarkerRequired
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{target: target, logger: logger, markers: markers}, nil
}

// ExistingPullRequests lists marker-tagged pull requests of repository (empty selects the configured one)
// and maps their original source identifiers to target handles.
func (reconciler *Reconciler) ExistingPullRequests(executionContext context.Context, repository string) (map[string]gateway.Handle, error) {
	summaries, listError := gateway.CollectPullRequests(executionContext, reconciler.target, gateway.ListPullRequestsOptions{
		State:       gateway.PullRequestStateAll,
		TitleFilter: reconciler.markers.Title,
		Repository:  repository,
	})
	label := repository
	if len(label) == 0 {
		label = currentRepositoryLabelConstant
	}
	if listError != nil {
		return nil, fmt.Errorf(listPullRequestsErrorTemplate, label, listError)
	}

	existing := make(map[string]gateway.Handle, len(summaries))
	for _, summary := range summaries {
		reconciler.collect(existing, summary.Title, gateway.Handle{ID: summary.ID, Version: summary.Version})
	}
	reconciler.logger.Debug(logMessageListedConstant, zap.String(logFieldRepositoryConstant, label), zap.Int(logFieldExistingConstant, len(existing)))
	return existing, nil
}

// ReconcilePullRequests seeds registry with already-migrated pull requests and returns the records still to create.
func (reconciler *Reconciler) ReconcilePullRequests(executionContext context.Context, registry *state.Registry, candidates []records.PullRequestRecord) ([]records.PullRequestRecord, error) {
	existing, listError := reconciler.ExistingPullRequests(executionContext, "")
	if listError != nil {
		return nil, listError
	}

	remaining := filterCandidates(candidates, func(record records.PullRequestRecord) string { return record.ID }, existing, registry)
	reconciler.logSummary(kindPullRequestsConstant, len(candidates), len(existing), len(remaining))
	return remaining, nil
}

// ExistingComments maps original comment identifiers found on a pull request to target comment handles.
func (reconciler *Reconciler) ExistingComments(executionContext context.Context, pullRequestID int) (map[string]gateway.Handle, error) {
	comments, listError := gateway.CollectComments(executionContext, reconciler.target, pullRequestID)
	if listError != nil {
		return nil, fmt.Errorf(listCommentsErrorTemplate, pullRequestID, listError)
	}

	existing := make(map[string]gateway.Handle, len(comments))
	for _, comment := range comments {
		reconciler.collect(existing, firstLine(comment.Text), gateway.Handle{ID: comment.ID, Version: comment.Version})
	}
	return existing, nil
}

// ReconcileComments seeds registry with comments already migrated onto pullRequestID and returns the remaining records.
func (reconciler *Reconciler) ReconcileComments(executionContext context.Context, registry *state.Registry, pullRequestID int, candidates []records.CommentRecord) ([]records.CommentRecord, error) {
	existing, listError := reconciler.ExistingComments(executionContext, pullRequestID)
	if listError != nil {
		return nil, listError
	}

	remaining := filterCandidates(candidates, func(record records.CommentRecord) string { return record.ID }, existing, registry)
	reconciler.logSummary(kindCommentsConstant, len(candidates), len(existing), len(remaining))
	return remaining, nil
}

// ReconcileBranches drops branch names that already exist on the target.
func (reconciler *Reconciler) ReconcileBranches(executionContext context.Context, candidates []string) ([]string, error) {
	branches, listError := gateway.CollectBranches(executionContext, reconciler.target, reconciler.markers.Branch)
	if listError != nil {
		return nil, fmt.Errorf(listBranchesErrorTemplate, listError)
	}

	existing := make(map[string]struct{}, len(branches))
	for _, branch := range branches {
		existing[branch.DisplayID] = struct{}{}
		existing[branch.ID] = struct{}{}
	}

	remaining := make([]string, 0, len(candidates))
	for _, candidate := range candidates {
		if _, present := existing[candidate]; present {
			continue
		}
		if _, present := existing[branchRefPrefixConstant+candidate]; present {
			continue
		}
		remaining = append(remaining, candidate)
	}
	reconciler.logSummary(kindBranchesConstant, len(candidates), len(branches), len(remaining))
	return remaining, nil
}

func (reconciler *Reconciler) collect(existing map[string]gateway.Handle, text string, handle gateway.Handle) {
	sourceIdentifier, found := ExtractSourceIdentifier(text, reconciler.markers.Title)
	if !found {
		reconciler.logger.Warn(
			logMessageUnmarkedObjectConstant,
			zap.String(logFieldTitleConstant, text),
			zap.Int(logFieldTargetIDConstant, handle.ID),
		)
		return
	}
	if previous, duplicate := existing[sourceIdentifier]; duplicate {
		reconciler.logger.Warn(
			logMessageDuplicateObjectConstant,
			zap.String(logFieldSourceIDConstant, sourceIdentifier),
			zap.Int(logFieldTargetIDConstant, handle.ID),
			zap.Int(logFieldKeptTargetIDConstant, previous.ID),
		)
		return
	}
	existing[sourceIdentifier] = handle
}

func (reconciler *Reconciler) logSummary(kind string, candidates int, existing int, remaining int) {
	reconciler.logger.Info(
		logMessageReconciledConstant,
		zap.String(logFieldKindConstant, kind),
		zap.Int(logFieldCandidatesConstant, candidates),
		zap.Int(logFieldExistingConstant, existing),
		zap.Int(logFieldRemainingConstant, remaining),
	)
}

func filterCandidates[T any](candidates []T, identify func(T) string, existing map[string]gateway.Handle, registry *state.Registry) []T {
	if registry != nil {
		for sourceIdentifier, handle := range existing {
			registry.Record(sourceIdentifier, handle)
		}
	}

	remaining := make([]T, 0, len(candidates))
	for _, candidate := range candidates {
		if _, present := existing[identify(candidate)]; present {
			continue
		}
		remaining = append(remaining, candidate)
	}
	return remaining
}

func firstLine(text string) string {
	for characterIndex, character := range text {
		if character == '\n' {
			return text[:characterIndex]
		}
	}
	return text
}
