package migrate

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/temirov/prmigrate/internal/crossref"
	"github.com/temirov/prmigrate/internal/gateway"
	"github.com/temirov/prmigrate/internal/records"
	"github.com/temirov/prmigrate/internal/scheduler"
	"github.com/temirov/prmigrate/internal/state"
)

const (
	pullRequestTitleTemplateConstant      = "[%s %s, %s] %s"
	branchNameTemplateConstant            = "%s/%s/%s"
	branchSourceSuffixConstant            = "source"
	branchDestinationSuffixConstant       = "destination"
	createdByLineTemplateConstant         = "_Created by %s at %s_"
	closedByLineTemplateConstant          = "_Closed by %s_"
	sourceCommitLineTemplateConstant      = "Source commit (from) %s (branch '%s')"
	destinationCommitLineTemplateConstant = "Destination commit (to) %s (branch '%s')"
	declineMessageHeaderConstant          = "Decline message:"
	mergedCommitLineTemplateConstant      = "Merged to commit %s"
	originalDescriptionHeaderConstant     = "Original description:"
	logMessageBranchCommitMissingConstant = "Skipping branch whose start commit is missing on the target"
	logMessageBranchFailedConstant        = "Branch creation failed"
	logMessagePullRequestFailedConstant   = "Pull request creation failed"
	logMessagePullRequestCreatedConstant  = "Created pull request"
	logFieldBranchConstant                = "branch"
	logFieldCommitConstant                = "commit"
	logFieldTargetIDConstant              = "target_id"
	logFieldStuckConstant                 = "stuck"
	logMessageForcingStuckConstant        = "Forcing placeholders for pull requests stuck on unresolved links"
)

type branchPlan struct {
	name     string
	commit   string
	sourceID string
}

// PullRequestTitle builds the marker-tagged title of a migrated pull request.
func PullRequestTitle(marker string, record records.PullRequestRecord) string {
	return fmt.Sprintf(pullRequestTitleTemplateConstant, marker, record.ID, record.State, record.Title)
}

// BranchNames returns the source and destination branch names created for a pull request.
func BranchNames(marker string, sourceID string) (string, string) {
	return fmt.Sprintf(branchNameTemplateConstant, marker, sourceID, branchSourceSuffixConstant),
		fmt.Sprintf(branchNameTemplateConstant, marker, sourceID, branchDestinationSuffixConstant)
}

func (service *Service) loadPullRequests(executionContext context.Context, pullRequests []records.PullRequestRecord, report *Report) error {
	registry := service.store.Registry(service.configuration.Repository, state.KindPullRequest)
	remaining, reconcileError := service.reconciler.ReconcilePullRequests(executionContext, registry, pullRequests)
	if reconcileError != nil {
		return reconcileError
	}
	report.Reconciled += len(pullRequests) - len(remaining)

	if service.configuration.Mode.createsBranches() {
		if branchError := service.createBranches(executionContext, remaining, report); branchError != nil {
			return branchError
		}
	}

	runner := scheduler.New[records.PullRequestRecord](scheduler.Options{
		TaskLimit: service.limits.General,
		BeginPass: func(int) { service.listingCache.Reset() },
		Logger:    service.logger,
	})
	items := scheduler.NewWorkItems(remaining, func(record records.PullRequestRecord) string { return record.ID })
	submitWith := func(force bool) scheduler.SubmitFunc[records.PullRequestRecord] {
		return func(itemContext context.Context, item *scheduler.WorkItem[records.PullRequestRecord]) scheduler.Outcome {
			return service.submitPullRequest(itemContext, registry, item.Record, force)
		}
	}

	result, runError := runner.Run(executionContext, items, submitWith(false))
	if runError != nil || len(result.Stuck) == 0 || !service.forcesCrossReferences() {
		collectResult(report, ItemKindPullRequest, result)
		return runError
	}

	service.logger.Info(logMessageForcingStuckConstant, zap.Int(logFieldStuckConstant, len(result.Stuck)))
	forcedResult, forcedError := runner.Run(executionContext, result.Stuck, submitWith(true))
	result.Stuck = nil
	result.Convergence = nil
	collectResult(report, ItemKindPullRequest, result)
	collectResult(report, ItemKindPullRequest, forcedResult)
	return forcedError
}

// forcesCrossReferences reports whether pull requests left stuck after the unforced passes
// get a final pass with placeholder links.
func (service *Service) forcesCrossReferences() bool {
	return service.configuration.ForceCrossReferences || service.configuration.Mode == ModeForceLoad
}

func (service *Service) submitPullRequest(executionContext context.Context, registry *state.Registry, record records.PullRequestRecord, force bool) scheduler.Outcome {
	description, describeError := service.pullRequestDescription(executionContext, record, force)
	if describeError != nil {
		if crossref.IsDependencyUnresolved(describeError) {
			return scheduler.Deferred(describeError)
		}
		return scheduler.Failed(describeError)
	}

	sourceBranch, destinationBranch := BranchNames(service.configuration.Markers.Branch, record.ID)
	handle, createError := service.target.CreatePullRequest(executionContext, gateway.PullRequestDraft{
		Title:       PullRequestTitle(service.configuration.Markers.Title, record),
		Description: description,
		SourceRef:   sourceBranch,
		TargetRef:   destinationBranch,
	})
	if createError != nil {
		service.logItemFailure(logMessagePullRequestFailedConstant, record.ID, gateway.OperationCreatePullRequest, createError)
		return scheduler.Failed(createError)
	}
	registry.Record(record.ID, handle)
	service.logger.Debug(logMessagePullRequestCreatedConstant, zap.String(logFieldSourceIDConstant, record.ID), zap.Int(logFieldTargetIDConstant, handle.ID))
	return scheduler.Created(handle)
}

func (service *Service) pullRequestDescription(executionContext context.Context, record records.PullRequestRecord, force bool) (string, error) {
	body, resolveError := service.resolver.Resolve(executionContext, crossref.RewriteRequest{
		Raw:      record.BodyRaw,
		Rendered: record.BodyHTML,
		Force:    force,
	})
	if resolveError != nil {
		return "", resolveError
	}

	lines := []string{fmt.Sprintf(createdByLineTemplateConstant, record.Author, record.CreatedAt)}
	if len(strings.TrimSpace(record.ClosedBy)) > 0 {
		lines = append(lines, fmt.Sprintf(closedByLineTemplateConstant, record.ClosedBy))
	}
	lines = append(lines,
		fmt.Sprintf(sourceCommitLineTemplateConstant, record.SourceCommit, record.SourceBranch),
		fmt.Sprintf(destinationCommitLineTemplateConstant, record.DestinationCommit, record.DestinationBranch),
		"",
	)
	if len(strings.TrimSpace(record.DeclineReason)) > 0 {
		lines = append(lines, declineMessageHeaderConstant, record.DeclineReason, "")
	}
	if len(strings.TrimSpace(record.MergeCommit)) > 0 {
		lines = append(lines, fmt.Sprintf(mergedCommitLineTemplateConstant, record.MergeCommit), "")
	}
	lines = append(lines, originalDescriptionHeaderConstant, body)
	return strings.Join(lines, "\n"), nil
}

// createBranches creates the source and destination branches of every pending pull request
// with the same bounded concurrency the scheduler uses.
func (service *Service) createBranches(executionContext context.Context, pullRequests []records.PullRequestRecord, report *Report) error {
	plans := make([]branchPlan, 0, len(pullRequests)*2)
	names := make([]string, 0, len(pullRequests)*2)
	for _, record := range pullRequests {
		sourceBranch, destinationBranch := BranchNames(service.configuration.Markers.Branch, record.ID)
		plans = append(plans,
			branchPlan{name: sourceBranch, commit: record.SourceCommit, sourceID: record.ID},
			branchPlan{name: destinationBranch, commit: record.DestinationCommit, sourceID: record.ID},
		)
		names = append(names, sourceBranch, destinationBranch)
	}

	missing, reconcileError := service.reconciler.ReconcileBranches(executionContext, names)
	if reconcileError != nil {
		return reconcileError
	}
	missingNames := make(map[string]struct{}, len(missing))
	for _, name := range missing {
		missingNames[name] = struct{}{}
	}

	results := make([]bool, len(plans))
	group, groupContext := errgroup.WithContext(executionContext)
	group.SetLimit(service.limits.General)
	for planIndex, plan := range plans {
		if _, needed := missingNames[plan.name]; !needed {
			continue
		}
		index, branch := planIndex, plan
		group.Go(func() error {
			created, branchError := service.createBranch(groupContext, branch)
			if branchError != nil {
				return branchError
			}
			results[index] = created
			return nil
		})
	}
	if waitError := group.Wait(); waitError != nil {
		return waitError
	}

	for _, created := range results {
		if created {
			report.Branches++
		}
	}
	return nil
}

func (service *Service) createBranch(executionContext context.Context, plan branchPlan) (bool, error) {
	exists, commitError := service.target.GetCommit(executionContext, plan.commit)
	if commitError != nil {
		if gateway.IsFatal(commitError) {
			return false, commitError
		}
		service.logItemFailure(logMessageBranchFailedConstant, plan.sourceID, gateway.OperationGetCommit, commitError)
		return false, nil
	}
	if !exists {
		service.logger.Warn(
			logMessageBranchCommitMissingConstant,
			zap.String(logFieldSourceIDConstant, plan.sourceID),
			zap.String(logFieldBranchConstant, plan.name),
			zap.String(logFieldCommitConstant, plan.commit),
		)
		return false, nil
	}

	if createError := service.target.CreateBranch(executionContext, plan.name, plan.commit); createError != nil {
		if gateway.IsFatal(createError) {
			return false, createError
		}
		service.logItemFailure(logMessageBranchFailedConstant, plan.sourceID, gateway.OperationCreateBranch, createError)
		return false, nil
	}
	return true, nil
}

func collectResult[T any](report *Report, kind ItemKind, result scheduler.Result[T]) {
	report.Created += len(result.Created)
	report.Passes += result.Passes
	for _, item := range result.Failed {
		report.addUnresolved(kind, item.Key, false, item.Reason)
	}
	for _, item := range result.Stuck {
		report.addUnresolved(kind, item.Key, true, item.Reason)
	}
}
