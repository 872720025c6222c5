package migrate

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/temirov/prmigrate/internal/gateway"
	"github.com/temirov/prmigrate/internal/reconcile"
)

const (
	closeCommentTemplateConstant    = "Closed by migration cleanup. Original state: %s"
	unknownOriginalStateConstant    = "UNKNOWN"
	originalStateSeparatorConstant  = ","
	originalStateTerminatorConstant = "]"
	logMessageCleanupFailedConstant = "Cleanup operation failed"
	logMessageCleanupSweepConstant  = "Completed cleanup sweep"
	logFieldProcessedConstant       = "processed"
	logFieldSweepConstant           = "sweep"
)

// cleanupCandidate is one listed object a cleanup sweep acts on.
type cleanupCandidate struct {
	key   string
	apply func(executionContext context.Context) error
}

// cleanupPage lists one page of candidates starting at cursor.
type cleanupPage func(executionContext context.Context, cursor int) ([]cleanupCandidate, bool, int, error)

// OriginalState extracts the source state embedded in a migrated pull request title.
func OriginalState(title string, marker string) string {
	markerIndex := strings.Index(title, marker)
	if markerIndex < 0 {
		return unknownOriginalStateConstant
	}
	remainder := title[markerIndex+len(marker):]
	separatorIndex := strings.Index(remainder, originalStateSeparatorConstant)
	terminatorIndex := strings.Index(remainder, originalStateTerminatorConstant)
	if separatorIndex < 0 || terminatorIndex < separatorIndex {
		return unknownOriginalStateConstant
	}
	originalState := strings.TrimSpace(remainder[separatorIndex+1 : terminatorIndex])
	if len(originalState) == 0 {
		return unknownOriginalStateConstant
	}
	return originalState
}

func (service *Service) closePullRequests(executionContext context.Context, report *Report) error {
	closed, closeError := service.sweep(executionContext, ItemKindPullRequest, gateway.OperationClosePullRequest, report,
		service.pullRequestPage(gateway.PullRequestStateOpen, func(summary gateway.PullRequestSummary) func(context.Context) error {
			comment := fmt.Sprintf(closeCommentTemplateConstant, OriginalState(summary.Title, service.configuration.Markers.Title))
			return func(executionContext context.Context) error {
				return service.target.ClosePullRequest(executionContext, gateway.Handle{ID: summary.ID, Version: summary.Version}, comment)
			}
		}))
	report.Closed += closed
	return closeError
}

func (service *Service) deletePullRequests(executionContext context.Context, report *Report) error {
	deleted, deleteError := service.sweep(executionContext, ItemKindPullRequest, gateway.OperationDeletePullRequest, report,
		service.pullRequestPage(gateway.PullRequestStateAll, func(summary gateway.PullRequestSummary) func(context.Context) error {
			return func(executionContext context.Context) error {
				return service.target.DeletePullRequest(executionContext, gateway.Handle{ID: summary.ID, Version: summary.Version})
			}
		}))
	report.Deleted += deleted
	return deleteError
}

func (service *Service) deleteBranches(executionContext context.Context, report *Report) error {
	branchPrefix := service.configuration.Markers.Branch + "/"
	deleted, deleteError := service.sweep(executionContext, ItemKindBranch, gateway.OperationDeleteBranch, report,
		func(executionContext context.Context, cursor int) ([]cleanupCandidate, bool, int, error) {
			page, listError := service.target.ListBranches(executionContext, service.configuration.Markers.Branch, cursor)
			if listError != nil {
				return nil, false, 0, listError
			}
			candidates := make([]cleanupCandidate, 0, len(page.Values))
			for _, branch := range page.Values {
				if !strings.HasPrefix(branch.DisplayID, branchPrefix) {
					continue
				}
				branchName := branch.DisplayID
				candidates = append(candidates, cleanupCandidate{
					key: branchName,
					apply: func(executionContext context.Context) error {
						return service.target.DeleteBranch(executionContext, branchName)
					},
				})
			}
			return candidates, page.IsLastPage, page.NextCursor, nil
		})
	report.Deleted += deleted
	return deleteError
}

func (service *Service) pullRequestPage(listState gateway.PullRequestState, action func(gateway.PullRequestSummary) func(context.Context) error) cleanupPage {
	marker := service.configuration.Markers.Title
	return func(executionContext context.Context, cursor int) ([]cleanupCandidate, bool, int, error) {
		page, listError := service.target.ListPullRequests(executionContext, gateway.ListPullRequestsOptions{
			Cursor:      cursor,
			State:       listState,
			TitleFilter: marker,
		})
		if listError != nil {
			return nil, false, 0, listError
		}
		candidates := make([]cleanupCandidate, 0, len(page.Values))
		for _, summary := range page.Values {
			if _, tagged := reconcile.ExtractSourceIdentifier(summary.Title, marker); !tagged {
				continue
			}
			candidates = append(candidates, cleanupCandidate{key: fmt.Sprint(summary.ID), apply: action(summary)})
		}
		return candidates, page.IsLastPage, page.NextCursor, nil
	}
}

// sweep pages through the listing, fanning out bounded calls per page. Acting on objects shifts
// the listing, so sweeps restart from the first page until one finds nothing new to act on.
// Failures are logged and reported; only fatal errors stop the sweep.
func (service *Service) sweep(executionContext context.Context, kind ItemKind, operation gateway.OperationName, report *Report, list cleanupPage) (int, error) {
	attempted := map[string]struct{}{}
	var reportMutex sync.Mutex
	succeeded := 0

	for sweepIndex := 1; ; sweepIndex++ {
		discovered := 0
		cursor := 0
		for {
			candidates, lastPage, nextCursor, listError := list(executionContext, cursor)
			if listError != nil {
				return succeeded, listError
			}

			group, groupContext := errgroup.WithContext(executionContext)
			group.SetLimit(service.limits.General)
			for _, candidate := range candidates {
				if _, seen := attempted[candidate.key]; seen {
					continue
				}
				attempted[candidate.key] = struct{}{}
				discovered++
				current := candidate
				group.Go(func() error {
					applyError := current.apply(groupContext)
					if applyError == nil {
						reportMutex.Lock()
						succeeded++
						reportMutex.Unlock()
						return nil
					}
					if gateway.IsFatal(applyError) {
						return applyError
					}
					service.logItemFailure(logMessageCleanupFailedConstant, current.key, operation, applyError)
					reportMutex.Lock()
					report.addUnresolved(kind, current.key, false, applyError)
					reportMutex.Unlock()
					return nil
				})
			}
			if waitError := group.Wait(); waitError != nil {
				return succeeded, waitError
			}

			if lastPage {
				break
			}
			cursor = nextCursor
		}

		service.logger.Info(
			logMessageCleanupSweepConstant,
			zap.String(logFieldKindConstant, string(kind)),
			zap.Int(logFieldSweepConstant, sweepIndex),
			zap.Int(logFieldProcessedConstant, discovered),
		)
		if discovered == 0 {
			return succeeded, nil
		}
	}
}
