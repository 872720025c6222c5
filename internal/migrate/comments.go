package migrate

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/temirov/prmigrate/internal/crossref"
	"github.com/temirov/prmigrate/internal/gateway"
	"github.com/temirov/prmigrate/internal/records"
	"github.com/temirov/prmigrate/internal/scheduler"
	"github.com/temirov/prmigrate/internal/state"
)

const (
	commentHeaderTemplateConstant       = "*[%s comment %s]* Created by **%s** at %s"
	deletedCommentBodyConstant          = "_This comment was deleted in the source system._"
	diffFenceOpenConstant               = "```diff"
	diffFenceCloseConstant              = "```"
	parentUnresolvedTemplateConstant    = "parent comment %s has not been migrated yet"
	logMessageDeletedCommentSkipped     = "Skipping deleted comment without replies"
	logMessageCommentFailedConstant     = "Comment creation failed"
	logMessagePullRequestLookupConstant = "Pull request of comments is not migrated yet"
)

// CommentHeader builds the marker-tagged first line of a migrated comment.
func CommentHeader(marker string, record records.CommentRecord) string {
	return fmt.Sprintf(commentHeaderTemplateConstant, marker, record.ID, record.Author, record.CreatedAt)
}

func (service *Service) loadComments(executionContext context.Context, comments []records.CommentRecord, report *Report) error {
	pullRequestRegistry := service.store.Registry(service.configuration.Repository, state.KindPullRequest)
	commentRegistry := service.store.Registry(service.configuration.Repository, state.KindComment)

	existingPullRequests, listError := service.reconciler.ExistingPullRequests(executionContext, "")
	if listError != nil {
		return listError
	}
	for sourceID, handle := range existingPullRequests {
		pullRequestRegistry.Record(sourceID, handle)
	}

	candidates := service.dropDeletedLeaves(comments, report)

	grouped := map[string][]records.CommentRecord{}
	pullRequestOrder := make([]string, 0)
	for _, comment := range candidates {
		if _, seen := grouped[comment.PullRequestID]; !seen {
			pullRequestOrder = append(pullRequestOrder, comment.PullRequestID)
		}
		grouped[comment.PullRequestID] = append(grouped[comment.PullRequestID], comment)
	}

	remainingByID := map[string]struct{}{}
	for _, pullRequestID := range pullRequestOrder {
		group := grouped[pullRequestID]
		handle, migrated := pullRequestRegistry.Lookup(pullRequestID)
		if !migrated {
			service.logger.Debug(logMessagePullRequestLookupConstant, zap.String(logFieldSourceIDConstant, pullRequestID))
			for _, comment := range group {
				remainingByID[comment.ID] = struct{}{}
			}
			continue
		}
		remaining, reconcileError := service.reconciler.ReconcileComments(executionContext, commentRegistry, handle.ID, group)
		if reconcileError != nil {
			return reconcileError
		}
		report.Reconciled += len(group) - len(remaining)
		for _, comment := range remaining {
			remainingByID[comment.ID] = struct{}{}
		}
	}

	pending := make([]records.CommentRecord, 0, len(remainingByID))
	for _, comment := range candidates {
		if _, keep := remainingByID[comment.ID]; keep {
			pending = append(pending, comment)
		}
	}

	runner := scheduler.New[records.CommentRecord](scheduler.Options{
		TaskLimit: service.limits.General,
		BeginPass: func(int) { service.listingCache.Reset() },
		Logger:    service.logger,
	})
	items := scheduler.NewWorkItems(pending, func(record records.CommentRecord) string { return record.ID })
	result, runError := runner.Run(executionContext, items, func(itemContext context.Context, item *scheduler.WorkItem[records.CommentRecord]) scheduler.Outcome {
		return service.submitComment(itemContext, pullRequestRegistry, commentRegistry, item.Record)
	})
	collectResult(report, ItemKindComment, result)
	return runError
}

// dropDeletedLeaves removes deleted comments nobody replied to; deleted comments with replies stay as placeholders.
func (service *Service) dropDeletedLeaves(comments []records.CommentRecord, report *Report) []records.CommentRecord {
	parents := map[string]struct{}{}
	for _, comment := range comments {
		if comment.HasParent() {
			parents[comment.ParentID] = struct{}{}
		}
	}

	kept := make([]records.CommentRecord, 0, len(comments))
	for _, comment := range comments {
		if comment.IsDeleted {
			if _, hasReplies := parents[comment.ID]; !hasReplies {
				report.Skipped++
				service.logger.Debug(logMessageDeletedCommentSkipped, zap.String(logFieldSourceIDConstant, comment.ID))
				continue
			}
		}
		kept = append(kept, comment)
	}
	return kept
}

func (service *Service) submitComment(executionContext context.Context, pullRequestRegistry *state.Registry, commentRegistry *state.Registry, record records.CommentRecord) scheduler.Outcome {
	pullRequestHandle, pullRequestMigrated := pullRequestRegistry.Lookup(record.PullRequestID)
	if !pullRequestMigrated {
		return scheduler.Deferred(crossref.DependencyUnresolvedError{Repository: service.configuration.Repository, SourceID: record.PullRequestID})
	}

	parentID := 0
	if record.HasParent() {
		parentHandle, parentMigrated := commentRegistry.Lookup(record.ParentID)
		if !parentMigrated {
			return scheduler.Deferred(fmt.Errorf(parentUnresolvedTemplateConstant, record.ParentID))
		}
		parentID = parentHandle.ID
	}

	text, textError := service.commentText(executionContext, record)
	if textError != nil {
		return scheduler.Failed(textError)
	}

	var commentID int
	var createError error
	operation := gateway.OperationCreateComment
	if record.IsFileComment() && parentID == 0 {
		operation = gateway.OperationCreateFileComment
		commentID, createError = service.target.CreateFileComment(executionContext, pullRequestHandle.ID, text, fileAnchor(record))
	} else {
		commentID, createError = service.target.CreateComment(executionContext, pullRequestHandle.ID, text, parentID)
	}
	if createError != nil {
		service.logItemFailure(logMessageCommentFailedConstant, record.ID, operation, createError)
		return scheduler.Failed(createError)
	}

	handle := gateway.Handle{ID: commentID}
	commentRegistry.Record(record.ID, handle)
	return scheduler.Created(handle)
}

func (service *Service) commentText(executionContext context.Context, record records.CommentRecord) (string, error) {
	body := deletedCommentBodyConstant
	if !record.IsDeleted {
		resolved, resolveError := service.resolver.Resolve(executionContext, crossref.RewriteRequest{
			Raw:      record.BodyRaw,
			Rendered: record.BodyHTML,
			Force:    true,
		})
		if resolveError != nil {
			return "", resolveError
		}
		body = resolved
	}

	sections := []string{CommentHeader(service.configuration.Markers.Title, record), body}
	if diffText, found := service.diffs.Diff(record.Diff); found {
		sections = append(sections, strings.Join([]string{diffFenceOpenConstant, strings.TrimRight(diffText, "\n"), diffFenceCloseConstant}, "\n"))
	}
	return strings.Join(sections, "\n\n"), nil
}

func fileAnchor(record records.CommentRecord) gateway.FileAnchor {
	anchor := gateway.FileAnchor{Path: record.FilePath}
	switch {
	case record.ToLine > 0:
		anchor.Line = record.ToLine
		anchor.Side = gateway.LineSideAdded
	case record.FromLine > 0:
		anchor.Line = record.FromLine
		anchor.Side = gateway.LineSideRemoved
	}
	return anchor
}
