package gateway

import "context"

// PullRequestState enumerates listing filters understood by the target system.
type PullRequestState string

// Pull request listing states.
const (
	PullRequestStateAll      PullRequestState = PullRequestState("ALL")
	PullRequestStateOpen     PullRequestState = PullRequestState("OPEN")
	PullRequestStateDeclined PullRequestState = PullRequestState("DECLINED")
	PullRequestStateMerged   PullRequestState = PullRequestState("MERGED")
)

// LineSide identifies which side of a diff a file comment is anchored to.
type LineSide string

// Supported diff sides.
const (
	LineSideAdded   LineSide = LineSide("ADDED")
	LineSideRemoved LineSide = LineSide("REMOVED")
)

// Handle identifies a created pull request together with its optimistic-concurrency version.
type Handle struct {
	ID      int
	Version int
}

// PullRequestSummary is a listing entry for a pull request.
type PullRequestSummary struct {
	ID      int
	Title   string
	Version int
	State   PullRequestState
}

// Branch is a listing entry for a branch.
type Branch struct {
	ID        string
	DisplayID string
}

// Comment is a listing entry for a pull request comment.
type Comment struct {
	ID      int
	Text    string
	Version int
}

// FileAnchor positions a comment on a line of a changed file.
type FileAnchor struct {
	Path string
	Line int
	Side LineSide
}

// Page carries one cursor-based listing page.
type Page[T any] struct {
	Values     []T
	IsLastPage bool
	NextCursor int
}

// PullRequestDraft describes a pull request to create.
type PullRequestDraft struct {
	Title       string
	Description string
	SourceRef   string
	TargetRef   string
}

// ListPullRequestsOptions configures ListPullRequests queries.
type ListPullRequestsOptions struct {
	Cursor      int
	State       PullRequestState
	TitleFilter string
	// Repository overrides the configured repository slug when non-empty.
	Repository string
}

// Gateway is the set of target-system operations the migration core invokes.
type Gateway interface {
	CreatePullRequest(executionContext context.Context, draft PullRequestDraft) (Handle, error)
	ListPullRequests(executionContext context.Context, options ListPullRequestsOptions) (Page[PullRequestSummary], error)
	ClosePullRequest(executionContext context.Context, handle Handle, comment string) error
	DeletePullRequest(executionContext context.Context, handle Handle) error
	CreateBranch(executionContext context.Context, name string, startCommit string) error
	DeleteBranch(executionContext context.Context, name string) error
	ListBranches(executionContext context.Context, filter string, cursor int) (Page[Branch], error)
	GetCommit(executionContext context.Context, commitIdentifier string) (bool, error)
	CreateComment(executionContext context.Context, pullRequestID int, text string, parentID int) (int, error)
	CreateFileComment(executionContext context.Context, pullRequestID int, text string, anchor FileAnchor) (int, error)
	ListComments(executionContext context.Context, pullRequestID int, cursor int) (Page[Comment], error)
	UploadAttachment(executionContext context.Context, content []byte, fileName string) (string, error)
}

// CollectPullRequests walks every listing page and returns the concatenated entries.
func CollectPullRequests(executionContext context.Context, target Gateway, options ListPullRequestsOptions) ([]PullRequestSummary, error) {
	collected := make([]PullRequestSummary, 0)
	cursor := options.Cursor
	for {
		pageOptions := options
		pageOptions.Cursor = cursor
		page, listError := target.ListPullRequests(executionContext, pageOptions)
		if listError != nil {
			return nil, listError
		}
		collected = append(collected, page.Values...)
		if page.IsLastPage || page.NextCursor <= cursor {
			return collected, nil
		}
		cursor = page.NextCursor
	}
}

// CollectBranches walks every branch listing page.
func CollectBranches(executionContext context.Context, target Gateway, filter string) ([]Branch, error) {
	collected := make([]Branch, 0)
	cursor := 0
	for {
		page, listError := target.ListBranches(executionContext, filter, cursor)
		if listError != nil {
			return nil, listError
		}
		collected = append(collected, page.Values...)
		if page.IsLastPage || page.NextCursor <= cursor {
			return collected, nil
		}
		cursor = page.NextCursor
	}
}

// CollectComments walks every comment listing page of a pull request.
func CollectComments(executionContext context.Context, target Gateway, pullRequestID int) ([]Comment, error) {
	collected := make([]Comment, 0)
	cursor := 0
	for {
		page, listError := target.ListComments(executionContext, pullRequestID, cursor)
		if listError != nil {
			return nil, listError
		}
		collected = append(collected, page.Values...)
		if page.IsLastPage || page.NextCursor <= cursor {
			return collected, nil
		}
		cursor = page.NextCursor
	}
}
