// Package governor bounds simultaneous gateway calls.
//
// Every call holds one general permit while it runs. Branch deletions first
// take a permit from a smaller pool because the backing storage rejects highly
// concurrent ref mutation with spurious server errors.
package governor

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/temirov/prmigrate/internal/gateway"
)

const (
	// DefaultGeneralLimit is the default number of concurrent gateway calls.
	DefaultGeneralLimit = 25
	// DefaultBranchDeleteLimit is the default number of concurrent branch deletions.
	DefaultBranchDeleteLimit = 10

	permitAcquireErrorTemplateConstant = "%s waiting for permit: %w"
	targetRequiredMessageConstant      = "governor requires a gateway"
)

// ErrTargetRequired indicates New was called without a gateway.
var ErrTargetRequired = errors.New(targetRequiredMessageConstant)

// Limits configures permit pool sizes. Non-positive values select the defaults.
type Limits struct {
	General           int
	BranchDelete      int
	RequestsPerSecond float64
}

// Sanitize replaces non-positive limits with defaults.
func (limits Limits) Sanitize() Limits {
	sanitized := limits
	if sanitized.General <= 0 {
		sanitized.General = DefaultGeneralLimit
	}
	if sanitized.BranchDelete <= 0 {
		sanitized.BranchDelete = DefaultBranchDeleteLimit
	}
	if sanitized.RequestsPerSecond < 0 {
		sanitized.RequestsPerSecond = 0
	}
	return sanitized
}

// Governor decorates a gateway with permit acquisition.
type Governor struct {
	target       gateway.Gateway
	limits       Limits
	general      *semaphore.Weighted
	branchDelete *semaphore.Weighted
	limiter      *rate.Limiter
}

// New wraps target with the configured permit pools.
func New(target gateway.Gateway, limits Limits) (*Governor, error) {
	if target == nil {
		return nil, ErrTargetRequired
	}
	sanitized := limits.Sanitize()

	var limiter *rate.Limiter
	if sanitized.RequestsPerSecond > 0 {
		burst := int(sanitized.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(sanitized.RequestsPerSecond), burst)
	}

	return &Governor{
		target:       target,
		limits:       sanitized,
		general:      semaphore.NewWeighted(int64(sanitized.General)),
		branchDelete: semaphore.NewWeighted(int64(sanitized.BranchDelete)),
		limiter:      limiter,
	}, nil
}

// Limits returns the effective limits.
func (governor *Governor) Limits() Limits {
	return governor.limits
}

func (governor *Governor) acquire(executionContext context.Context, operation gateway.OperationName) (func(), error) {
	var releaseBranchDelete func()
	if operation == gateway.OperationDeleteBranch {
		if acquireError := governor.branchDelete.Acquire(executionContext, 1); acquireError != nil {
			return nil, fmt.Errorf(permitAcquireErrorTemplateConstant, operation, acquireError)
		}
		releaseBranchDelete = func() { governor.branchDelete.Release(1) }
	}

	if acquireError := governor.general.Acquire(executionContext, 1); acquireError != nil {
		if releaseBranchDelete != nil {
			releaseBranchDelete()
		}
		return nil, fmt.Errorf(permitAcquireErrorTemplateConstant, operation, acquireError)
	}

	release := func() {
		governor.general.Release(1)
		if releaseBranchDelete != nil {
			releaseBranchDelete()
		}
	}

	if governor.limiter != nil {
		if waitError := governor.limiter.Wait(executionContext); waitError != nil {
			release()
			return nil, fmt.Errorf(permitAcquireErrorTemplateConstant, operation, waitError)
		}
	}

	return release, nil
}

// CreatePullRequest delegates under a general permit.
func (governor *Governor) CreatePullRequest(executionContext context.Context, draft gateway.PullRequestDraft) (gateway.Handle, error) {
	release, acquireError := governor.acquire(executionContext, gateway.OperationCreatePullRequest)
	if acquireError != nil {
		return gateway.Handle{}, acquireError
	}
	defer release()
	return governor.target.CreatePullRequest(executionContext, draft)
}

// ListPullRequests delegates under a general permit.
func (governor *Governor) ListPullRequests(executionContext context.Context, options gateway.ListPullRequestsOptions) (gateway.Page[gateway.PullRequestSummary], error) {
	release, acquireError := governor.acquire(executionContext, gateway.OperationListPullRequests)
	if acquireError != nil {
		return gateway.Page[gateway.PullRequestSummary]{}, acquireError
	}
	defer release()
	return governor.target.ListPullRequests(executionContext, options)
}

// ClosePullRequest delegates under a general permit.
func (governor *Governor) ClosePullRequest(executionContext context.Context, handle gateway.Handle, comment string) error {
	release, acquireError := governor.acquire(executionContext, gateway.OperationClosePullRequest)
	if acquireError != nil {
		return acquireError
	}
	defer release()
	return governor.target.ClosePullRequest(executionContext, handle, comment)
}

// DeletePullRequest delegates under a general permit.
func (governor *Governor) DeletePullRequest(executionContext context.Context, handle gateway.Handle) error {
	release, acquireError := governor.acquire(executionContext, gateway.OperationDeletePullRequest)
	if acquireError != nil {
		return acquireError
	}
	defer release()
	return governor.target.DeletePullRequest(executionContext, handle)
}

// CreateBranch delegates under a general permit.
func (governor *Governor) CreateBranch(executionContext context.Context, name string, startCommit string) error {
	release, acquireError := governor.acquire(executionContext, gateway.OperationCreateBranch)
	if acquireError != nil {
		return acquireError
	}
	defer release()
	return governor.target.CreateBranch(executionContext, name, startCommit)
}

// DeleteBranch delegates under a branch-delete permit and a general permit.
func (governor *Governor) DeleteBranch(executionContext context.Context, name string) error {
	release, acquireError := governor.acquire(executionContext, gateway.OperationDeleteBranch)
	if acquireError != nil {
		return acquireError
	}
	defer release()
	return governor.target.DeleteBranch(executionContext, name)
}

// ListBranches delegates under a general permit.
func (governor *Governor) ListBranches(executionContext context.Context, filter string, cursor int) (gateway.Page[gateway.Branch], error) {
	release, acquireError := governor.acquire(executionContext, gateway.OperationListBranches)
	if acquireError != nil {
		return gateway.Page[gateway.Branch]{}, acquireError
	}
	defer release()
	return governor.target.ListBranches(executionContext, filter, cursor)
}

// GetCommit delegates under a general permit.
func (governor *Governor) GetCommit(executionContext context.Context, commitIdentifier string) (bool, error) {
	release, acquireError := governor.acquire(executionContext, gateway.OperationGetCommit)
	if acquireError != nil {
		return false, acquireError
	}
	defer release()
	return governor.target.GetCommit(executionContext, commitIdentifier)
}

// CreateComment delegates under a general permit.
func (governor *Governor) CreateComment(executionContext context.Context, pullRequestID int, text string, parentID int) (int, error) {
	release, acquireError := governor.acquire(executionContext, gateway.OperationCreateComment)
	if acquireError != nil {
		return 0, acquireError
	}
	defer release()
	return governor.target.CreateComment(executionContext, pullRequestID, text, parentID)
}

// CreateFileComment delegates under a general permit.
func (governor *Governor) CreateFileComment(executionContext context.Context, pullRequestID int, text string, anchor gateway.FileAnchor) (int, error) {
	release, acquireError := governor.acquire(executionContext, gateway.OperationCreateFileComment)
	if acquireError != nil {
		return 0, acquireError
	}
	defer release()
	return governor.target.CreateFileComment(executionContext, pullRequestID, text, anchor)
}

// ListComments delegates under a general permit.
func (governor *Governor) ListComments(executionContext context.Context, pullRequestID int, cursor int) (gateway.Page[gateway.Comment], error) {
	release, acquireError := governor.acquire(executionContext, gateway.OperationListComments)
	if acquireError != nil {
		return gateway.Page[gateway.Comment]{}, acquireError
	}
	defer release()
	return governor.target.ListComments(executionContext, pullRequestID, cursor)
}

// UploadAttachment delegates under a general permit.
func (governor *Governor) UploadAttachment(executionContext context.Context, content []byte, fileName string) (string, error) {
	release, acquireError := governor.acquire(executionContext, gateway.OperationUploadAttachment)
	if acquireError != nil {
		return "", acquireError
	}
	defer release()
	return governor.target.UploadAttachment(executionContext, content, fileName)
}
