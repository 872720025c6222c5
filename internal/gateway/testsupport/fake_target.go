// Package testsupport provides an in-memory target system implementing gateway.Gateway.
package testsupport

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/temirov/prmigrate/internal/gateway"
)

const (
	defaultPageSizeConstant = 2
	attachmentURLTemplate   = "https://target.example.com/attachments/%d/%s"
	branchRefPrefixConstant = "refs/heads/"
)

// PullRequest is a pull request stored by FakeTarget.
type PullRequest struct {
	ID          int
	Title       string
	Description string
	SourceRef   string
	TargetRef   string
	Version     int
	State       gateway.PullRequestState
	CloseNote   string
}

// Comment is a comment stored by FakeTarget.
type Comment struct {
	ID            int
	PullRequestID int
	Text          string
	ParentID      int
	Anchor        *gateway.FileAnchor
}

type repositoryData struct {
	pullRequests []*PullRequest
	branches     map[string]string
	comments     []*Comment
}

// FailureInjector returns a non-nil error to fail an operation. key describes the call target.
type FailureInjector func(operation gateway.OperationName, key string) error

type fakeServer struct {
	mutex           sync.Mutex
	repositories    map[string]*repositoryData
	commits         map[string]struct{}
	attachments     map[string][]byte
	nextPullRequest int
	nextComment     int
	calls           map[gateway.OperationName]int
	inFlight        atomic.Int64
	maxInFlight     atomic.Int64
}

// FakeTarget is a stateful, concurrency-safe view of one repository on an in-memory server.
type FakeTarget struct {
	server          *fakeServer
	repository      string
	PageSize        int
	FailureInjector FailureInjector
}

// NewFakeTarget constructs a server and returns its view of repository.
func NewFakeTarget(repository string) *FakeTarget {
	server := &fakeServer{
		repositories: map[string]*repositoryData{},
		commits:      map[string]struct{}{},
		attachments:  map[string][]byte{},
		calls:        map[gateway.OperationName]int{},
	}
	return &FakeTarget{server: server, repository: repository, PageSize: defaultPageSizeConstant}
}

// ForRepository returns a view of repository sharing the same server state.
func (target *FakeTarget) ForRepository(repository string) *FakeTarget {
	return &FakeTarget{server: target.server, repository: repository, PageSize: target.PageSize, FailureInjector: target.FailureInjector}
}

// AddCommits registers commits that GetCommit reports as existing.
func (target *FakeTarget) AddCommits(commitIdentifiers ...string) {
	target.server.mutex.Lock()
	defer target.server.mutex.Unlock()
	for _, commitIdentifier := range commitIdentifiers {
		target.server.commits[commitIdentifier] = struct{}{}
	}
}

// SeedPullRequest stores a pull request directly in repository (empty selects the default).
func (target *FakeTarget) SeedPullRequest(repository string, title string) PullRequest {
	target.server.mutex.Lock()
	defer target.server.mutex.Unlock()
	pullRequest := target.insertPullRequest(target.data(repository), gateway.PullRequestDraft{Title: title})
	return *pullRequest
}

// SeedComment stores a comment directly on a pull request of the default repository.
func (target *FakeTarget) SeedComment(pullRequestID int, text string) Comment {
	target.server.mutex.Lock()
	defer target.server.mutex.Unlock()
	target.server.nextComment++
	comment := &Comment{ID: target.server.nextComment, PullRequestID: pullRequestID, Text: text}
	data := target.data("")
	data.comments = append(data.comments, comment)
	return *comment
}

// PullRequests returns a snapshot of pull requests in repository ordered by id.
func (target *FakeTarget) PullRequests(repository string) []PullRequest {
	target.server.mutex.Lock()
	defer target.server.mutex.Unlock()
	snapshot := make([]PullRequest, 0)
	for _, pullRequest := range target.data(repository).pullRequests {
		snapshot = append(snapshot, *pullRequest)
	}
	return snapshot
}

// Comments returns a snapshot of comments in the default repository ordered by id.
func (target *FakeTarget) Comments() []Comment {
	target.server.mutex.Lock()
	defer target.server.mutex.Unlock()
	snapshot := make([]Comment, 0)
	for _, comment := range target.data("").comments {
		snapshot = append(snapshot, *comment)
	}
	return snapshot
}

// Branches returns the sorted branch names of the default repository.
func (target *FakeTarget) Branches() []string {
	target.server.mutex.Lock()
	defer target.server.mutex.Unlock()
	names := make([]string, 0)
	for name := range target.data("").branches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Calls returns how many times operation was invoked.
func (target *FakeTarget) Calls(operation gateway.OperationName) int {
	target.server.mutex.Lock()
	defer target.server.mutex.Unlock()
	return target.server.calls[operation]
}

// MaxInFlight returns the highest number of simultaneous calls observed.
func (target *FakeTarget) MaxInFlight() int64 {
	return target.server.maxInFlight.Load()
}

func (target *FakeTarget) enter(operation gateway.OperationName, key string) (func(), error) {
	current := target.server.inFlight.Add(1)
	for {
		maximum := target.server.maxInFlight.Load()
		if current <= maximum || target.server.maxInFlight.CompareAndSwap(maximum, current) {
			break
		}
	}
	target.server.mutex.Lock()
	target.server.calls[operation]++
	target.server.mutex.Unlock()
	injector := target.FailureInjector

	leave := func() { target.server.inFlight.Add(-1) }
	if injector != nil {
		if injectedError := injector(operation, key); injectedError != nil {
			leave()
			return nil, injectedError
		}
	}
	return leave, nil
}

func (target *FakeTarget) data(repository string) *repositoryData {
	name := strings.ToLower(repository)
	if len(name) == 0 {
		name = strings.ToLower(target.repository)
	}
	data, exists := target.server.repositories[name]
	if !exists {
		data = &repositoryData{branches: map[string]string{}}
		target.server.repositories[name] = data
	}
	return data
}

func (target *FakeTarget) insertPullRequest(data *repositoryData, draft gateway.PullRequestDraft) *PullRequest {
	target.server.nextPullRequest++
	pullRequest := &PullRequest{
		ID:          target.server.nextPullRequest,
		Title:       draft.Title,
		Description: draft.Description,
		SourceRef:   draft.SourceRef,
		TargetRef:   draft.TargetRef,
		State:       gateway.PullRequestStateOpen,
	}
	data.pullRequests = append(data.pullRequests, pullRequest)
	return pullRequest
}

func statusError(operation gateway.OperationName, statusCode int, message string) error {
	return gateway.StatusError{Operation: operation, StatusCode: statusCode, Body: message}
}

func trimBranch(name string) string {
	return strings.TrimPrefix(name, branchRefPrefixConstant)
}

func paginate[T any](values []T, cursor int, pageSize int) gateway.Page[T] {
	if pageSize <= 0 {
		pageSize = defaultPageSizeConstant
	}
	if cursor > len(values) {
		cursor = len(values)
	}
	end := cursor + pageSize
	if end >= len(values) {
		return gateway.Page[T]{Values: append([]T{}, values[cursor:]...), IsLastPage: true}
	}
	return gateway.Page[T]{Values: append([]T{}, values[cursor:end]...), NextCursor: end}
}

// CreatePullRequest stores a new open pull request when both branches exist.
func (target *FakeTarget) CreatePullRequest(_ context.Context, draft gateway.PullRequestDraft) (gateway.Handle, error) {
	leave, injectedError := target.enter(gateway.OperationCreatePullRequest, draft.Title)
	if injectedError != nil {
		return gateway.Handle{}, injectedError
	}
	defer leave()

	target.server.mutex.Lock()
	defer target.server.mutex.Unlock()
	data := target.data("")
	for _, ref := range []string{draft.SourceRef, draft.TargetRef} {
		if _, exists := data.branches[trimBranch(ref)]; !exists {
			return gateway.Handle{}, statusError(gateway.OperationCreatePullRequest, 400, fmt.Sprintf("branch %s does not exist", ref))
		}
	}
	pullRequest := target.insertPullRequest(data, draft)
	return gateway.Handle{ID: pullRequest.ID, Version: pullRequest.Version}, nil
}

// ListPullRequests pages pull requests filtered by state and title substring.
func (target *FakeTarget) ListPullRequests(_ context.Context, options gateway.ListPullRequestsOptions) (gateway.Page[gateway.PullRequestSummary], error) {
	leave, injectedError := target.enter(gateway.OperationListPullRequests, options.Repository)
	if injectedError != nil {
		return gateway.Page[gateway.PullRequestSummary]{}, injectedError
	}
	defer leave()

	target.server.mutex.Lock()
	defer target.server.mutex.Unlock()
	matching := make([]gateway.PullRequestSummary, 0)
	for _, pullRequest := range target.data(options.Repository).pullRequests {
		if len(options.State) > 0 && options.State != gateway.PullRequestStateAll && options.State != pullRequest.State {
			continue
		}
		if !strings.Contains(pullRequest.Title, options.TitleFilter) {
			continue
		}
		matching = append(matching, gateway.PullRequestSummary{ID: pullRequest.ID, Title: pullRequest.Title, Version: pullRequest.Version, State: pullRequest.State})
	}
	return paginate(matching, options.Cursor, target.PageSize), nil
}

// ClosePullRequest declines an open pull request at the expected version.
func (target *FakeTarget) ClosePullRequest(_ context.Context, handle gateway.Handle, comment string) error {
	leave, injectedError := target.enter(gateway.OperationClosePullRequest, fmt.Sprint(handle.ID))
	if injectedError != nil {
		return injectedError
	}
	defer leave()

	target.server.mutex.Lock()
	defer target.server.mutex.Unlock()
	for _, pullRequest := range target.data("").pullRequests {
		if pullRequest.ID != handle.ID {
			continue
		}
		if pullRequest.Version != handle.Version {
			return statusError(gateway.OperationClosePullRequest, 409, "stale version")
		}
		pullRequest.State = gateway.PullRequestStateDeclined
		pullRequest.Version++
		pullRequest.CloseNote = comment
		return nil
	}
	return statusError(gateway.OperationClosePullRequest, 404, "pull request not found")
}

// DeletePullRequest removes a pull request at the expected version.
func (target *FakeTarget) DeletePullRequest(_ context.Context, handle gateway.Handle) error {
	leave, injectedError := target.enter(gateway.OperationDeletePullRequest, fmt.Sprint(handle.ID))
	if injectedError != nil {
		return injectedError
	}
	defer leave()

	target.server.mutex.Lock()
	defer target.server.mutex.Unlock()
	data := target.data("")
	for pullRequestIndex, pullRequest := range data.pullRequests {
		if pullRequest.ID != handle.ID {
			continue
		}
		if pullRequest.Version != handle.Version {
			return statusError(gateway.OperationDeletePullRequest, 409, "stale version")
		}
		data.pullRequests = append(data.pullRequests[:pullRequestIndex], data.pullRequests[pullRequestIndex+1:]...)
		return nil
	}
	return statusError(gateway.OperationDeletePullRequest, 404, "pull request not found")
}

// CreateBranch stores a branch when the start commit exists.
func (target *FakeTarget) CreateBranch(_ context.Context, name string, startCommit string) error {
	leave, injectedError := target.enter(gateway.OperationCreateBranch, name)
	if injectedError != nil {
		return injectedError
	}
	defer leave()

	target.server.mutex.Lock()
	defer target.server.mutex.Unlock()
	if _, exists := target.server.commits[startCommit]; !exists {
		return statusError(gateway.OperationCreateBranch, 400, "unknown start point")
	}
	data := target.data("")
	if _, exists := data.branches[name]; exists {
		return statusError(gateway.OperationCreateBranch, 409, "branch exists")
	}
	data.branches[name] = startCommit
	return nil
}

// DeleteBranch removes a branch.
func (target *FakeTarget) DeleteBranch(_ context.Context, name string) error {
	leave, injectedError := target.enter(gateway.OperationDeleteBranch, name)
	if injectedError != nil {
		return injectedError
	}
	defer leave()

	target.server.mutex.Lock()
	defer target.server.mutex.Unlock()
	data := target.data("")
	branchName := trimBranch(name)
	if _, exists := data.branches[branchName]; !exists {
		return statusError(gateway.OperationDeleteBranch, 404, "branch not found")
	}
	delete(data.branches, branchName)
	return nil
}

// ListBranches pages branches whose names contain filter.
func (target *FakeTarget) ListBranches(_ context.Context, filter string, cursor int) (gateway.Page[gateway.Branch], error) {
	leave, injectedError := target.enter(gateway.OperationListBranches, filter)
	if injectedError != nil {
		return gateway.Page[gateway.Branch]{}, injectedError
	}
	defer leave()

	target.server.mutex.Lock()
	defer target.server.mutex.Unlock()
	names := make([]string, 0)
	for name := range target.data("").branches {
		if strings.Contains(name, filter) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	branches := make([]gateway.Branch, 0, len(names))
	for _, name := range names {
		branches = append(branches, gateway.Branch{ID: branchRefPrefixConstant + name, DisplayID: name})
	}
	return paginate(branches, cursor, target.PageSize), nil
}

// GetCommit reports whether a commit was registered with AddCommits.
func (target *FakeTarget) GetCommit(_ context.Context, commitIdentifier string) (bool, error) {
	leave, injectedError := target.enter(gateway.OperationGetCommit, commitIdentifier)
	if injectedError != nil {
		return false, injectedError
	}
	defer leave()

	target.server.mutex.Lock()
	defer target.server.mutex.Unlock()
	_, exists := target.server.commits[commitIdentifier]
	return exists, nil
}

// CreateComment stores a general comment or reply.
func (target *FakeTarget) CreateComment(_ context.Context, pullRequestID int, text string, parentID int) (int, error) {
	leave, injectedError := target.enter(gateway.OperationCreateComment, text)
	if injectedError != nil {
		return 0, injectedError
	}
	defer leave()

	return target.storeComment(gateway.OperationCreateComment, pullRequestID, text, parentID, nil)
}

// CreateFileComment stores a file-anchored comment.
func (target *FakeTarget) CreateFileComment(_ context.Context, pullRequestID int, text string, anchor gateway.FileAnchor) (int, error) {
	leave, injectedError := target.enter(gateway.OperationCreateFileComment, text)
	if injectedError != nil {
		return 0, injectedError
	}
	defer leave()

	anchorCopy := anchor
	return target.storeComment(gateway.OperationCreateFileComment, pullRequestID, text, 0, &anchorCopy)
}

func (target *FakeTarget) storeComment(operation gateway.OperationName, pullRequestID int, text string, parentID int, anchor *gateway.FileAnchor) (int, error) {
	target.server.mutex.Lock()
	defer target.server.mutex.Unlock()
	data := target.data("")

	pullRequestExists := false
	for _, pullRequest := range data.pullRequests {
		if pullRequest.ID == pullRequestID {
			pullRequestExists = true
			break
		}
	}
	if !pullRequestExists {
		return 0, statusError(operation, 404, "pull request not found")
	}
	if parentID > 0 {
		parentExists := false
		for _, comment := range data.comments {
			if comment.ID == parentID && comment.PullRequestID == pullRequestID {
				parentExists = true
				break
			}
		}
		if !parentExists {
			return 0, statusError(operation, 404, "parent comment not found")
		}
	}

	target.server.nextComment++
	comment := &Comment{ID: target.server.nextComment, PullRequestID: pullRequestID, Text: text, ParentID: parentID, Anchor: anchor}
	data.comments = append(data.comments, comment)
	return comment.ID, nil
}

// ListComments pages the comments of a pull request.
func (target *FakeTarget) ListComments(_ context.Context, pullRequestID int, cursor int) (gateway.Page[gateway.Comment], error) {
	leave, injectedError := target.enter(gateway.OperationListComments, fmt.Sprint(pullRequestID))
	if injectedError != nil {
		return gateway.Page[gateway.Comment]{}, injectedError
	}
	defer leave()

	target.server.mutex.Lock()
	defer target.server.mutex.Unlock()
	comments := make([]gateway.Comment, 0)
	for _, comment := range target.data("").comments {
		if comment.PullRequestID == pullRequestID {
			comments = append(comments, gateway.Comment{ID: comment.ID, Text: comment.Text})
		}
	}
	return paginate(comments, cursor, target.PageSize), nil
}

// UploadAttachment stores content and returns a synthetic URL.
func (target *FakeTarget) UploadAttachment(_ context.Context, content []byte, fileName string) (string, error) {
	leave, injectedError := target.enter(gateway.OperationUploadAttachment, fileName)
	if injectedError != nil {
		return "", injectedError
	}
	defer leave()

	target.server.mutex.Lock()
	defer target.server.mutex.Unlock()
	attachmentURL := fmt.Sprintf(attachmentURLTemplate, len(target.server.attachments)+1, fileName)
	target.server.attachments[attachmentURL] = append([]byte{}, content...)
	return attachmentURL, nil
}

// Attachments returns the number of stored attachments.
func (target *FakeTarget) Attachments() int {
	target.server.mutex.Lock()
	defer target.server.mutex.Unlock()
	return len(target.server.attachments)
}
