package records

import "strings"

// Kind identifies the record type carried by a batch.
type Kind string

// Supported record kinds.
const (
	KindPullRequest Kind = Kind("pull_request")
	KindComment     Kind = Kind("comment")
)

// PullRequestState enumerates source pull request states.
type PullRequestState string

// Known source pull request states.
const (
	PullRequestStateOpen       PullRequestState = PullRequestState("OPEN")
	PullRequestStateMerged     PullRequestState = PullRequestState("MERGED")
	PullRequestStateDeclined   PullRequestState = PullRequestState("DECLINED")
	PullRequestStateSuperseded PullRequestState = PullRequestState("SUPERSEDED")
)

// PullRequestRecord is one exported pull request.
type PullRequestRecord struct {
	Repository        string
	ID                string
	Author            string
	Title             string
	State             PullRequestState
	CreatedAt         string
	UpdatedAt         string
	BodyRaw           string
	BodyHTML          string
	SourceCommit      string
	DestinationCommit string
	SourceBranch      string
	DestinationBranch string
	DeclineReason     string
	MergeCommit       string
	ClosedBy          string
}

// CommentRecord is one exported pull request comment.
type CommentRecord struct {
	Repository    string
	PullRequestID string
	Author        string
	CommentType   string
	ID            string
	BodyRaw       string
	BodyHTML      string
	CreatedAt     string
	IsDeleted     bool
	ToLine        int
	FromLine      int
	FilePath      string
	Diff          string
	ParentID      string
	CommitHash    string
}

// HasParent reports whether the comment replies to another comment.
func (record CommentRecord) HasParent() bool {
	return len(strings.TrimSpace(record.ParentID)) > 0
}

// IsFileComment reports whether the comment is anchored to a file.
func (record CommentRecord) IsFileComment() bool {
	return len(strings.TrimSpace(record.FilePath)) > 0
}

// Batch holds the records parsed from one input source.
type Batch struct {
	Kind         Kind
	PullRequests []PullRequestRecord
	Comments     []CommentRecord
	Malformed    []MalformedRecordError
}

// Len returns the number of parsed records.
func (batch Batch) Len() int {
	if batch.Kind == KindComment {
		return len(batch.Comments)
	}
	return len(batch.PullRequests)
}
