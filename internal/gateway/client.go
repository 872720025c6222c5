package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	cleanhttp "github.com/hashicorp/go-cleanhttp"
)

const (
	cloudHostMarkerConstant           = "bitbucket.org"
	cloudAPIVersionConstant           = "2.0"
	serverAPIVersionConstant          = "1.0"
	apiPathTemplateConstant           = "%srest/api/%s/"
	branchUtilsPathTemplateConstant   = "%srest/branch-utils/%s/"
	repositoryPathTemplateConstant    = "projects/%s/repos/%s/"
	pullRequestsPathConstant          = "pull-requests"
	pullRequestPathTemplateConstant   = "pull-requests/%d"
	declinePathTemplateConstant       = "pull-requests/%d/decline"
	commentsPathTemplateConstant      = "pull-requests/%d/comments"
	activitiesPathTemplateConstant    = "pull-requests/%d/activities"
	branchesPathConstant              = "branches"
	commitPathTemplateConstant        = "commits/%s"
	attachmentsPathConstant           = "attachments"
	branchRefPrefixConstant           = "refs/heads/"
	xsrfHeaderNameConstant            = "X-Atlassian-Token"
	xsrfHeaderValueConstant           = "no-check"
	contentTypeHeaderNameConstant     = "Content-Type"
	acceptHeaderNameConstant          = "Accept"
	jsonContentTypeConstant           = "application/json"
	attachmentFormFieldConstant       = "files"
	queryStartConstant                = "start"
	queryLimitConstant                = "limit"
	queryStateConstant                = "state"
	queryFilterTextConstant           = "filterText"
	queryVersionConstant              = "version"
	queryOrderConstant                = "order"
	orderOldestConstant               = "OLDEST"
	pageLimitConstant                 = 100
	diagnosticBodyLimitConstant       = 4096
	commentedActivityActionConstant   = "COMMENTED"
	fileTypeToConstant                = "TO"
	fileTypeFromConstant              = "FROM"
	attachmentResponseMissingMessage  = "attachment response carried no link"
	pullRequestIDFieldNameConstant    = "pull_request_id"
	branchNameFieldNameConstant       = "branch_name"
	commitFieldNameConstant           = "commit"
	fileNameFieldNameConstant         = "file_name"
	filePathFieldNameConstant         = "path"
	pullRequestTitleFieldNameConstant = "title"
)

// ClientConfiguration describes how to reach the target system.
type ClientConfiguration struct {
	ServerURL        string
	APIVersion       string
	Username         string
	Password         string
	Project          string
	Repository       string
	FatalStatusCodes []int
}

// Client implements Gateway over the Bitbucket Server REST API.
type Client struct {
	httpClient      *http.Client
	serverURL       string
	apiVersion      string
	username        string
	password        string
	project         string
	repository      string
	fatalClassifier FatalClassifier
}

// NewClient constructs a REST client. A nil httpClient selects a pooled go-cleanhttp client.
func NewClient(configuration ClientConfiguration, httpClient *http.Client) (*Client, error) {
	serverURL := strings.TrimSpace(configuration.ServerURL)
	if len(serverURL) == 0 {
		return nil, ErrServerURLRequired
	}
	if !strings.HasSuffix(serverURL, "/") {
		serverURL += "/"
	}

	project := strings.TrimSpace(configuration.Project)
	repository := strings.TrimSpace(configuration.Repository)
	if len(project) == 0 || len(repository) == 0 {
		return nil, ErrProjectRequired
	}

	if httpClient == nil {
		httpClient = cleanhttp.DefaultPooledClient()
	}

	return &Client{
		httpClient:      httpClient,
		serverURL:       serverURL,
		apiVersion:      ResolveAPIVersion(serverURL, configuration.APIVersion),
		username:        configuration.Username,
		password:        configuration.Password,
		project:         project,
		repository:      repository,
		fatalClassifier: NewFatalClassifier(configuration.FatalStatusCodes),
	}, nil
}

// ResolveAPIVersion picks the explicit version when set, otherwise 2.0 for cloud hosts and 1.0 for servers.
func ResolveAPIVersion(serverURL string, configuredVersion string) string {
	trimmedVersion := strings.TrimSpace(configuredVersion)
	if len(trimmedVersion) > 0 {
		return trimmedVersion
	}
	if strings.Contains(serverURL, cloudHostMarkerConstant) {
		return cloudAPIVersionConstant
	}
	return serverAPIVersionConstant
}

// CreatePullRequest opens a pull request between two branches of the configured repository.
func (client *Client) CreatePullRequest(executionContext context.Context, draft PullRequestDraft) (Handle, error) {
	if len(strings.TrimSpace(draft.Title)) == 0 {
		return Handle{}, InvalidInputError{FieldName: pullRequestTitleFieldNameConstant, Message: requiredValueMessageConstant}
	}

	payload := map[string]any{
		"title":       draft.Title,
		"description": draft.Description,
		"fromRef":     map[string]any{"id": qualifyBranch(draft.SourceRef)},
		"toRef":       map[string]any{"id": qualifyBranch(draft.TargetRef)},
		"reviewers":   []any{},
	}

	var response struct {
		ID      int `json:"id"`
		Version int `json:"version"`
	}
	requestError := client.doJSON(executionContext, OperationCreatePullRequest, http.MethodPost, client.apiURL("", pullRequestsPathConstant, nil), payload, &response)
	if requestError != nil {
		return Handle{}, requestError
	}
	return Handle{ID: response.ID, Version: response.Version}, nil
}

// ListPullRequests returns one page of pull requests filtered by state and title text.
func (client *Client) ListPullRequests(executionContext context.Context, options ListPullRequestsOptions) (Page[PullRequestSummary], error) {
	query := pageQuery(options.Cursor)
	state := options.State
	if len(state) == 0 {
		state = PullRequestStateAll
	}
	query.Set(queryStateConstant, string(state))
	if len(options.TitleFilter) > 0 {
		query.Set(queryFilterTextConstant, options.TitleFilter)
	}

	var response struct {
		Values []struct {
			ID      int    `json:"id"`
			Title   string `json:"title"`
			Version int    `json:"version"`
			State   string `json:"state"`
		} `json:"values"`
		IsLastPage    bool `json:"isLastPage"`
		NextPageStart int  `json:"nextPageStart"`
	}
	requestError := client.doJSON(executionContext, OperationListPullRequests, http.MethodGet, client.apiURL(options.Repository, pullRequestsPathConstant, query), nil, &response)
	if requestError != nil {
		return Page[PullRequestSummary]{}, requestError
	}

	summaries := make([]PullRequestSummary, 0, len(response.Values))
	for _, value := range response.Values {
		summaries = append(summaries, PullRequestSummary{
			ID:      value.ID,
			Title:   value.Title,
			Version: value.Version,
			State:   PullRequestState(value.State),
		})
	}
	return Page[PullRequestSummary]{Values: summaries, IsLastPage: response.IsLastPage, NextCursor: response.NextPageStart}, nil
}

// ClosePullRequest declines a pull request, optionally leaving a comment.
func (client *Client) ClosePullRequest(executionContext context.Context, handle Handle, comment string) error {
	if handle.ID <= 0 {
		return InvalidInputError{FieldName: pullRequestIDFieldNameConstant, Message: requiredValueMessageConstant}
	}
	query := url.Values{}
	query.Set(queryVersionConstant, strconv.Itoa(handle.Version))
	payload := map[string]any{"version": handle.Version}
	if len(comment) > 0 {
		payload["comment"] = comment
	}
	return client.doJSON(executionContext, OperationClosePullRequest, http.MethodPost, client.apiURL("", fmt.Sprintf(declinePathTemplateConstant, handle.ID), query), payload, nil)
}

// DeletePullRequest removes a pull request at the provided version.
func (client *Client) DeletePullRequest(executionContext context.Context, handle Handle) error {
	if handle.ID <= 0 {
		return InvalidInputError{FieldName: pullRequestIDFieldNameConstant, Message: requiredValueMessageConstant}
	}
	payload := map[string]any{"version": handle.Version}
	return client.doJSON(executionContext, OperationDeletePullRequest, http.MethodDelete, client.apiURL("", fmt.Sprintf(pullRequestPathTemplateConstant, handle.ID), nil), payload, nil)
}

// CreateBranch creates a branch pointing at startCommit.
func (client *Client) CreateBranch(executionContext context.Context, name string, startCommit string) error {
	if len(strings.TrimSpace(name)) == 0 {
		return InvalidInputError{FieldName: branchNameFieldNameConstant, Message: requiredValueMessageConstant}
	}
	if len(strings.TrimSpace(startCommit)) == 0 {
		return InvalidInputError{FieldName: commitFieldNameConstant, Message: requiredValueMessageConstant}
	}
	payload := map[string]any{"name": name, "startPoint": startCommit}
	return client.doJSON(executionContext, OperationCreateBranch, http.MethodPost, client.apiURL("", branchesPathConstant, nil), payload, nil)
}

// DeleteBranch removes a branch through the branch-utils API.
func (client *Client) DeleteBranch(executionContext context.Context, name string) error {
	if len(strings.TrimSpace(name)) == 0 {
		return InvalidInputError{FieldName: branchNameFieldNameConstant, Message: requiredValueMessageConstant}
	}
	payload := map[string]any{"name": qualifyBranch(name), "dryRun": false}
	endpoint := fmt.Sprintf(branchUtilsPathTemplateConstant, client.serverURL, client.apiVersion) +
		fmt.Sprintf(repositoryPathTemplateConstant, client.project, client.repository) + branchesPathConstant
	return client.doJSON(executionContext, OperationDeleteBranch, http.MethodDelete, endpoint, payload, nil)
}

// ListBranches returns one page of branches whose names contain filter.
func (client *Client) ListBranches(executionContext context.Context, filter string, cursor int) (Page[Branch], error) {
	query := pageQuery(cursor)
	if len(filter) > 0 {
		query.Set(queryFilterTextConstant, filter)
	}

	var response struct {
		Values []struct {
			ID        string `json:"id"`
			DisplayID string `json:"displayId"`
		} `json:"values"`
		IsLastPage    bool `json:"isLastPage"`
		NextPageStart int  `json:"nextPageStart"`
	}
	requestError := client.doJSON(executionContext, OperationListBranches, http.MethodGet, client.apiURL("", branchesPathConstant, query), nil, &response)
	if requestError != nil {
		return Page[Branch]{}, requestError
	}

	branches := make([]Branch, 0, len(response.Values))
	for _, value := range response.Values {
		branches = append(branches, Branch{ID: value.ID, DisplayID: value.DisplayID})
	}
	return Page[Branch]{Values: branches, IsLastPage: response.IsLastPage, NextCursor: response.NextPageStart}, nil
}

// GetCommit reports whether the commit exists in the configured repository.
func (client *Client) GetCommit(executionContext context.Context, commitIdentifier string) (bool, error) {
	trimmedCommit := strings.TrimSpace(commitIdentifier)
	if len(trimmedCommit) == 0 {
		return false, InvalidInputError{FieldName: commitFieldNameConstant, Message: requiredValueMessageConstant}
	}
	requestError := client.doJSON(executionContext, OperationGetCommit, http.MethodGet, client.apiURL("", fmt.Sprintf(commitPathTemplateConstant, url.PathEscape(trimmedCommit)), nil), nil, nil)
	if requestError == nil {
		return true, nil
	}
	if StatusCode(requestError) == http.StatusNotFound {
		return false, nil
	}
	return false, requestError
}

// CreateComment adds a general comment, replying to parentID when it is positive.
func (client *Client) CreateComment(executionContext context.Context, pullRequestID int, text string, parentID int) (int, error) {
	payload := map[string]any{"text": text}
	if parentID > 0 {
		payload["parent"] = map[string]any{"id": parentID}
	}
	return client.postComment(executionContext, OperationCreateComment, pullRequestID, payload)
}

// CreateFileComment adds a comment anchored to a file line.
func (client *Client) CreateFileComment(executionContext context.Context, pullRequestID int, text string, anchor FileAnchor) (int, error) {
	if len(strings.TrimSpace(anchor.Path)) == 0 {
		return 0, InvalidInputError{FieldName: filePathFieldNameConstant, Message: requiredValueMessageConstant}
	}
	anchorPayload := map[string]any{"path": anchor.Path}
	if anchor.Line > 0 {
		fileType := fileTypeToConstant
		if anchor.Side == LineSideRemoved {
			fileType = fileTypeFromConstant
		}
		anchorPayload["line"] = anchor.Line
		anchorPayload["lineType"] = string(anchor.Side)
		anchorPayload["fileType"] = fileType
	}
	payload := map[string]any{"text": text, "anchor": anchorPayload}
	return client.postComment(executionContext, OperationCreateFileComment, pullRequestID, payload)
}

// ListComments returns one page of comments left on a pull request, oldest first.
func (client *Client) ListComments(executionContext context.Context, pullRequestID int, cursor int) (Page[Comment], error) {
	query := pageQuery(cursor)
	query.Set(queryOrderConstant, orderOldestConstant)

	var response struct {
		Values []struct {
			Action  string `json:"action"`
			Comment *struct {
				ID      int    `json:"id"`
				Text    string `json:"text"`
				Version int    `json:"version"`
			} `json:"comment"`
		} `json:"values"`
		IsLastPage    bool `json:"isLastPage"`
		NextPageStart int  `json:"nextPageStart"`
	}
	requestError := client.doJSON(executionContext, OperationListComments, http.MethodGet, client.apiURL("", fmt.Sprintf(activitiesPathTemplateConstant, pullRequestID), query), nil, &response)
	if requestError != nil {
		return Page[Comment]{}, requestError
	}

	comments := make([]Comment, 0, len(response.Values))
	for _, value := range response.Values {
		if value.Action != commentedActivityActionConstant || value.Comment == nil {
			continue
		}
		comments = append(comments, Comment{ID: value.Comment.ID, Text: value.Comment.Text, Version: value.Comment.Version})
	}
	return Page[Comment]{Values: comments, IsLastPage: response.IsLastPage, NextCursor: response.NextPageStart}, nil
}

// UploadAttachment stores content as a repository attachment and returns its URL.
func (client *Client) UploadAttachment(executionContext context.Context, content []byte, fileName string) (string, error) {
	if len(strings.TrimSpace(fileName)) == 0 {
		return "", InvalidInputError{FieldName: fileNameFieldNameConstant, Message: requiredValueMessageConstant}
	}

	var body bytes.Buffer
	formWriter := multipart.NewWriter(&body)
	partWriter, partError := formWriter.CreateFormFile(attachmentFormFieldConstant, fileName)
	if partError != nil {
		return "", OperationError{Operation: OperationUploadAttachment, Cause: partError}
	}
	if _, writeError := partWriter.Write(content); writeError != nil {
		return "", OperationError{Operation: OperationUploadAttachment, Cause: writeError}
	}
	if closeError := formWriter.Close(); closeError != nil {
		return "", OperationError{Operation: OperationUploadAttachment, Cause: closeError}
	}

	endpoint := client.serverURL + fmt.Sprintf(repositoryPathTemplateConstant, client.project, client.repository) + attachmentsPathConstant
	responseBody, requestError := client.do(executionContext, OperationUploadAttachment, http.MethodPost, endpoint, &body, formWriter.FormDataContentType())
	if requestError != nil {
		return "", requestError
	}

	var response struct {
		Attachments []struct {
			Links struct {
				Self struct {
					Href string `json:"href"`
				} `json:"self"`
				Attachment struct {
					Href string `json:"href"`
				} `json:"attachment"`
			} `json:"links"`
		} `json:"attachments"`
	}
	if decodingError := json.Unmarshal(responseBody, &response); decodingError != nil {
		return "", ResponseDecodingError{Operation: OperationUploadAttachment, Cause: decodingError}
	}
	for _, attachment := range response.Attachments {
		if len(attachment.Links.Self.Href) > 0 {
			return attachment.Links.Self.Href, nil
		}
		if len(attachment.Links.Attachment.Href) > 0 {
			return attachment.Links.Attachment.Href, nil
		}
	}
	return "", OperationError{Operation: OperationUploadAttachment, Cause: fmt.Errorf("%s", attachmentResponseMissingMessage)}
}

func (client *Client) postComment(executionContext context.Context, operation OperationName, pullRequestID int, payload map[string]any) (int, error) {
	if pullRequestID <= 0 {
		return 0, InvalidInputError{FieldName: pullRequestIDFieldNameConstant, Message: requiredValueMessageConstant}
	}
	var response struct {
		ID int `json:"id"`
	}
	requestError := client.doJSON(executionContext, operation, http.MethodPost, client.apiURL("", fmt.Sprintf(commentsPathTemplateConstant, pullRequestID), nil), payload, &response)
	if requestError != nil {
		return 0, requestError
	}
	return response.ID, nil
}

func (client *Client) apiURL(repositoryOverride string, resourcePath string, query url.Values) string {
	repository := client.repository
	if len(strings.TrimSpace(repositoryOverride)) > 0 {
		repository = strings.TrimSpace(repositoryOverride)
	}
	endpoint := fmt.Sprintf(apiPathTemplateConstant, client.serverURL, client.apiVersion) +
		fmt.Sprintf(repositoryPathTemplateConstant, client.project, repository) + resourcePath
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	return endpoint
}

func (client *Client) doJSON(executionContext context.Context, operation OperationName, method string, endpoint string, payload any, target any) error {
	var body io.Reader
	contentType := ""
	if payload != nil {
		payloadBytes, encodingError := json.Marshal(payload)
		if encodingError != nil {
			return OperationError{Operation: operation, Cause: encodingError}
		}
		body = bytes.NewReader(payloadBytes)
		contentType = jsonContentTypeConstant
	}

	responseBody, requestError := client.do(executionContext, operation, method, endpoint, body, contentType)
	if requestError != nil {
		return requestError
	}
	if target == nil || len(bytes.TrimSpace(responseBody)) == 0 {
		return nil
	}
	if decodingError := json.Unmarshal(responseBody, target); decodingError != nil {
		return ResponseDecodingError{Operation: operation, Cause: decodingError}
	}
	return nil
}

func (client *Client) do(executionContext context.Context, operation OperationName, method string, endpoint string, body io.Reader, contentType string) ([]byte, error) {
	request, requestError := http.NewRequestWithContext(executionContext, method, endpoint, body)
	if requestError != nil {
		return nil, OperationError{Operation: operation, Cause: requestError}
	}
	request.SetBasicAuth(client.username, client.password)
	request.Header.Set(xsrfHeaderNameConstant, xsrfHeaderValueConstant)
	request.Header.Set(acceptHeaderNameConstant, jsonContentTypeConstant)
	if len(contentType) > 0 {
		request.Header.Set(contentTypeHeaderNameConstant, contentType)
	}

	response, transportError := client.httpClient.Do(request)
	if transportError != nil {
		return nil, OperationError{Operation: operation, Cause: transportError}
	}
	defer response.Body.Close()

	responseBody, readError := io.ReadAll(response.Body)
	if readError != nil {
		return nil, OperationError{Operation: operation, Cause: readError}
	}

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		diagnostic := string(responseBody)
		if len(diagnostic) > diagnosticBodyLimitConstant {
			diagnostic = diagnostic[:diagnosticBodyLimitConstant]
		}
		return nil, client.fatalClassifier.Classify(StatusError{Operation: operation, StatusCode: response.StatusCode, Body: diagnostic})
	}

	return responseBody, nil
}

func pageQuery(cursor int) url.Values {
	query := url.Values{}
	query.Set(queryStartConstant, strconv.Itoa(cursor))
	query.Set(queryLimitConstant, strconv.Itoa(pageLimitConstant))
	return query
}

func qualifyBranch(name string) string {
	if strings.HasPrefix(name, branchRefPrefixConstant) {
		return name
	}
	return branchRefPrefixConstant + name
}
