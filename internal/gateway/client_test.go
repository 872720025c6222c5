package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/temirov/prmigrate/internal/gateway"
)

const (
	testProjectConstant               = "PRJ"
	testRepositoryConstant            = "service"
	testOtherRepositoryConstant       = "library"
	testUsernameConstant              = "migrator"
	testPasswordConstant              = "secret"
	testPullRequestsPathConstant      = "/rest/api/1.0/projects/PRJ/repos/service/pull-requests"
	testOtherPullRequestsPathConstant = "/rest/api/1.0/projects/PRJ/repos/library/pull-requests"
	testBranchDeletePathConstant      = "/rest/branch-utils/1.0/projects/PRJ/repos/service/branches"
	testCommitPathConstant            = "/rest/api/1.0/projects/PRJ/repos/service/commits/abc123"
	testCommentsPathConstant          = "/rest/api/1.0/projects/PRJ/repos/service/pull-requests/7/comments"
	testActivitiesPathConstant        = "/rest/api/1.0/projects/PRJ/repos/service/pull-requests/7/activities"
	testAttachmentsPathConstant       = "/projects/PRJ/repos/service/attachments"
	testSubtestNameTemplateConstant   = "%d_%s"
)

type recordedRequest struct {
	Method   string
	Path     string
	Query    string
	Body     string
	Username string
	Password string
	XSRF     string
}

type recordingServer struct {
	mutex    sync.Mutex
	requests []recordedRequest
	handler  func(writer http.ResponseWriter, request *http.Request)
}

func (server *recordingServer) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	bodyBytes, _ := io.ReadAll(request.Body)
	username, password, _ := request.BasicAuth()
	server.mutex.Lock()
	server.requests = append(server.requests, recordedRequest{
		Method:   request.Method,
		Path:     request.URL.Path,
		Query:    request.URL.RawQuery,
		Body:     string(bodyBytes),
		Username: username,
		Password: password,
		XSRF:     request.Header.Get("X-Atlassian-Token"),
	})
	server.mutex.Unlock()
	request.Body = io.NopCloser(strings.NewReader(string(bodyBytes)))
	server.handler(writer, request)
}

func newTestClient(testInstance *testing.T, handler func(http.ResponseWriter, *http.Request), fatalCodes []int) (*gateway.Client, *recordingServer) {
	testInstance.Helper()
	recorder := &recordingServer{handler: handler}
	server := httptest.NewServer(recorder)
	testInstance.Cleanup(server.Close)

	client, clientError := gateway.NewClient(gateway.ClientConfiguration{
		ServerURL:        server.URL,
		Username:         testUsernameConstant,
		Password:         testPasswordConstant,
		Project:          testProjectConstant,
		Repository:       testRepositoryConstant,
		FatalStatusCodes: fatalCodes,
	}, server.Client())
	require.NoError(testInstance, clientError)
	return client, recorder
}

func TestNewClientValidation(testInstance *testing.T) {
	testCases := []struct {
		name          string
		configuration gateway.ClientConfiguration
		expectedError error
	}{
		{
			name:          "missing_server",
			configuration: gateway.ClientConfiguration{Project: testProjectConstant, Repository: testRepositoryConstant},
			expectedError: gateway.ErrServerURLRequired,
		},
		{
			name:          "missing_repository",
			configuration: gateway.ClientConfiguration{ServerURL: "https://git.example.com", Project: testProjectConstant},
			expectedError: gateway.ErrProjectRequired,
		},
	}

	for testCaseIndex, testCase := range testCases {
		testInstance.Run(fmt.Sprintf(testSubtestNameTemplateConstant, testCaseIndex, testCase.name), func(testInstance *testing.T) {
			client, creationError := gateway.NewClient(testCase.configuration, nil)
			require.ErrorIs(testInstance, creationError, testCase.expectedError)
			require.Nil(testInstance, client)
		})
	}
}

func TestResolveAPIVersion(testInstance *testing.T) {
	require.Equal(testInstance, "2.0", gateway.ResolveAPIVersion("https://bitbucket.org/", ""))
	require.Equal(testInstance, "1.0", gateway.ResolveAPIVersion("https://git.example.com/", ""))
	require.Equal(testInstance, "3.0", gateway.ResolveAPIVersion("https://bitbucket.org/", " 3.0 "))
}

func TestCreatePullRequestSendsRefsAndDecodesHandle(testInstance *testing.T) {
	client, recorder := newTestClient(testInstance, func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(http.StatusCreated)
		_, _ = writer.Write([]byte(`{"id": 42, "version": 3}`))
	}, nil)

	handle, createError := client.CreatePullRequest(context.Background(), gateway.PullRequestDraft{
		Title:       "[Migration Import 7, OPEN] Fix",
		Description: "body",
		SourceRef:   "import/7/source",
		TargetRef:   "refs/heads/import/7/destination",
	})
	require.NoError(testInstance, createError)
	require.Equal(testInstance, gateway.Handle{ID: 42, Version: 3}, handle)

	require.Len(testInstance, recorder.requests, 1)
	recorded := recorder.requests[0]
	require.Equal(testInstance, http.MethodPost, recorded.Method)
	require.Equal(testInstance, testPullRequestsPathConstant, recorded.Path)
	require.Equal(testInstance, testUsernameConstant, recorded.Username)
	require.Equal(testInstance, testPasswordConstant, recorded.Password)
	require.Equal(testInstance, "no-check", recorded.XSRF)

	var payload struct {
		Title   string `json:"title"`
		FromRef struct {
			ID string `json:"id"`
		} `json:"fromRef"`
		ToRef struct {
			ID string `json:"id"`
		} `json:"toRef"`
	}
	require.NoError(testInstance, json.Unmarshal([]byte(recorded.Body), &payload))
	require.Equal(testInstance, "refs/heads/import/7/source", payload.FromRef.ID)
	require.Equal(testInstance, "refs/heads/import/7/destination", payload.ToRef.ID)
}

func TestListPullRequestsUsesRepositoryOverrideAndFilters(testInstance *testing.T) {
	client, recorder := newTestClient(testInstance, func(writer http.ResponseWriter, request *http.Request) {
		_, _ = writer.Write([]byte(`{"values":[{"id":5,"title":"[Migration Import 3, OPEN] A","version":1,"state":"OPEN"}],"isLastPage":false,"nextPageStart":100}`))
	}, nil)

	page, listError := client.ListPullRequests(context.Background(), gateway.ListPullRequestsOptions{
		Cursor:      0,
		TitleFilter: "Migration Import",
		Repository:  testOtherRepositoryConstant,
	})
	require.NoError(testInstance, listError)
	require.False(testInstance, page.IsLastPage)
	require.Equal(testInstance, 100, page.NextCursor)
	require.Equal(testInstance, []gateway.PullRequestSummary{{ID: 5, Title: "[Migration Import 3, OPEN] A", Version: 1, State: gateway.PullRequestStateOpen}}, page.Values)

	recorded := recorder.requests[0]
	require.Equal(testInstance, testOtherPullRequestsPathConstant, recorded.Path)
	require.Contains(testInstance, recorded.Query, "state=ALL")
	require.Contains(testInstance, recorded.Query, "filterText=Migration+Import")
	require.Contains(testInstance, recorded.Query, "start=0")
}

func TestCollectPullRequestsFollowsCursor(testInstance *testing.T) {
	client, _ := newTestClient(testInstance, func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Query().Get("start") == "0" {
			_, _ = writer.Write([]byte(`{"values":[{"id":1,"title":"a"}],"isLastPage":false,"nextPageStart":1}`))
			return
		}
		_, _ = writer.Write([]byte(`{"values":[{"id":2,"title":"b"}],"isLastPage":true}`))
	}, nil)

	summaries, collectError := gateway.CollectPullRequests(context.Background(), client, gateway.ListPullRequestsOptions{})
	require.NoError(testInstance, collectError)
	require.Len(testInstance, summaries, 2)
	require.Equal(testInstance, 2, summaries[1].ID)
}

func TestDeleteBranchUsesBranchUtilsEndpoint(testInstance *testing.T) {
	client, recorder := newTestClient(testInstance, func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(http.StatusNoContent)
	}, nil)

	require.NoError(testInstance, client.DeleteBranch(context.Background(), "import/7/source"))
	recorded := recorder.requests[0]
	require.Equal(testInstance, http.MethodDelete, recorded.Method)
	require.Equal(testInstance, testBranchDeletePathConstant, recorded.Path)
	require.Contains(testInstance, recorded.Body, `"refs/heads/import/7/source"`)
}

func TestGetCommitMapsNotFoundToFalse(testInstance *testing.T) {
	testCases := []struct {
		name           string
		statusCode     int
		expectedExists bool
		expectError    bool
	}{
		{name: "exists", statusCode: http.StatusOK, expectedExists: true},
		{name: "missing", statusCode: http.StatusNotFound, expectedExists: false},
		{name: "server_failure", statusCode: http.StatusInternalServerError, expectError: true},
	}

	for testCaseIndex, testCase := range testCases {
		testInstance.Run(fmt.Sprintf(testSubtestNameTemplateConstant, testCaseIndex, testCase.name), func(testInstance *testing.T) {
			client, recorder := newTestClient(testInstance, func(writer http.ResponseWriter, request *http.Request) {
				writer.WriteHeader(testCase.statusCode)
				_, _ = writer.Write([]byte(`{}`))
			}, nil)

			exists, commitError := client.GetCommit(context.Background(), "abc123")
			require.Equal(testInstance, testCommitPathConstant, recorder.requests[0].Path)
			if testCase.expectError {
				require.Error(testInstance, commitError)
				require.Equal(testInstance, http.StatusInternalServerError, gateway.StatusCode(commitError))
				return
			}
			require.NoError(testInstance, commitError)
			require.Equal(testInstance, testCase.expectedExists, exists)
		})
	}
}

func TestCreateCommentPayloads(testInstance *testing.T) {
	client, recorder := newTestClient(testInstance, func(writer http.ResponseWriter, request *http.Request) {
		_, _ = writer.Write([]byte(`{"id": 900}`))
	}, nil)

	replyID, replyError := client.CreateComment(context.Background(), 7, "reply", 12)
	require.NoError(testInstance, replyError)
	require.Equal(testInstance, 900, replyID)

	fileID, fileError := client.CreateFileComment(context.Background(), 7, "inline", gateway.FileAnchor{Path: "main.go", Line: 10, Side: gateway.LineSideRemoved})
	require.NoError(testInstance, fileError)
	require.Equal(testInstance, 900, fileID)

	require.Equal(testInstance, testCommentsPathConstant, recorder.requests[0].Path)
	require.Contains(testInstance, recorder.requests[0].Body, `"parent":{"id":12}`)
	require.Contains(testInstance, recorder.requests[1].Body, `"lineType":"REMOVED"`)
	require.Contains(testInstance, recorder.requests[1].Body, `"fileType":"FROM"`)
}

func TestListCommentsKeepsOnlyCommentActivities(testInstance *testing.T) {
	client, recorder := newTestClient(testInstance, func(writer http.ResponseWriter, request *http.Request) {
		_, _ = writer.Write([]byte(`{"values":[{"action":"OPENED"},{"action":"COMMENTED","comment":{"id":3,"text":"hello","version":0}}],"isLastPage":true}`))
	}, nil)

	page, listError := client.ListComments(context.Background(), 7, 0)
	require.NoError(testInstance, listError)
	require.True(testInstance, page.IsLastPage)
	require.Equal(testInstance, []gateway.Comment{{ID: 3, Text: "hello"}}, page.Values)
	require.Equal(testInstance, testActivitiesPathConstant, recorder.requests[0].Path)
}

func TestUploadAttachmentReturnsLink(testInstance *testing.T) {
	client, recorder := newTestClient(testInstance, func(writer http.ResponseWriter, request *http.Request) {
		file, header, formError := request.FormFile("files")
		if formError != nil {
			writer.WriteHeader(http.StatusBadRequest)
			return
		}
		defer file.Close()
		content, _ := io.ReadAll(file)
		_, _ = fmt.Fprintf(writer, `{"attachments":[{"links":{"self":{"href":"https://target/attachments/%s/%d"}}}]}`, header.Filename, len(content))
	}, nil)

	attachmentURL, uploadError := client.UploadAttachment(context.Background(), []byte("image"), "diagram.png")
	require.NoError(testInstance, uploadError)
	require.Equal(testInstance, "https://target/attachments/diagram.png/5", attachmentURL)
	require.Equal(testInstance, testAttachmentsPathConstant, recorder.requests[0].Path)
}

func TestStatusErrorsAreClassified(testInstance *testing.T) {
	testCases := []struct {
		name        string
		statusCode  int
		expectFatal bool
	}{
		{name: "unauthorized_is_fatal", statusCode: http.StatusUnauthorized, expectFatal: true},
		{name: "conflict_is_transient", statusCode: http.StatusConflict, expectFatal: false},
	}

	for testCaseIndex, testCase := range testCases {
		testInstance.Run(fmt.Sprintf(testSubtestNameTemplateConstant, testCaseIndex, testCase.name), func(testInstance *testing.T) {
			client, _ := newTestClient(testInstance, func(writer http.ResponseWriter, request *http.Request) {
				writer.WriteHeader(testCase.statusCode)
				_, _ = writer.Write([]byte(`{"errors":[{"message":"nope"}]}`))
			}, []int{http.StatusUnauthorized, http.StatusForbidden})

			_, createError := client.CreatePullRequest(context.Background(), gateway.PullRequestDraft{Title: "x", SourceRef: "a", TargetRef: "b"})
			require.Error(testInstance, createError)
			require.Equal(testInstance, testCase.expectFatal, gateway.IsFatal(createError))
			require.Equal(testInstance, testCase.statusCode, gateway.StatusCode(createError))

			var statusError gateway.StatusError
			require.True(testInstance, errors.As(createError, &statusError))
			require.Contains(testInstance, statusError.Body, "nope")
		})
	}
}
